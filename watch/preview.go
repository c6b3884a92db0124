/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package watch

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"
)

const previewPrefix = "data:image/jpeg;base64,"

// FrameSource yields still frames of the local screen share.
type FrameSource interface {
	Snapshot(ctx context.Context) (image.Image, error)
}

// FrameSourceFunc adapts a func to FrameSource.
type FrameSourceFunc func(ctx context.Context) (image.Image, error)

func (f FrameSourceFunc) Snapshot(ctx context.Context) (image.Image, error) { return f(ctx) }

// EncodePreview downscales img to at most maxWidth pixels wide, keeping the
// aspect ratio, and returns it as a JPEG data URL.
func EncodePreview(img image.Image, maxWidth, quality int) (string, error) {
	if img == nil {
		return "", errors.New("nil frame")
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return "", fmt.Errorf("empty frame %v", b)
	}
	w, h := b.Dx(), b.Dy()
	if maxWidth > 0 && w > maxWidth {
		h = h * maxWidth / w
		if h < 1 {
			h = 1
		}
		w = maxWidth
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: quality}); err != nil {
		return "", fmt.Errorf("encode preview: %w", err)
	}
	return previewPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// DecodePreview parses a data URL written by EncodePreview.
func DecodePreview(dataURL string) (image.Image, error) {
	if len(dataURL) < len(previewPrefix) || dataURL[:len(previewPrefix)] != previewPrefix {
		return nil, errors.New("not a jpeg data url")
	}
	raw, err := base64.StdEncoding.DecodeString(dataURL[len(previewPrefix):])
	if err != nil {
		return nil, fmt.Errorf("decode preview: %w", err)
	}
	return jpeg.Decode(bytes.NewReader(raw))
}
