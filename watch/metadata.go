/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package watch

import (
	"github.com/bytedance/sonic"
)

// Keys owned by the synchronizer inside a participant's metadata blob.
const (
	KeyDeafened       = "deafened"
	KeyIsAdmin        = "isAdmin"
	KeyStreamPreview  = "stream_preview"
	KeyWatchingStream = "watching_stream"
)

// blobCodec keeps foreign values intact across a read-modify-write: numbers
// decode to json.Number and are written back as the same literal, and strings
// are not HTML-escaped on the way out.
var blobCodec = sonic.Config{
	SortMapKeys: true,
	UseNumber:   true,
}.Froze()

// Metadata is a decoded participant metadata blob. Numbers are json.Number.
type Metadata map[string]any

// Decode parses blob. Empty or malformed blobs, and blobs that are not JSON
// objects, decode to an empty Metadata.
func Decode(blob string) Metadata {
	var m Metadata
	if blob == "" {
		return Metadata{}
	}
	if err := blobCodec.UnmarshalFromString(blob, &m); err != nil || m == nil {
		return Metadata{}
	}
	return m
}

// Encode serialises m with sorted keys.
func (m Metadata) Encode() (string, error) {
	if m == nil {
		m = Metadata{}
	}
	return blobCodec.MarshalToString(m)
}

// Bool returns the boolean at key, false if absent or not a bool.
func (m Metadata) Bool(key string) bool {
	b, _ := m[key].(bool)
	return b
}

// String returns the string at key, "" if absent or not a string.
func (m Metadata) String(key string) string {
	s, _ := m[key].(string)
	return s
}

// Merge applies set and remove to blob and returns the re-encoded result.
// Keys not named in set or remove are carried over unchanged.
func Merge(blob string, set map[string]any, remove ...string) (string, error) {
	m := Decode(blob)
	for k, v := range set {
		m[k] = v
	}
	for _, k := range remove {
		delete(m, k)
	}
	return m.Encode()
}
