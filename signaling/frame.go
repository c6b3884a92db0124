/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package signaling

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
)

// ErrorTypePrefix marks an error frame. Any inbound frame whose type begins
// with it rejects the matching request.
const ErrorTypePrefix = "error"

// Message types that may be sent before the session is identified.
const (
	TypeIdentification    = "identification"
	TypeChallengeResponse = "challenge_response"
)

// Frame is a single signaling message on the wire:
//
//	{"id": "...", "type": "...", "data": {...}}
//
// Outbound frames without an id are fire-and-forget. Responses echo the id
// of the request they answer.
type Frame struct {
	ID   string          `json:"id,omitempty"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// IsError reports whether the frame carries an error.
func (f *Frame) IsError() bool {
	return IsErrorType(f.Type)
}

// Decode unmarshals the frame payload into v. An empty payload leaves v untouched.
func (f *Frame) Decode(v any) error {
	if len(f.Data) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("decoding %q payload: %w", f.Type, err)
	}
	return nil
}

// IsErrorType reports whether a frame type is an error type.
func IsErrorType(t string) bool {
	return strings.HasPrefix(t, ErrorTypePrefix)
}

// IsHandshakeType reports whether msgType may be sent before identification.
func IsHandshakeType(msgType string) bool {
	return msgType == TypeIdentification || msgType == TypeChallengeResponse
}

// ErrorKind extracts the declared kind of an error frame. The kind is read
// from data.kind when present and otherwise from the type suffix
// ("error_no-upstream-peer-available" -> "no-upstream-peer-available").
func ErrorKind(frameType string, data []byte) string {
	if len(data) > 0 {
		var detail struct {
			Kind string `json:"kind"`
		}
		if err := sonic.Unmarshal(data, &detail); err == nil && detail.Kind != "" {
			return detail.Kind
		}
	}
	kind := strings.TrimPrefix(frameType, ErrorTypePrefix)
	return strings.TrimLeft(kind, "_:.-")
}

func encodeFrame(f *Frame) ([]byte, error) {
	b, err := sonic.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encoding %q frame: %w", f.Type, err)
	}
	return b, nil
}

func decodeFrame(b []byte) (*Frame, error) {
	var f Frame
	if err := sonic.Unmarshal(b, &f); err != nil {
		return nil, err
	}
	if f.Type == "" {
		return nil, fmt.Errorf("frame without type")
	}
	return &f, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	b, err := sonic.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	return b, nil
}
