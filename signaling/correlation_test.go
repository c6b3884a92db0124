/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package signaling

import (
	"errors"
	"testing"
	"time"

	"github.com/tejzpr/huddle-go-sdk/huddlesdk"
)

func TestCorrelationMap(t *testing.T) {
	t.Run("resolve delivers once", func(t *testing.T) {
		m := newCorrelationMap(time.Second)
		ch := m.add("a", "ping")

		if !m.resolve(&Frame{ID: "a", Type: "pong"}) {
			t.Fatal("Expected resolve to find the request")
		}
		if m.resolve(&Frame{ID: "a", Type: "pong"}) {
			t.Error("Second resolve must not find the request")
		}

		res := <-ch
		if res.err != nil || res.frame.Type != "pong" {
			t.Errorf("Unexpected result %+v", res)
		}
		select {
		case extra := <-ch:
			t.Errorf("Unexpected second delivery %+v", extra)
		default:
		}
	})

	t.Run("frames without id are not responses", func(t *testing.T) {
		m := newCorrelationMap(time.Second)
		m.add("a", "ping")
		if m.resolve(&Frame{Type: "pong"}) {
			t.Error("Frame without id must not resolve anything")
		}
		if m.len() != 1 {
			t.Errorf("Expected 1 pending, got %d", m.len())
		}
	})

	t.Run("error frame rejects", func(t *testing.T) {
		m := newCorrelationMap(time.Second)
		ch := m.add("a", "ping")
		m.resolve(&Frame{ID: "a", Type: "error:bad"})
		res := <-ch
		if !huddlesdk.IsRemote(res.err) {
			t.Errorf("Expected remote error, got %v", res.err)
		}
	})

	t.Run("timeout removes entry", func(t *testing.T) {
		m := newCorrelationMap(20 * time.Millisecond)
		ch := m.add("a", "ping")
		select {
		case res := <-ch:
			if !errors.Is(res.err, ErrRequestTimeout) {
				t.Errorf("Expected timeout, got %v", res.err)
			}
		case <-time.After(time.Second):
			t.Fatal("Timeout never fired")
		}
		if m.len() != 0 {
			t.Errorf("Expected empty map, got %d", m.len())
		}
	})

	t.Run("response after timeout is ignored", func(t *testing.T) {
		m := newCorrelationMap(10 * time.Millisecond)
		ch := m.add("a", "ping")
		<-ch
		if m.resolve(&Frame{ID: "a", Type: "pong"}) {
			t.Error("Late response must not resolve a timed out request")
		}
	})

	t.Run("rejectAll drains", func(t *testing.T) {
		m := newCorrelationMap(time.Second)
		var chans []<-chan response
		for _, id := range []string{"a", "b", "c", "d", "e"} {
			chans = append(chans, m.add(id, "ping"))
		}
		if n := m.rejectAll(ErrDisconnected); n != 5 {
			t.Errorf("Expected 5 rejected, got %d", n)
		}
		for _, ch := range chans {
			if res := <-ch; !errors.Is(res.err, ErrDisconnected) {
				t.Errorf("Expected ErrDisconnected, got %v", res.err)
			}
		}
		if m.len() != 0 {
			t.Errorf("Expected empty map, got %d", m.len())
		}
	})

	t.Run("cancel", func(t *testing.T) {
		m := newCorrelationMap(time.Second)
		m.add("a", "ping")
		if !m.cancel("a") {
			t.Error("Expected cancel to remove the entry")
		}
		if m.cancel("a") {
			t.Error("Second cancel must report false")
		}
	})

	t.Run("ids are unique", func(t *testing.T) {
		seen := make(map[string]bool)
		for i := 0; i < 1000; i++ {
			id := generateRequestID()
			if seen[id] {
				t.Fatalf("Duplicate id %s", id)
			}
			seen[id] = true
		}
	})
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		name      string
		frameType string
		data      string
		want      string
	}{
		{"kind in data", "error", `{"kind":"unauthenticated-challenge"}`, "unauthenticated-challenge"},
		{"kind from suffix", "error_no-upstream-peer-available", "", "no-upstream-peer-available"},
		{"colon separator", "error:unknown", `{"message":"x"}`, "unknown"},
		{"bare", "error", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorKind(tt.frameType, []byte(tt.data)); got != tt.want {
				t.Errorf("ErrorKind() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFrameHelpers(t *testing.T) {
	if !IsHandshakeType(TypeIdentification) || !IsHandshakeType(TypeChallengeResponse) {
		t.Error("Expected handshake types to be recognised")
	}
	if IsHandshakeType("get_user_data") {
		t.Error("get_user_data is not a handshake type")
	}
	if !(&Frame{Type: "error_x"}).IsError() || (&Frame{Type: "identification"}).IsError() {
		t.Error("IsError misclassified a frame")
	}

	if _, err := decodeFrame([]byte(`{"id":"1"}`)); err == nil {
		t.Error("Expected frames without a type to be rejected")
	}

	raw, err := encodePayload(nil)
	if err != nil || raw != nil {
		t.Errorf("Expected nil payload, got %s (%v)", raw, err)
	}
	raw, err = encodePayload(map[string]int{"a": 1})
	if err != nil || string(raw) != `{"a":1}` {
		t.Errorf("Unexpected payload %s (%v)", raw, err)
	}
}
