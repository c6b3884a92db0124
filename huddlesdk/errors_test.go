/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package huddlesdk

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestSessionError_ErrorMessage(t *testing.T) {
	tests := []struct {
		name     string
		err      *SessionError
		contains []string
	}{
		{
			name:     "category only",
			err:      &SessionError{Category: CategoryTimeout},
			contains: []string{"timeout"},
		},
		{
			name:     "with op and message",
			err:      NewError(CategoryTransportUnready, "signaling.send", "socket not ready"),
			contains: []string{"signaling.send", "transport_unready", "socket not ready"},
		},
		{
			name:     "with cause",
			err:      NewError(CategoryRemote, "rpc", "rejected").Wrap(errors.New("boom")),
			contains: []string{"rejected", "boom"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, want := range tt.contains {
				if !strings.Contains(msg, want) {
					t.Errorf("Error() = %q, expected to contain %q", msg, want)
				}
			}
		})
	}
}

func TestSessionError_IsSurvivesWrap(t *testing.T) {
	sentinel := NewError(CategoryDisconnected, "signaling", "disconnected before response")
	wrapped := fmt.Errorf("get_user_data: %w", sentinel.Wrap(errors.New("read tcp: EOF")))

	if !errors.Is(wrapped, sentinel) {
		t.Error("Expected errors.Is to match the sentinel after Wrap")
	}
	if !IsDisconnected(wrapped) {
		t.Error("Expected IsDisconnected to be true")
	}

	other := NewError(CategoryDisconnected, "signaling", "something else")
	if errors.Is(wrapped, other) {
		t.Error("Expected errors.Is not to match a sentinel with another message")
	}
}

func TestSubTypes(t *testing.T) {
	t.Run("handshake", func(t *testing.T) {
		err := fmt.Errorf("open: %w", NewHandshakeError(HandshakeNoUpstreamPeer, nil))
		if !IsHandshakeFatal(err) {
			t.Fatal("Expected IsHandshakeFatal")
		}
		var hs *HandshakeError
		if !errors.As(err, &hs) || hs.Kind != HandshakeNoUpstreamPeer {
			t.Errorf("Expected kind %q, got %+v", HandshakeNoUpstreamPeer, hs)
		}
		var base *SessionError
		if !errors.As(err, &base) || base.Category != CategoryHandshakeFatal {
			t.Errorf("Expected base category %q", CategoryHandshakeFatal)
		}
		if !IsSessionFatal(err) {
			t.Error("Expected handshake errors to be session fatal")
		}
	})

	t.Run("remote", func(t *testing.T) {
		err := NewRemoteError("rpc", "error_forbidden", []byte(`{"kind":"forbidden"}`))
		if !IsRemote(err) {
			t.Fatal("Expected IsRemote")
		}
		if IsTimeout(err) {
			t.Error("Remote error must not look like a timeout")
		}
		if string(err.Data) != `{"kind":"forbidden"}` {
			t.Errorf("Unexpected data %s", err.Data)
		}
	})

	t.Run("media", func(t *testing.T) {
		cause := errors.New("permission denied")
		err := NewMediaError("audio.capture", "mic-1", cause)
		if !IsMediaFailure(err) || !IsSessionFatal(err) {
			t.Fatal("Expected media failure to be session fatal")
		}
		if !errors.Is(err, cause) {
			t.Error("Expected cause to be reachable")
		}
		if err.Device != "mic-1" {
			t.Errorf("Expected device mic-1, got %q", err.Device)
		}
	})
}

func TestCategoryOf(t *testing.T) {
	if got := CategoryOf(errors.New("plain")); got != "" {
		t.Errorf("Expected empty category for plain error, got %q", got)
	}
	if got := CategoryOf(InvalidArgument("calling.connect", "empty call id %q", "")); got != CategoryInvalidArgument {
		t.Errorf("Expected %q, got %q", CategoryInvalidArgument, got)
	}
	if IsSwitchCancelled(nil) || IsPreempted(nil) || IsTransportUnready(nil) {
		t.Error("nil must not match any category")
	}
}

func TestParseLevel(t *testing.T) {
	for _, tt := range []struct{ in, want string }{
		{"debug", "debug"},
		{"warn", "warn"},
		{"error", "error"},
		{"nonsense", "info"},
	} {
		if got := ParseLevel(tt.in).String(); got != tt.want {
			t.Errorf("ParseLevel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestOrNop(t *testing.T) {
	l := OrNop(nil)
	if l == nil {
		t.Fatal("Expected a logger")
	}
	l.With().Info("discarded")
	l.Error("discarded", errors.New("x"))
}
