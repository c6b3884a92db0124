/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package huddlesdk

import (
	"errors"
	"fmt"
)

// Category classifies a SessionError so callers can tell a local refusal from a
// server refusal, a timeout, or a session-level failure.
type Category string

const (
	// CategoryTransportUnready is returned when an RPC is attempted while the
	// socket is not open or the session is not yet identified. Nothing is sent.
	CategoryTransportUnready Category = "transport_unready"
	// CategoryTimeout is returned when a request was sent but no matching
	// response arrived before its deadline.
	CategoryTimeout Category = "timeout"
	// CategoryHandshakeFatal marks a handshake failure. Terminal for the session.
	CategoryHandshakeFatal Category = "handshake_fatal"
	// CategoryPreempted is returned to a pending connect superseded by a newer one.
	CategoryPreempted Category = "lifecycle_preempted"
	// CategoryMediaFailure covers device, permission and publish errors.
	CategoryMediaFailure Category = "media_failure"
	// CategoryDisconnected is returned to requests and connects that were still
	// pending when the connection went away.
	CategoryDisconnected Category = "disconnect_during_pending"
	// CategoryRemote wraps an error frame returned by the server.
	CategoryRemote Category = "remote"
	// CategoryConfirmationRequired signals that a call switch awaits a decision.
	CategoryConfirmationRequired Category = "confirmation_required"
	// CategorySwitchCancelled is returned to a connect whose switch was declined.
	CategorySwitchCancelled Category = "switch_cancelled"
	// CategoryInvalidArgument is returned for malformed caller input.
	CategoryInvalidArgument Category = "invalid_argument"
)

// SessionError is the base error type for everything the session core reports.
// Specific sub-types embed it, so errors.As(err, &base) gives access to the
// common fields regardless of the concrete type.
type SessionError struct {
	// Category is the taxonomy bucket of the failure.
	Category Category

	// Op names the operation that failed (e.g. "signaling.send").
	Op string

	// Message is a human readable description.
	Message string

	// Err is an optional wrapped cause.
	Err error
}

// NewError creates a base SessionError.
func NewError(category Category, op, message string) *SessionError {
	return &SessionError{Category: category, Op: op, Message: message}
}

// Error implements the error interface.
func (e *SessionError) Error() string {
	msg := string(e.Category)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the wrapped error, if any.
func (e *SessionError) Unwrap() error {
	return e.Err
}

// Is matches another *SessionError of the same category, op and message so that
// package sentinels keep working after being re-wrapped with a cause.
func (e *SessionError) Is(target error) bool {
	t, ok := target.(*SessionError)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Op == t.Op && e.Message == t.Message
}

// Wrap returns a copy of e carrying cause.
func (e *SessionError) Wrap(cause error) *SessionError {
	c := *e
	c.Err = cause
	return &c
}

// --- Specific error sub-types ---

// HandshakeErrorKind is the declared reason for a failed handshake.
type HandshakeErrorKind string

const (
	HandshakeChallengeDecryptFailed   HandshakeErrorKind = "challenge_decrypt_failed"
	HandshakeUnauthenticatedChallenge HandshakeErrorKind = "unauthenticated_challenge"
	HandshakeNoUpstreamPeer           HandshakeErrorKind = "no_upstream_peer"
	HandshakeUnknown                  HandshakeErrorKind = "unknown"
)

// HandshakeError is returned when the identify/challenge exchange fails.
// It is never retried by the handshake itself.
type HandshakeError struct {
	*SessionError
	Kind HandshakeErrorKind
}

// Unwrap returns the underlying SessionError for errors.As traversal.
func (e *HandshakeError) Unwrap() error { return e.SessionError }

// NewHandshakeError creates a HandshakeError of the given kind.
func NewHandshakeError(kind HandshakeErrorKind, cause error) *HandshakeError {
	return &HandshakeError{
		SessionError: &SessionError{
			Category: CategoryHandshakeFatal,
			Op:       "handshake",
			Message:  string(kind),
			Err:      cause,
		},
		Kind: kind,
	}
}

// RemoteError carries an error frame returned by the server in response to
// a request. Type is the full frame type, Data the raw frame payload.
type RemoteError struct {
	*SessionError
	Type string
	Data []byte
}

// Unwrap returns the underlying SessionError for errors.As traversal.
func (e *RemoteError) Unwrap() error { return e.SessionError }

// NewRemoteError creates a RemoteError for an error frame.
func NewRemoteError(op, frameType string, data []byte) *RemoteError {
	return &RemoteError{
		SessionError: &SessionError{
			Category: CategoryRemote,
			Op:       op,
			Message:  frameType,
		},
		Type: frameType,
		Data: data,
	}
}

// MediaError is returned when capturing or publishing local audio fails.
type MediaError struct {
	*SessionError
	// Device is the input device that was requested, empty for the default.
	Device string
}

// Unwrap returns the underlying SessionError for errors.As traversal.
func (e *MediaError) Unwrap() error { return e.SessionError }

// NewMediaError creates a MediaError for op.
func NewMediaError(op, device string, cause error) *MediaError {
	return &MediaError{
		SessionError: &SessionError{
			Category: CategoryMediaFailure,
			Op:       op,
			Err:      cause,
		},
		Device: device,
	}
}

// --- Convenience functions ---

// CategoryOf returns the category of err, or "" if err is not a *SessionError.
func CategoryOf(err error) Category {
	var e *SessionError
	if errors.As(err, &e) {
		return e.Category
	}
	return ""
}

// IsTransportUnready reports whether err was a local refusal to send.
func IsTransportUnready(err error) bool {
	return CategoryOf(err) == CategoryTransportUnready
}

// IsTimeout reports whether err is a request deadline expiry.
func IsTimeout(err error) bool {
	return CategoryOf(err) == CategoryTimeout
}

// IsHandshakeFatal reports whether err is a handshake failure.
func IsHandshakeFatal(err error) bool {
	var e *HandshakeError
	return errors.As(err, &e)
}

// IsPreempted reports whether err is a superseded lifecycle operation.
func IsPreempted(err error) bool {
	return CategoryOf(err) == CategoryPreempted
}

// IsMediaFailure reports whether err is an audio device or publish failure.
func IsMediaFailure(err error) bool {
	var e *MediaError
	return errors.As(err, &e)
}

// IsDisconnected reports whether err is a pending operation cut off by a disconnect.
func IsDisconnected(err error) bool {
	return CategoryOf(err) == CategoryDisconnected
}

// IsRemote reports whether err is an error frame from the server.
func IsRemote(err error) bool {
	var e *RemoteError
	return errors.As(err, &e)
}

// IsSwitchCancelled reports whether err is a declined call switch.
func IsSwitchCancelled(err error) bool {
	return CategoryOf(err) == CategorySwitchCancelled
}

// IsSessionFatal reports whether err invalidates the whole session rather
// than a single request.
func IsSessionFatal(err error) bool {
	return IsHandshakeFatal(err) || IsMediaFailure(err)
}

// InvalidArgument builds a CategoryInvalidArgument error.
func InvalidArgument(op, format string, args ...any) *SessionError {
	return NewError(CategoryInvalidArgument, op, fmt.Sprintf(format, args...))
}
