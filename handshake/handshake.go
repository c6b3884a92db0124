/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package handshake runs the identify/challenge exchange that must complete
// on every signaling connection before any other request is accepted.
//
// The exchange is:
//
//	-> identification {user_id}
//	<- identification {public_key, challenge}
//	   secret = SharedSecret(local private, local public, public_key)
//	   answer = Decrypt(challenge, secret)
//	-> challenge_response {response: answer}
//	<- challenge_response (or an error frame carrying data.kind)
//
// Every failure after the socket answered is terminal for the session. The
// machine never retries; a fresh connection starts it again from scratch.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tejzpr/huddle-go-sdk/huddlesdk"
	"github.com/tejzpr/huddle-go-sdk/signaling"
)

// State is a handshake state.
type State string

const (
	StateUnauthenticated State = "UNAUTHENTICATED"
	StateIdentifying     State = "IDENTIFYING"
	StateChallenging     State = "CHALLENGING"
	StateIdentified      State = "IDENTIFIED"
	StateError           State = "ERROR"
)

// Error kinds declared by the server in data.kind of a rejected handshake.
const (
	KindUnauthenticatedChallenge = "unauthenticated-challenge"
	KindNoUpstreamPeer           = "no-upstream-peer-available"
)

// KeyExchange is the asymmetric key-exchange primitive. encryption.ECDH
// satisfies it.
type KeyExchange interface {
	SharedSecret(localPrivate, localPublic, remotePublic string) (string, error)
	Decrypt(ciphertext, secret string) (string, error)
}

// Sender is the part of the signaling client the handshake drives.
// *signaling.Client satisfies it.
type Sender interface {
	Request(ctx context.Context, msgType string, payload any) (*signaling.Frame, error)
	Identified() bool
	SetIdentified(identified bool)
}

// Identity is the local user and its key pair (JWK JSON strings).
type Identity struct {
	UserID     string
	PrivateKey string
	PublicKey  string
}

// Config holds handshake settings.
type Config struct {
	// Timeout bounds one complete run, both round trips included.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the default handshake configuration.
func DefaultConfig() *Config {
	return &Config{
		Timeout: 20 * time.Second,
	}
}

// StateHandler receives every handshake transition.
type StateHandler func(from, to State)

type identificationRequest struct {
	UserID string `json:"user_id"`
}

type identificationResponse struct {
	PublicKey string `json:"public_key"`
	Challenge string `json:"challenge"`
}

type challengeResponse struct {
	Response string `json:"response"`
}

// Machine is the handshake state machine for one session. A Machine outlives
// individual connections: Reset returns it to UNAUTHENTICATED when the socket
// drops, and the next Run identifies the new connection.
type Machine struct {
	mu       sync.Mutex
	config   *Config
	logger   huddlesdk.LoggerAdapter
	sender   Sender
	kx       KeyExchange
	identity Identity

	state State
	err   error
	// generation is bumped by Reset so a run that outlives its connection
	// cannot apply its result to the next one.
	generation uint64
	running    chan struct{}
	ready      chan struct{}
	changed    chan struct{}

	handlers      map[uint64]StateHandler
	nextHandlerID uint64
}

// New creates a handshake machine.
func New(config *Config, sender Sender, kx KeyExchange, identity Identity, logger huddlesdk.LoggerAdapter) *Machine {
	if config == nil {
		config = DefaultConfig()
	}
	return &Machine{
		config:   config,
		logger:   huddlesdk.OrNop(logger).With(zap.String("component", "handshake"), zap.String("user_id", identity.UserID)),
		sender:   sender,
		kx:       kx,
		identity: identity,
		state:    StateUnauthenticated,
		ready:    make(chan struct{}),
		changed:  make(chan struct{}),
		handlers: make(map[uint64]StateHandler),
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns the error that moved the machine to ERROR, or nil.
func (m *Machine) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Ready returns a channel closed once the current connection is identified.
// The channel is replaced on Reset.
func (m *Machine) Ready() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

// OnStateChange registers a handler for transitions. Handlers run
// synchronously on the goroutine making the transition.
func (m *Machine) OnStateChange(handler StateHandler) func() {
	if handler == nil {
		return func() {}
	}
	m.mu.Lock()
	m.nextHandlerID++
	id := m.nextHandlerID
	m.handlers[id] = handler
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.handlers, id)
		m.mu.Unlock()
	}
}

// Run identifies the current connection.
//
// Run is a no-op when already IDENTIFIED and returns the stored error when in
// ERROR. A concurrent call joins the run already in progress. Failures of the
// exchange itself move the machine to ERROR and are returned as
// *huddlesdk.HandshakeError; transport failures (socket not ready, timeout,
// disconnect) leave it UNAUTHENTICATED so a reconnect can try again.
func (m *Machine) Run(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateIdentified:
		m.mu.Unlock()
		return nil
	case StateError:
		err := m.err
		m.mu.Unlock()
		return err
	}
	if m.running != nil {
		running := m.running
		m.mu.Unlock()
		select {
		case <-running:
		case <-ctx.Done():
			return ctx.Err()
		}
		return m.result()
	}
	done := make(chan struct{})
	m.running = done
	gen := m.generation
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if m.running == done {
			m.running = nil
		}
		m.mu.Unlock()
		close(done)
	}()

	if m.sender.Identified() {
		m.transition(gen, StateIdentified, nil)
		return nil
	}

	if m.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.Timeout)
		defer cancel()
	}

	err := m.exchange(ctx, gen)
	if err != nil {
		var hsErr *huddlesdk.HandshakeError
		if errors.As(err, &hsErr) {
			m.logger.Error("handshake failed", err, zap.String("kind", string(hsErr.Kind)))
			m.transition(gen, StateError, err)
		} else {
			m.logger.Warn("handshake interrupted", zap.Error(err))
			m.transition(gen, StateUnauthenticated, nil)
		}
		return err
	}

	m.logger.Info("session identified")
	return nil
}

// result reports the outcome of a finished run to callers that joined it.
func (m *Machine) result() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateIdentified:
		return nil
	case StateError:
		return m.err
	}
	return huddlesdk.NewError(huddlesdk.CategoryTransportUnready, "handshake", "connection lost before identification")
}

func (m *Machine) exchange(ctx context.Context, gen uint64) error {
	if !m.transition(gen, StateIdentifying, nil) {
		return errStale
	}

	resp, err := m.sender.Request(ctx, signaling.TypeIdentification, &identificationRequest{UserID: m.identity.UserID})
	if err != nil {
		return classify(err)
	}

	var ident identificationResponse
	if err := resp.Decode(&ident); err != nil {
		return huddlesdk.NewHandshakeError(huddlesdk.HandshakeChallengeDecryptFailed, err)
	}
	if ident.PublicKey == "" || ident.Challenge == "" {
		return huddlesdk.NewHandshakeError(huddlesdk.HandshakeChallengeDecryptFailed,
			fmt.Errorf("identification response is missing public_key or challenge"))
	}

	if !m.transition(gen, StateChallenging, nil) {
		return errStale
	}

	secret, err := m.kx.SharedSecret(m.identity.PrivateKey, m.identity.PublicKey, ident.PublicKey)
	if err != nil {
		return huddlesdk.NewHandshakeError(huddlesdk.HandshakeChallengeDecryptFailed, fmt.Errorf("shared secret: %w", err))
	}
	answer, err := m.kx.Decrypt(ident.Challenge, secret)
	if err != nil {
		return huddlesdk.NewHandshakeError(huddlesdk.HandshakeChallengeDecryptFailed, fmt.Errorf("decrypt challenge: %w", err))
	}

	if _, err := m.sender.Request(ctx, signaling.TypeChallengeResponse, &challengeResponse{Response: answer}); err != nil {
		return classify(err)
	}

	m.mu.Lock()
	stale := m.generation != gen
	m.mu.Unlock()
	if stale {
		return errStale
	}
	m.sender.SetIdentified(true)
	if !m.sender.Identified() {
		// The socket left OPEN between the response and this point.
		return errStale
	}
	if !m.transition(gen, StateIdentified, nil) {
		return errStale
	}
	return nil
}

var errStale = huddlesdk.NewError(huddlesdk.CategoryTransportUnready, "handshake", "connection reset during handshake")

// classify maps a failed request to a handshake error. Error frames are
// fatal; everything else is a transport condition.
func classify(err error) error {
	var remote *huddlesdk.RemoteError
	if !errors.As(err, &remote) {
		return err
	}
	switch signaling.ErrorKind(remote.Type, remote.Data) {
	case KindUnauthenticatedChallenge:
		return huddlesdk.NewHandshakeError(huddlesdk.HandshakeUnauthenticatedChallenge, err)
	case KindNoUpstreamPeer:
		return huddlesdk.NewHandshakeError(huddlesdk.HandshakeNoUpstreamPeer, err)
	default:
		return huddlesdk.NewHandshakeError(huddlesdk.HandshakeUnknown, err)
	}
}

// WaitIdentified blocks until the current connection is identified, the
// machine fails, or ctx ends.
func (m *Machine) WaitIdentified(ctx context.Context) error {
	for {
		m.mu.Lock()
		state, err, changed := m.state, m.err, m.changed
		m.mu.Unlock()

		switch state {
		case StateIdentified:
			return nil
		case StateError:
			return err
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Reset returns the machine to UNAUTHENTICATED after the connection drops.
// ERROR is kept; only Restart clears it.
func (m *Machine) Reset() {
	m.mu.Lock()
	m.generation++
	gen := m.generation
	m.mu.Unlock()
	m.transition(gen, StateUnauthenticated, nil)
}

// Restart clears a terminal error so a new connection can identify again.
func (m *Machine) Restart() {
	m.mu.Lock()
	m.generation++
	gen := m.generation
	m.err = nil
	if m.state == StateError {
		m.state = StateUnauthenticated
		m.notifyLocked()
		m.mu.Unlock()
		m.emit(StateError, StateUnauthenticated)
		return
	}
	m.mu.Unlock()
	m.transition(gen, StateUnauthenticated, nil)
}

// transition moves to state if gen is still current. It refuses to leave
// ERROR and reports whether the transition applied.
func (m *Machine) transition(gen uint64, state State, err error) bool {
	m.mu.Lock()
	if gen != m.generation || m.state == StateError {
		m.mu.Unlock()
		return false
	}
	from := m.state
	if from == state {
		m.mu.Unlock()
		return true
	}
	m.state = state
	m.err = err
	switch state {
	case StateIdentified:
		close(m.ready)
	case StateUnauthenticated, StateError:
		if from == StateIdentified {
			m.ready = make(chan struct{})
		}
	}
	m.notifyLocked()
	m.mu.Unlock()

	m.logger.Debug("handshake state changed", zap.String("from", string(from)), zap.String("to", string(state)))
	m.emit(from, state)
	return true
}

func (m *Machine) notifyLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}

func (m *Machine) emit(from, to State) {
	m.mu.Lock()
	handlers := make([]StateHandler, 0, len(m.handlers))
	for _, h := range m.handlers {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()
	for _, h := range handlers {
		h(from, to)
	}
}
