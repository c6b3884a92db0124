/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package huddle ties the signaling socket, handshake, call lifecycle, audio
// pipeline and watch synchronizer together into one Session.
package huddle

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/tejzpr/huddle-go-sdk/audio"
	"github.com/tejzpr/huddle-go-sdk/calling"
	"github.com/tejzpr/huddle-go-sdk/encryption"
	"github.com/tejzpr/huddle-go-sdk/handshake"
	"github.com/tejzpr/huddle-go-sdk/huddlesdk"
	"github.com/tejzpr/huddle-go-sdk/settings"
	"github.com/tejzpr/huddle-go-sdk/signaling"
	"github.com/tejzpr/huddle-go-sdk/transport"
	"github.com/tejzpr/huddle-go-sdk/watch"
)

// ErrSessionClosed is returned by operations on a closed Session.
var ErrSessionClosed = huddlesdk.NewError(huddlesdk.CategoryTransportUnready, "session", "session closed")

// Dependencies are the collaborators a Session is built around. Only
// Provider is required.
type Dependencies struct {
	// Provider is the media transport.
	Provider transport.Provider
	// Capturer opens the microphone; defaults to audio.MediaDevicesCapturer.
	Capturer audio.Capturer
	// Settings overrides the store opened from Config.Settings. A store
	// passed here is not closed by Session.Close.
	Settings settings.Store
	// KeyExchange defaults to encryption.ECDH.
	KeyExchange handshake.KeyExchange
	// Identity overrides the identity read from Settings.
	Identity *handshake.Identity
	// Logger overrides the logger built from Config.Logging.
	Logger huddlesdk.LoggerAdapter
}

// ErrorHandler receives errors that have no caller to return to: fatal
// handshake failures, audio attach failures and invite failures.
type ErrorHandler func(err error)

// Session owns one signaling socket, one call and one audio pipeline.
type Session struct {
	config    *Config
	logger    huddlesdk.LoggerAdapter
	provider  transport.Provider
	store     settings.Store
	ownsStore bool
	identity  handshake.Identity

	signaling *signaling.Client
	handshake *handshake.Machine
	calling   *calling.Controller
	audio     *audio.Manager
	watch     *watch.Synchronizer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	closed        bool
	errorHandlers map[uint64]ErrorHandler
	nextID        uint64
	removers      []func()
}

// NewSession builds a session from cfg (nil for defaults) and deps.
func NewSession(cfg *Config, deps Dependencies) (*Session, error) {
	if deps.Provider == nil {
		return nil, huddlesdk.InvalidArgument("session.new", "a transport provider is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}

	logger := deps.Logger
	if logger == nil {
		var err error
		if logger, err = cfg.Logging.NewLogger(); err != nil {
			return nil, err
		}
	}
	logger = huddlesdk.OrNop(logger)

	s := &Session{
		config:        cfg,
		logger:        logger.With(zap.String("component", "session")),
		provider:      deps.Provider,
		store:         deps.Settings,
		errorHandlers: make(map[uint64]ErrorHandler),
	}
	if s.store == nil {
		store, err := settings.Open(&cfg.Settings, logger)
		if err != nil {
			return nil, err
		}
		s.store, s.ownsStore = store, true
	}

	if deps.Identity != nil {
		s.identity = *deps.Identity
	} else {
		id, err := LoadIdentity(context.Background(), s.store)
		if err != nil {
			s.closeStore()
			return nil, err
		}
		s.identity = id
	}

	kx := deps.KeyExchange
	if kx == nil {
		kx = encryption.NewECDH()
	}
	capturer := deps.Capturer
	if capturer == nil {
		capturer = audio.NewMediaDevicesCapturer(logger)
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.signaling = signaling.New(&cfg.Signaling, logger)
	s.handshake = handshake.New(&cfg.Handshake, s.signaling, kx, s.identity, logger)
	s.calling = calling.New(&cfg.Calling, s.provider, s, logger)
	s.audio = audio.New(&cfg.Audio, s.provider, capturer, s.store, logger)
	s.watch = watch.New(&cfg.Watch, s.provider, logger)
	s.wire()
	return s, nil
}

// LoadIdentity reads the user id and key pair from store. A missing key pair
// is generated and persisted; a missing user id is an error.
func LoadIdentity(ctx context.Context, store settings.Store) (handshake.Identity, error) {
	userID := settings.String(ctx, store, settings.KeyUserID, "")
	if userID == "" {
		return handshake.Identity{}, huddlesdk.InvalidArgument("session.identity", "%s is not set", settings.KeyUserID)
	}
	priv := settings.String(ctx, store, settings.KeyIdentityPrivateKey, "")
	pub := settings.String(ctx, store, settings.KeyIdentityPublicKey, "")
	if priv == "" || pub == "" {
		kp, err := encryption.GenerateKeyPair()
		if err != nil {
			return handshake.Identity{}, err
		}
		if err := store.Set(ctx, settings.KeyIdentityPrivateKey, kp.PrivateKey); err != nil {
			return handshake.Identity{}, err
		}
		if err := store.Set(ctx, settings.KeyIdentityPublicKey, kp.PublicKey); err != nil {
			return handshake.Identity{}, err
		}
		priv, pub = kp.PrivateKey, kp.PublicKey
	}
	return handshake.Identity{UserID: userID, PrivateKey: priv, PublicKey: pub}, nil
}

func (s *Session) wire() {
	s.removers = append(s.removers,
		s.signaling.OnStateChange(func(state signaling.ReadyState) {
			switch state {
			case signaling.StateOpen:
				s.goIdentify()
			case signaling.StateClosing, signaling.StateClosed:
				s.handshake.Reset()
			}
		}),
		s.calling.Emitter.On(calling.EventConnected, func(interface{}) {
			s.goAttachAudio()
		}),
		s.calling.Emitter.On(calling.EventShouldConnect, func(data interface{}) {
			if connect, ok := data.(bool); ok && !connect {
				s.teardownMedia()
			}
		}),
		s.calling.Emitter.On(calling.EventDisconnected, func(interface{}) {
			s.teardownMedia()
		}),
		s.calling.Emitter.On(calling.EventInviteError, func(data interface{}) {
			if err, ok := data.(error); ok {
				s.report(err)
			}
		}),
		s.provider.AddCallback(&transport.Callback{
			OnTrackSubscribed: s.audio.HandleTrackSubscribed,
			OnTrackUnsubscribed: func(track transport.RemoteTrack, p transport.Participant) {
				s.audio.HandleTrackUnsubscribed(track, p)
				s.watch.HandleTrackUnsubscribed(track, p)
			},
			OnParticipantConnected: s.watch.HandleParticipantConnected,
			OnParticipantDisconnected: func(p transport.Participant) {
				s.audio.HandleParticipantDisconnected(p)
				s.watch.HandleParticipantDisconnected(p)
			},
			OnMetadataChanged: s.watch.HandleMetadataChanged,
		}),
	)
	if fs, ok := s.store.(*settings.FileStore); ok {
		s.removers = append(s.removers, fs.OnChange(func(key, _ string, _ bool) {
			s.logger.Debug("setting changed on disk", zap.String("key", key))
			s.audio.ApplySettings(s.ctx)
		}))
	}
}

func (s *Session) goIdentify() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		if err := s.handshake.Run(s.ctx); err != nil && huddlesdk.IsHandshakeFatal(err) {
			s.report(err)
		}
	}()
}

func (s *Session) goAttachAudio() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		identity := s.identity.UserID
		if lp := s.provider.LocalParticipant(); lp != nil && lp.Identity() != "" {
			identity = lp.Identity()
		}
		if err := s.audio.Attach(s.ctx, identity); err != nil {
			s.report(err)
			return
		}
		if s.audio.Deafened() {
			if err := s.watch.SetDeafened(true); err != nil {
				s.logger.Debug("deafened flag not published", zap.Error(err))
			}
		}
	}()
}

func (s *Session) teardownMedia() {
	s.audio.Teardown()
	if err := s.watch.StopSharing(); err != nil {
		s.logger.Debug("preview removal not published", zap.Error(err))
	}
	s.watch.Reset()
}

// Open dials the signaling server. The handshake starts as soon as the
// socket is open; use WaitIdentified or Request to wait for it.
func (s *Session) Open(ctx context.Context, url string, header http.Header) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	return s.signaling.Connect(ctx, url, header)
}

// WaitIdentified blocks until the handshake completes, fails fatally, or
// ctx ends.
func (s *Session) WaitIdentified(ctx context.Context) error {
	return s.handshake.WaitIdentified(ctx)
}

// Request sends an RPC once the session is identified, waiting for the
// handshake if it is still in progress.
func (s *Session) Request(ctx context.Context, msgType string, payload any) (*signaling.Frame, error) {
	if s.isClosed() {
		return nil, ErrSessionClosed
	}
	if !signaling.IsHandshakeType(msgType) {
		if err := s.handshake.WaitIdentified(ctx); err != nil {
			return nil, err
		}
	}
	return s.signaling.Request(ctx, msgType, payload)
}

// Notify sends a fire-and-forget frame. Unlike Request it does not wait for
// the handshake.
func (s *Session) Notify(ctx context.Context, msgType string, payload any) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	return s.signaling.Notify(ctx, msgType, payload)
}

// ToggleDeafen flips the deafened state of the audio pipeline and mirrors it
// into the local participant's metadata.
func (s *Session) ToggleDeafen() bool {
	deafened := s.audio.ToggleDeafen()
	if err := s.watch.SetDeafened(deafened); err != nil {
		s.logger.Debug("deafened flag not published", zap.Error(err))
	}
	return deafened
}

// OnError registers h and returns a func removing it.
func (s *Session) OnError(h ErrorHandler) (remove func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.errorHandlers[id] = h
	return func() {
		s.mu.Lock()
		delete(s.errorHandlers, id)
		s.mu.Unlock()
	}
}

func (s *Session) report(err error) {
	if errors.Is(err, context.Canceled) && s.isClosed() {
		return
	}
	s.logger.Error("session error", err, zap.String("category", string(huddlesdk.CategoryOf(err))))
	s.mu.Lock()
	handlers := make([]ErrorHandler, 0, len(s.errorHandlers))
	for _, h := range s.errorHandlers {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()
	for _, h := range handlers {
		h(err)
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close leaves the call, releases audio, closes the socket and, if the
// session opened it, the settings store. It is safe to call repeatedly.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	removers := s.removers
	s.removers = nil
	s.mu.Unlock()

	s.calling.Disconnect()
	s.teardownMedia()
	for _, remove := range removers {
		remove()
	}
	s.calling.Close()
	s.cancel()
	err := s.signaling.Close()
	s.wg.Wait()
	s.audio.Teardown()
	if serr := s.closeStore(); err == nil {
		err = serr
	}
	return err
}

func (s *Session) closeStore() error {
	if s.ownsStore && s.store != nil {
		return s.store.Close()
	}
	return nil
}

// Identity returns the identity used for the handshake.
func (s *Session) Identity() handshake.Identity { return s.identity }

// Signaling returns the RPC multiplexer.
func (s *Session) Signaling() *signaling.Client { return s.signaling }

// Handshake returns the handshake state machine.
func (s *Session) Handshake() *handshake.Machine { return s.handshake }

// Calling returns the call lifecycle controller.
func (s *Session) Calling() *calling.Controller { return s.calling }

// Audio returns the audio pipeline manager.
func (s *Session) Audio() *audio.Manager { return s.audio }

// Watch returns the watch/metadata synchronizer.
func (s *Session) Watch() *watch.Synchronizer { return s.watch }

// Settings returns the settings store.
func (s *Session) Settings() settings.Store { return s.store }
