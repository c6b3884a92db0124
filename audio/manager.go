/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package audio

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/tejzpr/huddle-go-sdk/huddlesdk"
	"github.com/tejzpr/huddle-go-sdk/settings"
	"github.com/tejzpr/huddle-go-sdk/transport"
	"go.uber.org/zap"
)

// ErrNoLocalTrack is returned by ToggleMute when nothing is attached.
var ErrNoLocalTrack = huddlesdk.NewError(huddlesdk.CategoryInvalidArgument, "audio", "no local track attached")

// LocalControllerFactory attaches processing to a published local track.
type LocalControllerFactory func(track *LocalTrack, params Params, onChange func(speaking bool)) (Controller, error)

// RemoteControllerFactory attaches speaking detection to a remote track.
type RemoteControllerFactory func(track transport.RemoteTrack, params Params, onChange func(speaking bool)) (Controller, error)

// SpeakingHandler is called whenever an identity starts or stops speaking.
type SpeakingHandler func(identity string, speaking bool)

// Config holds the audio manager configuration.
type Config struct {
	// PublishName is the track name announced to the provider.
	PublishName string `yaml:"publish_name"`
	// DTX enables discontinuous transmission on the published track.
	DTX bool `yaml:"dtx"`

	LocalController  LocalControllerFactory  `yaml:"-"`
	RemoteController RemoteControllerFactory `yaml:"-"`
}

// DefaultConfig returns the default audio configuration.
func DefaultConfig() *Config {
	return &Config{PublishName: "microphone", DTX: true}
}

// ProcessorController is the default local controller: a Processor swapped
// into the live track.
type ProcessorController struct {
	track     *LocalTrack
	processor *Processor
	once      sync.Once
}

// NewProcessorController attaches a new Processor to track.
func NewProcessorController(track *LocalTrack, params Params, onChange func(bool)) (Controller, error) {
	p := NewProcessor(params, onChange)
	track.SetProcessor(p)
	return &ProcessorController{track: track, processor: p}, nil
}

func (c *ProcessorController) Speaking() bool { return c.processor.Speaking() }

// Dispose detaches the processor if it is still the track's current one.
func (c *ProcessorController) Dispose() {
	c.once.Do(func() {
		c.processor.mu.Lock()
		c.processor.onChange = nil
		c.processor.mu.Unlock()
		if c.track.Processor() == c.processor {
			c.track.SetProcessor(nil)
		}
	})
}

// Update pushes new parameters into the running processor.
func (c *ProcessorController) Update(params Params) { c.processor.Update(params) }

// NewDetectorController is the default remote controller.
func NewDetectorController(track transport.RemoteTrack, params Params, onChange func(bool)) (Controller, error) {
	return NewDetector(track, params, onChange), nil
}

type remoteEntry struct {
	identity string
	track    transport.RemoteTrack
	ctl      Controller
}

type localEntry struct {
	identity string
	track    *LocalTrack
	ctl      Controller
}

// Manager owns the local microphone track and one speaking detector per
// remote identity.
type Manager struct {
	config   *Config
	provider transport.Provider
	capturer Capturer
	store    settings.Store
	logger   huddlesdk.LoggerAdapter

	// remoteMu serializes remote attach/detach so that an identity never
	// has two live controllers.
	remoteMu sync.Mutex

	mu         sync.Mutex
	local      *localEntry
	attaching  bool
	generation uint64
	remotes    map[string]*remoteEntry
	speaking   map[string]bool
	deafened   bool
	handlers   map[uint64]SpeakingHandler
	nextID     uint64
}

// New creates a manager. capturer opens the microphone on Attach and store
// supplies Params; a nil store uses DefaultParams.
func New(config *Config, provider transport.Provider, capturer Capturer, store settings.Store, logger huddlesdk.LoggerAdapter) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	if config.LocalController == nil {
		config.LocalController = NewProcessorController
	}
	if config.RemoteController == nil {
		config.RemoteController = NewDetectorController
	}
	return &Manager{
		config:   config,
		provider: provider,
		capturer: capturer,
		store:    store,
		logger:   huddlesdk.OrNop(logger).With(zap.String("component", "audio")),
		remotes:  make(map[string]*remoteEntry),
		speaking: make(map[string]bool),
		handlers: make(map[uint64]SpeakingHandler),
	}
}

// Attach captures the microphone, publishes it and then attaches the
// processing controller to the published track. It is a no-op when a local
// track is already attached or being attached. On failure nothing is left
// attached and a *huddlesdk.MediaError is returned.
func (m *Manager) Attach(ctx context.Context, identity string) error {
	m.mu.Lock()
	if m.local != nil || m.attaching {
		m.mu.Unlock()
		return nil
	}
	m.attaching = true
	gen := m.generation
	m.mu.Unlock()

	entry, err := m.attach(ctx, identity)

	m.mu.Lock()
	m.attaching = false
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if gen != m.generation {
		m.mu.Unlock()
		m.logger.Info("teardown raced attach, releasing local track")
		m.release(entry)
		return nil
	}
	m.local = entry
	deafened := m.deafened
	m.mu.Unlock()
	if deafened {
		entry.track.SetMuted(true)
	}
	m.logger.Info("local audio attached", zap.String("identity", identity), zap.String("track", entry.track.ID()))
	return nil
}

func (m *Manager) attach(ctx context.Context, identity string) (*localEntry, error) {
	params := LoadParams(ctx, m.store)
	if m.capturer == nil {
		return nil, huddlesdk.NewMediaError("audio.capture", params.InputDevice, errors.New("no capturer configured"))
	}
	src, err := m.capturer.Capture(ctx, params)
	if err != nil {
		m.logger.Error("audio capture failed", err, zap.String("device", params.InputDevice))
		return nil, huddlesdk.NewMediaError("audio.capture", params.InputDevice, err)
	}

	track := NewLocalTrack(uuid.NewString(), src, m.logger)
	opts := transport.PublishOptions{
		Name:   m.config.PublishName,
		Source: transport.SourceMicrophone,
		DTX:    m.config.DTX,
		Stereo: params.ChannelCount == 2,
	}
	if err := m.provider.PublishTrack(ctx, track, opts); err != nil {
		m.logger.Error("audio publish failed", err)
		_ = track.Stop()
		return nil, huddlesdk.NewMediaError("audio.publish", params.InputDevice, err)
	}

	entry := &localEntry{identity: identity, track: track}
	ctl, err := m.config.LocalController(track, params, func(speaking bool) {
		m.setSpeaking(identity, speaking, func() bool { return m.local == entry })
	})
	if err != nil {
		m.logger.Error("audio processing attach failed", err)
		if uerr := m.provider.UnpublishTrack(track); uerr != nil {
			m.logger.Warn("unpublish after failed attach", zap.Error(uerr))
		}
		_ = track.Stop()
		return nil, huddlesdk.NewMediaError("audio.process", params.InputDevice, err)
	}
	entry.ctl = ctl
	return entry, nil
}

// release disposes, unpublishes and stops a local entry.
func (m *Manager) release(e *localEntry) {
	if e.ctl != nil {
		e.ctl.Dispose()
	}
	if err := m.provider.UnpublishTrack(e.track); err != nil {
		m.logger.Warn("unpublish local track failed", zap.Error(err))
	}
	if err := e.track.Stop(); err != nil {
		m.logger.Warn("stop local track failed", zap.Error(err))
	}
}

// Attached reports whether a local track is attached.
func (m *Manager) Attached() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local != nil
}

// LocalTrack returns the attached local track, or nil.
func (m *Manager) LocalTrack() *LocalTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.local == nil {
		return nil
	}
	return m.local.track
}

// ApplySettings reloads Params and pushes them into the live local
// processor, if any.
func (m *Manager) ApplySettings(ctx context.Context) {
	m.mu.Lock()
	local := m.local
	m.mu.Unlock()
	if local == nil {
		return
	}
	if u, ok := local.ctl.(interface{ Update(Params) }); ok {
		u.Update(LoadParams(ctx, m.store))
	}
}

// HandleTrackSubscribed attaches a speaking detector to a remote microphone
// track, disposing the identity's previous detector first.
func (m *Manager) HandleTrackSubscribed(track transport.RemoteTrack, participant transport.Participant) {
	if track.Kind() != transport.KindAudio || track.Source() == transport.SourceScreenShareAudio {
		return
	}
	identity := participant.Identity()

	m.remoteMu.Lock()
	defer m.remoteMu.Unlock()

	m.mu.Lock()
	old := m.remotes[identity]
	delete(m.remotes, identity)
	wasSpeaking := m.speaking[identity]
	delete(m.speaking, identity)
	deafened := m.deafened
	m.mu.Unlock()
	if old != nil {
		old.ctl.Dispose()
	}
	if wasSpeaking {
		m.emit(identity, false)
	}

	if deafened {
		track.SetMuted(true)
	}
	entry := &remoteEntry{identity: identity, track: track}
	ctl, err := m.config.RemoteController(track, LoadParams(context.Background(), m.store), func(speaking bool) {
		m.setSpeaking(identity, speaking, func() bool { return m.remotes[identity] == entry })
	})
	if err != nil {
		m.logger.Warn("remote speaking detector attach failed", zap.String("identity", identity), zap.Error(err))
		return
	}
	entry.ctl = ctl

	m.mu.Lock()
	m.remotes[identity] = entry
	m.speaking[identity] = false
	m.mu.Unlock()
	m.logger.Debug("remote audio attached", zap.String("identity", identity), zap.String("track", track.ID()))
}

// HandleTrackUnsubscribed disposes the detector bound to track.
func (m *Manager) HandleTrackUnsubscribed(track transport.RemoteTrack, participant transport.Participant) {
	m.detachRemote(participant.Identity(), track.ID())
}

// HandleParticipantDisconnected disposes the participant's detector.
func (m *Manager) HandleParticipantDisconnected(participant transport.Participant) {
	m.detachRemote(participant.Identity(), "")
}

func (m *Manager) detachRemote(identity, trackID string) {
	m.remoteMu.Lock()
	defer m.remoteMu.Unlock()

	m.mu.Lock()
	entry := m.remotes[identity]
	if entry == nil || (trackID != "" && entry.track.ID() != trackID) {
		m.mu.Unlock()
		return
	}
	delete(m.remotes, identity)
	wasSpeaking := m.speaking[identity]
	delete(m.speaking, identity)
	m.mu.Unlock()

	entry.ctl.Dispose()
	if wasSpeaking {
		m.emit(identity, false)
	}
}

// ToggleMute flips the local track's mute flag and returns the new value.
func (m *Manager) ToggleMute() (bool, error) {
	track := m.LocalTrack()
	if track == nil {
		return false, ErrNoLocalTrack
	}
	muted := !track.Muted()
	track.SetMuted(muted)
	return muted, nil
}

// Muted reports the local track's mute flag; false when nothing is attached.
func (m *Manager) Muted() bool {
	track := m.LocalTrack()
	return track != nil && track.Muted()
}

// ToggleDeafen flips the deafened flag and returns it. Deafening mutes every
// remote track and the local track; undeafening unmutes remotes only.
func (m *Manager) ToggleDeafen() bool {
	m.mu.Lock()
	m.deafened = !m.deafened
	deafened := m.deafened
	for _, r := range m.remotes {
		r.track.SetMuted(deafened)
	}
	var local *LocalTrack
	if m.local != nil {
		local = m.local.track
	}
	m.mu.Unlock()

	// SetMuted may report a speaking change, which takes m.mu.
	if deafened && local != nil && !local.Muted() {
		local.SetMuted(true)
	}
	return deafened
}

// Deafened reports the deafened flag.
func (m *Manager) Deafened() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deafened
}

// Teardown releases the local track and every remote detector and clears
// all speaking state. Calling it again before the next Attach does nothing.
func (m *Manager) Teardown() {
	m.remoteMu.Lock()
	defer m.remoteMu.Unlock()

	m.mu.Lock()
	m.generation++
	local := m.local
	m.local = nil
	remotes := m.remotes
	m.remotes = make(map[string]*remoteEntry)
	var stopped []string
	for id, s := range m.speaking {
		if s {
			stopped = append(stopped, id)
		}
	}
	m.speaking = make(map[string]bool)
	m.mu.Unlock()

	if local == nil && len(remotes) == 0 {
		return
	}
	if local != nil {
		m.release(local)
	}
	for _, r := range remotes {
		r.ctl.Dispose()
	}
	for _, id := range stopped {
		m.emit(id, false)
	}
	m.logger.Info("audio torn down", zap.Bool("local", local != nil), zap.Int("remotes", len(remotes)))
}

// Speaking reports whether identity is currently speaking.
func (m *Manager) Speaking(identity string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.speaking[identity]
}

// SpeakingStates returns a copy of the speaking state of every tracked
// identity, local included once it has reported.
func (m *Manager) SpeakingStates() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool, len(m.speaking))
	for k, v := range m.speaking {
		out[k] = v
	}
	return out
}

// OnSpeakingChanged registers h and returns a func removing it.
func (m *Manager) OnSpeakingChanged(h SpeakingHandler) (remove func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.handlers[id] = h
	return func() {
		m.mu.Lock()
		delete(m.handlers, id)
		m.mu.Unlock()
	}
}

// setSpeaking records a controller report if live still holds under the lock.
func (m *Manager) setSpeaking(identity string, speaking bool, live func() bool) {
	m.mu.Lock()
	if !live() || m.speaking[identity] == speaking {
		m.mu.Unlock()
		return
	}
	m.speaking[identity] = speaking
	m.mu.Unlock()
	m.emit(identity, speaking)
}

func (m *Manager) emit(identity string, speaking bool) {
	m.mu.Lock()
	handlers := make([]SpeakingHandler, 0, len(m.handlers))
	for _, h := range m.handlers {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()
	for _, h := range handlers {
		h(identity, speaking)
	}
}
