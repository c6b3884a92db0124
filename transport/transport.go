/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package transport defines the media room provider the call core drives.
// The core never speaks the room wire protocol itself; it connects with a
// token, publishes and unpublishes tracks, reads participant state and
// writes the local participant's metadata through these interfaces.
package transport

import (
	"context"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
)

// ConnectionState is the provider's room connection state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

// TrackKind is the media kind of a track.
type TrackKind string

const (
	KindAudio TrackKind = "audio"
	KindVideo TrackKind = "video"
)

// TrackSource says what a track carries.
type TrackSource string

const (
	SourceUnknown          TrackSource = "unknown"
	SourceMicrophone       TrackSource = "microphone"
	SourceCamera           TrackSource = "camera"
	SourceScreenShare      TrackSource = "screen_share"
	SourceScreenShareAudio TrackSource = "screen_share_audio"
)

// Track is the part common to local and remote tracks.
type Track interface {
	ID() string
	Kind() TrackKind
	Source() TrackSource
}

// LocalTrack is a track captured on this device. Muting it stops sending
// media without unpublishing.
type LocalTrack interface {
	Track
	SetMuted(muted bool)
	Muted() bool
	Stop() error
}

// RemoteTrack is a subscribed track from another participant. SetMuted only
// affects local rendering.
type RemoteTrack interface {
	Track
	SetMuted(muted bool)
	Muted() bool
	// ReadRTP returns the next RTP packet of the track.
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
	// AudioLevelExtensionID is the negotiated id of the ssrc-audio-level
	// header extension, or 0 when it was not negotiated.
	AudioLevelExtensionID() uint8
}

// Participant is a member of the room.
type Participant interface {
	Identity() string
	// Metadata is the participant's opaque metadata blob, usually JSON.
	Metadata() string
	Tracks() []Track
}

// LocalParticipant is this client's own participant. Only it may write
// metadata; the write is fire-and-forget and not guaranteed to be applied
// before the next one.
type LocalParticipant interface {
	Participant
	SetMetadata(metadata string) error
}

// PublishOptions describe a track being published.
type PublishOptions struct {
	Name   string
	Source TrackSource
	// DTX enables discontinuous transmission for audio.
	DTX bool
	// Stereo publishes two-channel audio.
	Stereo bool
}

// Callback receives room events. Nil fields are skipped. Providers may call
// them from any goroutine.
type Callback struct {
	OnConnectionStateChanged  func(state ConnectionState)
	OnTrackSubscribed         func(track RemoteTrack, participant Participant)
	OnTrackUnsubscribed       func(track RemoteTrack, participant Participant)
	OnParticipantConnected    func(participant Participant)
	OnParticipantDisconnected func(participant Participant)
	// OnMetadataChanged fires for local and remote participants alike.
	OnMetadataChanged func(participant Participant, oldMetadata string)
}

// Provider is a media room connection.
type Provider interface {
	// Connect starts joining the room at serverURL. It returns once the
	// attempt is under way; completion is reported through
	// OnConnectionStateChanged.
	Connect(ctx context.Context, serverURL, token string) error
	// Disconnect leaves the room. Completion is reported the same way.
	Disconnect()
	PublishTrack(ctx context.Context, track LocalTrack, opts PublishOptions) error
	UnpublishTrack(track LocalTrack) error
	LocalParticipant() LocalParticipant
	RemoteParticipants() []Participant
	ConnectionState() ConnectionState
	// AddCallback registers cb and returns a func removing it.
	AddCallback(cb *Callback) (remove func())
}

// Callbacks is a set of registered Callback values that fans events out to
// each of them. Providers embed it to implement AddCallback.
type Callbacks struct {
	mu     sync.RWMutex
	nextID uint64
	list   map[uint64]*Callback
}

// AddCallback registers cb.
func (c *Callbacks) AddCallback(cb *Callback) (remove func()) {
	if cb == nil {
		return func() {}
	}
	c.mu.Lock()
	if c.list == nil {
		c.list = make(map[uint64]*Callback)
	}
	c.nextID++
	id := c.nextID
	c.list[id] = cb
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.list, id)
		c.mu.Unlock()
	}
}

func (c *Callbacks) snapshot() []*Callback {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Callback, 0, len(c.list))
	for _, cb := range c.list {
		out = append(out, cb)
	}
	return out
}

// ConnectionStateChanged notifies every callback.
func (c *Callbacks) ConnectionStateChanged(state ConnectionState) {
	for _, cb := range c.snapshot() {
		if cb.OnConnectionStateChanged != nil {
			cb.OnConnectionStateChanged(state)
		}
	}
}

// TrackSubscribed notifies every callback.
func (c *Callbacks) TrackSubscribed(track RemoteTrack, p Participant) {
	for _, cb := range c.snapshot() {
		if cb.OnTrackSubscribed != nil {
			cb.OnTrackSubscribed(track, p)
		}
	}
}

// TrackUnsubscribed notifies every callback.
func (c *Callbacks) TrackUnsubscribed(track RemoteTrack, p Participant) {
	for _, cb := range c.snapshot() {
		if cb.OnTrackUnsubscribed != nil {
			cb.OnTrackUnsubscribed(track, p)
		}
	}
}

// ParticipantConnected notifies every callback.
func (c *Callbacks) ParticipantConnected(p Participant) {
	for _, cb := range c.snapshot() {
		if cb.OnParticipantConnected != nil {
			cb.OnParticipantConnected(p)
		}
	}
}

// ParticipantDisconnected notifies every callback.
func (c *Callbacks) ParticipantDisconnected(p Participant) {
	for _, cb := range c.snapshot() {
		if cb.OnParticipantDisconnected != nil {
			cb.OnParticipantDisconnected(p)
		}
	}
}

// MetadataChanged notifies every callback.
func (c *Callbacks) MetadataChanged(p Participant, oldMetadata string) {
	for _, cb := range c.snapshot() {
		if cb.OnMetadataChanged != nil {
			cb.OnMetadataChanged(p, oldMetadata)
		}
	}
}
