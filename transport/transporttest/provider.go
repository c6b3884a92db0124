/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package transporttest provides an in-memory transport.Provider for tests
// and local demos. Room events are driven by the test: connection
// confirmations can be automatic or manual, and remote participants, tracks
// and metadata changes are injected explicitly.
package transporttest

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"

	"github.com/tejzpr/huddle-go-sdk/transport"
)

// Call records one Connect invocation.
type Call struct {
	ServerURL string
	Token     string
}

// Provider is an in-memory transport.Provider.
type Provider struct {
	transport.Callbacks

	mu          sync.Mutex
	autoConfirm bool
	state       transport.ConnectionState
	connects    []Call
	disconnects int
	published   map[string]transport.LocalTrack
	local       *Participant
	remotes     map[string]*Participant
	order       []string

	// ConnectErr, when set, is returned by the next Connect.
	ConnectErr error
	// PublishErr, when set, is returned by every PublishTrack.
	PublishErr error
}

var _ transport.Provider = (*Provider)(nil)

// NewProvider returns a provider whose local participant is identity.
// With autoConfirm, Connect and Disconnect report completion on their own
// goroutine; otherwise the test calls ConfirmConnected/ConfirmDisconnected.
func NewProvider(identity string, autoConfirm bool) *Provider {
	p := &Provider{
		autoConfirm: autoConfirm,
		state:       transport.StateDisconnected,
		published:   make(map[string]transport.LocalTrack),
		remotes:     make(map[string]*Participant),
	}
	p.local = &Participant{identity: identity, provider: p, tracks: make(map[string]transport.Track)}
	return p
}

// Connect records the attempt and moves to connecting.
func (p *Provider) Connect(ctx context.Context, serverURL, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	if err := p.ConnectErr; err != nil {
		p.ConnectErr = nil
		p.mu.Unlock()
		return err
	}
	p.connects = append(p.connects, Call{ServerURL: serverURL, Token: token})
	auto := p.autoConfirm
	p.mu.Unlock()

	p.setState(transport.StateConnecting)
	if auto {
		go p.ConfirmConnected()
	}
	return nil
}

// Disconnect records the call. Published tracks and remote participants are
// dropped when the disconnect is confirmed.
func (p *Provider) Disconnect() {
	p.mu.Lock()
	p.disconnects++
	auto := p.autoConfirm
	p.mu.Unlock()
	if auto {
		go p.ConfirmDisconnected()
	}
}

// ConfirmConnected reports the room as connected.
func (p *Provider) ConfirmConnected() {
	p.setState(transport.StateConnected)
}

// ConfirmDisconnected reports the room as disconnected.
func (p *Provider) ConfirmDisconnected() {
	p.mu.Lock()
	p.published = make(map[string]transport.LocalTrack)
	p.local.mu.Lock()
	p.local.tracks = make(map[string]transport.Track)
	p.local.mu.Unlock()
	p.remotes = make(map[string]*Participant)
	p.order = nil
	p.mu.Unlock()
	p.setState(transport.StateDisconnected)
}

func (p *Provider) setState(state transport.ConnectionState) {
	p.mu.Lock()
	if p.state == state {
		p.mu.Unlock()
		return
	}
	p.state = state
	p.mu.Unlock()
	p.ConnectionStateChanged(state)
}

// ConnectionState returns the current state.
func (p *Provider) ConnectionState() transport.ConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Connects returns every recorded Connect call.
func (p *Provider) Connects() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Call(nil), p.connects...)
}

// Disconnects returns how many times Disconnect was called.
func (p *Provider) Disconnects() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disconnects
}

// PublishTrack records track as published by the local participant.
func (p *Provider) PublishTrack(ctx context.Context, track transport.LocalTrack, _ transport.PublishOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.PublishErr != nil {
		return p.PublishErr
	}
	if p.state != transport.StateConnected {
		return errors.New("transporttest: publish while not connected")
	}
	p.published[track.ID()] = track
	p.local.addTrack(track)
	return nil
}

// UnpublishTrack removes track.
func (p *Provider) UnpublishTrack(track transport.LocalTrack) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.published[track.ID()]; !ok {
		return errors.New("transporttest: track not published")
	}
	delete(p.published, track.ID())
	p.local.removeTrack(track.ID())
	return nil
}

// Published returns the currently published local tracks.
func (p *Provider) Published() []transport.LocalTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]transport.LocalTrack, 0, len(p.published))
	for _, t := range p.published {
		out = append(out, t)
	}
	return out
}

// LocalParticipant returns the local participant.
func (p *Provider) LocalParticipant() transport.LocalParticipant {
	return p.local
}

// Local returns the concrete local participant.
func (p *Provider) Local() *Participant {
	return p.local
}

// RemoteParticipants returns remote participants in join order.
func (p *Provider) RemoteParticipants() []transport.Participant {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]transport.Participant, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.remotes[id])
	}
	return out
}

// Join adds a remote participant and fires OnParticipantConnected.
func (p *Provider) Join(identity, metadata string) *Participant {
	rp := &Participant{identity: identity, metadata: metadata, provider: p, remote: true, tracks: make(map[string]transport.Track)}
	p.mu.Lock()
	if _, ok := p.remotes[identity]; !ok {
		p.order = append(p.order, identity)
	}
	p.remotes[identity] = rp
	p.mu.Unlock()
	p.ParticipantConnected(rp)
	return rp
}

// Leave removes a remote participant. Its tracks are unsubscribed first.
func (p *Provider) Leave(identity string) {
	p.mu.Lock()
	rp, ok := p.remotes[identity]
	if ok {
		delete(p.remotes, identity)
		for i, id := range p.order {
			if id == identity {
				p.order = append(p.order[:i], p.order[i+1:]...)
				break
			}
		}
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	for _, t := range rp.Tracks() {
		if rt, ok := t.(transport.RemoteTrack); ok {
			rp.removeTrack(rt.ID())
			p.TrackUnsubscribed(rt, rp)
		}
	}
	p.ParticipantDisconnected(rp)
}

// Subscribe attaches track to the remote participant and fires OnTrackSubscribed.
func (p *Provider) Subscribe(identity string, track transport.RemoteTrack) {
	p.mu.Lock()
	rp := p.remotes[identity]
	p.mu.Unlock()
	if rp == nil {
		rp = p.Join(identity, "")
	}
	rp.addTrack(track)
	p.TrackSubscribed(track, rp)
}

// Unsubscribe removes a track and fires OnTrackUnsubscribed.
func (p *Provider) Unsubscribe(identity, trackID string) {
	p.mu.Lock()
	rp := p.remotes[identity]
	p.mu.Unlock()
	if rp == nil {
		return
	}
	t := rp.removeTrack(trackID)
	if rt, ok := t.(transport.RemoteTrack); ok {
		p.TrackUnsubscribed(rt, rp)
	}
}

// SetRemoteMetadata replaces a remote participant's blob and fires OnMetadataChanged.
func (p *Provider) SetRemoteMetadata(identity, metadata string) {
	p.mu.Lock()
	rp := p.remotes[identity]
	p.mu.Unlock()
	if rp == nil {
		return
	}
	old := rp.swapMetadata(metadata)
	p.MetadataChanged(rp, old)
}

// Participant is an in-memory participant.
type Participant struct {
	mu       sync.Mutex
	identity string
	metadata string
	remote   bool
	provider *Provider
	tracks   map[string]transport.Track
	writes   []string

	// SetMetadataErr, when set, fails every SetMetadata.
	SetMetadataErr error
}

// Identity returns the participant identity.
func (p *Participant) Identity() string { return p.identity }

// Metadata returns the current blob.
func (p *Participant) Metadata() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metadata
}

// Tracks returns the participant's tracks.
func (p *Participant) Tracks() []transport.Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]transport.Track, 0, len(p.tracks))
	for _, t := range p.tracks {
		out = append(out, t)
	}
	return out
}

// SetMetadata replaces the blob, records the write and fires OnMetadataChanged.
func (p *Participant) SetMetadata(metadata string) error {
	p.mu.Lock()
	if p.SetMetadataErr != nil {
		err := p.SetMetadataErr
		p.mu.Unlock()
		return err
	}
	p.writes = append(p.writes, metadata)
	p.mu.Unlock()

	old := p.swapMetadata(metadata)
	p.provider.MetadataChanged(p, old)
	return nil
}

// Writes returns every blob written through SetMetadata.
func (p *Participant) Writes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.writes...)
}

// Overwrite replaces the blob without recording a write or firing events,
// as another writer of the same blob would.
func (p *Participant) Overwrite(metadata string) {
	p.swapMetadata(metadata)
}

func (p *Participant) swapMetadata(metadata string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	old := p.metadata
	p.metadata = metadata
	return old
}

func (p *Participant) addTrack(t transport.Track) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks[t.ID()] = t
}

func (p *Participant) removeTrack(id string) transport.Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := p.tracks[id]
	delete(p.tracks, id)
	return t
}

// LocalTrack is an in-memory transport.LocalTrack.
type LocalTrack struct {
	mu      sync.Mutex
	id      string
	kind    transport.TrackKind
	source  transport.TrackSource
	muted   bool
	stopped int
}

var _ transport.LocalTrack = (*LocalTrack)(nil)

// NewLocalTrack creates a local track.
func NewLocalTrack(id string, kind transport.TrackKind, source transport.TrackSource) *LocalTrack {
	return &LocalTrack{id: id, kind: kind, source: source}
}

func (t *LocalTrack) ID() string                    { return t.id }
func (t *LocalTrack) Kind() transport.TrackKind     { return t.kind }
func (t *LocalTrack) Source() transport.TrackSource { return t.source }

func (t *LocalTrack) SetMuted(muted bool) {
	t.mu.Lock()
	t.muted = muted
	t.mu.Unlock()
}

func (t *LocalTrack) Muted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.muted
}

func (t *LocalTrack) Stop() error {
	t.mu.Lock()
	t.stopped++
	t.mu.Unlock()
	return nil
}

// Stopped returns how many times Stop was called.
func (t *LocalTrack) Stopped() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// RemoteTrack is an in-memory transport.RemoteTrack fed from Packets.
type RemoteTrack struct {
	mu     sync.Mutex
	id     string
	kind   transport.TrackKind
	source transport.TrackSource
	muted  bool
	extID  uint8
	closed bool

	packets chan *rtp.Packet
	done    chan struct{}
}

var _ transport.RemoteTrack = (*RemoteTrack)(nil)

// NewRemoteTrack creates a remote track whose packets carry the audio level
// under extension extID (0 for none).
func NewRemoteTrack(id string, kind transport.TrackKind, source transport.TrackSource, extID uint8) *RemoteTrack {
	return &RemoteTrack{
		id:      id,
		kind:    kind,
		source:  source,
		extID:   extID,
		packets: make(chan *rtp.Packet, 64),
		done:    make(chan struct{}),
	}
}

func (t *RemoteTrack) ID() string                    { return t.id }
func (t *RemoteTrack) Kind() transport.TrackKind     { return t.kind }
func (t *RemoteTrack) Source() transport.TrackSource { return t.source }
func (t *RemoteTrack) AudioLevelExtensionID() uint8  { return t.extID }

func (t *RemoteTrack) SetMuted(muted bool) {
	t.mu.Lock()
	t.muted = muted
	t.mu.Unlock()
}

func (t *RemoteTrack) Muted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.muted
}

// ReadRTP returns the next pushed packet, or io.EOF once closed.
func (t *RemoteTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	select {
	case pkt := <-t.packets:
		return pkt, nil, nil
	case <-t.done:
		return nil, nil, io.EOF
	}
}

// Push queues a packet for ReadRTP.
func (t *RemoteTrack) Push(pkt *rtp.Packet) {
	select {
	case t.packets <- pkt:
	case <-t.done:
	}
}

// PushLevel queues a packet carrying an RFC 6464 audio level (0 loudest,
// 127 silence).
func (t *RemoteTrack) PushLevel(level uint8, voice bool) error {
	pkt := &rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 111}}
	if t.extID != 0 {
		ext := rtp.AudioLevelExtension{Level: level, Voice: voice}
		b, err := ext.Marshal()
		if err != nil {
			return err
		}
		if err := pkt.Header.SetExtension(t.extID, b); err != nil {
			return err
		}
	}
	t.Push(pkt)
	return nil
}

// Close ends ReadRTP with io.EOF.
func (t *RemoteTrack) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.done)
	}
}
