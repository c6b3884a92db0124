/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/tejzpr/huddle-go-sdk/huddlesdk"
)

// Signaling message types exchanged with the media server.
const (
	SignalOffer     = "offer"
	SignalAnswer    = "answer"
	SignalCandidate = "ice-candidate"
)

// ErrPeerClosed is returned by Run once the receiver has been closed.
var ErrPeerClosed = errors.New("peer receiver closed")

// SignalingMessage is one SDP or ICE message.
type SignalingMessage struct {
	Type      string                   `json:"type"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// SignalingTransport carries SignalingMessages to and from the media server.
type SignalingTransport interface {
	ReadMessage(ctx context.Context) (SignalingMessage, error)
	WriteMessage(ctx context.Context, msg SignalingMessage) error
}

// WebsocketSignaling is a SignalingTransport over a websocket connection
// carrying one JSON message per frame.
type WebsocketSignaling struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewWebsocketSignaling wraps conn.
func NewWebsocketSignaling(conn *websocket.Conn) *WebsocketSignaling {
	return &WebsocketSignaling{conn: conn}
}

// ReadMessage blocks for the next frame. ctx is only checked before reading;
// close the connection to interrupt a pending read.
func (w *WebsocketSignaling) ReadMessage(ctx context.Context) (SignalingMessage, error) {
	var msg SignalingMessage
	if err := ctx.Err(); err != nil {
		return msg, err
	}
	err := w.conn.ReadJSON(&msg)
	return msg, err
}

// WriteMessage sends msg as a single frame.
func (w *WebsocketSignaling) WriteMessage(ctx context.Context, msg SignalingMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.WriteJSON(msg)
}

// NewPeerAPI builds a pion API with the default codecs and the audio-level
// header extension registered. se may be nil.
func NewPeerAPI(se *webrtc.SettingEngine) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	if err := RegisterAudioLevelExtension(m); err != nil {
		return nil, fmt.Errorf("register audio level extension: %w", err)
	}
	opts := []func(*webrtc.API){webrtc.WithMediaEngine(m)}
	if se != nil {
		opts = append(opts, webrtc.WithSettingEngine(*se))
	}
	return webrtc.NewAPI(opts...), nil
}

type peerParticipant struct {
	identity string

	mu     sync.Mutex
	tracks map[string]*PionRemoteTrack
}

func (p *peerParticipant) Identity() string { return p.identity }
func (p *peerParticipant) Metadata() string { return "" }

func (p *peerParticipant) Tracks() []Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Track, 0, len(p.tracks))
	for _, t := range p.tracks {
		out = append(out, t)
	}
	return out
}

// PeerReceiver is the receiving side of a media server peer connection.
// It answers the server's offers and reports every incoming track through
// its Callbacks, keyed by the stream id as participant identity.
type PeerReceiver struct {
	Callbacks

	pc        *webrtc.PeerConnection
	signaling SignalingTransport
	logger    huddlesdk.LoggerAdapter

	mu           sync.Mutex
	participants map[string]*peerParticipant
	state        ConnectionState
	closed       bool
	done         chan struct{}
}

// NewPeerReceiver creates the peer connection. A nil api uses NewPeerAPI(nil).
func NewPeerReceiver(api *webrtc.API, cfg webrtc.Configuration, signaling SignalingTransport, logger huddlesdk.LoggerAdapter) (*PeerReceiver, error) {
	if signaling == nil {
		return nil, huddlesdk.InvalidArgument("transport.peer", "signaling transport is required")
	}
	if api == nil {
		var err error
		if api, err = NewPeerAPI(nil); err != nil {
			return nil, err
		}
	}
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	r := &PeerReceiver{
		pc:           pc,
		signaling:    signaling,
		logger:       huddlesdk.OrNop(logger).With(zap.String("component", "peer")),
		participants: make(map[string]*peerParticipant),
		state:        StateConnecting,
		done:         make(chan struct{}),
	}

	pc.OnTrack(r.handleTrack)
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		if err := r.signaling.WriteMessage(context.Background(), SignalingMessage{Type: SignalCandidate, Candidate: &init}); err != nil {
			r.logger.Debug("send ice candidate failed", zap.Error(err))
		}
	})
	pc.OnConnectionStateChange(r.handleState)
	return r, nil
}

// Run answers offers and applies candidates until ctx ends, the transport
// fails or the receiver is closed.
func (r *PeerReceiver) Run(ctx context.Context) error {
	for {
		msg, err := r.signaling.ReadMessage(ctx)
		if err != nil {
			select {
			case <-r.done:
				return ErrPeerClosed
			default:
			}
			return fmt.Errorf("signaling read: %w", err)
		}

		switch msg.Type {
		case SignalOffer:
			answer, err := r.answer(msg.SDP)
			if err != nil {
				r.logger.Warn("answer offer failed", zap.Error(err))
				continue
			}
			if err := r.signaling.WriteMessage(ctx, SignalingMessage{Type: SignalAnswer, SDP: answer}); err != nil {
				return fmt.Errorf("signaling write: %w", err)
			}
			r.logger.Debug("sent answer")
		case SignalCandidate:
			if msg.Candidate == nil {
				continue
			}
			if err := r.pc.AddICECandidate(*msg.Candidate); err != nil {
				r.logger.Warn("add ice candidate failed", zap.Error(err))
			}
		default:
			r.logger.Debug("ignoring signaling message", zap.String("type", msg.Type))
		}
	}
}

func (r *PeerReceiver) answer(sdp string) (string, error) {
	if err := r.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return "", fmt.Errorf("set remote description: %w", err)
	}
	answer, err := r.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(r.pc)
	if err := r.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	<-gathered
	return r.pc.LocalDescription().SDP, nil
}

func (r *PeerReceiver) handleTrack(tr *webrtc.TrackRemote, rcv *webrtc.RTPReceiver) {
	source := SourceMicrophone
	if tr.Kind() == webrtc.RTPCodecTypeVideo {
		source = SourceCamera
	}
	track := NewPionRemoteTrack(tr, rcv, source)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	p, ok := r.participants[tr.StreamID()]
	if !ok {
		p = &peerParticipant{identity: tr.StreamID(), tracks: make(map[string]*PionRemoteTrack)}
		r.participants[p.identity] = p
	}
	p.mu.Lock()
	p.tracks[track.ID()] = track
	p.mu.Unlock()
	r.mu.Unlock()

	r.logger.Info("track subscribed", zap.String("identity", p.identity), zap.String("track", track.ID()), zap.String("kind", string(track.Kind())))
	if !ok {
		r.ParticipantConnected(p)
	}
	r.TrackSubscribed(track, p)
}

func (r *PeerReceiver) handleState(s webrtc.PeerConnectionState) {
	var next ConnectionState
	switch s {
	case webrtc.PeerConnectionStateConnected:
		next = StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		next = StateReconnecting
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		next = StateDisconnected
	default:
		return
	}

	r.mu.Lock()
	if r.state == next {
		r.mu.Unlock()
		return
	}
	r.state = next
	var gone []*peerParticipant
	if next == StateDisconnected {
		for id, p := range r.participants {
			gone = append(gone, p)
			delete(r.participants, id)
		}
	}
	r.mu.Unlock()

	for _, p := range gone {
		p.mu.Lock()
		tracks := make([]*PionRemoteTrack, 0, len(p.tracks))
		for _, t := range p.tracks {
			tracks = append(tracks, t)
		}
		p.mu.Unlock()
		for _, t := range tracks {
			r.TrackUnsubscribed(t, p)
		}
		r.ParticipantDisconnected(p)
	}
	r.ConnectionStateChanged(next)
}

// ConnectionState reports the peer connection state.
func (r *PeerReceiver) ConnectionState() ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// RemoteParticipants lists the stream owners seen so far.
func (r *PeerReceiver) RemoteParticipants() []Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, p)
	}
	return out
}

// Close closes the peer connection. Safe to call more than once.
func (r *PeerReceiver) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.done)
	r.mu.Unlock()
	err := r.pc.Close()
	r.handleState(webrtc.PeerConnectionStateClosed)
	return err
}
