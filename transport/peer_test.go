/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tejzpr/huddle-go-sdk/huddlesdk"
)

type chanSignaling struct {
	in  chan SignalingMessage
	out chan SignalingMessage
}

func newChanSignaling() *chanSignaling {
	return &chanSignaling{in: make(chan SignalingMessage, 16), out: make(chan SignalingMessage, 64)}
}

func (c *chanSignaling) ReadMessage(ctx context.Context) (SignalingMessage, error) {
	select {
	case msg := <-c.in:
		return msg, nil
	case <-ctx.Done():
		return SignalingMessage{}, ctx.Err()
	}
}

func (c *chanSignaling) WriteMessage(_ context.Context, msg SignalingMessage) error {
	c.out <- msg
	return nil
}

func loopbackSettings() *webrtc.SettingEngine {
	se := &webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(true)
	se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	return se
}

func TestNewPeerReceiverRequiresSignaling(t *testing.T) {
	_, err := NewPeerReceiver(nil, webrtc.Configuration{}, nil, nil)
	require.Error(t, err)
	assert.Equal(t, huddlesdk.CategoryInvalidArgument, huddlesdk.CategoryOf(err))
}

func TestPeerReceiverSubscribesTracks(t *testing.T) {
	if testing.Short() {
		t.Skip("peer connection loopback")
	}

	api, err := NewPeerAPI(loopbackSettings())
	require.NoError(t, err)
	sig := newChanSignaling()
	recv, err := NewPeerReceiver(api, webrtc.Configuration{}, sig, nil)
	require.NoError(t, err)

	subscribed := make(chan Participant, 1)
	var connected, unsubscribed, disconnected atomic.Int32
	recv.AddCallback(&Callback{
		OnTrackSubscribed: func(track RemoteTrack, p Participant) {
			assert.Equal(t, KindAudio, track.Kind())
			assert.Equal(t, SourceMicrophone, track.Source())
			assert.NotZero(t, track.AudioLevelExtensionID())
			subscribed <- p
		},
		OnTrackUnsubscribed:       func(RemoteTrack, Participant) { unsubscribed.Add(1) },
		OnParticipantConnected:    func(Participant) { connected.Add(1) },
		OnParticipantDisconnected: func(Participant) { disconnected.Add(1) },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- recv.Run(ctx) }()

	serverAPI, err := NewPeerAPI(loopbackSettings())
	require.NoError(t, err)
	server, err := serverAPI.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	defer server.Close()

	local, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "mic", "alice")
	require.NoError(t, err)
	_, err = server.AddTrack(local)
	require.NoError(t, err)

	offer, err := server.CreateOffer(nil)
	require.NoError(t, err)
	gathered := webrtc.GatheringCompletePromise(server)
	require.NoError(t, server.SetLocalDescription(offer))
	<-gathered
	sig.in <- SignalingMessage{Type: "bogus"}
	sig.in <- SignalingMessage{Type: SignalOffer, SDP: server.LocalDescription().SDP}

	var answer string
	deadline := time.After(10 * time.Second)
	for answer == "" {
		select {
		case msg := <-sig.out:
			if msg.Type == SignalAnswer {
				answer = msg.SDP
			}
		case <-deadline:
			t.Fatal("no answer")
		}
	}
	require.NoError(t, server.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}))

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		var seq uint16
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				seq++
				_ = local.WriteRTP(&rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: seq, Timestamp: uint32(seq) * 960}, Payload: []byte{0xf8, 0xff, 0xfe}})
			}
		}
	}()

	select {
	case p := <-subscribed:
		assert.Equal(t, "alice", p.Identity())
		assert.Len(t, p.Tracks(), 1)
	case <-time.After(10 * time.Second):
		t.Fatal("track never subscribed")
	}
	assert.Equal(t, int32(1), connected.Load())
	assert.Len(t, recv.RemoteParticipants(), 1)

	require.NoError(t, recv.Close())
	require.NoError(t, recv.Close())
	cancel()
	assert.ErrorIs(t, <-runErr, ErrPeerClosed)
	assert.Eventually(t, func() bool {
		return unsubscribed.Load() == 1 && disconnected.Load() == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, StateDisconnected, recv.ConnectionState())
	assert.Empty(t, recv.RemoteParticipants())
}

func TestWebsocketSignaling(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		sig := NewWebsocketSignaling(conn)
		for {
			msg, err := sig.ReadMessage(context.Background())
			if err != nil {
				return
			}
			msg.Type = SignalAnswer
			if err := sig.WriteMessage(context.Background(), msg); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	sig := NewWebsocketSignaling(conn)

	ctx := context.Background()
	mid := "0"
	require.NoError(t, sig.WriteMessage(ctx, SignalingMessage{Type: SignalOffer, SDP: "v=0", Candidate: &webrtc.ICECandidateInit{Candidate: "candidate:1", SDPMid: &mid}}))
	msg, err := sig.ReadMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, SignalAnswer, msg.Type)
	assert.Equal(t, "v=0", msg.SDP)
	require.NotNil(t, msg.Candidate)
	assert.Equal(t, "candidate:1", msg.Candidate.Candidate)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = sig.ReadMessage(cancelled)
	assert.ErrorIs(t, err, context.Canceled)
}
