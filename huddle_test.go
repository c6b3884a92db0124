/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package huddle

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tejzpr/huddle-go-sdk/audio"
	"github.com/tejzpr/huddle-go-sdk/calling"
	"github.com/tejzpr/huddle-go-sdk/encryption"
	"github.com/tejzpr/huddle-go-sdk/handshake"
	"github.com/tejzpr/huddle-go-sdk/huddlesdk"
	"github.com/tejzpr/huddle-go-sdk/settings"
	"github.com/tejzpr/huddle-go-sdk/signaling"
	"github.com/tejzpr/huddle-go-sdk/transport"
	"github.com/tejzpr/huddle-go-sdk/transport/transporttest"
	"github.com/tejzpr/huddle-go-sdk/watch"
)

// idleSource produces no frames until closed.
type idleSource struct {
	once sync.Once
	done chan struct{}
}

func (s *idleSource) Read() (audio.Frame, error) {
	<-s.done
	return audio.Frame{}, io.EOF
}

func (s *idleSource) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

type testCapturer struct{ err error }

func (c testCapturer) Capture(context.Context, audio.Params) (audio.Source, error) {
	if c.err != nil {
		return nil, c.err
	}
	return &idleSource{done: make(chan struct{})}, nil
}

// fakeServer answers the handshake for one client key and the call RPCs.
type fakeServer struct {
	*httptest.Server
	mu       sync.Mutex
	received []string
	invites  []map[string]string
}

func newFakeServer(t *testing.T, client *encryption.KeyPair, answer string, rejectKind string) *fakeServer {
	kx := encryption.NewECDH()
	server, err := encryption.GenerateKeyPair()
	require.NoError(t, err)
	secret, err := kx.SharedSecret(server.PrivateKey, server.PublicKey, client.PublicKey)
	require.NoError(t, err)
	challenge, err := kx.Encrypt(answer, secret)
	require.NoError(t, err)

	fs := &fakeServer{}
	upgrader := websocket.Upgrader{}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			var f signaling.Frame
			if err := ws.ReadJSON(&f); err != nil {
				return
			}
			fs.mu.Lock()
			fs.received = append(fs.received, f.Type)
			fs.mu.Unlock()

			var data any = map[string]string{}
			typ := f.Type
			switch f.Type {
			case signaling.TypeIdentification:
				data = map[string]string{"public_key": server.PublicKey, "challenge": challenge}
			case signaling.TypeChallengeResponse:
				if rejectKind != "" {
					typ, data = "error", map[string]string{"kind": rejectKind}
				}
			case calling.TypeCreateCall:
				data = map[string]string{"token": "tok-1", "call_id": "call-1", "server_url": "wss://media.example"}
			case calling.TypeInvite:
				var body map[string]string
				_ = json.Unmarshal(f.Data, &body)
				fs.mu.Lock()
				fs.invites = append(fs.invites, body)
				fs.mu.Unlock()
			case "get_user_data":
				data = map[string]string{"name": "Ada"}
			}
			raw, _ := json.Marshal(data)
			if err := ws.WriteJSON(signaling.Frame{ID: f.ID, Type: typ, Data: raw}); err != nil {
				return
			}
		}
	}))
	return fs
}

func (fs *fakeServer) wsURL() string { return "ws" + strings.TrimPrefix(fs.URL, "http") }

func (fs *fakeServer) inviteCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.invites)
}

func testStore(t *testing.T) (settings.Store, *encryption.KeyPair) {
	kp, err := encryption.GenerateKeyPair()
	require.NoError(t, err)
	return settings.NewMemoryStore(map[string]string{
		settings.KeyUserID:             "42",
		settings.KeyIdentityPrivateKey: kp.PrivateKey,
		settings.KeyIdentityPublicKey:  kp.PublicKey,
	}), kp
}

func testSessionConfig() *Config {
	cfg := DefaultConfig()
	cfg.Signaling.PingInterval = 0
	cfg.Signaling.SendRate = 0
	cfg.Calling.DisconnectTimeout = 200 * time.Millisecond
	cfg.Calling.ConnectTimeout = 2 * time.Second
	return cfg
}

func TestNewSessionValidation(t *testing.T) {
	_, err := NewSession(nil, Dependencies{})
	assert.Equal(t, huddlesdk.CategoryInvalidArgument, huddlesdk.CategoryOf(err))

	_, err = NewSession(nil, Dependencies{
		Provider: transporttest.NewProvider("me", true),
		Settings: settings.NewMemoryStore(nil),
		Logger:   huddlesdk.NewNopLogger(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), settings.KeyUserID)
}

func TestLoadIdentityGeneratesKeys(t *testing.T) {
	ctx := context.Background()
	store := settings.NewMemoryStore(map[string]string{settings.KeyUserID: "7"})

	id, err := LoadIdentity(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, "7", id.UserID)
	assert.NotEmpty(t, id.PrivateKey)

	again, err := LoadIdentity(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, id, again, "generated keys are persisted")
}

func TestSessionEndToEnd(t *testing.T) {
	store, kp := testStore(t)
	srv := newFakeServer(t, kp, "42-answer", "")
	defer srv.Close()

	provider := transporttest.NewProvider("42", true)
	s, err := NewSession(testSessionConfig(), Dependencies{
		Provider: provider,
		Capturer: testCapturer{},
		Settings: store,
		Logger:   huddlesdk.NewNopLogger(),
	})
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, s.Open(ctx, srv.wsURL(), nil))
	resp, err := s.Request(ctx, "get_user_data", nil)
	require.NoError(t, err, "request waits for the handshake")
	assert.Equal(t, "get_user_data", resp.Type)
	assert.Equal(t, handshake.StateIdentified, s.Handshake().State())

	require.NoError(t, s.Calling().StartCall(ctx, "bob"))
	assert.Equal(t, calling.StateConnected, s.Calling().State())
	assert.Equal(t, []transporttest.Call{{ServerURL: "wss://media.example", Token: "tok-1"}}, provider.Connects())

	require.Eventually(t, s.Audio().Attached, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return srv.inviteCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, provider.Published(), 1)

	remote := transporttest.NewRemoteTrack("bob-mic", transport.KindAudio, transport.SourceMicrophone, 1)
	provider.Subscribe("bob", remote)
	require.NoError(t, remote.PushLevel(10, true))
	require.Eventually(t, func() bool { return s.Audio().Speaking("bob") }, 2*time.Second, 5*time.Millisecond)

	assert.True(t, s.ToggleDeafen())
	assert.True(t, remote.Muted())
	assert.True(t, s.Audio().Muted())
	assert.True(t, watch.Decode(provider.Local().Metadata()).Bool(watch.KeyDeafened))

	s.Calling().Disconnect()
	assert.False(t, s.Audio().Attached(), "teardown runs when shouldConnect drops")
	assert.Empty(t, s.Audio().SpeakingStates())
	require.Eventually(t, func() bool { return s.Calling().State() == calling.StateDisconnected }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, err = s.Request(ctx, "get_user_data", nil)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSessionHandshakeFatal(t *testing.T) {
	store, kp := testStore(t)
	srv := newFakeServer(t, kp, "42-answer", handshake.KindNoUpstreamPeer)
	defer srv.Close()

	s, err := NewSession(testSessionConfig(), Dependencies{
		Provider: transporttest.NewProvider("42", true),
		Capturer: testCapturer{},
		Settings: store,
		Logger:   huddlesdk.NewNopLogger(),
	})
	require.NoError(t, err)
	defer s.Close()

	reported := make(chan error, 1)
	s.OnError(func(err error) { reported <- err })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Open(ctx, srv.wsURL(), nil))

	select {
	case err := <-reported:
		var hs *huddlesdk.HandshakeError
		require.ErrorAs(t, err, &hs)
		assert.Equal(t, huddlesdk.HandshakeNoUpstreamPeer, hs.Kind)
	case <-time.After(3 * time.Second):
		t.Fatal("handshake failure was not reported")
	}

	_, err = s.Request(ctx, "get_user_data", nil)
	assert.True(t, huddlesdk.IsHandshakeFatal(err))
	assert.Equal(t, handshake.StateError, s.Handshake().State())
}

func TestSessionMediaFailureReported(t *testing.T) {
	store, _ := testStore(t)
	provider := transporttest.NewProvider("42", true)
	s, err := NewSession(testSessionConfig(), Dependencies{
		Provider: provider,
		Capturer: testCapturer{err: errors.New("permission denied")},
		Settings: store,
		Logger:   huddlesdk.NewNopLogger(),
	})
	require.NoError(t, err)
	defer s.Close()

	reported := make(chan error, 1)
	s.OnError(func(err error) { reported <- err })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Calling().Connect(ctx, calling.ConnectRequest{Token: "t", CallID: "c", ServerURL: "wss://media.example"}))

	select {
	case err := <-reported:
		assert.True(t, huddlesdk.IsMediaFailure(err))
	case <-time.After(3 * time.Second):
		t.Fatal("media failure was not reported")
	}
	assert.False(t, s.Audio().Attached())
	assert.Empty(t, provider.Published())
}
