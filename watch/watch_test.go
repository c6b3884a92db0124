/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package watch

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tejzpr/huddle-go-sdk/huddlesdk"
	"github.com/tejzpr/huddle-go-sdk/transport"
	"github.com/tejzpr/huddle-go-sdk/transport/transporttest"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		blob string
		want Metadata
	}{
		{"empty", "", Metadata{}},
		{"object", `{"a":1,"deafened":true}`, Metadata{"a": json.Number("1"), "deafened": true}},
		{"nested numbers", `{"n":{"big":9007199254740993}}`, Metadata{"n": map[string]any{"big": json.Number("9007199254740993")}}},
		{"malformed", `{"a":`, Metadata{}},
		{"array", `[1,2]`, Metadata{}},
		{"null", `null`, Metadata{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decode(tt.blob))
		})
	}
}

func TestMerge(t *testing.T) {
	out, err := Merge(`{"a":1}`, map[string]any{KeyDeafened: true})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"deafened":true}`, out)

	out, err = Merge(`{"a":1,"stream_preview":"x","z":{"n":[1]}}`, nil, KeyStreamPreview, "missing")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"z":{"n":[1]}}`, out)

	out, err = Merge(`{"seq":9007199254740993,"note":"a<b&c","ratio":2.50,"obj":{"id":18446744073709551615,"tags":["x",null]}}`,
		map[string]any{KeyDeafened: true})
	require.NoError(t, err)
	assert.Equal(t, `{"deafened":true,"note":"a<b&c","obj":{"id":18446744073709551615,"tags":["x",null]},"ratio":2.50,"seq":9007199254740993}`, out)

	out, err = Merge(`not json`, map[string]any{KeyIsAdmin: false})
	require.NoError(t, err)
	assert.Equal(t, `{"isAdmin":false}`, out)
}

func newSync(t *testing.T) (*Synchronizer, *transporttest.Provider) {
	p := transporttest.NewProvider("me", false)
	s := New(&Config{PreviewInterval: 10 * time.Millisecond, PreviewWidth: 16, PreviewQuality: 50}, p, nil)
	return s, p
}

func TestPatchPreservesForeignKeys(t *testing.T) {
	s, p := newSync(t)
	p.Local().Overwrite(`{"a":1}`)

	require.NoError(t, s.SetDeafened(true))
	assert.Equal(t, `{"a":1,"deafened":true}`, p.Local().Metadata())

	// Another writer adds a key between our writes.
	p.Local().Overwrite(`{"a":2,"deafened":true,"theme":"dark"}`)
	require.NoError(t, s.SetAdmin(true))
	assert.Equal(t, `{"a":2,"deafened":true,"isAdmin":true,"theme":"dark"}`, p.Local().Metadata())

	require.NoError(t, s.SetWatchingStream("bob"))
	assert.Equal(t, "bob", s.Local().String(KeyWatchingStream))
	require.NoError(t, s.SetWatchingStream(""))
	_, present := s.Local()[KeyWatchingStream]
	assert.False(t, present)

	writes := len(p.Local().Writes())
	require.NoError(t, s.SetAdmin(true))
	assert.Len(t, p.Local().Writes(), writes, "unchanged blobs are not rewritten")

	// Large integers and nested objects from other writers keep their exact literals.
	p.Local().Overwrite(`{"isAdmin":true,"seq":9007199254740993,"layout":{"w":1920,"ids":[12345678901234567890]}}`)
	require.NoError(t, s.SetDeafened(false))
	assert.Equal(t, `{"deafened":false,"isAdmin":true,"layout":{"ids":[12345678901234567890],"w":1920},"seq":9007199254740993}`, p.Local().Metadata())
}

type noLocalProvider struct {
	*transporttest.Provider
}

func (noLocalProvider) LocalParticipant() transport.LocalParticipant { return nil }

func TestPatchWithoutLocalParticipant(t *testing.T) {
	s := New(nil, noLocalProvider{transporttest.NewProvider("me", false)}, nil)
	err := s.SetDeafened(true)
	assert.ErrorIs(t, err, ErrNoLocalParticipant)
	assert.True(t, huddlesdk.IsTransportUnready(err))
}

func TestPatchCorruptBlob(t *testing.T) {
	s, p := newSync(t)
	p.Local().Overwrite(`{{{`)
	require.NoError(t, s.SetDeafened(false))
	assert.Equal(t, `{"deafened":false}`, p.Local().Metadata())
}

func TestPatchWriteFailure(t *testing.T) {
	s, p := newSync(t)
	p.Local().SetMetadataErr = errors.New("not connected")
	assert.Error(t, s.SetDeafened(true))
	assert.Empty(t, p.Local().Metadata())
}

func TestWatchRelations(t *testing.T) {
	s, p := newSync(t)
	p.Subscribe("bob", transporttest.NewRemoteTrack("bob-screen", transport.KindVideo, transport.SourceScreenShare, 0))
	carol := p.Join("carol", `{"watching_stream":"bob"}`)
	s.HandleParticipantConnected(carol)

	s.StartWatching("bob")
	s.StartWatching("dave") // already ended
	assert.True(t, s.Watching("dave"))

	assert.Equal(t, []Relation{
		{Viewer: "carol", Broadcaster: "bob"},
		{Viewer: "me", Broadcaster: "bob"},
		{Viewer: "me", Broadcaster: "dave"},
	}, s.Relations())
	assert.Equal(t, []string{"carol", "me"}, s.Viewers("bob"))

	assert.Equal(t, []string{"bob"}, s.LiveBroadcasters())
	assert.Equal(t, []string{"dave"}, s.Reconcile(s.LiveBroadcasters()))
	assert.False(t, s.Watching("dave"))

	p.SetRemoteMetadata("carol", `{"watching_stream":""}`)
	s.HandleMetadataChanged(carol, "")
	assert.Equal(t, []string{"me"}, s.Viewers("bob"))

	s.StopWatching("bob")
	s.StopWatching("nobody")
	assert.Empty(t, s.Relations())
}

func TestRelationsDropWithBroadcaster(t *testing.T) {
	s, p := newSync(t)
	p.AddCallback(&transport.Callback{
		OnTrackUnsubscribed:       s.HandleTrackUnsubscribed,
		OnParticipantDisconnected: s.HandleParticipantDisconnected,
	})
	p.Subscribe("bob", transporttest.NewRemoteTrack("bob-screen", transport.KindVideo, transport.SourceScreenShare, 0))
	p.Subscribe("eve", transporttest.NewRemoteTrack("eve-screen", transport.KindVideo, transport.SourceScreenShare, 0))
	s.StartWatching("bob")
	s.StartWatching("eve")

	p.Unsubscribe("bob", "bob-screen")
	assert.False(t, s.Watching("bob"))
	assert.True(t, s.Watching("eve"))

	p.Leave("eve")
	assert.False(t, s.Watching("eve"))
}

func TestMetadataSnapshotsLastWriteWins(t *testing.T) {
	s, p := newSync(t)
	frank := p.Join("frank", "")
	var seen atomic.Int32
	remove := s.OnChange(func(id string, md Metadata) {
		if id == "frank" {
			seen.Add(1)
		}
	})

	p.SetRemoteMetadata("frank", `{"deafened":true}`)
	s.HandleMetadataChanged(frank, "")
	p.SetRemoteMetadata("frank", `{"deafened":false,"isAdmin":true}`)
	s.HandleMetadataChanged(frank, `{"deafened":true}`)

	md, ok := s.Snapshot("frank")
	require.True(t, ok)
	assert.False(t, md.Bool(KeyDeafened))
	assert.True(t, md.Bool(KeyIsAdmin))
	assert.Equal(t, int32(2), seen.Load())

	remove()
	s.HandleMetadataChanged(frank, "")
	assert.Equal(t, int32(2), seen.Load())

	s.HandleParticipantDisconnected(frank)
	_, ok = s.Snapshot("frank")
	assert.False(t, ok)
}

func solid(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 40, B: 40, A: 255})
		}
	}
	return img
}

func TestEncodePreview(t *testing.T) {
	url, err := EncodePreview(solid(64, 32), 16, 70)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "data:image/jpeg;base64,"))

	img, err := DecodePreview(url)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 16, 8), img.Bounds())

	url, err = EncodePreview(solid(8, 8), 16, 70)
	require.NoError(t, err)
	img, err = DecodePreview(url)
	require.NoError(t, err)
	assert.Equal(t, 8, img.Bounds().Dx(), "small frames are not upscaled")

	_, err = EncodePreview(nil, 16, 70)
	assert.Error(t, err)
	_, err = DecodePreview("data:text/plain,hi")
	assert.Error(t, err)
}

func TestSharingPublishesAndRemovesPreview(t *testing.T) {
	s, p := newSync(t)
	p.Local().Overwrite(`{"a":1}`)
	var snaps atomic.Int32
	src := FrameSourceFunc(func(ctx context.Context) (image.Image, error) {
		snaps.Add(1)
		return solid(32, 32), nil
	})

	require.NoError(t, s.StartSharing(context.Background(), src))
	assert.True(t, s.Sharing())
	require.Eventually(t, func() bool { return snaps.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, strings.HasPrefix(s.Local().String(KeyStreamPreview), "data:image/jpeg;base64,"))

	require.NoError(t, s.StopSharing())
	assert.False(t, s.Sharing())
	assert.Equal(t, `{"a":1}`, p.Local().Metadata())

	n := snaps.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, snaps.Load(), "loop stopped")
	require.NoError(t, s.StopSharing(), "stopping twice is a no-op")
	assert.Equal(t, `{"a":1}`, p.Local().Metadata())
}

func TestStartSharingValidation(t *testing.T) {
	s, _ := newSync(t)
	assert.Error(t, s.StartSharing(context.Background(), nil))
	assert.False(t, s.Sharing())
}
