/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package audio

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tejzpr/huddle-go-sdk/settings"
	"github.com/tejzpr/huddle-go-sdk/transport"
	"github.com/tejzpr/huddle-go-sdk/transport/transporttest"
)

func constant(v float32, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestLevelDBFS(t *testing.T) {
	assert.Equal(t, silenceDB, LevelDBFS(nil))
	assert.Equal(t, silenceDB, LevelDBFS(constant(0, 10)))
	assert.InDelta(t, 0, LevelDBFS(constant(1, 10)), 1e-9)
	assert.InDelta(t, -6.0206, LevelDBFS(constant(0.5, 10)), 1e-3)
	assert.InDelta(t, -6.0206, LevelDBFS([]float32{0.5, -0.5}), 1e-3)
}

func TestLoadParams(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, DefaultParams(), LoadParams(ctx, nil))

	store := settings.NewMemoryStore(map[string]string{
		settings.KeyInputDevice:      "mic-2",
		settings.KeyChannelCount:     "2",
		settings.KeySampleRate:       "16000",
		settings.KeyNoiseSuppression: "250",
		settings.KeySpeakingStartDB:  "-40",
		settings.KeySpeakingStopDB:   "-30",
		settings.KeyInputGain:        "not-a-number",
	})
	p := LoadParams(ctx, store)
	assert.Equal(t, "mic-2", p.InputDevice)
	assert.Equal(t, 2, p.ChannelCount)
	assert.Equal(t, 16000, p.SampleRate)
	assert.Equal(t, 100.0, p.NoiseSuppression)
	assert.Equal(t, -40.0, p.SpeakingStartDB)
	assert.Equal(t, -40.0, p.SpeakingStopDB, "stop threshold is clamped to start")
	assert.Equal(t, 1.0, p.InputGain)
}

func TestProcessorSpeakingHysteresis(t *testing.T) {
	var changes []bool
	p := NewProcessor(DefaultParams(), func(s bool) { changes = append(changes, s) })
	t0 := time.Unix(1000, 0)

	assert.True(t, p.Process(constant(0.1, 480), t0))                            // -20 dB
	assert.True(t, p.Process(constant(0.003, 480), t0.Add(10*time.Millisecond))) // -50 dB, above stop
	assert.True(t, p.Process(constant(0.0001, 480), t0.Add(100*time.Millisecond)), "hang time holds speech")
	assert.False(t, p.Process(constant(0.0001, 480), t0.Add(400*time.Millisecond)))
	assert.False(t, p.Process(constant(0.003, 480), t0.Add(410*time.Millisecond)), "below start does not restart")
	assert.Equal(t, []bool{true, false}, changes)
}

func TestProcessorGainAndGate(t *testing.T) {
	params := DefaultParams()
	params.InputGain = 2
	p := NewProcessor(params, nil)

	loud := constant(0.6, 4)
	p.Process(loud, time.Now())
	assert.Equal(t, constant(1, 4), loud, "gain clips at full scale")

	quiet := constant(0.0001, 4) // -74 dB after gain, gate at -65
	p.Process(quiet, time.Now())
	assert.Equal(t, constant(0, 4), quiet)

	params.NoiseSuppression = 0
	params.InputGain = 1
	p.Update(params)
	quiet = constant(0.0001, 4)
	p.Process(quiet, time.Now())
	assert.Equal(t, constant(0.0001, 4), quiet, "suppression 0 disables the gate")
}

func TestProcessorSilence(t *testing.T) {
	changes := make(chan bool, 4)
	p := NewProcessor(DefaultParams(), func(s bool) { changes <- s })
	p.Process(constant(0.5, 4), time.Now())
	p.Silence()
	p.Silence()
	assert.False(t, p.Speaking())
	assert.Equal(t, true, <-changes)
	assert.Equal(t, false, <-changes)
	assert.Empty(t, changes)
}

func TestDetector(t *testing.T) {
	params := DefaultParams()
	params.HangTime = 0
	track := transporttest.NewRemoteTrack("r1", transport.KindAudio, transport.SourceMicrophone, 1)
	changes := make(chan bool, 8)
	d := NewDetector(track, params, func(s bool) { changes <- s })

	require.NoError(t, track.PushLevel(20, true)) // -20 dBov
	assert.True(t, <-changes)
	assert.True(t, d.Speaking())

	require.NoError(t, track.PushLevel(50, true)) // between thresholds
	require.NoError(t, track.PushLevel(100, false))
	assert.False(t, <-changes)

	d.Dispose()
	d.Dispose()
	require.NoError(t, track.PushLevel(0, true))
	select {
	case <-d.exited:
	case <-time.After(time.Second):
		t.Fatal("read loop did not exit after dispose")
	}
	assert.Empty(t, changes)
}

func TestDetectorWithoutExtension(t *testing.T) {
	track := transporttest.NewRemoteTrack("r1", transport.KindAudio, transport.SourceMicrophone, 0)
	d := NewDetector(track, DefaultParams(), func(bool) { t.Error("unexpected speaking change") })
	require.NoError(t, track.PushLevel(0, true))
	track.Close()
	select {
	case <-d.exited:
	case <-time.After(time.Second):
		t.Fatal("read loop did not exit on track end")
	}
	assert.False(t, d.Speaking())
}

func TestLocalTrackPump(t *testing.T) {
	src := newFakeSource()
	track := NewLocalTrack("local", src, nil)
	frames := make(chan Frame, 4)
	track.SetSink(func(f Frame) { frames <- f })

	src.push(constant(0.25, 2))
	assert.Equal(t, constant(0.25, 2), (<-frames).Samples)

	params := DefaultParams()
	params.InputGain = 2
	track.SetProcessor(NewProcessor(params, nil))
	src.push(constant(0.25, 2))
	assert.Equal(t, constant(0.5, 2), (<-frames).Samples)

	track.SetMuted(true)
	assert.True(t, track.Muted())
	src.push(constant(0.25, 2))
	assert.Equal(t, constant(0, 2), (<-frames).Samples)

	require.NoError(t, track.Stop())
	require.NoError(t, track.Stop())
	assert.Equal(t, 1, src.closes())
	<-track.Done()
}

func TestFrameFromWaveRejectsUnknown(t *testing.T) {
	_, err := frameFromWave(nil)
	assert.Error(t, err)
}

func TestLevelOfFullScaleSine(t *testing.T) {
	s := make([]float32, 4800)
	for i := range s {
		s[i] = float32(math.Sin(2 * math.Pi * float64(i) / 48))
	}
	assert.InDelta(t, -3.01, LevelDBFS(s), 0.01)
}
