/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/mediadevices"
	mdaudio "github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"
	"github.com/tejzpr/huddle-go-sdk/huddlesdk"
	"go.uber.org/zap"
)

// ErrNoAudioTrack is returned when the device yields no audio track.
var ErrNoAudioTrack = errors.New("no audio track from input device")

// MediaDevicesCapturer captures from a pion/mediadevices microphone. The
// application must import a microphone driver package for any device to be
// found.
type MediaDevicesCapturer struct {
	logger huddlesdk.LoggerAdapter
}

var _ Capturer = (*MediaDevicesCapturer)(nil)

// NewMediaDevicesCapturer creates a capturer.
func NewMediaDevicesCapturer(logger huddlesdk.LoggerAdapter) *MediaDevicesCapturer {
	return &MediaDevicesCapturer{logger: huddlesdk.OrNop(logger).With(zap.String("component", "capture"))}
}

// Capture opens the input device named in params, or the default device.
func (c *MediaDevicesCapturer) Capture(ctx context.Context, params Params) (Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	params = params.normalize()
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(mc *mediadevices.MediaTrackConstraints) {
			if params.InputDevice != "" {
				mc.DeviceID = prop.String(params.InputDevice)
			}
			mc.SampleRate = prop.Int(params.SampleRate)
			mc.ChannelCount = prop.Int(params.ChannelCount)
			mc.SampleSize = prop.Int(16)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get user media: %w", err)
	}

	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, ErrNoAudioTrack
	}
	for _, extra := range tracks[1:] {
		extra.Close()
	}
	at, ok := tracks[0].(*mediadevices.AudioTrack)
	if !ok {
		tracks[0].Close()
		return nil, fmt.Errorf("unexpected track type %T", tracks[0])
	}
	c.logger.Info("audio capture opened",
		zap.String("device", params.InputDevice),
		zap.Int("sampleRate", params.SampleRate),
		zap.Int("channels", params.ChannelCount))
	return &mediaSource{track: at, reader: at.NewReader(false)}, nil
}

type mediaSource struct {
	track  *mediadevices.AudioTrack
	reader mdaudio.Reader

	once sync.Once
	err  error
}

func (s *mediaSource) Read() (Frame, error) {
	chunk, release, err := s.reader.Read()
	if err != nil {
		return Frame{}, err
	}
	defer release()
	return frameFromWave(chunk)
}

func (s *mediaSource) Close() error {
	s.once.Do(func() { s.err = s.track.Close() })
	return s.err
}

// frameFromWave copies a captured chunk into a normalized Frame.
func frameFromWave(chunk wave.Audio) (Frame, error) {
	if chunk == nil {
		return Frame{}, errors.New("empty audio chunk")
	}
	info := chunk.ChunkInfo()
	f := Frame{SampleRate: info.SamplingRate, Channels: info.Channels}
	switch v := chunk.(type) {
	case *wave.Int16Interleaved:
		f.Samples = make([]float32, len(v.Data))
		for i, s := range v.Data {
			f.Samples[i] = float32(s) / 32768
		}
	case *wave.Float32Interleaved:
		f.Samples = make([]float32, len(v.Data))
		copy(f.Samples, v.Data)
	default:
		return Frame{}, fmt.Errorf("unsupported sample format %T", chunk)
	}
	return f, nil
}
