/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package audio

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/tejzpr/huddle-go-sdk/huddlesdk"
	"github.com/tejzpr/huddle-go-sdk/transport"
	"go.uber.org/zap"
)

// Frame is one chunk of interleaved PCM normalized to [-1, 1].
type Frame struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// Source yields raw captured frames until closed.
type Source interface {
	// Read blocks for the next frame. It returns io.EOF after Close.
	Read() (Frame, error)
	Close() error
}

// Capturer opens an input device.
type Capturer interface {
	Capture(ctx context.Context, params Params) (Source, error)
}

// FrameSink receives processed frames from a LocalTrack.
type FrameSink func(Frame)

// LocalTrack is the published microphone track. It pumps frames from its
// Source through an optional Processor to an optional sink. The processor
// can be swapped while the track is live, which is how processing is
// attached after publishing.
type LocalTrack struct {
	id     string
	source Source
	logger huddlesdk.LoggerAdapter

	mu        sync.Mutex
	processor *Processor
	sink      FrameSink
	muted     bool
	stopped   bool
	done      chan struct{}
	now       func() time.Time
}

var _ transport.LocalTrack = (*LocalTrack)(nil)

// NewLocalTrack starts pumping src. The track starts unmuted and without a
// processor.
func NewLocalTrack(id string, src Source, logger huddlesdk.LoggerAdapter) *LocalTrack {
	t := &LocalTrack{
		id:     id,
		source: src,
		logger: huddlesdk.OrNop(logger).With(zap.String("track", id)),
		done:   make(chan struct{}),
		now:    time.Now,
	}
	go t.pump()
	return t
}

func (t *LocalTrack) ID() string                    { return t.id }
func (t *LocalTrack) Kind() transport.TrackKind     { return transport.KindAudio }
func (t *LocalTrack) Source() transport.TrackSource { return transport.SourceMicrophone }

// SetMuted silences outgoing frames. A muted track never reports speech.
func (t *LocalTrack) SetMuted(muted bool) {
	t.mu.Lock()
	t.muted = muted
	p := t.processor
	t.mu.Unlock()
	if muted && p != nil {
		p.Silence()
	}
}

func (t *LocalTrack) Muted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.muted
}

// SetProcessor replaces the processing chain; nil passes frames through.
func (t *LocalTrack) SetProcessor(p *Processor) {
	t.mu.Lock()
	t.processor = p
	t.mu.Unlock()
}

// Processor returns the attached processor, or nil.
func (t *LocalTrack) Processor() *Processor {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.processor
}

// SetSink sets where processed frames are delivered.
func (t *LocalTrack) SetSink(sink FrameSink) {
	t.mu.Lock()
	t.sink = sink
	t.mu.Unlock()
}

// Stop closes the source and ends the pump. It is safe to call repeatedly.
func (t *LocalTrack) Stop() error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	t.mu.Unlock()
	err := t.source.Close()
	<-t.done
	return err
}

// Done is closed once the pump has exited.
func (t *LocalTrack) Done() <-chan struct{} { return t.done }

func (t *LocalTrack) pump() {
	defer close(t.done)
	for {
		frame, err := t.source.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) && !t.isStopped() {
				t.logger.Warn("audio source read failed", zap.Error(err))
			}
			return
		}

		t.mu.Lock()
		p, sink, muted, stopped := t.processor, t.sink, t.muted, t.stopped
		t.mu.Unlock()
		if stopped {
			return
		}

		if muted {
			for i := range frame.Samples {
				frame.Samples[i] = 0
			}
		} else if p != nil {
			p.Process(frame.Samples, t.now())
		}
		if sink != nil {
			sink(frame)
		}
	}
}

func (t *LocalTrack) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}
