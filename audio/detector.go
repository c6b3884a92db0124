/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package audio

import (
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/tejzpr/huddle-go-sdk/transport"
)

// Controller is a speaking classifier bound to one track.
type Controller interface {
	Speaking() bool
	// Dispose detaches the controller. No callbacks fire afterwards.
	Dispose()
}

// Detector classifies a remote track as speaking or silent from the RFC 6464
// audio level carried in its RTP header extension. It does not decode or
// alter the audio. Packets without the extension count as silence.
type Detector struct {
	track    transport.RemoteTrack
	extID    uint8
	onChange func(speaking bool)
	now      func() time.Time

	mu       sync.Mutex
	gate     speakingGate
	disposed bool
	done     chan struct{}
	exited   chan struct{}
}

var _ Controller = (*Detector)(nil)

// NewDetector starts reading track and calls onChange on every transition.
func NewDetector(track transport.RemoteTrack, params Params, onChange func(speaking bool)) *Detector {
	params = params.normalize()
	d := &Detector{
		track:    track,
		extID:    track.AudioLevelExtensionID(),
		onChange: onChange,
		now:      time.Now,
		gate: speakingGate{
			startDB: params.SpeakingStartDB,
			stopDB:  params.SpeakingStopDB,
			hang:    params.HangTime,
		},
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go d.readLoop()
	return d
}

func (d *Detector) readLoop() {
	defer close(d.exited)
	for {
		pkt, _, err := d.track.ReadRTP()
		select {
		case <-d.done:
			return
		default:
		}
		if err != nil {
			d.apply(func(g *speakingGate) (bool, bool) { return false, g.force(false) })
			return
		}
		db := d.level(pkt)
		now := d.now()
		d.apply(func(g *speakingGate) (bool, bool) { return g.observe(db, now) })
	}
}

// level converts the packet's audio level (-dBov) to dBFS.
func (d *Detector) level(pkt *rtp.Packet) float64 {
	if d.extID == 0 || pkt == nil {
		return silenceDB
	}
	raw := pkt.GetExtension(d.extID)
	if raw == nil {
		return silenceDB
	}
	var ext rtp.AudioLevelExtension
	if err := ext.Unmarshal(raw); err != nil {
		return silenceDB
	}
	return -float64(ext.Level)
}

func (d *Detector) apply(step func(g *speakingGate) (speaking, changed bool)) {
	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		return
	}
	speaking, changed := step(&d.gate)
	d.mu.Unlock()
	if changed && d.onChange != nil {
		d.onChange(speaking)
	}
}

// Speaking reports the current classification.
func (d *Detector) Speaking() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gate.speaking
}

// Dispose stops classification. The read loop exits on its next packet or
// when the track ends.
func (d *Detector) Dispose() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.disposed {
		return
	}
	d.disposed = true
	close(d.done)
}
