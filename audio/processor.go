/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package audio

import (
	"math"
	"sync"
	"time"
)

// silenceDB is the floor reported for digital silence.
const silenceDB = -127.0

// speakingGate is a two-threshold speaking classifier with hang time.
type speakingGate struct {
	startDB, stopDB float64
	hang            time.Duration
	speaking        bool
	lastLoud        time.Time
}

// observe feeds one level and reports the new state and whether it changed.
func (g *speakingGate) observe(db float64, now time.Time) (speaking, changed bool) {
	switch {
	case !g.speaking && db >= g.startDB:
		g.speaking = true
		g.lastLoud = now
		return true, true
	case g.speaking && db >= g.stopDB:
		g.lastLoud = now
	case g.speaking && now.Sub(g.lastLoud) >= g.hang:
		g.speaking = false
		return false, true
	}
	return g.speaking, false
}

// force sets the state directly and reports whether it changed.
func (g *speakingGate) force(speaking bool) bool {
	changed := g.speaking != speaking
	g.speaking = speaking
	return changed
}

// LevelDBFS returns the RMS level of samples in dBFS, floored at silence.
func LevelDBFS(samples []float32) float64 {
	if len(samples) == 0 {
		return silenceDB
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if rms == 0 {
		return silenceDB
	}
	db := 20 * math.Log10(rms)
	if db < silenceDB {
		return silenceDB
	}
	return db
}

// Processor is the local processing chain: input gain, a noise gate whose
// threshold follows the suppression level, and speaking detection on the
// gained signal.
type Processor struct {
	mu       sync.Mutex
	gain     float32
	gateDB   float64
	gate     speakingGate
	onChange func(speaking bool)
}

// NewProcessor creates a processor. onChange, if set, is called whenever
// the speaking state flips.
func NewProcessor(params Params, onChange func(speaking bool)) *Processor {
	p := &Processor{onChange: onChange}
	p.Update(params)
	return p
}

// Update applies new parameters without resetting the speaking state.
func (p *Processor) Update(params Params) {
	params = params.normalize()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gain = float32(params.InputGain)
	p.gateDB = params.gateThresholdDB()
	p.gate.startDB = params.SpeakingStartDB
	p.gate.stopDB = params.SpeakingStopDB
	p.gate.hang = params.HangTime
}

// Process runs one frame through the chain in place and returns whether
// the input is currently classified as speech.
func (p *Processor) Process(samples []float32, now time.Time) bool {
	p.mu.Lock()
	if p.gain != 1 {
		for i, s := range samples {
			v := s * p.gain
			if v > 1 {
				v = 1
			} else if v < -1 {
				v = -1
			}
			samples[i] = v
		}
	}
	db := LevelDBFS(samples)
	if db < p.gateDB {
		for i := range samples {
			samples[i] = 0
		}
	}
	speaking, changed := p.gate.observe(db, now)
	onChange := p.onChange
	p.mu.Unlock()

	if changed && onChange != nil {
		onChange(speaking)
	}
	return speaking
}

// Silence forces the state to not speaking, e.g. when the track is muted.
func (p *Processor) Silence() {
	p.mu.Lock()
	changed := p.gate.force(false)
	onChange := p.onChange
	p.mu.Unlock()
	if changed && onChange != nil {
		onChange(false)
	}
}

// Speaking reports the current classification.
func (p *Processor) Speaking() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gate.speaking
}
