/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package audio

import (
	"context"
	"time"

	"github.com/tejzpr/huddle-go-sdk/settings"
)

// Params are the capture and processing parameters read from settings.
type Params struct {
	InputDevice  string
	OutputDevice string
	ChannelCount int
	SampleRate   int
	// NoiseSuppression is the gate strength from 0 (off) to 100.
	NoiseSuppression float64
	// SpeakingStartDB is the level (dBFS) at which speech starts.
	SpeakingStartDB float64
	// SpeakingStopDB is the level below which speech ends after HangTime.
	SpeakingStopDB float64
	HangTime       time.Duration
	// InputGain is a linear gain applied before detection.
	InputGain float64
}

// DefaultParams returns the parameters used when settings are empty.
func DefaultParams() Params {
	return Params{
		ChannelCount:     1,
		SampleRate:       48000,
		NoiseSuppression: 50,
		SpeakingStartDB:  -45,
		SpeakingStopDB:   -55,
		HangTime:         300 * time.Millisecond,
		InputGain:        1,
	}
}

// LoadParams reads Params from store, falling back to DefaultParams for
// every missing or malformed key. A nil store yields the defaults.
func LoadParams(ctx context.Context, store settings.Store) Params {
	p := DefaultParams()
	if store == nil {
		return p
	}
	p.InputDevice = settings.String(ctx, store, settings.KeyInputDevice, p.InputDevice)
	p.OutputDevice = settings.String(ctx, store, settings.KeyOutputDevice, p.OutputDevice)
	p.ChannelCount = settings.Int(ctx, store, settings.KeyChannelCount, p.ChannelCount)
	p.SampleRate = settings.Int(ctx, store, settings.KeySampleRate, p.SampleRate)
	p.NoiseSuppression = settings.Float(ctx, store, settings.KeyNoiseSuppression, p.NoiseSuppression)
	p.SpeakingStartDB = settings.Float(ctx, store, settings.KeySpeakingStartDB, p.SpeakingStartDB)
	p.SpeakingStopDB = settings.Float(ctx, store, settings.KeySpeakingStopDB, p.SpeakingStopDB)
	p.InputGain = settings.Float(ctx, store, settings.KeyInputGain, p.InputGain)
	return p.normalize()
}

func (p Params) normalize() Params {
	d := DefaultParams()
	if p.ChannelCount < 1 || p.ChannelCount > 2 {
		p.ChannelCount = d.ChannelCount
	}
	if p.SampleRate <= 0 {
		p.SampleRate = d.SampleRate
	}
	if p.NoiseSuppression < 0 {
		p.NoiseSuppression = 0
	}
	if p.NoiseSuppression > 100 {
		p.NoiseSuppression = 100
	}
	if p.SpeakingStopDB > p.SpeakingStartDB {
		p.SpeakingStopDB = p.SpeakingStartDB
	}
	if p.InputGain < 0 {
		p.InputGain = d.InputGain
	}
	if p.HangTime < 0 {
		p.HangTime = 0
	}
	return p
}

// gateThresholdDB maps the suppression level to a gate threshold in dBFS.
// Level 0 disables the gate; level 100 gates everything below -40 dBFS.
func (p Params) gateThresholdDB() float64 {
	if p.NoiseSuppression <= 0 {
		return silenceDB
	}
	return -90 + p.NoiseSuppression*0.5
}
