/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package transport

import (
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// AudioLevelURI is the RTP header extension carrying the RFC 6464 audio level.
const AudioLevelURI = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"

// PionRemoteTrack adapts a pion track received through OnTrack to RemoteTrack.
type PionRemoteTrack struct {
	track    *webrtc.TrackRemote
	receiver *webrtc.RTPReceiver
	source   TrackSource
	muted    atomic.Bool
}

var _ RemoteTrack = (*PionRemoteTrack)(nil)

// NewPionRemoteTrack wraps track. receiver may be nil, in which case no
// audio-level extension is reported.
func NewPionRemoteTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver, source TrackSource) *PionRemoteTrack {
	if source == "" {
		source = SourceUnknown
	}
	return &PionRemoteTrack{track: track, receiver: receiver, source: source}
}

// ID returns the track id from the remote description.
func (t *PionRemoteTrack) ID() string { return t.track.ID() }

// Kind maps the pion codec type.
func (t *PionRemoteTrack) Kind() TrackKind {
	return pionKind(t.track.Kind())
}

// Source returns the source given at construction.
func (t *PionRemoteTrack) Source() TrackSource { return t.source }

// SetMuted toggles local rendering of the track.
func (t *PionRemoteTrack) SetMuted(muted bool) { t.muted.Store(muted) }

// Muted reports whether local rendering is muted.
func (t *PionRemoteTrack) Muted() bool { return t.muted.Load() }

// ReadRTP reads the next packet from the pion track.
func (t *PionRemoteTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	return t.track.ReadRTP()
}

// AudioLevelExtensionID looks up the negotiated ssrc-audio-level extension id.
func (t *PionRemoteTrack) AudioLevelExtensionID() uint8 {
	if t.receiver == nil {
		return 0
	}
	return audioLevelExtensionID(t.receiver.GetParameters().HeaderExtensions)
}

// Pion returns the wrapped track.
func (t *PionRemoteTrack) Pion() *webrtc.TrackRemote { return t.track }

func audioLevelExtensionID(exts []webrtc.RTPHeaderExtensionParameter) uint8 {
	for _, ext := range exts {
		if ext.URI == AudioLevelURI && ext.ID > 0 && ext.ID < 256 {
			return uint8(ext.ID)
		}
	}
	return 0
}

func pionKind(k webrtc.RTPCodecType) TrackKind {
	if k == webrtc.RTPCodecTypeVideo {
		return KindVideo
	}
	return KindAudio
}

// RegisterAudioLevelExtension registers the ssrc-audio-level extension on a
// pion media engine so remote speaking detection has levels to read.
func RegisterAudioLevelExtension(m *webrtc.MediaEngine) error {
	return m.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: AudioLevelURI}, webrtc.RTPCodecTypeAudio)
}
