/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package watch keeps the local "who watches whose screen share" bookkeeping
// and mirrors the local user's flags into the transport's participant
// metadata. Metadata writes are fire-and-forget: every write re-reads the
// current blob and merges only the keys owned here, and nothing assumes a
// write is reflected back before the next one.
package watch

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tejzpr/huddle-go-sdk/huddlesdk"
	"github.com/tejzpr/huddle-go-sdk/transport"
)

// ErrNoLocalParticipant is returned by writes before the provider has a
// local participant.
var ErrNoLocalParticipant = huddlesdk.NewError(huddlesdk.CategoryTransportUnready, "watch.patch", "no local participant")

// Config holds the synchronizer configuration.
type Config struct {
	PreviewInterval time.Duration `yaml:"preview_interval"`
	PreviewWidth    int           `yaml:"preview_width"`
	PreviewQuality  int           `yaml:"preview_quality"`
}

// DefaultConfig returns the default synchronizer configuration.
func DefaultConfig() *Config {
	return &Config{
		PreviewInterval: 5 * time.Second,
		PreviewWidth:    320,
		PreviewQuality:  60,
	}
}

// Relation is a viewer opted into a broadcaster's screen share.
type Relation struct {
	Viewer      string
	Broadcaster string
}

// ChangeHandler is called with a remote participant's latest metadata.
type ChangeHandler func(identity string, md Metadata)

// Synchronizer is the watch/metadata synchronizer for one session.
type Synchronizer struct {
	config   *Config
	provider transport.Provider
	logger   huddlesdk.LoggerAdapter

	// writeMu serializes local read-modify-write cycles.
	writeMu sync.Mutex

	mu        sync.Mutex
	watching  map[string]struct{}
	snapshots map[string]Metadata
	handlers  map[uint64]ChangeHandler
	nextID    uint64
	share     *shareLoop
}

type shareLoop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a synchronizer writing through provider.
func New(config *Config, provider transport.Provider, logger huddlesdk.LoggerAdapter) *Synchronizer {
	if config == nil {
		config = DefaultConfig()
	}
	if config.PreviewInterval <= 0 {
		config.PreviewInterval = DefaultConfig().PreviewInterval
	}
	return &Synchronizer{
		config:    config,
		provider:  provider,
		logger:    huddlesdk.OrNop(logger).With(zap.String("component", "watch")),
		watching:  make(map[string]struct{}),
		snapshots: make(map[string]Metadata),
		handlers:  make(map[uint64]ChangeHandler),
	}
}

func (s *Synchronizer) localIdentity() string {
	if lp := s.provider.LocalParticipant(); lp != nil {
		return lp.Identity()
	}
	return ""
}

// StartWatching records that the local user watches broadcaster. It does not
// touch the transport.
func (s *Synchronizer) StartWatching(broadcaster string) {
	if broadcaster == "" {
		return
	}
	s.mu.Lock()
	s.watching[broadcaster] = struct{}{}
	s.mu.Unlock()
}

// StopWatching removes the relation; unknown broadcasters are ignored.
func (s *Synchronizer) StopWatching(broadcaster string) {
	s.mu.Lock()
	delete(s.watching, broadcaster)
	s.mu.Unlock()
}

// Watching reports whether the local user watches broadcaster.
func (s *Synchronizer) Watching(broadcaster string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.watching[broadcaster]
	return ok
}

// Reconcile drops local relations to broadcasters not in live and returns
// the dropped broadcasters, sorted.
func (s *Synchronizer) Reconcile(live []string) []string {
	alive := make(map[string]struct{}, len(live))
	for _, b := range live {
		alive[b] = struct{}{}
	}
	s.mu.Lock()
	var dropped []string
	for b := range s.watching {
		if _, ok := alive[b]; !ok {
			delete(s.watching, b)
			dropped = append(dropped, b)
		}
	}
	s.mu.Unlock()
	sort.Strings(dropped)
	if len(dropped) > 0 {
		s.logger.Debug("dropped stale watch relations", zap.Strings("broadcasters", dropped))
	}
	return dropped
}

// LiveBroadcasters lists remote participants currently publishing a screen
// share.
func (s *Synchronizer) LiveBroadcasters() []string {
	var out []string
	for _, p := range s.provider.RemoteParticipants() {
		for _, t := range p.Tracks() {
			if t.Source() == transport.SourceScreenShare {
				out = append(out, p.Identity())
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// Relations returns the local relations plus those announced by remote
// participants through watching_stream, sorted by broadcaster then viewer.
func (s *Synchronizer) Relations() []Relation {
	self := s.localIdentity()
	s.mu.Lock()
	out := make([]Relation, 0, len(s.watching)+len(s.snapshots))
	for b := range s.watching {
		out = append(out, Relation{Viewer: self, Broadcaster: b})
	}
	for viewer, md := range s.snapshots {
		if b := md.String(KeyWatchingStream); b != "" && viewer != self {
			out = append(out, Relation{Viewer: viewer, Broadcaster: b})
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Broadcaster != out[j].Broadcaster {
			return out[i].Broadcaster < out[j].Broadcaster
		}
		return out[i].Viewer < out[j].Viewer
	})
	return out
}

// Viewers returns the sorted viewers of broadcaster.
func (s *Synchronizer) Viewers(broadcaster string) []string {
	var out []string
	for _, r := range s.Relations() {
		if r.Broadcaster == broadcaster {
			out = append(out, r.Viewer)
		}
	}
	return out
}

// Patch merges set into the local participant's metadata and removes the
// remove keys, preserving every other key.
func (s *Synchronizer) Patch(set map[string]any, remove ...string) error {
	lp := s.provider.LocalParticipant()
	if lp == nil {
		return ErrNoLocalParticipant
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	current := lp.Metadata()
	next, err := Merge(current, set, remove...)
	if err != nil {
		return err
	}
	if next == current {
		return nil
	}
	if err := lp.SetMetadata(next); err != nil {
		s.logger.Warn("metadata write failed", zap.Error(err))
		return err
	}
	return nil
}

// SetDeafened publishes the local deafened flag.
func (s *Synchronizer) SetDeafened(deafened bool) error {
	return s.Patch(map[string]any{KeyDeafened: deafened})
}

// SetAdmin publishes the local admin flag.
func (s *Synchronizer) SetAdmin(admin bool) error {
	return s.Patch(map[string]any{KeyIsAdmin: admin})
}

// SetWatchingStream publishes which broadcaster the local user has focused;
// "" removes the key.
func (s *Synchronizer) SetWatchingStream(broadcaster string) error {
	if broadcaster == "" {
		return s.Patch(nil, KeyWatchingStream)
	}
	return s.Patch(map[string]any{KeyWatchingStream: broadcaster})
}

// Local returns the local participant's decoded metadata.
func (s *Synchronizer) Local() Metadata {
	if lp := s.provider.LocalParticipant(); lp != nil {
		return Decode(lp.Metadata())
	}
	return Metadata{}
}

// HandleMetadataChanged stores the participant's latest blob.
func (s *Synchronizer) HandleMetadataChanged(p transport.Participant, _ string) {
	md := Decode(p.Metadata())
	s.mu.Lock()
	s.snapshots[p.Identity()] = md
	handlers := make([]ChangeHandler, 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()
	for _, h := range handlers {
		h(p.Identity(), md)
	}
}

// HandleParticipantConnected records the participant's initial blob.
func (s *Synchronizer) HandleParticipantConnected(p transport.Participant) {
	s.HandleMetadataChanged(p, "")
}

// HandleParticipantDisconnected forgets the participant and reconciles the
// local relations.
func (s *Synchronizer) HandleParticipantDisconnected(p transport.Participant) {
	s.mu.Lock()
	delete(s.snapshots, p.Identity())
	s.mu.Unlock()
	s.Reconcile(s.LiveBroadcasters())
}

// HandleTrackUnsubscribed reconciles when a screen share disappears.
func (s *Synchronizer) HandleTrackUnsubscribed(track transport.RemoteTrack, _ transport.Participant) {
	if track.Source() == transport.SourceScreenShare {
		s.Reconcile(s.LiveBroadcasters())
	}
}

// Snapshot returns the last metadata seen for identity.
func (s *Synchronizer) Snapshot(identity string) (Metadata, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	md, ok := s.snapshots[identity]
	if !ok {
		return nil, false
	}
	out := make(Metadata, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out, true
}

// OnChange registers h for remote metadata changes and returns a func
// removing it.
func (s *Synchronizer) OnChange(h ChangeHandler) (remove func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.handlers[id] = h
	return func() {
		s.mu.Lock()
		delete(s.handlers, id)
		s.mu.Unlock()
	}
}

// Reset clears every relation and snapshot, e.g. after leaving a call.
func (s *Synchronizer) Reset() {
	s.mu.Lock()
	s.watching = make(map[string]struct{})
	s.snapshots = make(map[string]Metadata)
	s.mu.Unlock()
}

// StartSharing publishes a preview of src immediately and then every
// PreviewInterval until StopSharing. A running share is replaced.
func (s *Synchronizer) StartSharing(ctx context.Context, src FrameSource) error {
	if src == nil {
		return huddlesdk.InvalidArgument("watch.StartSharing", "nil frame source")
	}
	s.stopLoop()

	loopCtx, cancel := context.WithCancel(ctx)
	loop := &shareLoop{cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.share = loop
	s.mu.Unlock()

	go s.previewLoop(loopCtx, src, loop.done)
	return nil
}

// Sharing reports whether a preview loop is running.
func (s *Synchronizer) Sharing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.share != nil
}

// StopSharing ends the preview loop and removes stream_preview from the
// local metadata. It does nothing when not sharing.
func (s *Synchronizer) StopSharing() error {
	if !s.stopLoop() {
		return nil
	}
	return s.Patch(nil, KeyStreamPreview)
}

func (s *Synchronizer) stopLoop() bool {
	s.mu.Lock()
	loop := s.share
	s.share = nil
	s.mu.Unlock()
	if loop == nil {
		return false
	}
	loop.cancel()
	<-loop.done
	return true
}

func (s *Synchronizer) previewLoop(ctx context.Context, src FrameSource, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.config.PreviewInterval)
	defer ticker.Stop()
	for {
		s.publishPreview(ctx, src)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Synchronizer) publishPreview(ctx context.Context, src FrameSource) {
	img, err := src.Snapshot(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("preview snapshot failed", zap.Error(err))
		}
		return
	}
	url, err := EncodePreview(img, s.config.PreviewWidth, s.config.PreviewQuality)
	if err != nil {
		s.logger.Warn("preview encode failed", zap.Error(err))
		return
	}
	if ctx.Err() != nil {
		return
	}
	if err := s.Patch(map[string]any{KeyStreamPreview: url}); err != nil {
		s.logger.Debug("preview write dropped", zap.Error(err))
	}
}
