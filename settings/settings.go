/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package settings is the local key/value store the call core reads its
// device and audio-processing parameters from. Values are strings; typed
// accessors parse them and fall back to a default when a key is missing or
// malformed.
package settings

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"

	"github.com/tejzpr/huddle-go-sdk/huddlesdk"
)

var (
	// ErrNotFound is returned by Get for a missing key.
	ErrNotFound = errors.New("settings: key not found")
	// ErrClosed is returned by every operation on a closed store.
	ErrClosed = errors.New("settings: store closed")
)

// Well-known keys.
const (
	KeyUserID             = "identity.user_id"
	KeyIdentityPrivateKey = "identity.private_key"
	KeyIdentityPublicKey  = "identity.public_key"

	KeyInputDevice      = "audio.input_device"
	KeyOutputDevice     = "audio.output_device"
	KeyChannelCount     = "audio.channel_count"
	KeySampleRate       = "audio.sample_rate"
	KeyNoiseSuppression = "audio.noise_suppression"
	KeySpeakingStartDB  = "audio.speaking_start_db"
	KeySpeakingStopDB   = "audio.speaking_stop_db"
	KeyInputGain        = "audio.input_gain"
	KeyOutputVolume     = "audio.output_volume"
)

// Config selects the store backend.
type Config struct {
	// Backend is "memory", "yaml" or "sqlite".
	Backend string `yaml:"backend"`
	// Path is the file backing yaml and sqlite stores.
	Path string `yaml:"path"`
}

// DefaultConfig returns an in-memory store configuration.
func DefaultConfig() *Config {
	return &Config{Backend: "memory"}
}

// Open opens the store described by cfg.
func Open(cfg *Config, logger huddlesdk.LoggerAdapter) (Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Backend != "" && cfg.Backend != "memory" && cfg.Path == "" {
		return nil, huddlesdk.InvalidArgument("settings.open", "%s backend needs a path", cfg.Backend)
	}
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(nil), nil
	case "yaml":
		return OpenFile(cfg.Path, logger)
	case "sqlite":
		return OpenSQL(cfg.Path)
	default:
		return nil, huddlesdk.InvalidArgument("settings.open", "unknown backend %q", cfg.Backend)
	}
}

// Store is a durable key/value store.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	// Keys returns every key in lexical order.
	Keys(ctx context.Context) ([]string, error)
	Close() error
}

// String returns the value of key, or def when it is missing.
func String(ctx context.Context, s Store, key, def string) string {
	v, err := s.Get(ctx, key)
	if err != nil {
		return def
	}
	return v
}

// Int returns key parsed as an int, or def.
func Int(ctx context.Context, s Store, key string, def int) int {
	v, err := s.Get(ctx, key)
	if err != nil {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Float returns key parsed as a float64, or def.
func Float(ctx context.Context, s Store, key string, def float64) float64 {
	v, err := s.Get(ctx, key)
	if err != nil {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// Bool returns key parsed as a bool, or def.
func Bool(ctx context.Context, s Store, key string, def bool) bool {
	v, err := s.Get(ctx, key)
	if err != nil {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// SetInt stores an int.
func SetInt(ctx context.Context, s Store, key string, v int) error {
	return s.Set(ctx, key, strconv.Itoa(v))
}

// SetFloat stores a float64.
func SetFloat(ctx context.Context, s Store, key string, v float64) error {
	return s.Set(ctx, key, strconv.FormatFloat(v, 'g', -1, 64))
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
	closed bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns a store seeded with initial (which may be nil).
func NewMemoryStore(initial map[string]string) *MemoryStore {
	values := make(map[string]string, len(initial))
	for k, v := range initial {
		values[k] = v
	}
	return &MemoryStore{values: values}
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return "", ErrClosed
	}
	v, ok := m.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.values[key] = value
	return nil
}

func (m *MemoryStore) Keys(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return sortedKeys(m.values), nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
