/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package settings

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/goccy/go-yaml"
	"go.uber.org/zap"

	"github.com/tejzpr/huddle-go-sdk/huddlesdk"
)

// ChangeHandler receives a key whose value changed on disk. deleted is set
// when the key was removed.
type ChangeHandler func(key, value string, deleted bool)

// FileStore keeps settings in a flat YAML mapping and reloads it when the
// file is edited by someone else.
type FileStore struct {
	mu       sync.RWMutex
	path     string
	values   map[string]string
	logger   huddlesdk.LoggerAdapter
	watcher  *fsnotify.Watcher
	handlers map[uint64]ChangeHandler
	nextID   uint64
	closed   chan struct{}
	done     chan struct{}
}

var _ Store = (*FileStore)(nil)

// OpenFile opens the YAML store at path, creating its directory if needed.
// A missing file is an empty store.
func OpenFile(path string, logger huddlesdk.LoggerAdapter) (*FileStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create settings dir: %w", err)
	}

	values, err := readYAML(path)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	// Watch the directory: editors usually replace the file rather than write it.
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	fs := &FileStore{
		path:     path,
		values:   values,
		logger:   huddlesdk.OrNop(logger).With(zap.String("component", "settings"), zap.String("path", path)),
		watcher:  watcher,
		handlers: make(map[uint64]ChangeHandler),
		closed:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go fs.watchLoop()
	return fs, nil
}

func readYAML(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	values := make(map[string]string)
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("parse settings %s: %w", path, err)
	}
	return values, nil
}

// OnChange registers h for changes picked up from disk. Writes made through
// Set are not reported. The returned func removes h.
func (f *FileStore) OnChange(h ChangeHandler) func() {
	if h == nil {
		return func() {}
	}
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.handlers[id] = h
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.handlers, id)
		f.mu.Unlock()
	}
}

func (f *FileStore) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *FileStore) Get(_ context.Context, key string) (string, error) {
	if f.isClosed() {
		return "", ErrClosed
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// Set updates key and rewrites the file.
func (f *FileStore) Set(_ context.Context, key, value string) error {
	if f.isClosed() {
		return ErrClosed
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	next := make(map[string]string, len(f.values)+1)
	for k, v := range f.values {
		next[k] = v
	}
	next[key] = value
	if err := f.writeLocked(next); err != nil {
		return err
	}
	f.values = next
	return nil
}

func (f *FileStore) writeLocked(values map[string]string) error {
	data, err := yaml.Marshal(values)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".settings-*.yaml")
	if err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}

func (f *FileStore) Keys(_ context.Context) ([]string, error) {
	if f.isClosed() {
		return nil, ErrClosed
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return sortedKeys(f.values), nil
}

// Close stops watching the file.
func (f *FileStore) Close() error {
	f.mu.Lock()
	if f.isClosed() {
		f.mu.Unlock()
		return nil
	}
	close(f.closed)
	f.mu.Unlock()
	err := f.watcher.Close()
	<-f.done
	return err
}

func (f *FileStore) watchLoop() {
	defer close(f.done)
	name := filepath.Clean(f.path)
	for {
		select {
		case <-f.closed:
			return
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) != 0 {
				f.reload()
			}
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.logger.Warn("settings watcher error", zap.Error(err))
		}
	}
}

// reload re-reads the file and reports keys that differ from memory.
func (f *FileStore) reload() {
	type change struct {
		key, value string
		deleted    bool
	}
	var changes []change

	// Held across the read so a concurrent Set cannot be overwritten by
	// an older copy of the file.
	f.mu.Lock()
	values, err := readYAML(f.path)
	if err != nil {
		f.mu.Unlock()
		f.logger.Warn("settings reload failed", zap.Error(err))
		return
	}
	for k, v := range values {
		if old, ok := f.values[k]; !ok || old != v {
			changes = append(changes, change{key: k, value: v})
		}
	}
	for k := range f.values {
		if _, ok := values[k]; !ok {
			changes = append(changes, change{key: k, deleted: true})
		}
	}
	f.values = values
	handlers := make([]ChangeHandler, 0, len(f.handlers))
	for _, h := range f.handlers {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()

	if len(changes) > 0 {
		f.logger.Debug("settings reloaded", zap.Int("changed", len(changes)))
	}
	for _, c := range changes {
		for _, h := range handlers {
			h(c.key, c.value, c.deleted)
		}
	}
}
