/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package huddle

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tejzpr/huddle-go-sdk/huddlesdk"
)

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
signaling:
  request_timeout: 3s
  reconnect: true
calling:
  server_url: wss://media.example
audio:
  dtx: false
watch:
  preview_width: 640
settings:
  backend: sqlite
  path: /tmp/huddle.db
logging:
  level: debug
`))
	require.NoError(t, err)

	d := DefaultConfig()
	assert.Equal(t, 3*time.Second, cfg.Signaling.RequestTimeout)
	assert.True(t, cfg.Signaling.Reconnect)
	assert.Equal(t, d.Signaling.HandshakeTimeout, cfg.Signaling.HandshakeTimeout)
	assert.Equal(t, "wss://media.example", cfg.Calling.ServerURL)
	assert.Equal(t, d.Calling.DisconnectTimeout, cfg.Calling.DisconnectTimeout)
	assert.False(t, cfg.Audio.DTX)
	assert.Equal(t, d.Audio.PublishName, cfg.Audio.PublishName)
	assert.Equal(t, 640, cfg.Watch.PreviewWidth)
	assert.Equal(t, d.Watch.PreviewInterval, cfg.Watch.PreviewInterval)
	assert.Equal(t, "sqlite", cfg.Settings.Backend)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, d.Handshake.Timeout, cfg.Handshake.Timeout)
}

func TestParseConfigEmpty(t *testing.T) {
	cfg, err := ParseConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Signaling, cfg.Signaling)
	assert.Equal(t, "memory", cfg.Settings.Backend)
}

func TestParseConfigInvalid(t *testing.T) {
	_, err := ParseConfig([]byte("signaling: [unterminated"))
	assert.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "huddle.yaml")
	require.NoError(t, os.WriteFile(path, []byte("handshake:\n  timeout: 7s\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 7*time.Second, cfg.Handshake.Timeout)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoggingConfig(t *testing.T) {
	logger, err := LoggingConfig{Level: "warn"}.NewLogger()
	require.NoError(t, err)
	assert.NotNil(t, logger)

	file := filepath.Join(t.TempDir(), "huddle.log")
	logger, err = LoggingConfig{Level: "info", File: huddlesdk.FileLogConfig{Filename: file}}.NewLogger()
	require.NoError(t, err)
	logger.Info("hello")
	_, err = os.Stat(file)
	assert.NoError(t, err)
}
