/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package huddle

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"

	"github.com/tejzpr/huddle-go-sdk/audio"
	"github.com/tejzpr/huddle-go-sdk/calling"
	"github.com/tejzpr/huddle-go-sdk/handshake"
	"github.com/tejzpr/huddle-go-sdk/huddlesdk"
	"github.com/tejzpr/huddle-go-sdk/settings"
	"github.com/tejzpr/huddle-go-sdk/signaling"
	"github.com/tejzpr/huddle-go-sdk/watch"
)

// LoggingConfig selects the session logger.
type LoggingConfig struct {
	// Level is "debug", "info", "warn" or "error".
	Level string `yaml:"level"`
	// File, when File.Filename is set, sends logs to a rotating file
	// instead of stderr.
	File huddlesdk.FileLogConfig `yaml:"file"`
}

// Config aggregates the configuration of every session component.
type Config struct {
	Signaling signaling.Config `yaml:"signaling"`
	Handshake handshake.Config `yaml:"handshake"`
	Calling   calling.Config   `yaml:"calling"`
	Audio     audio.Config     `yaml:"audio"`
	Watch     watch.Config     `yaml:"watch"`
	Settings  settings.Config  `yaml:"settings"`
	Logging   LoggingConfig    `yaml:"logging"`
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() *Config {
	return &Config{
		Signaling: *signaling.DefaultConfig(),
		Handshake: *handshake.DefaultConfig(),
		Calling:   *calling.DefaultConfig(),
		Audio:     *audio.DefaultConfig(),
		Watch:     *watch.DefaultConfig(),
		Settings:  *settings.DefaultConfig(),
		Logging:   LoggingConfig{Level: "info"},
	}
}

// LoadConfig reads a YAML config file. Keys absent from the file keep
// their defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML config bytes over DefaultConfig.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults fills zero timeouts and sizes that a partial section left
// unset.
func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Signaling.RequestTimeout <= 0 {
		c.Signaling.RequestTimeout = d.Signaling.RequestTimeout
	}
	if c.Signaling.HandshakeTimeout <= 0 {
		c.Signaling.HandshakeTimeout = d.Signaling.HandshakeTimeout
	}
	if c.Signaling.WriteTimeout <= 0 {
		c.Signaling.WriteTimeout = d.Signaling.WriteTimeout
	}
	if c.Signaling.MaxMessageSize <= 0 {
		c.Signaling.MaxMessageSize = d.Signaling.MaxMessageSize
	}
	if c.Handshake.Timeout <= 0 {
		c.Handshake.Timeout = d.Handshake.Timeout
	}
	if c.Calling.DisconnectTimeout <= 0 {
		c.Calling.DisconnectTimeout = d.Calling.DisconnectTimeout
	}
	if c.Calling.ConnectTimeout <= 0 {
		c.Calling.ConnectTimeout = d.Calling.ConnectTimeout
	}
	if c.Calling.InviteTimeout <= 0 {
		c.Calling.InviteTimeout = d.Calling.InviteTimeout
	}
	if c.Audio.PublishName == "" {
		c.Audio.PublishName = d.Audio.PublishName
	}
	if c.Watch.PreviewInterval <= 0 {
		c.Watch.PreviewInterval = d.Watch.PreviewInterval
	}
	if c.Watch.PreviewWidth <= 0 {
		c.Watch.PreviewWidth = d.Watch.PreviewWidth
	}
	if c.Watch.PreviewQuality <= 0 {
		c.Watch.PreviewQuality = d.Watch.PreviewQuality
	}
	if c.Settings.Backend == "" {
		c.Settings.Backend = d.Settings.Backend
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
}

// NewLogger builds the logger described by c.
func (c LoggingConfig) NewLogger() (huddlesdk.LoggerAdapter, error) {
	if c.File.Filename != "" {
		f := c.File
		if f.Level == "" {
			f.Level = c.Level
		}
		return huddlesdk.NewFileLogger(f), nil
	}
	return huddlesdk.NewStdLogger(c.Level)
}
