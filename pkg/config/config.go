// Package config loads the realm server settings from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// MinPresenceTimeout is the shortest presence timeout accepted; zero still
// disables pruning.
const MinPresenceTimeout = 100 * time.Millisecond

type Config struct {
	// Addr is the address the HTTP server listens on.
	Addr string `yaml:"addr"`
	// Realm names the document served by this process.
	Realm string `yaml:"realm"`
	// InitialDocument optionally seeds the document from a saved file.
	InitialDocument string `yaml:"initial_document"`
	// ReadOnly makes connections read-only unless they ask otherwise.
	ReadOnly bool `yaml:"read_only"`

	Broadcast BroadcastConfig `yaml:"broadcast"`
	Journal   JournalConfig   `yaml:"journal"`
	Redis     RedisConfig     `yaml:"redis"`
}

type BroadcastConfig struct {
	Capacity        int           `yaml:"capacity"`
	PresenceTimeout time.Duration `yaml:"presence_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	// MaxFrameSize caps the bytes of one inbound websocket frame.
	MaxFrameSize int64 `yaml:"max_frame_size"`
	// RateLimit is inbound frames per second per connection; 0 disables it.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

type JournalConfig struct {
	// Path of the sqlite session journal; empty disables journaling.
	Path string `yaml:"path"`
}

type RedisConfig struct {
	// Addr enables the cross-process bridge when set.
	Addr    string `yaml:"addr"`
	Channel string `yaml:"channel"`
}

func Default() Config {
	return Config{
		Addr:  "localhost:8080",
		Realm: "default",
		Broadcast: BroadcastConfig{
			Capacity:        32,
			PresenceTimeout: 30 * time.Second,
			WriteTimeout:    5 * time.Second,
			MaxFrameSize:    1 << 20,
		},
	}
}

// Load reads path over the defaults. A missing path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr must be set"))
	}
	if c.Realm == "" {
		errs = append(errs, errors.New("realm must be set"))
	}
	if c.Broadcast.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("broadcast.capacity must be positive, got %d", c.Broadcast.Capacity))
	}
	if c.Broadcast.PresenceTimeout < 0 {
		errs = append(errs, errors.New("broadcast.presence_timeout must not be negative"))
	} else if c.Broadcast.PresenceTimeout > 0 && c.Broadcast.PresenceTimeout < MinPresenceTimeout {
		errs = append(errs, fmt.Errorf("broadcast.presence_timeout must be 0 or at least %s, got %s", MinPresenceTimeout, c.Broadcast.PresenceTimeout))
	}
	if c.Broadcast.MaxFrameSize <= 0 {
		errs = append(errs, fmt.Errorf("broadcast.max_frame_size must be positive, got %d", c.Broadcast.MaxFrameSize))
	}
	if c.Broadcast.RateLimit < 0 {
		errs = append(errs, errors.New("broadcast.rate_limit must not be negative"))
	}
	if c.Broadcast.RateLimit > 0 && c.Broadcast.RateBurst <= 0 {
		errs = append(errs, errors.New("broadcast.rate_burst must be positive when rate_limit is set"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// RedisChannel is the pub/sub channel for the bridge, derived from the realm
// name unless set explicitly.
func (c Config) RedisChannel() string {
	if c.Redis.Channel != "" {
		return c.Redis.Channel
	}
	return "realm:" + c.Realm
}
