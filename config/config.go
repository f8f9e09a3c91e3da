// Package config loads the playback engine configuration from YAML and
// maps it onto the engine's tuning structs.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mcamp/blackbox/buffer"
	"github.com/mcamp/blackbox/media"
	"github.com/mcamp/blackbox/pipeline"
	"github.com/mcamp/blackbox/player"
)

// Config is the full configuration for a playback session.
type Config struct {
	// Channels maps a camera channel name to its recording file.
	Channels map[string]string `yaml:"channels"`

	// TickRateHz is how often the presentation loop samples the clock.
	TickRateHz int `yaml:"tick_rate_hz"`

	// Rate is the initial playback rate.
	Rate float64 `yaml:"rate"`

	// StartAtMs seeks to this offset before playback begins.
	StartAtMs int `yaml:"start_at_ms"`

	Buffer BufferConfig `yaml:"buffer"`
	Sync   SyncConfig   `yaml:"sync"`
	Log    LogConfig    `yaml:"log"`
}

// BufferConfig tunes the per-channel frame buffers and decode pacing.
type BufferConfig struct {
	Capacity     int `yaml:"capacity"`
	ToleranceMs  int `yaml:"tolerance_ms"`
	RetentionMs  int `yaml:"retention_ms"`
	LookAheadMs  int `yaml:"look_ahead_ms"`
	KeepBehindMs int `yaml:"keep_behind_ms"`
}

// SyncConfig tunes stall detection and drift correction.
type SyncConfig struct {
	StallThresholdMs      int     `yaml:"stall_threshold_ms"`
	CorrectionThresholdMs int     `yaml:"correction_threshold_ms"`
	CorrectionStreak      int     `yaml:"correction_streak"`
	CorrectionCooldownMs  int     `yaml:"correction_cooldown_ms"`
	FaultWindowMs         int     `yaml:"fault_window_ms"`
	FaultCorrections      int     `yaml:"fault_corrections"`
	SeekTimeoutMs         int     `yaml:"seek_timeout_ms"`
	MinRate               float64 `yaml:"min_rate"`
	MaxRate               float64 `yaml:"max_rate"`
}

// LogConfig selects log verbosity and output format.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Defaults returns the configuration used when a field is absent from
// the file.
func Defaults() Config {
	buf := buffer.DefaultConfig()
	pipe := pipeline.DefaultConfig()
	ply := player.DefaultConfig()
	return Config{
		TickRateHz: 30,
		Rate:       1.0,
		Buffer: BufferConfig{
			Capacity:     buf.Capacity,
			ToleranceMs:  int(buf.Tolerance / time.Millisecond),
			RetentionMs:  int(buf.Retention / time.Millisecond),
			LookAheadMs:  int(pipe.LookAhead / time.Millisecond),
			KeepBehindMs: int(pipe.KeepBehind / time.Millisecond),
		},
		Sync: SyncConfig{
			StallThresholdMs:      int(ply.StallThreshold / time.Millisecond),
			CorrectionThresholdMs: int(ply.CorrectionThreshold / time.Millisecond),
			CorrectionStreak:      ply.CorrectionStreak,
			CorrectionCooldownMs:  int(ply.CorrectionCooldown / time.Millisecond),
			FaultWindowMs:         int(ply.FaultWindow / time.Millisecond),
			FaultCorrections:      ply.FaultCorrections,
			SeekTimeoutMs:         int(ply.SeekTimeout / time.Millisecond),
			MinRate:               ply.MinRate,
			MaxRate:               ply.MaxRate,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads a YAML configuration file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration bytes over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if len(c.Channels) == 0 {
		return fmt.Errorf("config: no channels configured")
	}
	for name, path := range c.Channels {
		if name == "" {
			return fmt.Errorf("config: empty channel name")
		}
		if path == "" {
			return fmt.Errorf("config: channel %s has no source path", name)
		}
	}
	if c.TickRateHz <= 0 {
		return fmt.Errorf("config: tick_rate_hz must be positive, got %d", c.TickRateHz)
	}
	if c.Sync.MinRate > 0 && c.Sync.MaxRate > 0 && c.Sync.MinRate > c.Sync.MaxRate {
		return fmt.Errorf("config: min_rate %.2f exceeds max_rate %.2f", c.Sync.MinRate, c.Sync.MaxRate)
	}
	if c.Rate != 0 && (c.Rate < c.Sync.MinRate || c.Rate > c.Sync.MaxRate) {
		return fmt.Errorf("config: rate %.2f outside [%.2f, %.2f]", c.Rate, c.Sync.MinRate, c.Sync.MaxRate)
	}
	if c.StartAtMs < 0 {
		return fmt.Errorf("config: start_at_ms must not be negative")
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	return nil
}

// ChannelSources returns the channel map keyed by media.ChannelID.
func (c *Config) ChannelSources() map[media.ChannelID]string {
	out := make(map[media.ChannelID]string, len(c.Channels))
	for name, path := range c.Channels {
		out[media.ChannelID(name)] = path
	}
	return out
}

// TickInterval returns the presentation loop period.
func (c *Config) TickInterval() time.Duration {
	return time.Second / time.Duration(c.TickRateHz)
}

// StartAt returns the initial seek offset.
func (c *Config) StartAt() time.Duration {
	return time.Duration(c.StartAtMs) * time.Millisecond
}

// PlayerConfig maps the file onto the engine's tuning struct.
func (c *Config) PlayerConfig() player.Config {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	return player.Config{
		Pipeline: pipeline.Config{
			Buffer: buffer.Config{
				Capacity:  c.Buffer.Capacity,
				Tolerance: ms(c.Buffer.ToleranceMs),
				Retention: ms(c.Buffer.RetentionMs),
			},
			LookAhead:  ms(c.Buffer.LookAheadMs),
			KeepBehind: ms(c.Buffer.KeepBehindMs),
		},
		StallThreshold:      ms(c.Sync.StallThresholdMs),
		CorrectionThreshold: ms(c.Sync.CorrectionThresholdMs),
		CorrectionStreak:    c.Sync.CorrectionStreak,
		CorrectionCooldown:  ms(c.Sync.CorrectionCooldownMs),
		FaultWindow:         ms(c.Sync.FaultWindowMs),
		FaultCorrections:    c.Sync.FaultCorrections,
		SeekTimeout:         ms(c.Sync.SeekTimeoutMs),
		MinRate:             c.Sync.MinRate,
		MaxRate:             c.Sync.MaxRate,
	}
}

// LogLevel parses the configured level.
func (c *Config) LogLevel() slog.Level {
	switch c.Log.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the process logger described by the file.
func (c *Config) NewLogger(w *os.File) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.LogLevel()}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
