// Package config provides the configuration schema, loader, file watcher,
// and recognition-provider registry for songsense.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Duration is a time.Duration that unmarshals from YAML strings like
// "500ms" or "3s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure for songsense.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	LogLevel  LogLevel        `yaml:"log_level"`
	Capture   CaptureConfig   `yaml:"capture"`
	Engine    EngineConfig    `yaml:"engine"`
	Daemon    DaemonConfig    `yaml:"daemon"`
	Providers ProvidersConfig `yaml:"providers"`
	Observe   ObserveConfig   `yaml:"observe"`
}

// CaptureConfig selects and tunes the loopback capture device.
type CaptureConfig struct {
	// DeviceName matches a device by case-insensitive substring. Takes
	// priority over DeviceID and the built-in loopback patterns.
	DeviceName string `yaml:"device_name"`

	// DeviceID selects a device by backend id. -1 (the default) means scan
	// for a loopback device.
	DeviceID int `yaml:"device_id"`

	// Duration is the clip length recorded per recognition cycle.
	Duration Duration `yaml:"duration"`

	// SilenceThreshold is the normalized peak amplitude [0, 1] below which
	// a clip is treated as silence and never sent to a recognizer.
	SilenceThreshold float64 `yaml:"silence_threshold"`
}

// EngineConfig tunes the recognition loop.
type EngineConfig struct {
	// Polling cadence per adaptive phase.
	ScanningInterval  Duration `yaml:"scanning_interval"`
	VerifyingInterval Duration `yaml:"verifying_interval"`
	TrackingInterval  Duration `yaml:"tracking_interval"`

	// UserLatencyOffset shifts reported positions to compensate for the
	// audio output chain. May be negative.
	UserLatencyOffset Duration `yaml:"user_latency_offset"`

	// PauseThreshold is the consecutive-failure count that pauses tracking.
	PauseThreshold int `yaml:"pause_threshold"`

	// StaleThreshold is the result age beyond which status surfaces flag
	// the current song as stale.
	StaleThreshold Duration `yaml:"stale_threshold"`

	// StopTimeout bounds the graceful engine shutdown.
	StopTimeout Duration `yaml:"stop_timeout"`
}

// DaemonConfig configures the local fingerprint daemon. An empty Command
// disables the local recognizer.
type DaemonConfig struct {
	// Command is the daemon executable. Empty disables local recognition.
	Command string `yaml:"command"`

	// Args are passed to the daemon on every spawn.
	Args []string `yaml:"args"`

	StartupTimeout Duration `yaml:"startup_timeout"`
	CommandTimeout Duration `yaml:"command_timeout"`

	// MaxRestarts is the consecutive-failure ceiling before the daemon
	// client degrades to one-shot fallback mode.
	MaxRestarts int `yaml:"max_restarts"`
}

// ProvidersConfig configures the cloud recognition tiers. Secrets are never
// read from this file: they come from the environment (SONGSENSE_AUDD_API_TOKEN,
// SONGSENSE_ACR_ACCESS_KEY, SONGSENSE_ACR_SECRET_KEY) so config files stay
// safe to commit.
type ProvidersConfig struct {
	AudD     AudDConfig     `yaml:"audd"`
	ACRCloud ACRCloudConfig `yaml:"acrcloud"`
}

// AudDConfig configures the primary cloud recognizer.
type AudDConfig struct {
	// Endpoint overrides the default API endpoint. Leave empty for the
	// public service.
	Endpoint string `yaml:"endpoint"`

	// Timeout bounds each request.
	Timeout Duration `yaml:"timeout"`
}

// ACRCloudConfig configures the quota-limited secondary recognizer. Missing
// credentials silently disable it.
type ACRCloudConfig struct {
	// Host is the project's identify host, e.g.
	// "identify-eu-west-1.acrcloud.com". May also come from
	// SONGSENSE_ACR_HOST.
	Host string `yaml:"host"`

	// DailyLimit caps requests per local calendar day.
	DailyLimit int `yaml:"daily_limit"`

	// Cooldown is the minimum spacing between requests.
	Cooldown Duration `yaml:"cooldown"`

	// Timeout bounds each request.
	Timeout Duration `yaml:"timeout"`
}

// ObserveConfig configures the optional debug listener serving metrics and
// health.
type ObserveConfig struct {
	// ListenAddr is the TCP address for /metrics and /healthz. Empty
	// disables the listener.
	ListenAddr string `yaml:"listen_addr"`
}
