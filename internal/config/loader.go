package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variable names for secrets. Credentials never live in the
// YAML file.
const (
	EnvAudDToken    = "SONGSENSE_AUDD_API_TOKEN"
	EnvACRHost      = "SONGSENSE_ACR_HOST"
	EnvACRAccessKey = "SONGSENSE_ACR_ACCESS_KEY"
	EnvACRSecretKey = "SONGSENSE_ACR_SECRET_KEY"
)

// Default returns the configuration used when no file is given.
func Default() *Config {
	// DeviceID -1 means "scan for a loopback device"; the YAML decoder
	// cannot distinguish an absent field from an explicit 0, so the
	// sentinel is seeded before decoding rather than in ApplyDefaults.
	cfg := &Config{Capture: CaptureConfig{DeviceID: -1}}
	ApplyDefaults(cfg)
	return cfg
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{Capture: CaptureConfig{DeviceID: -1}}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			cfg = Default()
			return cfg, Validate(cfg)
		}
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = LogInfo
	}
	if cfg.Capture.Duration <= 0 {
		cfg.Capture.Duration = Duration(4 * time.Second)
	}
	if cfg.Capture.SilenceThreshold <= 0 {
		cfg.Capture.SilenceThreshold = 0.01
	}
	if cfg.Engine.ScanningInterval <= 0 {
		cfg.Engine.ScanningInterval = Duration(1 * time.Second)
	}
	if cfg.Engine.VerifyingInterval <= 0 {
		cfg.Engine.VerifyingInterval = Duration(500 * time.Millisecond)
	}
	if cfg.Engine.TrackingInterval <= 0 {
		cfg.Engine.TrackingInterval = Duration(3 * time.Second)
	}
	if cfg.Engine.PauseThreshold <= 0 {
		cfg.Engine.PauseThreshold = 3
	}
	if cfg.Engine.StaleThreshold <= 0 {
		cfg.Engine.StaleThreshold = Duration(15 * time.Second)
	}
	if cfg.Engine.StopTimeout <= 0 {
		cfg.Engine.StopTimeout = Duration(5 * time.Second)
	}
	if cfg.Daemon.StartupTimeout <= 0 {
		cfg.Daemon.StartupTimeout = Duration(30 * time.Second)
	}
	if cfg.Daemon.CommandTimeout <= 0 {
		cfg.Daemon.CommandTimeout = Duration(10 * time.Second)
	}
	if cfg.Daemon.MaxRestarts <= 0 {
		cfg.Daemon.MaxRestarts = 3
	}
	if cfg.Providers.AudD.Timeout <= 0 {
		cfg.Providers.AudD.Timeout = Duration(15 * time.Second)
	}
	if cfg.Providers.ACRCloud.DailyLimit <= 0 {
		cfg.Providers.ACRCloud.DailyLimit = 100
	}
	if cfg.Providers.ACRCloud.Cooldown <= 0 {
		cfg.Providers.ACRCloud.Cooldown = Duration(30 * time.Second)
	}
	if cfg.Providers.ACRCloud.Timeout <= 0 {
		cfg.Providers.ACRCloud.Timeout = Duration(15 * time.Second)
	}
	if cfg.Providers.ACRCloud.Host == "" {
		cfg.Providers.ACRCloud.Host = os.Getenv(EnvACRHost)
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.Capture.SilenceThreshold < 0 || cfg.Capture.SilenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("capture.silence_threshold %.3f is out of range [0, 1]", cfg.Capture.SilenceThreshold))
	}
	if cfg.Capture.DeviceID < -1 {
		errs = append(errs, fmt.Errorf("capture.device_id %d is invalid; use -1 for automatic scanning", cfg.Capture.DeviceID))
	}
	if cfg.Engine.VerifyingInterval > cfg.Engine.ScanningInterval {
		errs = append(errs, fmt.Errorf("engine.verifying_interval %s must not exceed engine.scanning_interval %s",
			cfg.Engine.VerifyingInterval.Std(), cfg.Engine.ScanningInterval.Std()))
	}
	if cfg.Providers.ACRCloud.DailyLimit < 0 {
		errs = append(errs, fmt.Errorf("providers.acrcloud.daily_limit must not be negative"))
	}

	return errors.Join(errs...)
}

// AudDToken returns the primary recognizer's API token from the
// environment. Empty means the primary tier is disabled.
func AudDToken() string { return os.Getenv(EnvAudDToken) }

// ACRCredentials returns the secondary recognizer's credentials from the
// environment. Any empty value silently disables the secondary tier.
func ACRCredentials() (accessKey, secretKey string) {
	return os.Getenv(EnvACRAccessKey), os.Getenv(EnvACRSecretKey)
}
