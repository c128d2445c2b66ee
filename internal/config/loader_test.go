package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/songsense/songsense/internal/config"
)

func TestLoadFromReader_FullConfig(t *testing.T) {
	t.Parallel()
	yaml := `
log_level: debug
capture:
  device_name: blackhole 2ch
  device_id: -1
  duration: 5s
  silence_threshold: 0.02
engine:
  scanning_interval: 2s
  verifying_interval: 250ms
  tracking_interval: 4s
  user_latency_offset: 150ms
  pause_threshold: 4
daemon:
  command: /usr/local/bin/fpd
  args: ["--index", "/var/lib/fpd"]
  max_restarts: 5
providers:
  audd:
    timeout: 20s
  acrcloud:
    host: identify-eu-west-1.acrcloud.com
    daily_limit: 50
    cooldown: 1m
observe:
  listen_addr: "127.0.0.1:9091"
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.LogLevel != config.LogDebug {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.Capture.Duration.Std() != 5*time.Second {
		t.Errorf("Capture.Duration = %v", cfg.Capture.Duration.Std())
	}
	if cfg.Engine.VerifyingInterval.Std() != 250*time.Millisecond {
		t.Errorf("VerifyingInterval = %v", cfg.Engine.VerifyingInterval.Std())
	}
	if cfg.Daemon.MaxRestarts != 5 {
		t.Errorf("Daemon.MaxRestarts = %d", cfg.Daemon.MaxRestarts)
	}
	if got := len(cfg.Daemon.Args); got != 2 {
		t.Errorf("Daemon.Args length = %d", got)
	}
	if cfg.Providers.ACRCloud.Cooldown.Std() != time.Minute {
		t.Errorf("ACRCloud.Cooldown = %v", cfg.Providers.ACRCloud.Cooldown.Std())
	}
	if cfg.Observe.ListenAddr != "127.0.0.1:9091" {
		t.Errorf("Observe.ListenAddr = %q", cfg.Observe.ListenAddr)
	}
}

func TestLoadFromReader_DefaultsApplied(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader("log_level: info\n"))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Capture.Duration.Std() != 4*time.Second {
		t.Errorf("default Capture.Duration = %v", cfg.Capture.Duration.Std())
	}
	if cfg.Capture.SilenceThreshold != 0.01 {
		t.Errorf("default SilenceThreshold = %v", cfg.Capture.SilenceThreshold)
	}
	if cfg.Engine.ScanningInterval.Std() != time.Second {
		t.Errorf("default ScanningInterval = %v", cfg.Engine.ScanningInterval.Std())
	}
	if cfg.Engine.PauseThreshold != 3 {
		t.Errorf("default PauseThreshold = %d", cfg.Engine.PauseThreshold)
	}
	if cfg.Daemon.MaxRestarts != 3 {
		t.Errorf("default MaxRestarts = %d", cfg.Daemon.MaxRestarts)
	}
	if cfg.Providers.ACRCloud.DailyLimit != 100 {
		t.Errorf("default DailyLimit = %d", cfg.Providers.ACRCloud.DailyLimit)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	yaml := `
capture:
  devise_name: typo
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestLoadFromReader_InvalidDuration(t *testing.T) {
	t.Parallel()
	yaml := `
capture:
  duration: five seconds
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid duration, got nil")
	}
	if !strings.Contains(err.Error(), "duration") {
		t.Errorf("error should mention duration, got: %v", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("log_level: loud\n"))
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_SilenceThresholdRange(t *testing.T) {
	t.Parallel()
	yaml := `
capture:
  silence_threshold: 1.5
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for out-of-range silence threshold, got nil")
	}
	if !strings.Contains(err.Error(), "silence_threshold") {
		t.Errorf("error should mention silence_threshold, got: %v", err)
	}
}

func TestValidate_VerifyingFasterThanScanning(t *testing.T) {
	t.Parallel()
	yaml := `
engine:
  scanning_interval: 1s
  verifying_interval: 2s
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error when verifying interval exceeds scanning interval, got nil")
	}
}

func TestSecretsComeFromEnvironment(t *testing.T) {
	t.Setenv(config.EnvAudDToken, "tok-env")
	t.Setenv(config.EnvACRAccessKey, "ak-env")
	t.Setenv(config.EnvACRSecretKey, "sk-env")

	if got := config.AudDToken(); got != "tok-env" {
		t.Errorf("AudDToken = %q", got)
	}
	ak, sk := config.ACRCredentials()
	if ak != "ak-env" || sk != "sk-env" {
		t.Errorf("ACRCredentials = %q, %q", ak, sk)
	}
}

func TestDefault(t *testing.T) {
	cfg := config.Default()
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
	if cfg.LogLevel != config.LogInfo {
		t.Errorf("default LogLevel = %q", cfg.LogLevel)
	}
}
