package health

import (
	"context"
	"fmt"
	"time"

	"github.com/songsense/songsense/internal/capture"
	"github.com/songsense/songsense/internal/engine"
	"github.com/songsense/songsense/pkg/provider/recognition/fpdaemon"
)

// CaptureChecker reports whether a loopback capture device can currently be
// resolved. A missing device is the most common field problem (virtual
// loopback driver not installed or renamed).
func CaptureChecker(m *capture.Manager) Checker {
	return Checker{
		Name: "capture",
		Check: func(_ context.Context) error {
			if m == nil {
				return fmt.Errorf("no capture manager configured")
			}
			_, err := m.Resolve()
			return err
		},
	}
}

// DaemonChecker reports the fingerprint daemon's process state. Fallback
// mode still answers queries, so it degrades the check to an error only
// when the daemon is outright crashed.
func DaemonChecker(c *fpdaemon.Client) Checker {
	return Checker{
		Name: "fingerprint_daemon",
		Check: func(_ context.Context) error {
			if c == nil {
				return fmt.Errorf("no daemon configured")
			}
			if c.FallbackMode() {
				return fmt.Errorf("degraded to one-shot fallback mode")
			}
			if c.State() == fpdaemon.StateCrashed {
				return fmt.Errorf("daemon crashed, awaiting restart")
			}
			return nil
		},
	}
}

// EngineChecker reports whether the recognition loop is running and not in
// the error state. While actively tracking, a result older than threshold
// also fails: the loop may be alive but wedged. Paused is healthy — silence
// is expected to age the last result.
func EngineChecker(e *engine.Engine, staleThreshold time.Duration) Checker {
	return Checker{
		Name: "engine",
		Check: func(_ context.Context) error {
			if e == nil {
				return fmt.Errorf("no engine configured")
			}
			switch e.State() {
			case engine.StateError:
				return fmt.Errorf("engine in error state")
			case engine.StateIdle:
				return fmt.Errorf("engine not started")
			case engine.StateActive:
				if e.IsResultStale(staleThreshold) {
					return fmt.Errorf("last result older than %s", staleThreshold)
				}
			}
			return nil
		},
	}
}
