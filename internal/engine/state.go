package engine

import "time"

// State is the engine's lifecycle state. Only the engine mutates it;
// consumers observe it through [Engine.Status] and the event bus.
type State int

const (
	// StateIdle means the engine is constructed but not running.
	StateIdle State = iota

	// StateStarting means Start was called and the loop is spinning up.
	StateStarting

	// StateListening means a capture is in progress.
	StateListening

	// StateRecognizing means a captured chunk is being matched.
	StateRecognizing

	// StateActive means a song is currently identified and tracked.
	StateActive

	// StatePaused means playback appears stopped: consecutive cycle
	// failures crossed the pause threshold and the position is frozen.
	StatePaused

	// StateStopping means Stop was called and the loop is winding down.
	StateStopping

	// StateError means a startup precondition failed. Terminal; the engine
	// never retries on its own.
	StateError
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	case StateRecognizing:
		return "recognizing"
	case StateActive:
		return "active"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Phase is the adaptive polling phase, independent of [State]: poll fast
// while uncertain, slow once a match is confirmed.
type Phase int

const (
	// PhaseScanning: nothing detected yet.
	PhaseScanning Phase = iota

	// PhaseVerifying: first detection of a song, not yet confirmed by a
	// second matching cycle.
	PhaseVerifying

	// PhaseTracking: the same song matched on consecutive cycles.
	PhaseTracking
)

// String returns the human-readable name of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseScanning:
		return "scanning"
	case PhaseVerifying:
		return "verifying"
	case PhaseTracking:
		return "tracking"
	default:
		return "unknown"
	}
}

// Default polling cadence per phase.
const (
	defaultScanningInterval  = 1 * time.Second
	defaultVerifyingInterval = 500 * time.Millisecond
	defaultTrackingInterval  = 3 * time.Second
)

// lowConfidenceClear is the confidence below which an accepted match still
// resets the rolling audio window.
const lowConfidenceClear = 0.5
