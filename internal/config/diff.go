package config

// ConfigDiff describes what changed between two configs. Only fields that
// can be safely hot-reloaded are tracked; anything else needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// DeviceChanged means the capture device selection changed; the capture
	// manager's cached resolution must be invalidated.
	DeviceChanged bool

	// LatencyOffsetChanged means engine.user_latency_offset changed; the
	// engine applies it live.
	LatencyOffsetChanged bool
	NewLatencyOffset     Duration

	// IntervalsChanged means one of the adaptive polling intervals changed.
	// Takes effect from the next engine restart.
	IntervalsChanged bool
}

// Empty reports whether the diff carries no changes at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.DeviceChanged && !d.LatencyOffsetChanged && !d.IntervalsChanged
}

// Diff compares old and new configs and returns what changed. Only tracks
// changes the running process reacts to.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.LogLevel
	}
	if old.Capture.DeviceName != new.Capture.DeviceName || old.Capture.DeviceID != new.Capture.DeviceID {
		d.DeviceChanged = true
	}
	if old.Engine.UserLatencyOffset != new.Engine.UserLatencyOffset {
		d.LatencyOffsetChanged = true
		d.NewLatencyOffset = new.Engine.UserLatencyOffset
	}
	if old.Engine.ScanningInterval != new.Engine.ScanningInterval ||
		old.Engine.VerifyingInterval != new.Engine.VerifyingInterval ||
		old.Engine.TrackingInterval != new.Engine.TrackingInterval {
		d.IntervalsChanged = true
	}

	return d
}
