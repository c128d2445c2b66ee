package fpdaemon

import (
	"encoding/json"
	"log/slog"
	"strings"
)

// The daemon wire protocol is one JSON object per line in both directions,
// UTF-8, over the child's standard input and output. Requests carry a "cmd"
// field; the child answers every request with exactly one object. On startup
// the child emits a readiness object once its fingerprint index is loaded:
//
//	{"status":"ready","songs":12345,"fingerprints":9876543}
//
// Anything on stdout that does not parse as JSON is log noise, not a
// response. A closed stdout is a crash.

// Daemon commands.
const (
	cmdQuery    = "query"
	cmdStats    = "stats"
	cmdReload   = "reload"
	cmdShutdown = "shutdown"
)

// queryRequest asks the daemon to match the audio file at Path against its
// index. Offset is always serialised, even at zero, because the daemon
// treats a missing offset as a protocol error.
type queryRequest struct {
	Cmd      string  `json:"cmd"`
	Path     string  `json:"path"`
	Duration float64 `json:"duration"`
	Offset   float64 `json:"offset"`
}

// simpleRequest covers the argument-free commands: stats, reload, shutdown.
type simpleRequest struct {
	Cmd string `json:"cmd"`
}

// Response is the union of every object the daemon emits: the readiness
// signal, query results, and stats/reload acknowledgements.
type Response struct {
	// Status is "ready" on the startup signal, or an acknowledgement state
	// for stats/reload.
	Status string `json:"status,omitempty"`

	// Songs and Fingerprints describe the loaded index (readiness + stats).
	Songs        int `json:"songs,omitempty"`
	Fingerprints int `json:"fingerprints,omitempty"`

	// Matched reports whether a query found a song.
	Matched bool `json:"matched"`

	// Match fields, present when Matched is true.
	SongID     string  `json:"song_id,omitempty"`
	Title      string  `json:"title,omitempty"`
	Artist     string  `json:"artist,omitempty"`
	Album      string  `json:"album,omitempty"`
	Offset     float64 `json:"offset,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`

	// Error carries a daemon-side failure description.
	Error string `json:"error,omitempty"`
}

// Ready reports whether this is the startup readiness signal.
func (r *Response) Ready() bool {
	return r.Status == "ready"
}

// parseLine decodes one stdout line into a Response. Lines that are not
// valid JSON objects are log noise; they are reported at debug level and nil
// is returned so the reader keeps waiting for a real response.
func parseLine(line string) *Response {
	line = strings.TrimSpace(line)
	if line == "" || !strings.HasPrefix(line, "{") {
		return nil
	}
	var resp Response
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		slog.Debug("fpdaemon: ignoring malformed line", "line", truncate(line, 200), "err", err)
		return nil
	}
	return &resp
}

// truncate shortens s for log output.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
