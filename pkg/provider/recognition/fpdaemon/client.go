// Package fpdaemon manages the external fingerprint-matching daemon and
// exposes it as a recognition.Provider.
//
// The daemon keeps a large fingerprint index resident in memory so a local
// match costs well under 100ms; spawning a fresh process per query would
// cost seconds just reloading the index. [Client] owns exactly one child
// process, speaks the newline-delimited JSON protocol described in
// protocol.go, and supervises the child's lifecycle:
//
//	stopped → starting → ready
//	                 ↘ crashed (I/O failure or unexpected EOF)
//
// The process is spawned lazily on the first query. After a crash the
// client restarts the child, up to a fixed attempt ceiling; past the
// ceiling it permanently degrades to fallback mode, where every query runs
// an isolated one-shot child instead of a persistent daemon.
//
// All public methods serialize on a single lock — concurrent callers queue
// rather than race on the shared stdin/stdout pipe, and the protocol keeps
// exactly one request in flight.
package fpdaemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Client errors.
var (
	// ErrDaemonCrashed indicates the child exited or its pipes failed
	// mid-command. The next query triggers a restart attempt.
	ErrDaemonCrashed = errors.New("fpdaemon: daemon crashed")

	// ErrFallbackMode indicates the restart ceiling was reached and the
	// persistent daemon is permanently disabled for this client.
	ErrFallbackMode = errors.New("fpdaemon: persistent daemon disabled after repeated failures")

	// ErrReadyTimeout indicates the child did not emit its readiness signal
	// within the startup timeout.
	ErrReadyTimeout = errors.New("fpdaemon: daemon did not become ready in time")
)

// State is the lifecycle state of the managed daemon process.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateReady
	StateCrashed
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// Config holds tuning knobs for a [Client].
type Config struct {
	// Command is the daemon executable. Required.
	Command string

	// Args are passed to the daemon on every spawn.
	Args []string

	// StartupTimeout bounds the wait for the readiness signal. Default: 30s.
	StartupTimeout time.Duration

	// CommandTimeout bounds the wait for a single command response. Default: 10s.
	CommandTimeout time.Duration

	// MaxRestarts is the consecutive-failure ceiling before the client
	// permanently degrades to one-shot fallback mode. Default: 3.
	MaxRestarts int

	// OnRestart, when set, is invoked once per restart attempt, after a
	// crash or failed start. Must not call back into the client.
	OnRestart func()
}

// stopGrace is how long Stop waits for a graceful exit after sending the
// shutdown command before force-killing the child.
const stopGrace = 3 * time.Second

// proc abstracts the spawned child process so tests can substitute a fake.
type proc interface {
	// WriteLine writes one request line (newline appended) to the child's stdin.
	WriteLine(b []byte) error

	// Lines returns the child's stdout as whole lines. Closed on EOF.
	Lines() <-chan string

	// Kill forcibly terminates the child.
	Kill() error

	// Wait blocks until the child has exited and been reaped.
	Wait() error
}

// spawnFunc creates and starts a child process.
type spawnFunc func(command string, args []string) (proc, error)

// Client manages one fingerprint daemon process. Safe for concurrent use.
type Client struct {
	mu sync.Mutex

	cfg   Config
	spawn spawnFunc

	child    proc
	state    State
	restarts int
	fallback bool
}

// NewClient creates a Client. The daemon is not spawned until the first
// query (lazy start), so construction never fails.
func NewClient(cfg Config) *Client {
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 30 * time.Second
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 10 * time.Second
	}
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = 3
	}
	return &Client{
		cfg:   cfg,
		spawn: spawnExec,
	}
}

// State returns the daemon's current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// FallbackMode reports whether the client has permanently degraded to
// one-shot child invocations.
func (c *Client) FallbackMode() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fallback
}

// Start spawns the daemon and waits for its readiness signal. It is a no-op
// when the daemon is already ready, and returns [ErrFallbackMode] without
// spawning anything once the restart ceiling has been reached.
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startLocked()
}

// startLocked implements Start. Must be called with c.mu held.
func (c *Client) startLocked() error {
	if c.fallback {
		return ErrFallbackMode
	}
	if c.state == StateReady {
		return nil
	}

	c.state = StateStarting
	child, err := c.spawn(c.cfg.Command, c.cfg.Args)
	if err != nil {
		c.recordStartFailureLocked()
		return fmt.Errorf("fpdaemon: spawn %q: %w", c.cfg.Command, err)
	}

	ready, err := awaitReady(child.Lines(), c.cfg.StartupTimeout)
	if err != nil {
		_ = child.Kill()
		_ = child.Wait()
		c.recordStartFailureLocked()
		return fmt.Errorf("fpdaemon: start: %w", err)
	}

	c.child = child
	c.state = StateReady
	c.restarts = 0
	slog.Info("fingerprint daemon ready",
		"songs", ready.Songs,
		"fingerprints", ready.Fingerprints,
	)
	return nil
}

// recordStartFailureLocked counts a failed start toward the restart ceiling.
// Must be called with c.mu held.
func (c *Client) recordStartFailureLocked() {
	c.state = StateCrashed
	c.restarts++
	if c.cfg.OnRestart != nil {
		c.cfg.OnRestart()
	}
	if c.restarts >= c.cfg.MaxRestarts {
		c.fallback = true
		slog.Warn("fingerprint daemon restart ceiling reached, degrading to one-shot mode",
			"restarts", c.restarts)
	}
}

// Stop sends the shutdown command, waits briefly for a graceful exit, and
// force-kills the child on timeout. Calling Stop on a stopped client is a
// no-op.
func (c *Client) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.child == nil {
		c.state = StateStopped
		return nil
	}

	req, _ := json.Marshal(simpleRequest{Cmd: cmdShutdown})
	_ = c.child.WriteLine(req)

	done := make(chan error, 1)
	child := c.child
	go func() { done <- child.Wait() }()

	select {
	case <-done:
	case <-time.After(stopGrace):
		slog.Warn("fingerprint daemon did not exit gracefully, killing")
		_ = child.Kill()
		<-done
	}

	c.child = nil
	c.state = StateStopped
	return nil
}

// Query asks the daemon to match the audio file at path. duration is the
// clip length in seconds. The daemon is spawned on first use; in fallback
// mode the query runs against an isolated one-shot child instead.
func (c *Client) Query(ctx context.Context, path string, duration float64) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	req := queryRequest{Cmd: cmdQuery, Path: path, Duration: duration, Offset: 0}
	return c.sendLocked(ctx, req)
}

// Stats returns the daemon's index statistics.
func (c *Client) Stats(ctx context.Context) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendLocked(ctx, simpleRequest{Cmd: cmdStats})
}

// Reload asks the daemon to reload its fingerprint index.
func (c *Client) Reload(ctx context.Context) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendLocked(ctx, simpleRequest{Cmd: cmdReload})
}

// sendLocked routes one request either to the persistent daemon (starting
// it if needed) or, in fallback mode, to a one-shot child.
// Must be called with c.mu held.
func (c *Client) sendLocked(ctx context.Context, req any) (*Response, error) {
	if c.fallback {
		return c.oneShotLocked(ctx, req)
	}
	if c.state != StateReady {
		if err := c.startLocked(); err != nil {
			if errors.Is(err, ErrFallbackMode) || c.fallback {
				return c.oneShotLocked(ctx, req)
			}
			return nil, err
		}
	}

	b, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("fpdaemon: encode request: %w", err)
	}
	if err := c.child.WriteLine(b); err != nil {
		c.crashLocked()
		return nil, fmt.Errorf("%w: write: %v", ErrDaemonCrashed, err)
	}

	resp, err := awaitResponse(ctx, c.child.Lines(), c.cfg.CommandTimeout)
	if err != nil {
		c.crashLocked()
		return nil, fmt.Errorf("%w: %v", ErrDaemonCrashed, err)
	}
	return resp, nil
}

// crashLocked transitions to crashed and reaps the child. The next query
// drives a restart attempt. Must be called with c.mu held.
func (c *Client) crashLocked() {
	if c.child != nil {
		_ = c.child.Kill()
		_ = c.child.Wait()
		c.child = nil
	}
	c.state = StateCrashed
	c.restarts++
	if c.cfg.OnRestart != nil {
		c.cfg.OnRestart()
	}
	if c.restarts >= c.cfg.MaxRestarts {
		c.fallback = true
		slog.Warn("fingerprint daemon restart ceiling reached, degrading to one-shot mode",
			"restarts", c.restarts)
	}
	slog.Warn("fingerprint daemon crashed", "restarts", c.restarts)
}

// oneShotLocked runs a single request against a freshly spawned child and
// tears it down again. Slow, but it keeps local matching alive when the
// persistent daemon cannot be sustained. Must be called with c.mu held.
func (c *Client) oneShotLocked(ctx context.Context, req any) (*Response, error) {
	child, err := c.spawn(c.cfg.Command, c.cfg.Args)
	if err != nil {
		return nil, fmt.Errorf("fpdaemon: one-shot spawn: %w", err)
	}
	defer func() {
		shutdown, _ := json.Marshal(simpleRequest{Cmd: cmdShutdown})
		_ = child.WriteLine(shutdown)
		_ = child.Kill()
		_ = child.Wait()
	}()

	if _, err := awaitReady(child.Lines(), c.cfg.StartupTimeout); err != nil {
		return nil, fmt.Errorf("fpdaemon: one-shot start: %w", err)
	}

	b, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("fpdaemon: encode request: %w", err)
	}
	if err := child.WriteLine(b); err != nil {
		return nil, fmt.Errorf("fpdaemon: one-shot write: %w", err)
	}

	resp, err := awaitResponse(ctx, child.Lines(), c.cfg.CommandTimeout)
	if err != nil {
		return nil, fmt.Errorf("fpdaemon: one-shot: %w", err)
	}
	return resp, nil
}

// awaitReady waits for the readiness signal, skipping log noise. Valid JSON
// objects that are not the readiness signal are also skipped — some daemon
// builds log progress as JSON while loading the index.
func awaitReady(lines <-chan string, timeout time.Duration) (*Response, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return nil, errors.New("daemon exited before signalling ready")
			}
			if resp := parseLine(line); resp != nil && resp.Ready() {
				return resp, nil
			}
		case <-timer.C:
			return nil, ErrReadyTimeout
		}
	}
}

// awaitResponse waits for the next parseable response line, skipping log
// noise. A closed channel (EOF) or an elapsed timeout is a crash condition
// surfaced to the caller.
func awaitResponse(ctx context.Context, lines <-chan string, timeout time.Duration) (*Response, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return nil, errors.New("unexpected end of stream")
			}
			if resp := parseLine(line); resp != nil {
				return resp, nil
			}
		case <-timer.C:
			return nil, errors.New("command timed out")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// ─── exec-backed process ─────────────────────────────────────────────────────

// execProc is the production proc implementation over os/exec.
type execProc struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	lines chan string
	g     *errgroup.Group
}

// spawnExec starts command and wires its pipes: stdout is split into whole
// lines, stderr is drained to debug logs so the child can never block on a
// full pipe.
func spawnExec(command string, args []string) (proc, error) {
	cmd := exec.Command(command, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	p := &execProc{
		cmd:   cmd,
		stdin: stdin,
		lines: make(chan string, 16),
	}

	var g errgroup.Group
	g.Go(func() error {
		defer close(p.lines)
		sc := bufio.NewScanner(stdout)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			p.lines <- sc.Text()
		}
		return sc.Err()
	})
	g.Go(func() error {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			slog.Debug("fpdaemon stderr", "line", truncate(sc.Text(), 200))
		}
		return sc.Err()
	})
	p.g = &g

	return p, nil
}

// WriteLine writes b followed by a newline to the child's stdin.
func (p *execProc) WriteLine(b []byte) error {
	if _, err := p.stdin.Write(append(b, '\n')); err != nil {
		return err
	}
	return nil
}

// Lines returns the stdout line channel.
func (p *execProc) Lines() <-chan string { return p.lines }

// Kill forcibly terminates the child.
func (p *execProc) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// Wait drains the pipe pumps and reaps the child.
func (p *execProc) Wait() error {
	_ = p.g.Wait()
	return p.cmd.Wait()
}
