// Package control multiplexes tmux's asynchronous control-mode line feed
// into request/response semantics: commands enter an ordered pending queue
// and are matched FIFO to %%begin/%%data/%%end reply blocks.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arcmux/arcmux/internal/config"
	"github.com/arcmux/arcmux/internal/executor"
)

// State tracks one connection's lifecycle.
type State string

const (
	StateDisconnected State = "disconnected"
	StateStarting     State = "starting"
	StateReady        State = "ready"
)

var (
	// ErrNotConnected rejects sends on a connection that never started.
	ErrNotConnected = errors.New("control channel not connected")
	// ErrConnectionLost rejects every command outstanding when the
	// channel drops, so no caller hangs on a reply that cannot come.
	ErrConnectionLost = errors.New("control channel lost")
	// ErrReadyTimeout reports that the started event never arrived.
	ErrReadyTimeout = errors.New("control channel not ready in time")
)

// CommandError is a non-zero %%end status with whatever diagnostic lines
// the reply block accumulated.
type CommandError struct {
	Status  string
	Message string
}

func (e *CommandError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "command failed with status " + e.Status
}

// Notifier receives out-of-band change notifications decoded from the
// control feed.
type Notifier interface {
	// TopologyChanged fires on %window-* / %session-* lines.
	TopologyChanged(scopeKey, session string)
	// OutputActivity fires on %output lines.
	OutputActivity(scopeKey, session string)
}

type commandResult struct {
	lines []string
	err   error
}

// pendingCommand lives from send until its correlation tag closes. The done
// channel is buffered so a result arriving after the caller gave up is
// simply discarded.
type pendingCommand struct {
	command string
	lines   []string
	done    chan commandResult
}

// Client is the correlation layer for one scope+session control connection.
type Client struct {
	id       string
	scopeKey string
	session  string
	exec     executor.Executor
	cfg      config.Config
	logger   *slog.Logger
	notifier Notifier

	mu       sync.Mutex
	state    State
	pending  []*pendingCommand
	inflight map[string]*pendingCommand
}

func newClient(cfg config.Config, logger *slog.Logger, notifier Notifier, exec executor.Executor, session string) *Client {
	return &Client{
		id:       uuid.NewString(),
		scopeKey: exec.Scope(),
		session:  session,
		exec:     exec,
		cfg:      cfg,
		logger:   logger,
		notifier: notifier,
		state:    StateDisconnected,
		inflight: map[string]*pendingCommand{},
	}
}

// Key is the scope#session identity of this connection.
func (c *Client) Key() string { return executor.ControlKey(c.scopeKey, c.session) }

// Session returns the tmux session this connection is attached to.
func (c *Client) Session() string { return c.session }

// Start requests a control connection. Pending state from a previous
// incarnation is cleared; readiness arrives asynchronously as a started
// event.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.pending = nil
	c.inflight = map[string]*pendingCommand{}
	c.state = StateStarting
	c.mu.Unlock()

	if err := c.exec.StartControl(ctx, c.session); err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return fmt.Errorf("start control: %w", err)
	}
	return nil
}

// Stop tears the connection down and rejects everything outstanding.
func (c *Client) Stop() {
	_ = c.exec.StopControl(c.session)
	c.disconnect()
}

// Ready reports whether a started event has actually been observed, not
// merely requested.
func (c *Client) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateReady
}

// WaitReady polls until the connection is ready or the timeout elapses.
func (c *Client) WaitReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(c.cfg.ControlReadyPoll)
	defer ticker.Stop()
	for {
		if c.Ready() {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrReadyTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Send issues one command and waits for its correlated reply block. The
// pending entry is queued before the transport send resolves, so queue
// order always matches issue order. A transport failure removes the entry
// and drops the connection.
func (c *Client) Send(ctx context.Context, command string) ([]string, error) {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	p := &pendingCommand{command: command, done: make(chan commandResult, 1)}
	c.pending = append(c.pending, p)
	c.mu.Unlock()

	if err := c.exec.SendControl(c.session, command); err != nil {
		c.removePending(p)
		c.disconnect()
		return nil, fmt.Errorf("control send: %w", err)
	}

	select {
	case res := <-p.done:
		return res.lines, res.err
	case <-ctx.Done():
		// The entry stays queued: its reply block, if it ever arrives,
		// must still consume the correct FIFO slot. The late result
		// lands in the buffered channel and is discarded.
		return nil, ctx.Err()
	}
}

func (c *Client) removePending(p *pendingCommand) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, cand := range c.pending {
		if cand == p {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

// disconnect flips to Disconnected and rejects all outstanding commands.
func (c *Client) disconnect() {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	rejected := make([]*pendingCommand, 0, len(c.pending)+len(c.inflight))
	rejected = append(rejected, c.pending...)
	for _, p := range c.inflight {
		rejected = append(rejected, p)
	}
	c.pending = nil
	c.inflight = map[string]*pendingCommand{}
	c.mu.Unlock()

	for _, p := range rejected {
		p.done <- commandResult{err: ErrConnectionLost}
	}
}

// handleEvent runs on the manager's dispatcher goroutine.
func (c *Client) handleEvent(ev executor.Event) {
	switch ev.Kind {
	case executor.EventStarted:
		c.mu.Lock()
		if c.state == StateStarting {
			c.state = StateReady
		}
		c.mu.Unlock()
	case executor.EventStopped, executor.EventClosed:
		c.disconnect()
	case executor.EventError:
		c.logger.Warn("control channel error", "key", c.Key(), "error", ev.Line)
	case executor.EventLine:
		c.handleLine(ev.Line)
	}
}

func (c *Client) handleLine(line string) {
	switch {
	case strings.HasPrefix(line, "%%begin "):
		c.handleBegin(line)
	case strings.HasPrefix(line, "%%data "):
		c.handleData(line)
	case strings.HasPrefix(line, "%%end "):
		c.handleEnd(line)
	case strings.HasPrefix(line, "%window-"), strings.HasPrefix(line, "%session-"):
		c.notifier.TopologyChanged(c.scopeKey, c.session)
	case strings.HasPrefix(line, "%output"):
		c.notifier.OutputActivity(c.scopeKey, c.session)
	case strings.HasPrefix(line, "%error"):
		c.logger.Warn("control error line", "key", c.Key(), "line", line)
	default:
		c.logger.Debug("unrecognized control line", "key", c.Key(), "line", line)
	}
}

// handleBegin associates the oldest pending command with the reply tag.
// A begin with nothing pending is a protocol anomaly and never fatal.
func (c *Client) handleBegin(line string) {
	tag, _, ok := cutToken(strings.TrimPrefix(line, "%%begin "))
	if !ok {
		c.logger.Warn("malformed begin line", "key", c.Key(), "line", line)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		c.logger.Warn("begin with no pending command", "key", c.Key(), "tag", tag)
		return
	}
	p := c.pending[0]
	c.pending = c.pending[1:]
	c.inflight[tag] = p
}

// handleData appends one payload line to the in-flight entry. Lines
// lacking the tag/payload delimiter are dropped.
func (c *Client) handleData(line string) {
	rest := strings.TrimPrefix(line, "%%data ")
	idx := strings.IndexByte(rest, ' ')
	if idx < 0 {
		return
	}
	tag := rest[:idx]
	payload := rest[idx+1:]
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.inflight[tag]
	if !ok {
		c.logger.Warn("data for unknown tag", "key", c.Key(), "tag", tag)
		return
	}
	p.lines = append(p.lines, payload)
}

// handleEnd closes a reply block: status "0" resolves, anything else
// rejects with an error built from the accumulated lines.
func (c *Client) handleEnd(line string) {
	tag, rest, ok := cutToken(strings.TrimPrefix(line, "%%end "))
	if !ok {
		c.logger.Warn("malformed end line", "key", c.Key(), "line", line)
		return
	}
	status, _, _ := cutToken(rest)
	c.mu.Lock()
	p, found := c.inflight[tag]
	delete(c.inflight, tag)
	c.mu.Unlock()
	if !found {
		c.logger.Warn("end for unknown tag", "key", c.Key(), "tag", tag)
		return
	}
	if status == "0" {
		p.done <- commandResult{lines: p.lines}
		return
	}
	p.done <- commandResult{err: &CommandError{Status: status, Message: DecodePayload(p.lines)}}
}

func cutToken(raw string) (token, tail string, ok bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", "", false
	}
	idx := strings.IndexAny(trimmed, " \t")
	if idx < 0 {
		return trimmed, "", true
	}
	return trimmed[:idx], strings.TrimLeft(trimmed[idx:], " \t"), true
}
