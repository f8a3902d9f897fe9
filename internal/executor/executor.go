// Package executor reaches the tmux binary, either through local process
// execution or over SSH, and exposes the push-mode control channel as an
// asynchronous line-event feed.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/arcmux/arcmux/internal/model"
	"github.com/arcmux/arcmux/internal/muxcmd"
)

// EventKind tags entries on the control-channel event feed.
type EventKind string

const (
	EventLine    EventKind = "line"
	EventStarted EventKind = "started"
	EventStopped EventKind = "stopped"
	EventClosed  EventKind = "closed"
	EventError   EventKind = "error"
)

// Event is one control-channel occurrence, keyed by scope#session so a
// single feed can serve several connections.
type Event struct {
	Key  string
	Kind EventKind
	Line string
}

// eventBuffer bounds the control feed; the reader task blocks against it
// rather than dropping protocol lines.
const eventBuffer = 512

// Executor is the abstract transport the synchronization engine drives.
// Implementations return either synchronous results or, for the control
// channel, a stream of line events on Events().
type Executor interface {
	Scope() string

	ListSessions(ctx context.Context) ([]model.Session, error)
	ListWindows(ctx context.Context, session string) ([]model.Window, error)
	CapturePane(ctx context.Context, session string, index int, id string, lines int) (string, error)
	SendKeys(ctx context.Context, session string, index int, id, keys string, withEnter bool) error

	NewSession(ctx context.Context, session string) error
	KillSession(ctx context.Context, session string) error
	RenameSession(ctx context.Context, session, newName string) error
	NewWindow(ctx context.Context, session, name, cmd string) error
	KillWindow(ctx context.Context, session string, index int, id string) error
	RenameWindow(ctx context.Context, session string, index int, newName, id string) error
	StartServer(ctx context.Context) error

	StartControl(ctx context.Context, session string) error
	StopControl(session string) error
	SendControl(session, commandText string) error
	Events() <-chan Event

	Close() error
}

// ErrControlNotRunning is returned for control operations on a session with
// no live control channel.
var ErrControlNotRunning = errors.New("control session not running")

// ErrControlRunning is returned when starting an already started channel.
var ErrControlRunning = errors.New("control session already running")

// ControlKey builds the event-feed key for one scope+session pair.
func ControlKey(scopeKey, session string) string {
	return scopeKey + "#" + session
}

// execOut is one completed tmux invocation.
type execOut struct {
	stdout string
	stderr string
	code   int
}

// runFunc executes tmux with the given arguments and returns its output.
// Implementations apply their own command deadline.
type runFunc func(ctx context.Context, args ...string) (execOut, error)

// tmuxOps implements the request/response operations over a transport's
// runFunc so the local and SSH executors share one command set.
type tmuxOps struct {
	run runFunc
}

func (o tmuxOps) listSessions(ctx context.Context) ([]model.Session, error) {
	out, err := o.run(ctx, "list-sessions", "-F", "#S|#{session_windows}|#{?session_attached,1,0}")
	if err != nil {
		return nil, err
	}
	if out.code != 0 {
		if isNoServer(out.stderr) || strings.Contains(strings.ToLower(out.stderr), "no sessions") {
			return []model.Session{}, nil
		}
		return nil, commandError("list-sessions", out)
	}
	return muxcmd.ParseSessions(out.stdout), nil
}

func (o tmuxOps) listWindows(ctx context.Context, session string) ([]model.Window, error) {
	out, err := o.run(ctx, "list-windows", "-t", session, "-F",
		`#{window_index}\t#{window_id}\t#{window_name}\t#{?window_active,1,0}\t#{window_panes}`)
	if err != nil {
		return nil, err
	}
	if out.code != 0 {
		if isNoServer(out.stderr) {
			return []model.Window{}, nil
		}
		return nil, commandError("list-windows", out)
	}
	windows := muxcmd.ParseWindows(out.stdout)
	o.hydrateNames(ctx, session, windows)
	return windows, nil
}

// hydrateNames replaces placeholder window names with the live
// #{window_name}. Best effort: a failed lookup keeps the placeholder.
func (o tmuxOps) hydrateNames(ctx context.Context, session string, windows []model.Window) {
	for i := range windows {
		if !muxcmd.IsPlaceholderName(windows[i].Name, windows[i].Index) {
			continue
		}
		target := muxcmd.Target(session, windows[i].Index, windows[i].ID)
		out, err := o.run(ctx, "display-message", "-p", "-t", target, "-F", "#{window_name}")
		if err != nil || out.code != 0 {
			continue
		}
		if name := strings.TrimSpace(out.stdout); name != "" {
			windows[i].Name = name
		}
	}
}

func (o tmuxOps) capturePane(ctx context.Context, session string, index int, id string, lines int) (string, error) {
	target := muxcmd.Target(session, index, id)
	out, err := o.run(ctx, "capture-pane", "-p", "-t", target, "-S", fmt.Sprintf("-%d", lines), "-J")
	if err != nil {
		return "", err
	}
	if out.code != 0 {
		if isNoServer(out.stderr) {
			return "", nil
		}
		return "", commandError("capture-pane", out)
	}
	return out.stdout, nil
}

func (o tmuxOps) sendKeys(ctx context.Context, session string, index int, id, keys string, withEnter bool) error {
	target := muxcmd.Target(session, index, id)
	if err := o.expectOK(ctx, "send-keys", "-t", target, "-l", keys); err != nil {
		return err
	}
	if withEnter {
		return o.expectOK(ctx, "send-keys", "-t", target, "Enter")
	}
	return nil
}

func (o tmuxOps) newSession(ctx context.Context, session string) error {
	return o.expectOK(ctx, "new-session", "-d", "-s", session)
}

func (o tmuxOps) killSession(ctx context.Context, session string) error {
	return o.expectOK(ctx, "kill-session", "-t", session)
}

func (o tmuxOps) renameSession(ctx context.Context, session, newName string) error {
	return o.expectOK(ctx, "rename-session", "-t", session, newName)
}

func (o tmuxOps) newWindow(ctx context.Context, session, name, cmd string) error {
	args := []string{"new-window", "-P", "-F", "#{window_id}", "-t", session}
	if name != "" {
		args = append(args, "-n", name)
	}
	if cmd != "" {
		args = append(args, cmd)
	}
	out, err := o.run(ctx, args...)
	if err != nil {
		return err
	}
	if out.code != 0 {
		return commandError("new-window", out)
	}
	if name != "" {
		// Pin the explicit name; otherwise tmux renames on the next command.
		if id := strings.TrimSpace(out.stdout); id != "" {
			_, _ = o.run(ctx, "set-window-option", "-t", id, "automatic-rename", "off")
		}
	}
	return nil
}

func (o tmuxOps) killWindow(ctx context.Context, session string, index int, id string) error {
	return o.expectOK(ctx, "kill-window", "-t", muxcmd.Target(session, index, id))
}

func (o tmuxOps) renameWindow(ctx context.Context, session string, index int, newName, id string) error {
	target := muxcmd.Target(session, index, id)
	if err := o.expectOK(ctx, "rename-window", "-t", target, newName); err != nil {
		return err
	}
	_, _ = o.run(ctx, "set-window-option", "-t", target, "automatic-rename", "off")
	return nil
}

func (o tmuxOps) startServer(ctx context.Context) error {
	return o.expectOK(ctx, "start-server")
}

func (o tmuxOps) expectOK(ctx context.Context, args ...string) error {
	out, err := o.run(ctx, args...)
	if err != nil {
		return err
	}
	if out.code != 0 {
		return commandError(args[0], out)
	}
	return nil
}

func isNoServer(stderr string) bool {
	msg := strings.ToLower(stderr)
	return strings.Contains(msg, "no server running") ||
		strings.Contains(msg, "failed to connect to server")
}

func commandError(op string, out execOut) error {
	msg := strings.TrimSpace(out.stderr)
	if msg == "" {
		msg = strings.TrimSpace(out.stdout)
	}
	if msg == "" {
		msg = "exit status " + strconv.Itoa(out.code)
	}
	return fmt.Errorf("tmux %s: %s", op, msg)
}
