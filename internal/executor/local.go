package executor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/arcmux/arcmux/internal/config"
	"github.com/arcmux/arcmux/internal/model"
	"github.com/arcmux/arcmux/internal/scope"
)

// Runner executes one process invocation. The seam exists so tests can
// substitute canned tmux output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, code int, err error)
}

// OSRunner runs real processes.
type OSRunner struct{}

func (OSRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	err := cmd.Run()
	code := 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
		err = nil
	}
	return out.Bytes(), errBuf.Bytes(), code, err
}

// Local drives the tmux server on this machine.
type Local struct {
	cfg    config.Config
	runner Runner
	logger *slog.Logger
	ops    tmuxOps

	events chan Event

	mu      sync.Mutex
	bridges map[string]*localBridge
}

type localBridge struct {
	session string
	cancel  context.CancelFunc
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdinMu sync.Mutex
}

func NewLocal(cfg config.Config, logger *slog.Logger) *Local {
	return NewLocalWithRunner(cfg, logger, OSRunner{})
}

func NewLocalWithRunner(cfg config.Config, logger *slog.Logger, runner Runner) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Local{
		cfg:     cfg,
		runner:  runner,
		logger:  logger,
		events:  make(chan Event, eventBuffer),
		bridges: map[string]*localBridge{},
	}
	l.ops = tmuxOps{run: l.runTmux}
	return l
}

func (l *Local) Scope() string { return scope.LocalKey }

func (l *Local) runTmux(ctx context.Context, args ...string) (execOut, error) {
	runCtx, cancel := context.WithTimeout(ctx, l.cfg.LocalCommandTimeout)
	defer cancel()
	stdout, stderr, code, err := l.runner.Run(runCtx, "tmux", args...)
	if err != nil {
		return execOut{}, err
	}
	return execOut{stdout: string(stdout), stderr: string(stderr), code: code}, nil
}

func (l *Local) ListSessions(ctx context.Context) ([]model.Session, error) {
	return l.ops.listSessions(ctx)
}

func (l *Local) ListWindows(ctx context.Context, session string) ([]model.Window, error) {
	return l.ops.listWindows(ctx, session)
}

func (l *Local) CapturePane(ctx context.Context, session string, index int, id string, lines int) (string, error) {
	return l.ops.capturePane(ctx, session, index, id, lines)
}

func (l *Local) SendKeys(ctx context.Context, session string, index int, id, keys string, withEnter bool) error {
	return l.ops.sendKeys(ctx, session, index, id, keys, withEnter)
}

func (l *Local) NewSession(ctx context.Context, session string) error {
	return l.ops.newSession(ctx, session)
}

func (l *Local) KillSession(ctx context.Context, session string) error {
	return l.ops.killSession(ctx, session)
}

func (l *Local) RenameSession(ctx context.Context, session, newName string) error {
	return l.ops.renameSession(ctx, session, newName)
}

func (l *Local) NewWindow(ctx context.Context, session, name, cmd string) error {
	return l.ops.newWindow(ctx, session, name, cmd)
}

func (l *Local) KillWindow(ctx context.Context, session string, index int, id string) error {
	return l.ops.killWindow(ctx, session, index, id)
}

func (l *Local) RenameWindow(ctx context.Context, session string, index int, newName, id string) error {
	return l.ops.renameWindow(ctx, session, index, newName, id)
}

func (l *Local) StartServer(ctx context.Context) error {
	return l.ops.startServer(ctx)
}

// StartControl attaches a control-mode tmux subprocess for the session and
// feeds its stdout/stderr lines onto the event channel.
func (l *Local) StartControl(ctx context.Context, session string) error {
	key := ControlKey(l.Scope(), session)
	l.mu.Lock()
	if _, ok := l.bridges[key]; ok {
		l.mu.Unlock()
		return ErrControlRunning
	}
	l.mu.Unlock()

	bridgeCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(bridgeCtx, "tmux", "-C", "attach-session", "-t", session)
	// A control client inside an existing tmux client would nest.
	cmd.Env = filteredEnv(os.Environ(), "TMUX", "TMUX_PANE")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return err
	}

	bridge := &localBridge{session: session, cancel: cancel, cmd: cmd, stdin: stdin}
	l.mu.Lock()
	l.bridges[key] = bridge
	l.mu.Unlock()

	l.emit(Event{Key: key, Kind: EventStarted})
	var readers sync.WaitGroup
	readers.Add(2)
	go l.readBridgeLines(bridgeCtx, key, stdout, &readers)
	go l.readBridgeLines(bridgeCtx, key, stderr, &readers)
	go func() {
		readers.Wait()
		waitErr := cmd.Wait()
		l.mu.Lock()
		stillMine := l.bridges[key] == bridge
		if stillMine {
			delete(l.bridges, key)
		}
		l.mu.Unlock()
		if !stillMine {
			// Explicit stop already reported EventStopped.
			return
		}
		if waitErr != nil && bridgeCtx.Err() == nil {
			l.emit(Event{Key: key, Kind: EventError, Line: waitErr.Error()})
		}
		l.emit(Event{Key: key, Kind: EventClosed})
	}()
	return nil
}

func (l *Local) readBridgeLines(ctx context.Context, key string, r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if trimmed := strings.TrimRight(line, "\r\n"); trimmed != "" {
			select {
			case l.events <- Event{Key: key, Kind: EventLine, Line: trimmed}:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (l *Local) StopControl(session string) error {
	key := ControlKey(l.Scope(), session)
	l.mu.Lock()
	bridge, ok := l.bridges[key]
	delete(l.bridges, key)
	l.mu.Unlock()
	if !ok {
		return ErrControlNotRunning
	}
	_ = bridge.stdin.Close()
	bridge.cancel()
	l.emit(Event{Key: key, Kind: EventStopped})
	return nil
}

func (l *Local) SendControl(session, commandText string) error {
	key := ControlKey(l.Scope(), session)
	l.mu.Lock()
	bridge, ok := l.bridges[key]
	l.mu.Unlock()
	if !ok {
		return ErrControlNotRunning
	}
	line := strings.TrimSpace(commandText)
	if line == "" {
		return nil
	}
	bridge.stdinMu.Lock()
	defer bridge.stdinMu.Unlock()
	if _, err := io.WriteString(bridge.stdin, line+"\n"); err != nil {
		return err
	}
	return nil
}

func (l *Local) Events() <-chan Event { return l.events }

func (l *Local) Close() error {
	l.mu.Lock()
	bridges := make([]*localBridge, 0, len(l.bridges))
	for _, b := range l.bridges {
		bridges = append(bridges, b)
	}
	l.bridges = map[string]*localBridge{}
	l.mu.Unlock()
	for _, b := range bridges {
		_ = b.stdin.Close()
		b.cancel()
	}
	return nil
}

func (l *Local) emit(ev Event) {
	select {
	case l.events <- ev:
	default:
		l.logger.Warn("control event dropped", "key", ev.Key, "kind", ev.Kind)
	}
}

// filteredEnv copies base without the named variables.
func filteredEnv(base []string, removeKeys ...string) []string {
	removeSet := make(map[string]struct{}, len(removeKeys))
	for _, key := range removeKeys {
		removeSet[key] = struct{}{}
	}
	out := make([]string, 0, len(base))
	for _, entry := range base {
		key := entry
		if idx := strings.IndexByte(entry, '='); idx >= 0 {
			key = entry[:idx]
		}
		if _, drop := removeSet[key]; drop {
			continue
		}
		out = append(out, entry)
	}
	return out
}
