package executor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/arcmux/arcmux/internal/config"
	"github.com/arcmux/arcmux/internal/model"
	"github.com/arcmux/arcmux/internal/muxcmd"
	"github.com/arcmux/arcmux/internal/scope"
)

// remotePrelude resets shell state so tmux behaves the same under a login
// shell as it does interactively.
const remotePrelude = "unset BASH_ENV TMUX PROMPT_COMMAND PS1; if [ -f /etc/profile ]; then source /etc/profile; fi"

// Remote drives tmux on another host over SSH. One TCP connection is kept
// per {user, host, port} identity and re-dialed on channel failure.
type Remote struct {
	cfg     config.Config
	profile model.Profile
	logger  *slog.Logger
	ops     tmuxOps

	events chan Event

	clientMu sync.Mutex
	client   *ssh.Client

	mu      sync.Mutex
	bridges map[string]*remoteBridge
}

type remoteBridge struct {
	session string
	sess    *ssh.Session
	stdin   io.WriteCloser
	stdinMu sync.Mutex
	done    chan struct{}
}

func NewRemote(cfg config.Config, profile model.Profile, logger *slog.Logger) *Remote {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Remote{
		cfg:     cfg,
		profile: profile,
		logger:  logger,
		events:  make(chan Event, eventBuffer),
		bridges: map[string]*remoteBridge{},
	}
	r.ops = tmuxOps{run: r.runTmux}
	return r
}

func (r *Remote) Scope() string { return scope.Key(&r.profile) }

// authMethods resolves credentials for the profile's auth kind. Anything
// other than password or key falls back to the ssh-agent.
func (r *Remote) authMethods() ([]ssh.AuthMethod, error) {
	switch r.profile.Auth {
	case model.AuthPassword:
		if r.profile.Password == "" {
			return nil, errors.New("password auth selected but no password given")
		}
		return []ssh.AuthMethod{ssh.Password(r.profile.Password)}, nil
	case model.AuthKey:
		path := strings.TrimSpace(r.profile.KeyPath)
		if path == "" {
			return nil, errors.New("key auth selected but no key path given")
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}
		var signer ssh.Signer
		if r.profile.KeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(data, []byte(r.profile.KeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(data)
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	default:
		sock := os.Getenv("SSH_AUTH_SOCK")
		if sock == "" {
			return nil, errors.New("ssh-agent auth selected but SSH_AUTH_SOCK is unset")
		}
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, fmt.Errorf("dial ssh-agent: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeysCallback(agent.NewClient(conn).Signers)}, nil
	}
}

func (r *Remote) dial() (*ssh.Client, error) {
	auth, err := r.authMethods()
	if err != nil {
		return nil, err
	}
	cfg := &ssh.ClientConfig{
		User:            r.profile.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         r.cfg.ConnectTimeout,
	}
	addr := net.JoinHostPort(r.profile.Host, fmt.Sprintf("%d", r.profile.EffectivePort()))
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}
	return client, nil
}

func (r *Remote) ensureClient() (*ssh.Client, error) {
	r.clientMu.Lock()
	defer r.clientMu.Unlock()
	if r.client != nil {
		return r.client, nil
	}
	client, err := r.dial()
	if err != nil {
		return nil, err
	}
	r.client = client
	return client, nil
}

func (r *Remote) invalidateClient(client *ssh.Client) {
	r.clientMu.Lock()
	if r.client == client {
		r.client = nil
	}
	r.clientMu.Unlock()
	if client != nil {
		_ = client.Close()
	}
}

// exec runs one remote shell command, re-dialing once when the cached
// connection has gone stale.
func (r *Remote) exec(ctx context.Context, command string) (execOut, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		client, err := r.ensureClient()
		if err != nil {
			return execOut{}, err
		}
		sess, err := client.NewSession()
		if err != nil {
			r.invalidateClient(client)
			lastErr = fmt.Errorf("open session: %w", err)
			continue
		}
		out, err := runSession(ctx, sess, command)
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				out.code = exitErr.ExitStatus()
				return out, nil
			}
			r.invalidateClient(client)
			lastErr = err
			continue
		}
		return out, nil
	}
	return execOut{}, lastErr
}

// runSession runs command on an ssh session with cooperative cancellation:
// the session is closed when ctx expires so a dead host cannot hang a tick.
func runSession(ctx context.Context, sess *ssh.Session, command string) (execOut, error) {
	defer sess.Close()
	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()
	select {
	case err := <-done:
		return execOut{stdout: stdout.String(), stderr: stderr.String()}, err
	case <-ctx.Done():
		_ = sess.Close()
		<-done
		return execOut{}, ctx.Err()
	}
}

func (r *Remote) runTmux(ctx context.Context, args ...string) (execOut, error) {
	quoted := make([]string, 0, len(args)+1)
	quoted = append(quoted, "tmux")
	for _, arg := range args {
		quoted = append(quoted, muxcmd.Quote(arg))
	}
	wrapped := fmt.Sprintf("bash -lc %s", muxcmd.Quote(remotePrelude+"; "+strings.Join(quoted, " ")))
	runCtx, cancel := context.WithTimeout(ctx, r.cfg.RemoteCommandTimeout)
	defer cancel()
	return r.exec(runCtx, wrapped)
}

func (r *Remote) ListSessions(ctx context.Context) ([]model.Session, error) {
	return r.ops.listSessions(ctx)
}

func (r *Remote) ListWindows(ctx context.Context, session string) ([]model.Window, error) {
	return r.ops.listWindows(ctx, session)
}

func (r *Remote) CapturePane(ctx context.Context, session string, index int, id string, lines int) (string, error) {
	return r.ops.capturePane(ctx, session, index, id, lines)
}

func (r *Remote) SendKeys(ctx context.Context, session string, index int, id, keys string, withEnter bool) error {
	return r.ops.sendKeys(ctx, session, index, id, keys, withEnter)
}

func (r *Remote) NewSession(ctx context.Context, session string) error {
	return r.ops.newSession(ctx, session)
}

func (r *Remote) KillSession(ctx context.Context, session string) error {
	return r.ops.killSession(ctx, session)
}

func (r *Remote) RenameSession(ctx context.Context, session, newName string) error {
	return r.ops.renameSession(ctx, session, newName)
}

func (r *Remote) NewWindow(ctx context.Context, session, name, cmd string) error {
	return r.ops.newWindow(ctx, session, name, cmd)
}

func (r *Remote) KillWindow(ctx context.Context, session string, index int, id string) error {
	return r.ops.killWindow(ctx, session, index, id)
}

func (r *Remote) RenameWindow(ctx context.Context, session string, index int, newName, id string) error {
	return r.ops.renameWindow(ctx, session, index, newName, id)
}

func (r *Remote) StartServer(ctx context.Context) error {
	return r.ops.startServer(ctx)
}

// Ping verifies the host answers and reports who we are plus the tmux
// version, tolerating hosts without tmux installed.
func (r *Remote) Ping(ctx context.Context) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, r.cfg.RemoteCommandTimeout)
	defer cancel()
	out, err := r.exec(runCtx, "whoami && tmux -V || true")
	if err != nil {
		return "", err
	}
	if out.code != 0 {
		return "", commandError("ping", out)
	}
	return strings.TrimSpace(out.stdout), nil
}

// StartControl opens a dedicated SSH session running tmux in control mode
// and streams its lines onto the event feed.
func (r *Remote) StartControl(ctx context.Context, session string) error {
	key := ControlKey(r.Scope(), session)
	r.mu.Lock()
	if _, ok := r.bridges[key]; ok {
		r.mu.Unlock()
		return ErrControlRunning
	}
	r.mu.Unlock()

	client, err := r.ensureClient()
	if err != nil {
		return err
	}
	sess, err := client.NewSession()
	if err != nil {
		r.invalidateClient(client)
		client, err = r.ensureClient()
		if err != nil {
			return err
		}
		sess, err = client.NewSession()
		if err != nil {
			return fmt.Errorf("open control session: %w", err)
		}
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		_ = sess.Close()
		return err
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		_ = sess.Close()
		return err
	}
	command := fmt.Sprintf("tmux -CC attach-session -t %s", muxcmd.Quote(session))
	if err := sess.Start(command); err != nil {
		_ = sess.Close()
		return fmt.Errorf("start control: %w", err)
	}

	bridge := &remoteBridge{session: session, sess: sess, stdin: stdin, done: make(chan struct{})}
	r.mu.Lock()
	r.bridges[key] = bridge
	r.mu.Unlock()

	r.emit(Event{Key: key, Kind: EventStarted})
	go func() {
		reader := bufio.NewReader(stdout)
		for {
			line, readErr := reader.ReadString('\n')
			if trimmed := strings.TrimRight(line, "\r\n"); trimmed != "" {
				select {
				case r.events <- Event{Key: key, Kind: EventLine, Line: trimmed}:
				case <-bridge.done:
					return
				}
			}
			if readErr != nil {
				break
			}
		}
		_ = sess.Wait()
		r.mu.Lock()
		stillMine := r.bridges[key] == bridge
		if stillMine {
			delete(r.bridges, key)
		}
		r.mu.Unlock()
		if stillMine {
			r.emit(Event{Key: key, Kind: EventClosed})
		}
	}()
	return nil
}

func (r *Remote) StopControl(session string) error {
	key := ControlKey(r.Scope(), session)
	r.mu.Lock()
	bridge, ok := r.bridges[key]
	delete(r.bridges, key)
	r.mu.Unlock()
	if !ok {
		return ErrControlNotRunning
	}
	close(bridge.done)
	_ = bridge.stdin.Close()
	_ = bridge.sess.Close()
	r.emit(Event{Key: key, Kind: EventStopped})
	return nil
}

func (r *Remote) SendControl(session, commandText string) error {
	key := ControlKey(r.Scope(), session)
	r.mu.Lock()
	bridge, ok := r.bridges[key]
	r.mu.Unlock()
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

func (r *Remote) Events() <-chan Event { return r.events }

func (r *Remote) Close() error {
	r.mu.Lock()
	bridges := make([]*remoteBridge, 0, len(r.bridges))
	for _, b := range r.bridges {
		bridges = append(bridges, b)
	}
	r.bridges = map[string]*remoteBridge{}
	r.mu.Unlock()
	for _, b := range bridges {
		close(b.done)
		_ = b.stdin.Close()
		_ = b.sess.Close()
	}
	r.clientMu.Lock()
	client := r.client
	r.client = nil
	r.clientMu.Unlock()
	if client != nil {
		return client.Close()
	}
	return nil
}

func (r *Remote) emit(ev Event) {
	select {
	case r.events <- ev:
	default:
		r.logger.Warn("control event dropped", "key", ev.Key, "kind", ev.Kind)
	}
}
