// Package refresh keeps the cached view of a tmux session in step with the
// server. A single scheduler owns the selection state, decides when window
// lists and pane text are stale, and pulls fresh copies either over the
// control channel or through direct executor calls when no channel is ready.
package refresh

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/arcmux/arcmux/internal/cache"
	"github.com/arcmux/arcmux/internal/config"
	"github.com/arcmux/arcmux/internal/control"
	"github.com/arcmux/arcmux/internal/executor"
	"github.com/arcmux/arcmux/internal/model"
	"github.com/arcmux/arcmux/internal/muxcmd"
)

// Update carries one reconciled view to the consumer. Pane text is only
// meaningful when HasTarget is set.
type Update struct {
	Scope     string
	Session   string
	Windows   []model.Window
	Target    model.Window
	HasTarget bool
	Pane      string
}

// UpdateFunc receives reconciled views. It is called from scheduler
// goroutines and must not block for long.
type UpdateFunc func(Update)

// StatusFunc receives transient, human-readable status lines.
type StatusFunc func(string)

// Persister mirrors reconciled names and window lists into durable storage.
type Persister interface {
	SaveSession(ctx context.Context, scopeKey, session string, windows []model.Window) error
	RenameSession(ctx context.Context, scopeKey, oldName, newName string) error
	DeleteSession(ctx context.Context, scopeKey, session string) error
}

// token captures the scope and session generation an asynchronous fetch was
// started under. Results are discarded when either generation has moved on.
type token struct {
	scope   uint64
	session uint64
}

// Scheduler drives all refresh activity for the currently selected scope and
// session. It implements control.Notifier so pushed change notifications feed
// the same paths as the poll loop.
type Scheduler struct {
	cfg      config.Config
	logger   *slog.Logger
	cache    *cache.Store
	controls *control.Manager
	persist  Persister

	onUpdate UpdateFunc
	onStatus StatusFunc

	mu            sync.Mutex
	exec          executor.Executor
	scopeKey      string
	session       string
	selIndex      int
	selID         string
	hasSelection  bool
	follow        bool
	paused        bool
	mutating      int
	scopeToken    uint64
	sessionToken  uint64
	paneTimers    map[string]*time.Timer
	pollKick      chan struct{}
	statusClearer *time.Timer
}

// New builds a scheduler and the control manager it feeds from. The scheduler
// is the manager's notifier: pushed topology and output events land back here.
func New(cfg config.Config, logger *slog.Logger, store *cache.Store, persist Persister) *Scheduler {
	s := &Scheduler{
		cfg:        cfg,
		logger:     logger,
		cache:      store,
		persist:    persist,
		paneTimers: make(map[string]*time.Timer),
		pollKick:   make(chan struct{}, 1),
	}
	s.controls = control.NewManager(cfg, logger, s)
	return s
}

// Controls exposes the control-channel manager for lifecycle calls.
func (s *Scheduler) Controls() *control.Manager { return s.controls }

// SetUpdateFunc installs the view consumer. Call before Run.
func (s *Scheduler) SetUpdateFunc(fn UpdateFunc) { s.onUpdate = fn }

// SetStatusFunc installs the status consumer. Call before Run.
func (s *Scheduler) SetStatusFunc(fn StatusFunc) { s.onStatus = fn }

// UseExecutor switches the effective scope. All in-flight results for the
// previous scope become stale.
func (s *Scheduler) UseExecutor(exec executor.Executor) {
	s.mu.Lock()
	s.exec = exec
	if exec != nil {
		s.scopeKey = exec.Scope()
	} else {
		s.scopeKey = ""
	}
	s.scopeToken++
	s.sessionToken++
	s.session = ""
	s.hasSelection = false
	s.mu.Unlock()
	s.kick()
}

// SelectSession changes the watched session. Pending results for the previous
// session are discarded when they land.
func (s *Scheduler) SelectSession(session string) {
	s.mu.Lock()
	s.session = session
	s.sessionToken++
	s.hasSelection = false
	s.mu.Unlock()
	s.kick()
}

// SelectWindow pins the target window. The id may be empty when the caller
// only knows the index.
func (s *Scheduler) SelectWindow(index int, id string) {
	s.mu.Lock()
	s.selIndex = index
	s.selID = strings.TrimSpace(id)
	s.hasSelection = true
	s.mu.Unlock()
	s.kick()
}

// SetFollow toggles the short poll interval.
func (s *Scheduler) SetFollow(follow bool) {
	s.mu.Lock()
	s.follow = follow
	s.mu.Unlock()
	s.kick()
}

// SetPaused suspends the poll loop without tearing anything down.
func (s *Scheduler) SetPaused(paused bool) {
	s.mu.Lock()
	s.paused = paused
	s.mu.Unlock()
	if !paused {
		s.kick()
	}
}

// Session returns the currently watched session name.
func (s *Scheduler) Session() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

func (s *Scheduler) beginMutation() {
	s.mu.Lock()
	s.mutating++
	s.mu.Unlock()
}

func (s *Scheduler) endMutation() {
	s.mu.Lock()
	s.mutating--
	s.mu.Unlock()
	s.kick()
}

func (s *Scheduler) kick() {
	select {
	case s.pollKick <- struct{}{}:
	default:
	}
}

func (s *Scheduler) snapshotToken() token {
	s.mu.Lock()
	defer s.mu.Unlock()
	return token{scope: s.scopeToken, session: s.sessionToken}
}

func (s *Scheduler) stale(t token) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return t.scope != s.scopeToken || t.session != s.sessionToken
}

// current returns the executor, scope key and session the next fetch should
// use, plus whether the scheduler may poll at all right now.
func (s *Scheduler) current() (executor.Executor, string, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok := s.exec != nil && s.session != "" && !s.paused && s.mutating == 0
	return s.exec, s.scopeKey, s.session, ok
}

// Run is the poll loop. It refreshes at the follow interval while following
// and at the idle interval otherwise, and wakes early whenever selection or
// mode changes.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		_, _, _, ok := s.current()
		if ok {
			s.Tick(ctx)
		}
		s.mu.Lock()
		interval := s.cfg.IdlePollInterval
		if s.follow {
			interval = s.cfg.FollowPollInterval
		}
		s.mu.Unlock()
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.pollKick:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Tick performs one full refresh: window list, reconciliation, target
// resolution and pane capture. Safe to call directly for one-shot use.
func (s *Scheduler) Tick(ctx context.Context) {
	exec, scopeKey, session, ok := s.current()
	if !ok {
		return
	}
	t := s.snapshotToken()

	windows, err := s.fetchWindows(ctx, exec, scopeKey, session)
	if err != nil {
		s.transientStatus("refresh failed: " + err.Error())
		return
	}
	if s.stale(t) {
		return
	}

	merged := s.cache.Merge(scopeKey, session, windows)
	s.cache.PruneSession(scopeKey, session, merged)
	s.persistSession(ctx, scopeKey, session, merged)

	target, found := s.resolveTarget(merged)
	update := Update{Scope: scopeKey, Session: session, Windows: merged}
	if !found {
		s.deliver(update)
		return
	}
	update.Target = target
	update.HasTarget = true

	pane, err := s.fetchPane(ctx, exec, scopeKey, session, target)
	if err != nil {
		s.transientStatus("capture failed: " + err.Error())
		s.deliver(update)
		return
	}
	if s.stale(t) {
		return
	}
	s.cache.SetPane(scopeKey, session, target.Index, target.ID, pane)
	update.Pane = pane
	s.deliver(update)
}

// resolveTarget picks the window a pane refresh should capture: the explicit
// selection when it still exists, otherwise the active window, otherwise the
// first. A vanished selection is replaced, not kept dangling; with no
// selection the fallback stays uncommitted so the active window keeps being
// tracked from tick to tick.
func (s *Scheduler) resolveTarget(windows []model.Window) (model.Window, bool) {
	if len(windows) == 0 {
		s.mu.Lock()
		s.hasSelection = false
		s.mu.Unlock()
		return model.Window{}, false
	}

	s.mu.Lock()
	hasSel, selIndex, selID := s.hasSelection, s.selIndex, s.selID
	s.mu.Unlock()

	if hasSel {
		for _, w := range windows {
			if selID != "" && strings.TrimSpace(w.ID) == selID {
				return w, true
			}
			if selID == "" && w.Index == selIndex {
				return w, true
			}
		}
	}

	var pick model.Window
	picked := false
	for _, w := range windows {
		if w.Active {
			pick, picked = w, true
			break
		}
	}
	if !picked {
		pick = windows[0]
	}
	if hasSel {
		s.mu.Lock()
		s.selIndex = pick.Index
		s.selID = strings.TrimSpace(pick.ID)
		s.mu.Unlock()
	}
	return pick, true
}

// fetchWindows prefers the control channel when one is ready. A send failure
// on a ready channel tears it down and the call degrades to a direct fetch.
func (s *Scheduler) fetchWindows(ctx context.Context, exec executor.Executor, scopeKey, session string) ([]model.Window, error) {
	if c, ok := s.controls.Lookup(scopeKey, session); ok && c.Ready() {
		lines, err := c.Send(ctx, muxcmd.ListWindows(session))
		if err == nil {
			return muxcmd.ParseWindows(strings.Join(control.DecodeLines(lines), "\n")), nil
		}
		s.degrade(c, err)
	}
	return exec.ListWindows(ctx, session)
}

func (s *Scheduler) fetchPane(ctx context.Context, exec executor.Executor, scopeKey, session string, w model.Window) (string, error) {
	if c, ok := s.controls.Lookup(scopeKey, session); ok && c.Ready() {
		target := muxcmd.Target(session, w.Index, w.ID)
		lines, err := c.Send(ctx, muxcmd.CapturePane(target, s.cfg.CaptureLines))
		if err == nil {
			return control.DecodePayload(lines), nil
		}
		s.degrade(c, err)
	}
	return exec.CapturePane(ctx, session, w.Index, w.ID, s.cfg.CaptureLines)
}

// sendKeys pushes keystrokes over the control channel when one is ready and
// falls back to a direct executor call otherwise.
func (s *Scheduler) sendKeys(ctx context.Context, exec executor.Executor, scopeKey, session string, w model.Window, keys string, withEnter bool) error {
	if c, ok := s.controls.Lookup(scopeKey, session); ok && c.Ready() {
		target := muxcmd.Target(session, w.Index, w.ID)
		var err error
		for _, command := range muxcmd.SendKeys(target, keys, withEnter) {
			if _, err = c.Send(ctx, command); err != nil {
				break
			}
		}
		if err == nil {
			return nil
		}
		s.degrade(c, err)
	}
	return exec.SendKeys(ctx, session, w.Index, w.ID, keys, withEnter)
}

// degrade stops a control client whose transport failed mid-command so the
// poll loop carries on over direct calls.
func (s *Scheduler) degrade(c *control.Client, err error) {
	s.logger.Warn("control channel degraded", "key", c.Key(), "error", err)
	c.Stop()
	s.transientStatus("control channel lost, polling directly")
}

// TopologyChanged implements control.Notifier. Window and session layout
// events refresh the window list right away; the pane capture rides the
// debounce so an event burst collapses into one fetch.
func (s *Scheduler) TopologyChanged(scopeKey, session string) {
	if !s.watching(scopeKey, session) {
		return
	}
	t := s.snapshotToken()
	go func() {
		if s.stale(t) {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RemoteCommandTimeout)
		defer cancel()
		s.refreshTopology(ctx, t)
	}()
	s.schedulePane(scopeKey, session)
}

// refreshTopology reconciles the window list without capturing pane text.
// The delivered update carries whatever pane the cache already holds.
func (s *Scheduler) refreshTopology(ctx context.Context, t token) {
	exec, scopeKey, session, ok := s.current()
	if !ok {
		return
	}
	windows, err := s.fetchWindows(ctx, exec, scopeKey, session)
	if err != nil {
		s.transientStatus("refresh failed: " + err.Error())
		return
	}
	if s.stale(t) {
		return
	}
	merged := s.cache.Merge(scopeKey, session, windows)
	s.cache.PruneSession(scopeKey, session, merged)
	s.persistSession(ctx, scopeKey, session, merged)

	update := Update{Scope: scopeKey, Session: session, Windows: merged}
	if target, found := s.resolveTarget(merged); found {
		update.Target = target
		update.HasTarget = true
		if pane, ok := s.cache.Pane(scopeKey, session, target.Index, target.ID); ok {
			update.Pane = pane
		}
	}
	s.deliver(update)
}

// OutputActivity implements control.Notifier. Pane output only schedules a
// debounced capture; bursts collapse into one fetch.
func (s *Scheduler) OutputActivity(scopeKey, session string) {
	if !s.watching(scopeKey, session) {
		return
	}
	s.schedulePane(scopeKey, session)
}

func (s *Scheduler) watching(scopeKey, session string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return scopeKey == s.scopeKey && session == s.session
}

// schedulePane arms the debounce timer for one scope/session pair. A new
// event before the timer fires restarts the window.
func (s *Scheduler) schedulePane(scopeKey, session string) {
	key := scopeKey + "/" + session
	t := s.snapshotToken()

	s.mu.Lock()
	if prev, ok := s.paneTimers[key]; ok {
		prev.Stop()
	}
	s.paneTimers[key] = time.AfterFunc(s.cfg.PaneDebounce, func() {
		s.mu.Lock()
		delete(s.paneTimers, key)
		s.mu.Unlock()
		if s.stale(t) {
			return
		}
		s.refreshPane(t)
	})
	s.mu.Unlock()
}

// refreshPane captures just the target window's pane, using whatever window
// list the cache already holds.
func (s *Scheduler) refreshPane(t token) {
	exec, scopeKey, session, ok := s.current()
	if !ok {
		return
	}
	windows, ok := s.cache.Windows(scopeKey, session)
	if !ok || len(windows) == 0 {
		return
	}
	target, found := s.resolveTarget(windows)
	if !found {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RemoteCommandTimeout)
	defer cancel()
	pane, err := s.fetchPane(ctx, exec, scopeKey, session, target)
	if err != nil {
		s.transientStatus("capture failed: " + err.Error())
		return
	}
	if s.stale(t) {
		return
	}
	s.cache.SetPane(scopeKey, session, target.Index, target.ID, pane)
	s.deliver(Update{
		Scope:     scopeKey,
		Session:   session,
		Windows:   windows,
		Target:    target,
		HasTarget: true,
		Pane:      pane,
	})
}

func (s *Scheduler) deliver(u Update) {
	if s.onUpdate != nil {
		s.onUpdate(u)
	}
}

func (s *Scheduler) transientStatus(msg string) {
	s.logger.Debug("status", "message", msg)
	if s.onStatus == nil {
		return
	}
	s.onStatus(msg)
	s.mu.Lock()
	if s.statusClearer != nil {
		s.statusClearer.Stop()
	}
	s.statusClearer = time.AfterFunc(s.cfg.StatusClearDelay, func() { s.onStatus("") })
	s.mu.Unlock()
}

func (s *Scheduler) persistSession(ctx context.Context, scopeKey, session string, windows []model.Window) {
	if s.persist == nil {
		return
	}
	if err := s.persist.SaveSession(ctx, scopeKey, session, windows); err != nil {
		s.logger.Warn("persist failed", "scope", scopeKey, "session", session, "error", err)
	}
}
