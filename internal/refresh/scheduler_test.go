package refresh

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/arcmux/arcmux/internal/cache"
	"github.com/arcmux/arcmux/internal/config"
	"github.com/arcmux/arcmux/internal/executor"
	"github.com/arcmux/arcmux/internal/model"
)

type sendCall struct {
	session   string
	index     int
	id        string
	keys      string
	withEnter bool
}

type fakeExec struct {
	mu           sync.Mutex
	windows      []model.Window
	pane         string
	listCalls    int
	captureCalls int
	sendCalls    []sendCall
	controlSent  []string
	renames      [][2]string
	killed       []string
	listGate     chan struct{}
	events       chan executor.Event
}

func newFakeExec(windows []model.Window) *fakeExec {
	return &fakeExec{windows: windows, pane: "pane text\n", events: make(chan executor.Event, 16)}
}

func (f *fakeExec) Scope() string { return "local" }

func (f *fakeExec) ListSessions(context.Context) ([]model.Session, error) { return nil, nil }

func (f *fakeExec) ListWindows(context.Context, string) ([]model.Window, error) {
	f.mu.Lock()
	gate := f.listGate
	f.listCalls++
	windows := append([]model.Window(nil), f.windows...)
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return windows, nil
}

func (f *fakeExec) CapturePane(context.Context, string, int, string, int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captureCalls++
	return f.pane, nil
}

func (f *fakeExec) SendKeys(_ context.Context, session string, index int, id, keys string, withEnter bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls = append(f.sendCalls, sendCall{session, index, id, keys, withEnter})
	return nil
}

func (f *fakeExec) NewSession(context.Context, string) error { return nil }
func (f *fakeExec) KillSession(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, name)
	return nil
}
func (f *fakeExec) RenameSession(_ context.Context, oldName, newName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renames = append(f.renames, [2]string{oldName, newName})
	return nil
}
func (f *fakeExec) NewWindow(context.Context, string, string, string) error    { return nil }
func (f *fakeExec) KillWindow(context.Context, string, int, string) error      { return nil }
func (f *fakeExec) RenameWindow(context.Context, string, int, string, string) error {
	return nil
}
func (f *fakeExec) StartServer(context.Context) error          { return nil }
func (f *fakeExec) StartControl(context.Context, string) error { return nil }
func (f *fakeExec) StopControl(string) error                   { return nil }

// SendControl records the command text and immediately answers with an
// empty successful reply block, tagged in arrival order.
func (f *fakeExec) SendControl(session, text string) error {
	f.mu.Lock()
	f.controlSent = append(f.controlSent, text)
	tag := strconv.Itoa(len(f.controlSent))
	f.mu.Unlock()
	key := executor.ControlKey("local", session)
	f.events <- executor.Event{Key: key, Kind: executor.EventLine, Line: "%%begin " + tag}
	f.events <- executor.Event{Key: key, Kind: executor.EventLine, Line: "%%end " + tag + " 0"}
	return nil
}

func (f *fakeExec) Events() <-chan executor.Event { return f.events }
func (f *fakeExec) Close() error                  { return nil }

func (f *fakeExec) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls, f.captureCalls
}

func testConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.PaneDebounce = 20 * time.Millisecond
	cfg.FollowPollInterval = time.Hour
	cfg.IdlePollInterval = time.Hour
	return cfg
}

func newTestScheduler(exec *fakeExec) (*Scheduler, chan Update) {
	c := cache.NewStore()
	s := New(testConfig(), slog.Default(), c, nil)
	updates := make(chan Update, 16)
	s.SetUpdateFunc(func(u Update) { updates <- u })
	s.UseExecutor(exec)
	s.SelectSession("main")
	return s, updates
}

func TestTickDeliversReconciledView(t *testing.T) {
	exec := newFakeExec([]model.Window{
		{Index: 1, ID: "@2", Name: "logs", Panes: 1},
		{Index: 0, ID: "@1", Name: "vim", Active: true, Panes: 2},
	})
	s, updates := newTestScheduler(exec)

	s.Tick(context.Background())

	u := <-updates
	if u.Session != "main" || u.Scope != "local" {
		t.Fatalf("unexpected update identity: %+v", u)
	}
	if len(u.Windows) != 2 || u.Windows[0].Index != 0 {
		t.Fatalf("windows not sorted: %+v", u.Windows)
	}
	if !u.HasTarget || u.Target.ID != "@1" {
		t.Fatalf("active window not chosen as target: %+v", u.Target)
	}
	if u.Pane != "pane text\n" {
		t.Fatalf("pane text missing: %q", u.Pane)
	}
}

func TestTickReselectsWhenSelectionVanishes(t *testing.T) {
	exec := newFakeExec([]model.Window{
		{Index: 0, ID: "@1", Name: "vim", Active: true},
		{Index: 5, ID: "@9", Name: "doomed"},
	})
	s, updates := newTestScheduler(exec)
	s.SelectWindow(5, "@9")
	s.Tick(context.Background())
	u := <-updates
	if u.Target.ID != "@9" {
		t.Fatalf("pinned window not targeted: %+v", u.Target)
	}

	exec.mu.Lock()
	exec.windows = []model.Window{{Index: 0, ID: "@1", Name: "vim", Active: true}}
	exec.mu.Unlock()

	s.Tick(context.Background())
	u = <-updates
	if u.Target.ID != "@1" {
		t.Fatalf("vanished selection not replaced by active window: %+v", u.Target)
	}
}

func TestActiveWindowFollowedWithoutSelection(t *testing.T) {
	exec := newFakeExec([]model.Window{
		{Index: 0, ID: "@1", Name: "vim", Active: true},
		{Index: 1, ID: "@2", Name: "logs"},
	})
	s, updates := newTestScheduler(exec)
	s.Tick(context.Background())
	u := <-updates
	if u.Target.ID != "@1" {
		t.Fatalf("active window not targeted: %+v", u.Target)
	}

	// The user switches windows inside tmux; nothing was pinned here.
	exec.mu.Lock()
	exec.windows = []model.Window{
		{Index: 0, ID: "@1", Name: "vim"},
		{Index: 1, ID: "@2", Name: "logs", Active: true},
	}
	exec.mu.Unlock()

	s.Tick(context.Background())
	u = <-updates
	if u.Target.ID != "@2" {
		t.Fatalf("activity change not followed: %+v", u.Target)
	}
}

func TestStaleSessionResultDiscarded(t *testing.T) {
	exec := newFakeExec([]model.Window{{Index: 0, ID: "@1", Name: "vim", Active: true}})
	s, updates := newTestScheduler(exec)

	gate := make(chan struct{})
	exec.mu.Lock()
	exec.listGate = gate
	exec.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.Tick(context.Background())
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if calls, _ := exec.counts(); calls >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("tick never listed windows")
		}
		time.Sleep(time.Millisecond)
	}

	// The watched session moves on while the fetch is in flight.
	s.SelectSession("other")
	exec.mu.Lock()
	exec.listGate = nil
	exec.mu.Unlock()
	close(gate)
	<-done

	select {
	case u := <-updates:
		t.Fatalf("stale result was delivered: %+v", u)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOutputActivityDebounces(t *testing.T) {
	exec := newFakeExec([]model.Window{{Index: 0, ID: "@1", Name: "vim", Active: true}})
	s, updates := newTestScheduler(exec)
	s.Tick(context.Background())
	<-updates

	_, before := exec.counts()

	s.OutputActivity("local", "main")
	time.Sleep(5 * time.Millisecond)
	s.OutputActivity("local", "main")
	s.OutputActivity("local", "main")

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, captures := exec.counts(); captures == before+1 {
			break
		}
		if time.Now().After(deadline) {
			_, captures := exec.counts()
			t.Fatalf("expected exactly one debounced capture, got %d", captures-before)
		}
		time.Sleep(time.Millisecond)
	}

	// No further captures may trickle in after the burst collapsed.
	time.Sleep(60 * time.Millisecond)
	if _, captures := exec.counts(); captures != before+1 {
		t.Fatalf("burst produced %d captures", captures-before)
	}
	<-updates
}

func TestOutputActivityIgnoresOtherSessions(t *testing.T) {
	exec := newFakeExec([]model.Window{{Index: 0, ID: "@1", Name: "vim", Active: true}})
	s, _ := newTestScheduler(exec)
	s.Tick(context.Background())

	_, before := exec.counts()
	s.OutputActivity("local", "unrelated")
	s.OutputActivity("remote:bob@dev:22", "main")
	time.Sleep(60 * time.Millisecond)
	if _, captures := exec.counts(); captures != before {
		t.Fatalf("foreign session activity triggered a capture")
	}
}

func TestTopologyBurstCollapsesCaptures(t *testing.T) {
	exec := newFakeExec([]model.Window{{Index: 0, ID: "@1", Name: "vim", Active: true}})
	s, updates := newTestScheduler(exec)
	s.Tick(context.Background())
	<-updates

	_, before := exec.counts()

	s.TopologyChanged("local", "main")
	time.Sleep(5 * time.Millisecond)
	s.TopologyChanged("local", "main")
	s.TopologyChanged("local", "main")
	s.TopologyChanged("local", "main")
	s.TopologyChanged("local", "main")

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, captures := exec.counts(); captures == before+1 {
			break
		}
		if time.Now().After(deadline) {
			_, captures := exec.counts()
			t.Fatalf("expected exactly one debounced capture, got %d", captures-before)
		}
		time.Sleep(time.Millisecond)
	}

	// No further captures may trickle in after the burst collapsed.
	time.Sleep(60 * time.Millisecond)
	if _, captures := exec.counts(); captures != before+1 {
		t.Fatalf("burst of topology events produced %d captures", captures-before)
	}
}

func TestSendKeysResolvesWindowID(t *testing.T) {
	exec := newFakeExec([]model.Window{{Index: 0, ID: "@1", Name: "vim", Active: true}})
	s, _ := newTestScheduler(exec)
	s.Tick(context.Background())

	if err := s.SendKeys(context.Background(), 0, "", "ls -la", true); err != nil {
		t.Fatalf("send keys: %v", err)
	}
	exec.mu.Lock()
	defer exec.mu.Unlock()
	if len(exec.sendCalls) != 1 {
		t.Fatalf("expected one send, got %d", len(exec.sendCalls))
	}
	call := exec.sendCalls[0]
	if call.id != "@1" || call.keys != "ls -la" || !call.withEnter {
		t.Fatalf("send did not use the resolved id: %+v", call)
	}
}

func TestSendKeysPrefersControlChannel(t *testing.T) {
	exec := newFakeExec([]model.Window{{Index: 0, ID: "@1", Name: "vim", Active: true}})
	s, updates := newTestScheduler(exec)
	s.Tick(context.Background())
	<-updates

	c := s.Controls().Client(exec, "main")
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start control: %v", err)
	}
	exec.events <- executor.Event{Key: c.Key(), Kind: executor.EventStarted}
	deadline := time.Now().Add(2 * time.Second)
	for !c.Ready() {
		if time.Now().After(deadline) {
			t.Fatalf("control client never became ready")
		}
		time.Sleep(time.Millisecond)
	}

	if err := s.SendKeys(context.Background(), 0, "", "ls -la", true); err != nil {
		t.Fatalf("send keys: %v", err)
	}

	exec.mu.Lock()
	defer exec.mu.Unlock()
	want := []string{"send-keys -t @1 -l 'ls -la'", "send-keys -t @1 Enter"}
	if len(exec.controlSent) < 2 || exec.controlSent[0] != want[0] || exec.controlSent[1] != want[1] {
		t.Fatalf("control channel saw %q, want %q", exec.controlSent, want)
	}
	if len(exec.sendCalls) != 0 {
		t.Fatalf("keys also went through the direct path: %+v", exec.sendCalls)
	}
}

func TestResolveWindowRefetchesWhenIDMissing(t *testing.T) {
	// The cached listing knows the window only by index.
	exec := newFakeExec([]model.Window{{Index: 0, ID: "", Name: "vim", Active: true}})
	s, _ := newTestScheduler(exec)
	s.Tick(context.Background())

	exec.mu.Lock()
	exec.windows = []model.Window{{Index: 0, ID: "@7", Name: "vim", Active: true}}
	listsBefore := exec.listCalls
	exec.mu.Unlock()

	if err := s.SendKeys(context.Background(), 0, "", "pwd", false); err != nil {
		t.Fatalf("send keys: %v", err)
	}
	exec.mu.Lock()
	defer exec.mu.Unlock()
	if exec.listCalls != listsBefore+1 {
		t.Fatalf("expected a fresh listing for the missing id")
	}
	if len(exec.sendCalls) != 1 || exec.sendCalls[0].id != "@7" {
		t.Fatalf("send did not pick up the fresh id: %+v", exec.sendCalls)
	}
}

func TestRenameSessionFollowsWatchedSession(t *testing.T) {
	exec := newFakeExec([]model.Window{{Index: 0, ID: "@1", Name: "vim", Active: true}})
	s, updates := newTestScheduler(exec)
	s.Tick(context.Background())
	<-updates

	if err := s.RenameSession(context.Background(), "main", "renamed"); err != nil {
		t.Fatalf("rename session: %v", err)
	}
	if got := s.Session(); got != "renamed" {
		t.Fatalf("scheduler still watches %q", got)
	}

	exec.mu.Lock()
	if len(exec.renames) != 1 || exec.renames[0] != [2]string{"main", "renamed"} {
		t.Fatalf("unexpected rename calls: %+v", exec.renames)
	}
	exec.mu.Unlock()

	// Cached records must have moved with the session.
	s.Tick(context.Background())
	u := <-updates
	if u.Session != "renamed" || u.Target.Name != "vim" {
		t.Fatalf("cache did not follow the rename: %+v", u)
	}
}

func TestKillSessionClearsSelection(t *testing.T) {
	exec := newFakeExec([]model.Window{{Index: 0, ID: "@1", Name: "vim", Active: true}})
	s, updates := newTestScheduler(exec)
	s.Tick(context.Background())
	<-updates

	if err := s.KillSession(context.Background(), "main"); err != nil {
		t.Fatalf("kill session: %v", err)
	}
	if got := s.Session(); got != "" {
		t.Fatalf("killed session still selected: %q", got)
	}

	// With no session selected, a tick is a no-op.
	s.Tick(context.Background())
	select {
	case u := <-updates:
		t.Fatalf("tick after kill delivered %+v", u)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestRenameWindowPinsStickyName(t *testing.T) {
	c := cache.NewStore()
	s := New(testConfig(), slog.Default(), c, nil)
	exec := newFakeExec([]model.Window{{Index: 0, ID: "@1", Name: "vim", Active: true}})
	s.UseExecutor(exec)
	s.SelectSession("main")
	s.Tick(context.Background())

	if err := s.RenameWindow(context.Background(), 0, "", "deploy"); err != nil {
		t.Fatalf("rename window: %v", err)
	}
	if name, ok := c.Name("local", "main", 0, "@1"); !ok || name != "deploy" {
		t.Fatalf("sticky name not pinned: %q %v", name, ok)
	}
}

func TestMutationSuspendsPolling(t *testing.T) {
	exec := newFakeExec([]model.Window{{Index: 0, ID: "@1", Name: "vim", Active: true}})
	s, _ := newTestScheduler(exec)

	s.beginMutation()
	s.Tick(context.Background())
	if calls, _ := exec.counts(); calls != 0 {
		t.Fatalf("tick ran during a mutation")
	}
	s.endMutation()
	s.Tick(context.Background())
	if calls, _ := exec.counts(); calls == 0 {
		t.Fatalf("tick did not resume after the mutation")
	}
}

func TestPausedSchedulerDoesNotTick(t *testing.T) {
	exec := newFakeExec([]model.Window{{Index: 0, ID: "@1", Name: "vim", Active: true}})
	s, _ := newTestScheduler(exec)

	s.SetPaused(true)
	s.Tick(context.Background())
	if calls, _ := exec.counts(); calls != 0 {
		t.Fatalf("tick ran while paused")
	}
	s.SetPaused(false)
	s.Tick(context.Background())
	if calls, _ := exec.counts(); calls != 1 {
		t.Fatalf("tick did not resume after unpausing")
	}
}
