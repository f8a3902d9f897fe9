package refresh

import (
	"context"
	"fmt"
	"strings"

	"github.com/arcmux/arcmux/internal/cache"
	"github.com/arcmux/arcmux/internal/executor"
	"github.com/arcmux/arcmux/internal/model"
)

// Mutating operations run with the poll loop suspended so a mid-flight
// listing never races the change, then kick an immediate refresh.

// SendKeys types keys into the target window, optionally followed by Enter.
func (s *Scheduler) SendKeys(ctx context.Context, index int, id, keys string, withEnter bool) error {
	exec, scopeKey, session, err := s.requireSession()
	if err != nil {
		return err
	}
	w, err := s.resolveWindow(ctx, scopeKey, session, index, id)
	if err != nil {
		return err
	}
	s.beginMutation()
	defer s.endMutation()
	if err := s.sendKeys(ctx, exec, scopeKey, session, w, keys, withEnter); err != nil {
		return err
	}
	s.schedulePane(scopeKey, session)
	return nil
}

// NewSession creates a session and switches the scheduler to it.
func (s *Scheduler) NewSession(ctx context.Context, name string) error {
	exec, _, _, errExec := s.requireExecutor()
	if errExec != nil {
		return errExec
	}
	s.beginMutation()
	err := exec.NewSession(ctx, name)
	s.endMutation()
	if err != nil {
		return err
	}
	s.SelectSession(name)
	return nil
}

// KillSession destroys a session and drops every cached record for it.
func (s *Scheduler) KillSession(ctx context.Context, name string) error {
	exec, scopeKey, _, errExec := s.requireExecutor()
	if errExec != nil {
		return errExec
	}
	s.beginMutation()
	err := exec.KillSession(ctx, name)
	s.endMutation()
	if err != nil {
		return err
	}
	if c, ok := s.controls.Lookup(scopeKey, name); ok {
		c.Stop()
	}
	s.cache.ClearSession(scopeKey, name)
	if s.persist != nil {
		if perr := s.persist.DeleteSession(ctx, scopeKey, name); perr != nil {
			s.logger.Warn("persist delete failed", "session", name, "error", perr)
		}
	}
	s.mu.Lock()
	if s.session == name {
		s.session = ""
		s.sessionToken++
		s.hasSelection = false
	}
	s.mu.Unlock()
	return nil
}

// RenameSession renames a session and remaps all cached keys so sticky names
// and pane text survive the rename.
func (s *Scheduler) RenameSession(ctx context.Context, oldName, newName string) error {
	exec, scopeKey, _, errExec := s.requireExecutor()
	if errExec != nil {
		return errExec
	}
	if oldName == newName {
		return nil
	}
	s.beginMutation()
	err := exec.RenameSession(ctx, oldName, newName)
	s.endMutation()
	if err != nil {
		return err
	}
	if c, ok := s.controls.Lookup(scopeKey, oldName); ok {
		c.Stop()
	}
	s.cache.RenameSession(scopeKey, oldName, newName)
	if s.persist != nil {
		if perr := s.persist.RenameSession(ctx, scopeKey, oldName, newName); perr != nil {
			s.logger.Warn("persist rename failed", "session", oldName, "error", perr)
		}
	}
	s.mu.Lock()
	if s.session == oldName {
		s.session = newName
	}
	s.mu.Unlock()
	s.kick()
	return nil
}

// NewWindow creates a window in the watched session.
func (s *Scheduler) NewWindow(ctx context.Context, name, cmd string) error {
	exec, _, session, err := s.requireSession()
	if err != nil {
		return err
	}
	s.beginMutation()
	defer s.endMutation()
	return exec.NewWindow(ctx, session, name, cmd)
}

// KillWindow destroys a window, resolving its id first so a stale index
// cannot hit the wrong window.
func (s *Scheduler) KillWindow(ctx context.Context, index int, id string) error {
	exec, scopeKey, session, err := s.requireSession()
	if err != nil {
		return err
	}
	w, err := s.resolveWindow(ctx, scopeKey, session, index, id)
	if err != nil {
		return err
	}
	s.beginMutation()
	defer s.endMutation()
	return exec.KillWindow(ctx, session, w.Index, w.ID)
}

// RenameWindow renames a window and pins the new name in the sticky name
// table immediately, without waiting for the next listing.
func (s *Scheduler) RenameWindow(ctx context.Context, index int, id, newName string) error {
	exec, scopeKey, session, err := s.requireSession()
	if err != nil {
		return err
	}
	w, err := s.resolveWindow(ctx, scopeKey, session, index, id)
	if err != nil {
		return err
	}
	s.beginMutation()
	defer s.endMutation()
	if err := exec.RenameWindow(ctx, session, w.Index, newName, w.ID); err != nil {
		return err
	}
	s.cache.SeedName(cache.BuildKey(scopeKey, session, w.Index, w.ID), newName)
	return nil
}

// resolveWindow turns an index or id into a full window record. When the
// cache holds no id for the window, a fresh listing is fetched so the
// operation targets by id rather than by possibly-shifted index.
func (s *Scheduler) resolveWindow(ctx context.Context, scopeKey, session string, index int, id string) (model.Window, error) {
	id = strings.TrimSpace(id)
	if windows, ok := s.cache.Windows(scopeKey, session); ok {
		if w, found := findWindow(windows, index, id); found && strings.TrimSpace(w.ID) != "" {
			return w, nil
		}
	}
	exec, _, _, err := s.requireExecutor()
	if err != nil {
		return model.Window{}, err
	}
	fresh, err := exec.ListWindows(ctx, session)
	if err != nil {
		return model.Window{}, err
	}
	merged := s.cache.Merge(scopeKey, session, fresh)
	if w, found := findWindow(merged, index, id); found {
		return w, nil
	}
	if id != "" {
		return model.Window{}, fmt.Errorf("window %s not found in session %q", id, session)
	}
	return model.Window{}, fmt.Errorf("window %d not found in session %q", index, session)
}

func findWindow(windows []model.Window, index int, id string) (model.Window, bool) {
	for _, w := range windows {
		if id != "" {
			if strings.TrimSpace(w.ID) == id {
				return w, true
			}
			continue
		}
		if w.Index == index {
			return w, true
		}
	}
	return model.Window{}, false
}

func (s *Scheduler) requireExecutor() (exec executor.Executor, scopeKey, session string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exec == nil {
		return nil, "", "", fmt.Errorf("no scope selected")
	}
	return s.exec, s.scopeKey, s.session, nil
}

func (s *Scheduler) requireSession() (exec executor.Executor, scopeKey, session string, err error) {
	exec, scopeKey, session, err = s.requireExecutor()
	if err != nil {
		return nil, "", "", err
	}
	if session == "" {
		return nil, "", "", fmt.Errorf("no session selected")
	}
	return exec, scopeKey, session, nil
}
