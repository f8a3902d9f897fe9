// Package cache holds the scope/session keyed state the refresh scheduler
// reconciles against: display-name overrides, pane text, and last-known
// window lists.
package cache

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/arcmux/arcmux/internal/model"
)

// BuildKey derives the cache key for one window. A non-empty trimmed id is
// the stronger identity and wins over the volatile index.
func BuildKey(scope, session string, index int, id string) string {
	prefix := scope + "/" + session + "/"
	if trimmed := strings.TrimSpace(id); trimmed != "" {
		return prefix + "id:" + trimmed
	}
	return prefix + "idx:" + strconv.Itoa(index)
}

// Table is one keyed mapping. All operations are plain transformations;
// callers needing concurrency go through Store.
type Table map[string]string

// Prune removes every entry under scope/session/ whose identity suffix is
// not present in current. Entries outside the prefix are untouched.
func (t Table) Prune(scope, session string, current []model.Window) {
	prefix := scope + "/" + session + "/"
	keep := make(map[string]struct{}, len(current))
	for _, w := range current {
		keep[w.IdentityKey()] = struct{}{}
	}
	for key := range t {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if _, ok := keep[strings.TrimPrefix(key, prefix)]; !ok {
			delete(t, key)
		}
	}
}

// ClearSession removes every entry under scope/session/ unconditionally.
func (t Table) ClearSession(scope, session string) {
	prefix := scope + "/" + session + "/"
	for key := range t {
		if strings.HasPrefix(key, prefix) {
			delete(t, key)
		}
	}
}

// RenameSession rewrites every entry under scope/oldName/ to the same
// suffix under scope/newName/. Unrelated entries under the new prefix stay;
// identical suffixes are overwritten by the renamed entry.
func (t Table) RenameSession(scope, oldName, newName string) {
	if oldName == newName {
		return
	}
	oldPrefix := scope + "/" + oldName + "/"
	newPrefix := scope + "/" + newName + "/"
	moved := make([]string, 0)
	for key := range t {
		if strings.HasPrefix(key, oldPrefix) {
			moved = append(moved, key)
		}
	}
	for _, key := range moved {
		t[newPrefix+strings.TrimPrefix(key, oldPrefix)] = t[key]
		delete(t, key)
	}
}

// Store owns the three cache tables for one client instance. A single mutex
// serializes access: timer callbacks and control-channel notifications can
// interleave even though each runs to completion.
type Store struct {
	mu      sync.Mutex
	names   Table
	panes   Table
	windows map[string][]model.Window
}

func NewStore() *Store {
	return &Store{
		names:   Table{},
		panes:   Table{},
		windows: map[string][]model.Window{},
	}
}

// Merge reconciles a raw window listing for scope/session against the name
// table. Incoming blank names reuse the last non-empty cached name for the
// same identity; duplicate identities keep the longer resolved name, then
// the active one. Resolved names are written back to the name table and the
// merged list replaces the cached window list.
func (s *Store) Merge(scope, session string, raw []model.Window) []model.Window {
	s.mu.Lock()
	defer s.mu.Unlock()

	byIdentity := make(map[string]model.Window, len(raw))
	order := make([]string, 0, len(raw))
	for _, w := range raw {
		key := BuildKey(scope, session, w.Index, w.ID)
		if strings.TrimSpace(w.Name) == "" {
			if cached, ok := s.names[key]; ok && cached != "" {
				w.Name = cached
			}
		}
		prev, seen := byIdentity[w.IdentityKey()]
		if !seen {
			byIdentity[w.IdentityKey()] = w
			order = append(order, w.IdentityKey())
			continue
		}
		byIdentity[w.IdentityKey()] = pickDuplicate(prev, w)
	}

	merged := make([]model.Window, 0, len(order))
	for _, identity := range order {
		w := byIdentity[identity]
		if name := strings.TrimSpace(w.Name); name != "" {
			s.names[BuildKey(scope, session, w.Index, w.ID)] = name
		}
		merged = append(merged, w)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Index < merged[j].Index })

	s.windows[scope+"/"+session] = merged
	return merged
}

// PruneSession drops name and pane entries for windows no longer present in
// current. Callers run it after a successful authoritative fetch; transient
// fetch failures leave the sticky names alone.
func (s *Store) PruneSession(scope, session string, current []model.Window) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names.Prune(scope, session, current)
	s.panes.Prune(scope, session, current)
}

// pickDuplicate is the tie-break for two raw rows collapsing to one
// identity, as the underlying multiplexer emits transiently: strictly
// longer resolved name wins; equal lengths prefer the active row.
func pickDuplicate(a, b model.Window) model.Window {
	if len(b.Name) > len(a.Name) {
		return b
	}
	if len(b.Name) == len(a.Name) && b.Active && !a.Active {
		return b
	}
	return a
}

// Windows returns the last merged window list for scope/session.
func (s *Store) Windows(scope, session string) ([]model.Window, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[scope+"/"+session]
	if !ok {
		return nil, false
	}
	out := make([]model.Window, len(w))
	copy(out, w)
	return out, true
}

// SetPane stores captured pane text for one window.
func (s *Store) SetPane(scope, session string, index int, id, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.panes[BuildKey(scope, session, index, id)] = text
}

// Pane returns the cached pane text for one window.
func (s *Store) Pane(scope, session string, index int, id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	text, ok := s.panes[BuildKey(scope, session, index, id)]
	return text, ok
}

// Name returns the cached display name for one window identity.
func (s *Store) Name(scope, session string, index int, id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name, ok := s.names[BuildKey(scope, session, index, id)]
	return name, ok
}

// SeedName preloads a persisted display name without touching pane state.
func (s *Store) SeedName(key, name string) {
	if strings.TrimSpace(name) == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names[key] = name
}

// NamesSnapshot copies the name table for persistence.
func (s *Store) NamesSnapshot() Table {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(Table, len(s.names))
	for k, v := range s.names {
		out[k] = v
	}
	return out
}

// ClearSession drops every cached entry for scope/session across all three
// tables.
func (s *Store) ClearSession(scope, session string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names.ClearSession(scope, session)
	s.panes.ClearSession(scope, session)
	delete(s.windows, scope+"/"+session)
}

// RenameSession carries all cached entries from oldName to newName within
// scope. No-op when the names are equal.
func (s *Store) RenameSession(scope, oldName, newName string) {
	if oldName == newName {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names.RenameSession(scope, oldName, newName)
	s.panes.RenameSession(scope, oldName, newName)
	if w, ok := s.windows[scope+"/"+oldName]; ok {
		s.windows[scope+"/"+newName] = w
		delete(s.windows, scope+"/"+oldName)
	}
}
