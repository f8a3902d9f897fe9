package model

import (
	"strconv"
	"strings"
)

// AuthKind selects how an SSH profile authenticates.
type AuthKind string

const (
	AuthAgent    AuthKind = "agent"
	AuthKey      AuthKind = "key"
	AuthPassword AuthKind = "password"
)

// Mode distinguishes the ambient connection mode of a client.
type Mode string

const (
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"
)

// Profile describes one remote tmux host. Password and KeyPassphrase are
// never written to disk; cache identity is {User, Host, Port} only.
type Profile struct {
	Host          string   `yaml:"host"`
	Port          int      `yaml:"port"`
	User          string   `yaml:"user"`
	Auth          AuthKind `yaml:"auth"`
	KeyPath       string   `yaml:"keyPath,omitempty"`
	KeyPassphrase string   `yaml:"-"`
	Password      string   `yaml:"-"`
}

// Clone returns an independent deep copy, credentials included.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

// EffectivePort applies the SSH default.
func (p *Profile) EffectivePort() int {
	if p == nil || p.Port <= 0 {
		return 22
	}
	return p.Port
}

// Session is a named top-level tmux container. The client never fabricates
// sessions; they exist only as reported by the Executor.
type Session struct {
	Name     string
	Windows  int
	Attached bool
}

// Window is a tab-like unit within a session. Index is unique at a point in
// time but may renumber when siblings are killed; ID, when present, is the
// durable identity.
type Window struct {
	Index  int
	ID     string
	Name   string
	Active bool
	Panes  int
}

// IdentityKey is the stable identity used for cache keying and merge
// grouping: the trimmed ID when non-empty, else the volatile index.
func (w Window) IdentityKey() string {
	if id := strings.TrimSpace(w.ID); id != "" {
		return "id:" + id
	}
	return "idx:" + strconv.Itoa(w.Index)
}

// Snapshot pairs a reconciled window list with the captured pane text of the
// resolved target window.
type Snapshot struct {
	Windows []Window
	Pane    string
}

