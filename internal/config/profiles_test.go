package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/arcmux/arcmux/internal/model"
)

func TestLoadProfilesMissingFile(t *testing.T) {
	p, err := LoadProfiles(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing file must not error: %v", err)
	}
	if p != nil {
		t.Fatalf("expected nil profiles for missing file, got %+v", p)
	}
}

func TestProfilesSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	src := &Profiles{
		CurrentProfile: "dev",
		Profiles: map[string]*model.Profile{
			"dev": {Host: "dev.example", Port: 2222, User: "bob", Auth: model.AuthKey, KeyPath: "~/.ssh/id_ed25519"},
		},
	}
	if err := src.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := LoadProfiles(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.CurrentProfile != "dev" {
		t.Fatalf("current profile lost: %+v", loaded)
	}
	got := loaded.Profiles["dev"]
	if got == nil || got.Host != "dev.example" || got.Port != 2222 || got.Auth != model.AuthKey {
		t.Fatalf("profile fields lost: %+v", got)
	}
}

func TestSaveNeverPersistsCredentials(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	src := &Profiles{
		Profiles: map[string]*model.Profile{
			"dev": {Host: "dev", User: "bob", Auth: model.AuthPassword, Password: "hunter2", KeyPassphrase: "sekrit"},
		},
	}
	if err := src.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if strings.Contains(string(raw), "hunter2") || strings.Contains(string(raw), "sekrit") {
		t.Fatalf("credentials leaked to disk:\n%s", raw)
	}
}

func TestSaveSetsRestrictivePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	p := &Profiles{Profiles: map[string]*model.Profile{}}
	if err := p.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected 0600 permissions, got %o", perm)
	}
}

func TestResolve(t *testing.T) {
	p := &Profiles{
		CurrentProfile: "dev",
		Profiles: map[string]*model.Profile{
			"dev":  {Host: "dev"},
			"prod": {Host: "prod"},
		},
	}

	got, name, err := p.Resolve("")
	if err != nil || name != "dev" || got.Host != "dev" {
		t.Fatalf("current profile resolution failed: %v %q %+v", err, name, got)
	}

	got, name, err = p.Resolve("prod")
	if err != nil || name != "prod" || got.Host != "prod" {
		t.Fatalf("explicit resolution failed: %v %q %+v", err, name, got)
	}

	if _, _, err = p.Resolve("missing"); !errors.Is(err, ErrProfileNotFound) {
		t.Fatalf("expected ErrProfileNotFound, got %v", err)
	}
}

func TestResolveReturnsClone(t *testing.T) {
	p := &Profiles{
		Profiles: map[string]*model.Profile{"dev": {Host: "dev"}},
	}
	got, _, err := p.Resolve("dev")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	got.Host = "mutated"
	if p.Profiles["dev"].Host != "dev" {
		t.Fatalf("resolve leaked the stored profile")
	}
}

func TestResolveNilAndEmptyMeanLocal(t *testing.T) {
	var p *Profiles
	got, name, err := p.Resolve("anything")
	if err != nil || got != nil || name != "" {
		t.Fatalf("nil profiles must resolve to local: %v %q %+v", err, name, got)
	}

	p = &Profiles{Profiles: map[string]*model.Profile{"dev": {Host: "dev"}}}
	got, _, err = p.Resolve("")
	if err != nil || got != nil {
		t.Fatalf("no current profile must resolve to local: %v %+v", err, got)
	}
}

func TestDefaultConfigTimeouts(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.LocalCommandTimeout <= 0 || cfg.RemoteCommandTimeout <= cfg.LocalCommandTimeout {
		t.Fatalf("remote timeout should exceed local: %+v", cfg)
	}
	if cfg.PaneDebounce <= 0 || cfg.FollowPollInterval <= 0 || cfg.IdlePollInterval <= cfg.FollowPollInterval {
		t.Fatalf("poll intervals out of order: %+v", cfg)
	}
	if cfg.StatusClearDelay <= 0 {
		t.Fatalf("status clear delay must default positive: %+v", cfg)
	}
	if cfg.CaptureLines <= 0 {
		t.Fatalf("capture lines must default positive: %+v", cfg)
	}
}
