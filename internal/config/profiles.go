package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/arcmux/arcmux/internal/model"
)

// Profiles models the on-disk profile file. Credentials (password, key
// passphrase) are deliberately not part of the schema.
type Profiles struct {
	CurrentProfile string                    `yaml:"currentProfile"`
	Profiles       map[string]*model.Profile `yaml:"profiles"`
}

// ErrProfileNotFound indicates the requested profile is missing.
var ErrProfileNotFound = errors.New("profile not found")

// DefaultProfilesPath returns the standard profile file location.
func DefaultProfilesPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".arcmux.yaml"
	}
	return filepath.Join(home, ".config", "arcmux", "profiles.yaml")
}

// LoadProfiles decodes the profile file. Missing files return (nil, nil).
func LoadProfiles(path string) (*Profiles, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	expanded, err := expandPath(trimmed)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var p Profiles
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profiles: %w", err)
	}
	return &p, nil
}

// Save writes the profile file, creating parent directories if needed.
func (p *Profiles) Save(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("profiles path is required")
	}
	expanded, err := expandPath(path)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("profiles is nil")
	}
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal profiles: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return err
	}
	return os.WriteFile(expanded, data, 0o600)
}

// Resolve picks a profile either by explicit name or the currentProfile
// value. An empty resolution means "local".
func (p *Profiles) Resolve(name string) (*model.Profile, string, error) {
	if p == nil {
		return nil, "", nil
	}
	want := strings.TrimSpace(name)
	if want == "" {
		want = p.CurrentProfile
	}
	if want == "" {
		return nil, "", nil
	}
	prof, ok := p.Profiles[want]
	if !ok || prof == nil {
		return nil, "", fmt.Errorf("%w: %s", ErrProfileNotFound, want)
	}
	return prof.Clone(), want, nil
}

func expandPath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}
