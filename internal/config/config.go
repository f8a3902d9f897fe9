package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config carries the timing knobs shared by the executor, control client,
// and refresh scheduler. Local operations get tighter deadlines than remote
// ones so a dead SSH host degrades instead of hanging the UI.
type Config struct {
	DBPath string

	LocalCommandTimeout  time.Duration
	RemoteCommandTimeout time.Duration
	ConnectTimeout       time.Duration

	ControlReadyTimeout time.Duration
	ControlReadyPoll    time.Duration

	PaneDebounce       time.Duration
	FollowPollInterval time.Duration
	IdlePollInterval   time.Duration
	StatusClearDelay   time.Duration

	CaptureLines int
}

func DefaultConfig() Config {
	return Config{
		DBPath:               defaultDBPath(),
		LocalCommandTimeout:  3 * time.Second,
		RemoteCommandTimeout: 8 * time.Second,
		ConnectTimeout:       6 * time.Second,
		ControlReadyTimeout:  5 * time.Second,
		ControlReadyPoll:     50 * time.Millisecond,
		PaneDebounce:         150 * time.Millisecond,
		FollowPollInterval:   1 * time.Second,
		IdlePollInterval:     5 * time.Second,
		StatusClearDelay:     4 * time.Second,
		CaptureLines:         200,
	}
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "arcmux.db"
	}
	return filepath.Join(home, ".local", "state", "arcmux", "cache.db")
}
