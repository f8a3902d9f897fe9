package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/arcmux/arcmux/internal/cache"
	"github.com/arcmux/arcmux/internal/config"
	"github.com/arcmux/arcmux/internal/executor"
	"github.com/arcmux/arcmux/internal/model"
	"github.com/arcmux/arcmux/internal/refresh"
	"github.com/arcmux/arcmux/internal/scope"
	"github.com/arcmux/arcmux/internal/store"
)

type rootOptions struct {
	profilesPath string
	profileName  string
	host         string
	user         string
	port         int
	auth         string
	keyPath      string
	verbose      bool

	cfg      config.Config
	logger   *slog.Logger
	profile  *model.Profile
	exec     executor.Executor
	scopeKey string
	cache    *cache.Store
	persist  *store.Store
	sched    *refresh.Scheduler
}

// prepare resolves the effective profile, builds the matching executor and
// wires cache, persistence and scheduler together.
func (r *rootOptions) prepare(ctx context.Context) error {
	level := slog.LevelWarn
	if r.verbose {
		level = slog.LevelDebug
	}
	r.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	r.cfg = config.DefaultConfig()

	profile, err := r.resolveProfile()
	if err != nil {
		return err
	}
	r.profile = profile

	r.cache = cache.NewStore()
	r.persist, err = store.Open(ctx, r.cfg.DBPath)
	if err != nil {
		return err
	}
	if err := store.ApplyMigrations(ctx, r.persist.DB()); err != nil {
		return err
	}
	if err := r.persist.Seed(ctx, r.cache); err != nil {
		r.logger.Warn("seed from store failed", "error", err)
	}

	if scope.IsRemoteLike(profile) {
		if profile.Auth == model.AuthPassword && profile.Password == "" {
			pw, perr := promptPassword(fmt.Sprintf("%s@%s password: ", profile.User, profile.Host))
			if perr != nil {
				return perr
			}
			profile.Password = pw
		}
		r.exec = executor.NewRemote(r.cfg, *profile, r.logger)
		r.scopeKey = scope.Key(profile)
	} else {
		r.exec = executor.NewLocal(r.cfg, r.logger)
		r.scopeKey = scope.LocalKey
	}

	r.sched = refresh.New(r.cfg, r.logger, r.cache, r.persist)
	r.sched.UseExecutor(r.exec)
	return nil
}

// resolveProfile layers explicit flags over the profile named on the command
// line over the config file's current profile.
func (r *rootOptions) resolveProfile() (*model.Profile, error) {
	profiles, err := config.LoadProfiles(r.profilesPath)
	if err != nil {
		return nil, err
	}
	var ambient *model.Profile
	if profiles != nil {
		ambient, _, err = profiles.Resolve(r.profileName)
		if err != nil {
			return nil, err
		}
	} else if r.profileName != "" {
		return nil, fmt.Errorf("profile %q: no profiles file at %s", r.profileName, r.profilesPath)
	}

	var override *model.Profile
	if r.host != "" {
		override = &model.Profile{
			Host:    r.host,
			Port:    r.port,
			User:    r.user,
			Auth:    model.AuthKind(r.auth),
			KeyPath: r.keyPath,
		}
		if override.User == "" {
			override.User = os.Getenv("USER")
		}
		if override.Auth == "" {
			override.Auth = model.AuthAgent
		}
	}

	mode := model.ModeLocal
	if r.host != "" || ambient != nil {
		mode = model.ModeRemote
	}
	return scope.Effective(mode, override, ambient), nil
}

func (r *rootOptions) close() {
	if r.sched != nil {
		r.sched.Controls().StopAll()
	}
	if r.exec != nil {
		_ = r.exec.Close()
	}
	if r.persist != nil {
		_ = r.persist.Close()
	}
}

func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

func main() {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "arcmux",
		Short:         "Synchronize and drive tmux sessions, local or over SSH",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.profilesPath, "profiles", config.DefaultProfilesPath(), "path to the connection profiles file")
	rootCmd.PersistentFlags().StringVar(&opts.profileName, "profile", "", "named connection profile to use")
	rootCmd.PersistentFlags().StringVar(&opts.host, "host", "", "remote host (overrides profile)")
	rootCmd.PersistentFlags().StringVar(&opts.user, "user", "", "remote user (overrides profile)")
	rootCmd.PersistentFlags().IntVar(&opts.port, "port", 0, "remote SSH port (0 means 22)")
	rootCmd.PersistentFlags().StringVar(&opts.auth, "auth", "", "auth method: agent, key or password")
	rootCmd.PersistentFlags().StringVar(&opts.keyPath, "key", "", "private key path for key auth")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		// Profile management only edits the profiles file; it must not
		// open connections or prompt for credentials.
		for c := cmd; c != nil; c = c.Parent() {
			if c.Name() == "profile" {
				return nil
			}
		}
		return opts.prepare(cmd.Context())
	}
	rootCmd.PersistentPostRun = func(*cobra.Command, []string) {
		opts.close()
	}

	rootCmd.AddCommand(newSessionsCmd(opts))
	rootCmd.AddCommand(newWindowsCmd(opts))
	rootCmd.AddCommand(newCaptureCmd(opts))
	rootCmd.AddCommand(newSendCmd(opts))
	rootCmd.AddCommand(newNewSessionCmd(opts))
	rootCmd.AddCommand(newKillSessionCmd(opts))
	rootCmd.AddCommand(newRenameSessionCmd(opts))
	rootCmd.AddCommand(newNewWindowCmd(opts))
	rootCmd.AddCommand(newKillWindowCmd(opts))
	rootCmd.AddCommand(newRenameWindowCmd(opts))
	rootCmd.AddCommand(newPingCmd(opts))
	rootCmd.AddCommand(newWatchCmd(opts))
	rootCmd.AddCommand(newProfileCmd(opts))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "arcmux:", err)
		os.Exit(1)
	}
}
