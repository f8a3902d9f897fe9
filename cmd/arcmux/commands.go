package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/arcmux/arcmux/internal/executor"
)

func newSessionsCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List sessions in the current scope",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sessions, err := root.exec.ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tWINDOWS\tATTACHED")
			for _, s := range sessions {
				attached := ""
				if s.Attached {
					attached = "attached"
				}
				fmt.Fprintf(tw, "%s\t%d\t%s\n", s.Name, s.Windows, attached)
			}
			return tw.Flush()
		},
	}
}

func newWindowsCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "windows SESSION",
		Short: "List windows with reconciled names",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			session := args[0]
			windows, err := root.exec.ListWindows(cmd.Context(), session)
			if err != nil {
				return err
			}
			merged := root.cache.Merge(root.scopeKey, session, windows)
			root.cache.PruneSession(root.scopeKey, session, merged)
			if err := root.persist.SaveSession(cmd.Context(), root.scopeKey, session, merged); err != nil {
				root.logger.Warn("persist failed", "error", err)
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "INDEX\tID\tNAME\tACTIVE\tPANES")
			for _, w := range merged {
				active := ""
				if w.Active {
					active = "*"
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\n", w.Index, w.ID, w.Name, active, w.Panes)
			}
			return tw.Flush()
		},
	}
}

func newCaptureCmd(root *rootOptions) *cobra.Command {
	var index int
	var id string
	var lines int
	cmd := &cobra.Command{
		Use:   "capture SESSION",
		Short: "Print the visible text of one window's pane",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if lines <= 0 {
				lines = root.cfg.CaptureLines
			}
			text, err := root.exec.CapturePane(cmd.Context(), args[0], index, id, lines)
			if err != nil {
				return err
			}
			fmt.Print(text)
			return nil
		},
	}
	cmd.Flags().IntVarP(&index, "window", "w", 0, "window index")
	cmd.Flags().StringVar(&id, "window-id", "", "window id (preferred over index)")
	cmd.Flags().IntVar(&lines, "lines", 0, "history lines to include")
	return cmd
}

func newSendCmd(root *rootOptions) *cobra.Command {
	var index int
	var id string
	var enter bool
	cmd := &cobra.Command{
		Use:   "send SESSION TEXT",
		Short: "Type text into a window, literally",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			root.sched.SelectSession(args[0])
			return root.sched.SendKeys(cmd.Context(), index, id, args[1], enter)
		},
	}
	cmd.Flags().IntVarP(&index, "window", "w", 0, "window index")
	cmd.Flags().StringVar(&id, "window-id", "", "window id (preferred over index)")
	cmd.Flags().BoolVar(&enter, "enter", false, "press Enter after the text")
	return cmd
}

func newNewSessionCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "new-session NAME",
		Short: "Create a detached session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.sched.NewSession(cmd.Context(), args[0])
		},
	}
}

func newKillSessionCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "kill-session NAME",
		Short: "Destroy a session and its cached records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.sched.KillSession(cmd.Context(), args[0])
		},
	}
}

func newRenameSessionCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rename-session OLD NEW",
		Short: "Rename a session, keeping sticky window names",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.sched.RenameSession(cmd.Context(), args[0], args[1])
		},
	}
}

func newNewWindowCmd(root *rootOptions) *cobra.Command {
	var name string
	var runCmd string
	cmd := &cobra.Command{
		Use:   "new-window SESSION",
		Short: "Create a window in a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root.sched.SelectSession(args[0])
			return root.sched.NewWindow(cmd.Context(), name, runCmd)
		},
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "window name (disables automatic renaming)")
	cmd.Flags().StringVar(&runCmd, "command", "", "command to run in the window")
	return cmd
}

func newKillWindowCmd(root *rootOptions) *cobra.Command {
	var index int
	var id string
	cmd := &cobra.Command{
		Use:   "kill-window SESSION",
		Short: "Destroy a window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root.sched.SelectSession(args[0])
			return root.sched.KillWindow(cmd.Context(), index, id)
		},
	}
	cmd.Flags().IntVarP(&index, "window", "w", 0, "window index")
	cmd.Flags().StringVar(&id, "window-id", "", "window id (preferred over index)")
	return cmd
}

func newRenameWindowCmd(root *rootOptions) *cobra.Command {
	var index int
	var id string
	cmd := &cobra.Command{
		Use:   "rename-window SESSION NAME",
		Short: "Rename a window and pin the name",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			root.sched.SelectSession(args[0])
			return root.sched.RenameWindow(cmd.Context(), index, id, args[1])
		},
	}
	cmd.Flags().IntVarP(&index, "window", "w", 0, "window index")
	cmd.Flags().StringVar(&id, "window-id", "", "window id (preferred over index)")
	return cmd
}

func newPingCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check connectivity and tmux availability in the current scope",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if remote, ok := root.exec.(*executor.Remote); ok {
				out, err := remote.Ping(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Print(out)
				return nil
			}
			sessions, err := root.exec.ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("local tmux ok, %d session(s)\n", len(sessions))
			return nil
		},
	}
}
