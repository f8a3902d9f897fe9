package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/arcmux/arcmux/internal/refresh"
)

// watch follows one session: it brings up a control channel when it can,
// falls back to polling when it cannot, and reprints the view on every
// reconciled update.
func newWatchCmd(root *rootOptions) *cobra.Command {
	var index int
	var id string
	var pickWindow bool
	cmd := &cobra.Command{
		Use:   "watch SESSION",
		Short: "Follow a session live, printing pane output as it changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			session := args[0]

			root.sched.SelectSession(session)
			if pickWindow {
				root.sched.SelectWindow(index, id)
			}
			root.sched.SetFollow(true)

			root.sched.SetStatusFunc(func(msg string) {
				if msg != "" {
					fmt.Fprintln(os.Stderr, "["+msg+"]")
				}
			})
			root.sched.SetUpdateFunc(func(u refresh.Update) {
				if !u.HasTarget {
					return
				}
				var b strings.Builder
				fmt.Fprintf(&b, "== %s:%d %s ==\n", u.Session, u.Target.Index, u.Target.Name)
				b.WriteString(u.Pane)
				if !strings.HasSuffix(u.Pane, "\n") {
					b.WriteByte('\n')
				}
				os.Stdout.WriteString(b.String())
			})

			if _, err := root.sched.Controls().EnsureReady(ctx, root.exec, session); err != nil {
				root.logger.Warn("control channel unavailable, polling", "error", err)
			}

			root.sched.Run(ctx)
			return nil
		},
	}
	cmd.Flags().IntVarP(&index, "window", "w", 0, "window index to follow")
	cmd.Flags().StringVar(&id, "window-id", "", "window id to follow")
	cmd.Flags().BoolVar(&pickWindow, "pin", false, "pin the given window instead of following the active one")
	return cmd
}
