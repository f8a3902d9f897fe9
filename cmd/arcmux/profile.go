package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/arcmux/arcmux/internal/config"
	"github.com/arcmux/arcmux/internal/model"
)

func newProfileCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage connection profiles",
	}
	cmd.AddCommand(newProfileListCmd(root))
	cmd.AddCommand(newProfileSetCmd(root))
	cmd.AddCommand(newProfileUseCmd(root))
	cmd.AddCommand(newProfileRemoveCmd(root))
	return cmd
}

func loadOrEmpty(path string) (*config.Profiles, error) {
	profiles, err := config.LoadProfiles(path)
	if err != nil {
		return nil, err
	}
	if profiles == nil {
		profiles = &config.Profiles{Profiles: map[string]*model.Profile{}}
	}
	if profiles.Profiles == nil {
		profiles.Profiles = map[string]*model.Profile{}
	}
	return profiles, nil
}

func newProfileListCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saved profiles",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			profiles, err := loadOrEmpty(root.profilesPath)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tUSER\tHOST\tPORT\tAUTH\tCURRENT")
			for name, p := range profiles.Profiles {
				current := ""
				if name == profiles.CurrentProfile {
					current = "*"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", name, p.User, p.Host, p.EffectivePort(), p.Auth, current)
			}
			return tw.Flush()
		},
	}
}

func newProfileSetCmd(root *rootOptions) *cobra.Command {
	var host, user, auth, keyPath string
	var port int
	cmd := &cobra.Command{
		Use:   "set NAME",
		Short: "Create or update a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if host == "" {
				return fmt.Errorf("--host is required")
			}
			kind := model.AuthKind(auth)
			switch kind {
			case model.AuthAgent, model.AuthKey, model.AuthPassword:
			default:
				return fmt.Errorf("unknown auth method %q", auth)
			}
			profiles, err := loadOrEmpty(root.profilesPath)
			if err != nil {
				return err
			}
			profiles.Profiles[args[0]] = &model.Profile{
				Host:    host,
				Port:    port,
				User:    user,
				Auth:    kind,
				KeyPath: keyPath,
			}
			if profiles.CurrentProfile == "" {
				profiles.CurrentProfile = args[0]
			}
			return profiles.Save(root.profilesPath)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "remote host")
	cmd.Flags().StringVar(&user, "user", os.Getenv("USER"), "remote user")
	cmd.Flags().IntVar(&port, "port", 0, "SSH port (0 means 22)")
	cmd.Flags().StringVar(&auth, "auth", string(model.AuthAgent), "auth method: agent, key or password")
	cmd.Flags().StringVar(&keyPath, "key", "", "private key path for key auth")
	return cmd
}

func newProfileUseCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "use NAME",
		Short: "Make a profile the default",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			profiles, err := loadOrEmpty(root.profilesPath)
			if err != nil {
				return err
			}
			if _, ok := profiles.Profiles[args[0]]; !ok {
				return fmt.Errorf("%w: %s", config.ErrProfileNotFound, args[0])
			}
			profiles.CurrentProfile = args[0]
			return profiles.Save(root.profilesPath)
		},
	}
}

func newProfileRemoveCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove NAME",
		Short: "Delete a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			profiles, err := loadOrEmpty(root.profilesPath)
			if err != nil {
				return err
			}
			delete(profiles.Profiles, args[0])
			if profiles.CurrentProfile == args[0] {
				profiles.CurrentProfile = ""
			}
			return profiles.Save(root.profilesPath)
		},
	}
}
