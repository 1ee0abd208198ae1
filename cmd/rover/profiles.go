package main

import (
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"rtk-rover/internal/profile"
)

func newProfilesCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "Inspect and edit stored NTRIP profiles",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List stored profiles; the selected one is marked with *",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(opts, func(s *profile.Store) error {
				printProfiles(cmd.OutOrStdout(), s)
				return nil
			})
		},
	}

	sel := &cobra.Command{
		Use:   "select <token>",
		Short: "Select the profile whose display token matches",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(opts, func(s *profile.Store) error {
				if !s.Select(args[0]) {
					return fmt.Errorf("no profile matches %q", args[0])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "selected: %s\n", args[0])
				return nil
			})
		},
	}

	remove := &cobra.Command{
		Use:   "remove <token>",
		Short: "Remove the profile whose display token matches",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(opts, func(s *profile.Store) error {
				p, ok := s.Find(args[0])
				if !ok {
					return fmt.Errorf("no profile matches %q", args[0])
				}
				if _, err := s.Remove(p); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed: %s\n", args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(list, sel, remove)
	return cmd
}

// withStore opens the configured backend synchronously, loads the store and
// runs fn against it.
func withStore(opts *rootOptions, fn func(*profile.Store) error) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	cfg.Profiles.Async = false
	nop := zerolog.Nop()
	backend, closeBackend, err := openBackend(cfg.Profiles, &nop)
	if err != nil {
		return err
	}
	defer closeBackend()

	s := profile.NewStore(backend, cfg.Profiles.Key, &nop)
	s.Load()
	return fn(s)
}

func printProfiles(w io.Writer, s *profile.Store) {
	list := s.Profiles()
	if len(list) == 0 {
		fmt.Fprintln(w, "no profiles")
		return
	}
	sel, hasSel := s.Selected()
	for _, p := range list {
		mark := " "
		if hasSel && sel.Same(p) {
			mark = "*"
		}
		fmt.Fprintf(w, "%s %s\n", mark, p.String())
	}
}
