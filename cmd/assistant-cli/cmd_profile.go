package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newProfileCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage the user profile",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "set <name...>",
		Short: "Set the name used to sign drafts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.Join(args, " ")
			if err := opts.client().SetName(cmd.Context(), opts.userID, name); err != nil {
				return fmt.Errorf("profile set: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Name set to %s\n", name)
			return nil
		},
	})
	return cmd
}

func newHealthCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the assistant is up",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			status, err := opts.client().Health(cmd.Context())
			if err != nil {
				return fmt.Errorf("health: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), status)
			return nil
		},
	}
}
