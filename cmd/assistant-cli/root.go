package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
)

type globalOptions struct {
	server  string
	userID  string
	timeout time.Duration
}

func (o *globalOptions) client() *apiClient {
	return newAPIClient(o.server, o.timeout)
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:           "assistant-cli",
		Short:         "Command line client for the inbox assistant",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	server := os.Getenv("ASSISTANT_URL")
	if server == "" {
		server = "http://localhost:8001"
	}
	cmd.PersistentFlags().StringVar(&opts.server, "server", server, "assistant base URL (env ASSISTANT_URL)")
	cmd.PersistentFlags().StringVar(&opts.userID, "user", "", "user id; the server default is used when empty")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 3*time.Minute, "request timeout")

	cmd.AddCommand(
		newHealthCmd(opts),
		newChatCmd(opts),
		newProfileCmd(opts),
	)
	return cmd
}
