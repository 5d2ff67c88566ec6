package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newChatCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the assistant and manage the conversation",
	}
	cmd.AddCommand(newChatSendCmd(opts), newChatHistoryCmd(opts), newChatClearCmd(opts))
	return cmd
}

func newChatSendCmd(opts *globalOptions) *cobra.Command {
	var separate bool
	cmd := &cobra.Command{
		Use:   "send <message...>",
		Short: "Send a message and print the reply",
		Long:  "Send a message and print the reply.\nWith --separate every argument is sent as its own message in one turn.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			messages := []string{strings.Join(args, " ")}
			if separate {
				messages = args
			}
			res, err := opts.client().Send(cmd.Context(), opts.userID, messages)
			if err != nil {
				return fmt.Errorf("send: %w", err)
			}
			if res.Status == "wait" {
				fmt.Fprintln(cmd.OutOrStdout(), "(an identical message is still being answered)")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Reply)
			return nil
		},
	}
	cmd.Flags().BoolVar(&separate, "separate", false, "send each argument as a separate message")
	return cmd
}

func newChatHistoryCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "Print the conversation, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := opts.client().History(cmd.Context(), opts.userID)
			if err != nil {
				return fmt.Errorf("history: %w", err)
			}
			if len(res.Messages) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "(no messages)")
				return nil
			}
			for _, m := range res.Messages {
				fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s\n", m.Role, m.Content)
			}
			return nil
		},
	}
}

func newChatClearCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Clear the conversation and working memory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.client().Clear(cmd.Context(), opts.userID); err != nil {
				return fmt.Errorf("clear: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "History cleared.")
			return nil
		},
	}
}
