// Command gmail-mcp-server exposes the Gmail mailbox as MCP tools over
// stdin/stdout. The assistant starts it when INBOX_BACKEND=mcp.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog/log"

	"inbox-assistant/internal/config"
	"inbox-assistant/internal/gmail"
	"inbox-assistant/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// stdout carries the protocol; logs go to stderr
		logging.Setup("info", "json")
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	logging.Setup(cfg.LogLevel, "json")

	credentials, err := gmail.LoadCredentials(cfg.GmailCredentialsJSON, cfg.GmailCredentialsPath)
	if err != nil {
		log.Fatal().Err(err).Msg("gmail credentials missing")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := gmail.Connect(ctx, credentials, cfg.GmailRefreshToken, "")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to gmail")
	}

	server := gmail.NewMCPServer(svc)
	log.Info().Msg("gmail mcp server running on stdin/stdout")
	if err := server.Run(ctx, mcp.NewStdioTransport()); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("gmail mcp server failed")
	}
}
