// Command assistant runs the inbox assistant: the HTTP API, the optional
// Telegram front-end and the important-email poller.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"inbox-assistant/internal/agents"
	"inbox-assistant/internal/auth"
	"inbox-assistant/internal/config"
	"inbox-assistant/internal/drafts"
	"inbox-assistant/internal/followup"
	"inbox-assistant/internal/gmail"
	"inbox-assistant/internal/history"
	"inbox-assistant/internal/httpapi"
	"inbox-assistant/internal/inbox"
	"inbox-assistant/internal/interaction"
	"inbox-assistant/internal/llm"
	"inbox-assistant/internal/logging"
	"inbox-assistant/internal/memory"
	"inbox-assistant/internal/notify"
	"inbox-assistant/internal/poller"
	"inbox-assistant/internal/storage"
	"inbox-assistant/internal/telegram"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Setup("info", "console")
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("assistant stopped")
	}
	log.Info().Msg("assistant stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	db, err := storage.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	factory := llm.NewFactory(cfg)
	chatClient, err := factory.CreateClient(cfg.InteractionModel)
	if err != nil {
		return fmt.Errorf("interaction llm: %w", err)
	}
	execClient, err := factory.CreateToolClient(cfg.ExecutionModel)
	if err != nil {
		return fmt.Errorf("execution llm: %w", err)
	}
	summaryClient, err := factory.CreateClient(cfg.SummarizerModel)
	if err != nil {
		return fmt.Errorf("summarizer llm: %w", err)
	}
	classifierClient, err := factory.CreateClient(cfg.ClassifierModel)
	if err != nil {
		return fmt.Errorf("classifier llm: %w", err)
	}

	mailbox, closeMailbox, err := openMailbox(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeMailbox()
	mailboxes := inbox.NewStaticDirectory(nil)
	mailboxes.Attach(cfg.InboxUserID, mailbox)

	draftCache, err := openDraftCache(ctx, cfg)
	if err != nil {
		return err
	}

	runner := agents.NewRunner(
		agents.NewLLMWorker(execClient, cfg.WorkerMaxIterations),
		mailboxes, db.ExecutionLog(), cfg.WorkerTimeout,
	)
	summarizer := memory.NewSummarizer(
		db.Conversations(), db.Summaries(),
		memory.Policy{Threshold: cfg.SummaryThreshold, TailSize: cfg.SummaryTailSize},
		memory.LLMText(summaryClient),
	)
	defer summarizer.Wait()

	assistant := interaction.New(interaction.Deps{
		History:   history.NewManager(db.Conversations(), summarizer, cfg.SummaryTailSize),
		Memory:    summarizer,
		Profiles:  db.Profiles(),
		Drafts:    drafts.NewMachine(draftCache),
		Runner:    runner,
		FollowUps: followup.NewResolver(db.ExecutionLog(), db.Conversations()),
		Roster:    db.ExecutionLog(),
		Chat:      chatClient,
	})

	var bot *telegram.Bot
	if cfg.TelegramBotToken != "" {
		bot, err = telegram.New(cfg.TelegramBotToken, assistant, auth.New(cfg.InboxUserID, cfg.TelegramAllowed))
		if err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	bus := notify.NewBus()
	defer bus.Close()
	delivered, err := bus.Listen(gctx, func(ctx context.Context, n notify.Notification) error {
		if err := assistant.Notify(ctx, n.UserID, n.Text); err != nil {
			return err
		}
		if bot != nil {
			return bot.Deliver(ctx, n)
		}
		return nil
	})
	if err != nil {
		return err
	}
	g.Go(func() error {
		<-delivered
		return nil
	})

	importantMail := poller.New(mailboxes, db.Seen(cfg.SeenLimit), poller.NewLLMClassifier(classifierClient), bus, poller.Options{
		Interval: cfg.PollInterval,
		Lookback: cfg.PollLookback,
		Users: func(context.Context) ([]string, error) {
			return []string{cfg.InboxUserID}, nil
		},
	})
	if err := importantMail.Start(); err != nil {
		return err
	}
	defer importantMail.Stop()

	srv := httpapi.New(assistant, db, cfg.InboxUserID).NewHTTPServer(cfg.HTTPAddr, cfg.WorkerTimeout)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if bot != nil {
		g.Go(func() error { return bot.Start(gctx) })
	}

	return g.Wait()
}

func openMailbox(ctx context.Context, cfg *config.Config) (inbox.Provider, func(), error) {
	noop := func() {}
	switch cfg.InboxBackend {
	case config.InboxSandbox:
		log.Warn().Msg("using the in-process sandbox mailbox, no real email is read or sent")
		return inbox.NewSandbox(), noop, nil
	case config.InboxMCP:
		client := gmail.NewMCPClient()
		if err := client.Connect(ctx, cfg.GmailMCPServerPath); err != nil {
			return nil, noop, err
		}
		return client, func() { _ = client.Close() }, nil
	default:
		credentials, err := gmail.LoadCredentials(cfg.GmailCredentialsJSON, cfg.GmailCredentialsPath)
		if err != nil {
			return nil, noop, err
		}
		svc, err := gmail.Connect(ctx, credentials, cfg.GmailRefreshToken, "")
		if err != nil {
			return nil, noop, err
		}
		return svc, noop, nil
	}
}

func openDraftCache(ctx context.Context, cfg *config.Config) (drafts.Cache, error) {
	if cfg.DraftCache != config.DraftCacheRedis {
		return drafts.NewMemoryCache(), nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
	}
	log.Info().Str("addr", cfg.RedisAddr).Msg("draft cache backed by redis")
	return drafts.NewRedisCache(rdb, cfg.RedisDraftTTL), nil
}
