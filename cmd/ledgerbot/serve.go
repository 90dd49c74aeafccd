package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Veraticus/ledgerbot/internal/server"
	"github.com/Veraticus/ledgerbot/internal/telegram"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bot",
		Long: `Run the bot against Telegram.

By default the bot serves the webhook endpoint (POST /hook) and, when
telegram.webhook_url is configured, registers it with Telegram on startup.
With --poll it removes any webhook and long-polls for updates instead.`,
		RunE: runServe,
	}

	cmd.Flags().Bool("poll", false, "Long-poll for updates instead of serving a webhook")
	cmd.Flags().String("addr", "", "Listen address (default :$PORT or :80)")
	cmd.Flags().String("webhook-url", "", "Public https URL of the /hook endpoint to register")
	cmd.Flags().Int("workers", 4, "Chats processed in parallel in poll mode")

	_ = viper.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("telegram.webhook_url", cmd.Flags().Lookup("webhook-url"))

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	poll, _ := cmd.Flags().GetBool("poll")
	workers, _ := cmd.Flags().GetInt("workers")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	bot, err := newTelegram(cfg)
	if err != nil {
		return err
	}
	books, err := newLedger(cfg)
	if err != nil {
		return err
	}
	extractor, err := newExtractor(ctx, cfg)
	if err != nil {
		return err
	}
	store, err := initStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if cfg.Telegram.AdminChatID == "" {
		slog.Warn("No administrator chat configured; alerts will only be logged")
	}
	dispatcher := buildBot(store, extractor, books, bot, cfg, cfg.Telegram.AdminChatID)

	mode := "webhook"
	if poll {
		mode = "poll"
		if err := bot.DeleteWebhook(ctx, false); err != nil {
			return fmt.Errorf("failed to remove webhook before polling: %w", err)
		}
	}
	slog.Info("Starting ledgerbot",
		"version", version,
		"mode", mode,
		"intent_provider", extractor.Name(),
		"database", store.Path())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runJanitor(gctx, store, cfg.Server.Retention, time.Hour)
	})

	if poll {
		poller := telegram.NewPoller(bot, dispatcher, telegram.PollerConfig{Workers: workers})
		g.Go(func() error {
			return poller.Run(gctx)
		})
		return g.Wait()
	}

	srvCfg := server.Config{
		Addr:          cfg.Server.Addr,
		Version:       version,
		WebhookSecret: cfg.Telegram.WebhookSecret,
		RateLimit:     cfg.Server.RateLimit,
	}
	var certificates pemSource
	if manager := newCertificates(cfg); manager != nil {
		srvCfg.Certificates = manager
		certificates = manager
	}
	srv := server.New(dispatcher, srvCfg)
	g.Go(func() error {
		return srv.Run(gctx)
	})

	if cfg.Telegram.WebhookURL != "" {
		g.Go(func() error {
			return registerWebhook(gctx, bot, cfg.Telegram.WebhookURL, cfg.Telegram.WebhookSecret, certificates)
		})
	}

	return g.Wait()
}

type pemSource interface {
	PEM() ([]byte, error)
}

// registerWebhook points Telegram at url, uploading the self-signed
// certificate when the server issues its own.
func registerWebhook(ctx context.Context, bot *telegram.Client, url, secret string, certificates pemSource) error {
	var certificate []byte
	if certificates != nil {
		data, err := certificates.PEM()
		if err != nil {
			return fmt.Errorf("failed to read webhook certificate: %w", err)
		}
		certificate = data
	}

	if err := bot.SetWebhook(ctx, url, secret, certificate); err != nil {
		return fmt.Errorf("failed to register webhook: %w", err)
	}
	slog.Info("Webhook registered", "url", url, "self_signed", certificate != nil)
	return nil
}
