package main

import (
	"context"
	"fmt"
	"time"

	"github.com/Veraticus/ledgerbot/internal/certs"
	"github.com/Veraticus/ledgerbot/internal/common"
	"github.com/Veraticus/ledgerbot/internal/config"
	"github.com/Veraticus/ledgerbot/internal/conversation"
	"github.com/Veraticus/ledgerbot/internal/dispatch"
	"github.com/Veraticus/ledgerbot/internal/intent"
	"github.com/Veraticus/ledgerbot/internal/ledger"
	"github.com/Veraticus/ledgerbot/internal/service"
	"github.com/Veraticus/ledgerbot/internal/storage"
	"github.com/Veraticus/ledgerbot/internal/telegram"
	"github.com/spf13/viper"
)

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// initStorage opens the session database and brings its schema up to date.
func initStorage(ctx context.Context, cfg *config.Config) (*storage.SQLiteStorage, error) {
	store, err := storage.NewSQLiteStorage(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}

	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

func newLedger(cfg *config.Config) (*ledger.Client, error) {
	if err := cfg.RequireLedger(); err != nil {
		return nil, err
	}
	return ledger.NewClient(ledger.Config{
		BaseURL: cfg.Ledger.URL,
		Token:   cfg.Ledger.Token,
		Timeout: cfg.Ledger.Timeout,
	})
}

func newExtractor(ctx context.Context, cfg *config.Config) (*intent.Service, error) {
	return intent.New(ctx, intent.Config{
		Provider:  cfg.Intent.Provider,
		Token:     cfg.Intent.Token,
		Model:     cfg.Intent.Model,
		CacheTTL:  cfg.Intent.CacheTTL,
		RateLimit: cfg.Intent.RateLimit,
	})
}

func newTelegram(cfg *config.Config) (*telegram.Client, error) {
	if err := cfg.RequireTelegram(); err != nil {
		return nil, err
	}
	return telegram.NewClient(telegram.Config{
		Token:   cfg.Telegram.Token,
		BaseURL: cfg.Telegram.APIURL,
	})
}

// newCertificates returns nil when the webhook server is not configured for TLS.
func newCertificates(cfg *config.Config) *certs.FileManager {
	if cfg.Server.TLSDir == "" {
		return nil
	}
	return certs.NewFileManager(cfg.Server.TLSDir, cfg.Server.TLSHost)
}

func conversationConfig(cfg *config.Config) conversation.Config {
	return conversation.Config{
		DefaultCurrency:   cfg.Conversation.DefaultCurrency,
		IdleTimeout:       cfg.Conversation.IdleTimeout,
		MinConfidence:     cfg.Intent.MinConfidence,
		MaxRetries:        cfg.Conversation.MaxRetries,
		MaxCommitAttempts: cfg.Conversation.MaxCommitAttempts,
	}
}

// buildBot wires the engine and the dispatcher that replies through sender.
func buildBot(store service.SessionStore, extractor conversation.Extractor, books conversation.Ledger, sender service.Sender, cfg *config.Config, adminChatID string) *dispatch.Dispatcher {
	var opts []conversation.Option
	if cfg.Ledger.CatalogTTL > 0 {
		opts = append(opts, conversation.WithCatalogTTL(cfg.Ledger.CatalogTTL))
	}
	engine := conversation.NewEngine(store, extractor, books, conversationConfig(cfg), opts...)
	return dispatch.New(engine, sender, dispatch.Config{AdminChatID: adminChatID})
}

// runJanitor purges sessions idle for longer than retention until ctx ends.
func runJanitor(ctx context.Context, store service.SessionStore, retention, every time.Duration) error {
	if retention <= 0 {
		return nil
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		purged, err := store.PurgeBefore(ctx, time.Now().Add(-retention))
		switch {
		case err != nil && ctx.Err() == nil:
			common.LogError(err, "Session purge failed", common.Fields{"retention": retention.String()})
		case purged > 0:
			common.LogInfo("Purged stale sessions", common.Fields{"count": purged})
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
