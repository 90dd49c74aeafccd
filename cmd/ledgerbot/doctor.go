package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Veraticus/ledgerbot/internal/cli"
	"github.com/Veraticus/ledgerbot/internal/config"
	"github.com/spf13/cobra"
)

var errChecksFailed = errors.New("some checks failed")

type check struct {
	run  func(ctx context.Context, cfg *config.Config) (string, error)
	name string
}

func doctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and connectivity",
		Long: `Verify that the session database, Firefly III, Telegram and the
intent provider are reachable with the current configuration.`,
		RunE: runDoctor,
	}

	cmd.Flags().Duration("timeout", 15*time.Second, "Timeout for each check")

	return cmd
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	timeout, _ := cmd.Flags().GetDuration("timeout")

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(cmd.OutOrStdout(), cli.FormatError("configuration: " + err.Error()))
		return errChecksFailed
	}
	fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess("configuration: loaded"))

	checks := []check{
		{name: "database", run: checkDatabase},
		{name: "ledger", run: checkLedger},
		{name: "telegram", run: checkTelegram},
		{name: "webhook", run: checkWebhook},
		{name: "intent", run: checkIntent},
	}

	failed := 0
	for _, c := range checks {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		detail, err := c.run(ctx, cfg)
		cancel()

		if err != nil {
			failed++
			fmt.Fprintln(cmd.OutOrStdout(), cli.FormatError(c.name + ": " + err.Error()))
			continue
		}
		fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(c.name + ": " + detail))
	}

	if failed > 0 {
		return fmt.Errorf("%w: %d of %d", errChecksFailed, failed, len(checks))
	}
	return nil
}

func checkDatabase(ctx context.Context, cfg *config.Config) (string, error) {
	store, err := initStorage(ctx, cfg)
	if err != nil {
		return "", err
	}
	defer func() { _ = store.Close() }()

	if err := store.Ping(ctx); err != nil {
		return "", err
	}
	version, err := store.SchemaVersion(ctx)
	if err != nil {
		return "", err
	}
	sessions, err := store.List(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s (schema v%d, %d sessions)", store.Path(), version, len(sessions)), nil
}

func checkLedger(ctx context.Context, cfg *config.Config) (string, error) {
	books, err := newLedger(cfg)
	if err != nil {
		return "", err
	}
	about, err := books.Ping(ctx)
	if err != nil {
		return "", err
	}
	accounts, err := books.ListAccounts(ctx, "asset")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Firefly III %s (API %s), %d asset accounts", about.Version, about.APIVersion, len(accounts)), nil
}

func checkTelegram(ctx context.Context, cfg *config.Config) (string, error) {
	bot, err := newTelegram(cfg)
	if err != nil {
		return "", err
	}
	me, err := bot.GetMe(ctx)
	if err != nil {
		return "", err
	}
	detail := "@" + me.Username
	if cfg.Telegram.AdminChatID == "" {
		detail += ", no administrator chat (alerts are only logged)"
	}
	return detail, nil
}

func checkWebhook(ctx context.Context, cfg *config.Config) (string, error) {
	bot, err := newTelegram(cfg)
	if err != nil {
		return "", err
	}
	info, err := bot.GetWebhookInfo(ctx)
	if err != nil {
		return "", err
	}
	if info.URL == "" {
		return "not set (poll mode)", nil
	}
	if info.LastErrorMessage != "" {
		return "", fmt.Errorf("%s reports %q (%d pending)", info.URL, info.LastErrorMessage, info.PendingUpdateCount)
	}
	return fmt.Sprintf("%s (%d pending)", info.URL, info.PendingUpdateCount), nil
}

func checkIntent(ctx context.Context, cfg *config.Config) (string, error) {
	extractor, err := newExtractor(ctx, cfg)
	if err != nil {
		return "", err
	}
	return extractor.Name(), nil
}
