package main

import (
	"fmt"
	"strconv"

	"github.com/Veraticus/ledgerbot/internal/cli"
	"github.com/Veraticus/ledgerbot/internal/conversation"
	"github.com/Veraticus/ledgerbot/internal/ledger"
	"github.com/Veraticus/ledgerbot/internal/model"
	"github.com/Veraticus/ledgerbot/internal/service"
	"github.com/Veraticus/ledgerbot/internal/storage"
	"github.com/spf13/cobra"
)

// alertChatID is where the local chat shows administrator alerts.
const alertChatID = "admin"

func chatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the bot in the terminal",
		Long: `Run a conversation in the terminal instead of Telegram.

Messages go through the same engine and commands as the bot. With --dry-run
nothing is written to Firefly III; confirmed transactions are listed on exit.`,
		RunE: runChat,
	}

	cmd.Flags().Bool("dry-run", false, "Record confirmed transactions in memory instead of the ledger")
	cmd.Flags().StringSlice("accounts", []string{"Checking", "Savings", "Cash"}, "Asset accounts known to the dry-run ledger")
	cmd.Flags().Bool("memory", false, "Keep the session in memory instead of the database")
	cmd.Flags().String("chat-id", "local", "Chat id the session is stored under")

	return cmd
}

func runChat(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	accountNames, _ := cmd.Flags().GetStringSlice("accounts")
	memory, _ := cmd.Flags().GetBool("memory")
	chatID, _ := cmd.Flags().GetString("chat-id")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	extractor, err := newExtractor(ctx, cfg)
	if err != nil {
		return err
	}

	var books conversation.Ledger
	var dry *ledger.DryRun
	if dryRun {
		dry = ledger.NewDryRun(dryRunAccounts(accountNames))
		books = dry
	} else {
		client, err := newLedger(cfg)
		if err != nil {
			return fmt.Errorf("%w (use --dry-run to chat without a ledger)", err)
		}
		books = client
	}

	var store service.SessionStore
	if memory {
		store = storage.NewMemoryStore()
	} else {
		db, err := initStorage(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()
		store = db
	}

	out := cmd.OutOrStdout()
	dispatcher := buildBot(store, extractor, books, cli.NewTerminal(out, chatID), cfg, alertChatID)
	if err := cli.NewREPL(cmd.InOrStdin(), out, dispatcher, chatID).Run(ctx); err != nil {
		return err
	}

	if dry != nil {
		recorded := dry.Recorded()
		fmt.Fprintln(cmd.OutOrStdout(), cli.FormatInfo(fmt.Sprintf("Dry run: %d transaction(s) would have been recorded.", len(recorded))))
		for _, draft := range recorded {
			fmt.Fprintln(cmd.OutOrStdout(), cli.SubtleStyle.Render(draft.Summary()))
		}
	}
	return nil
}

func dryRunAccounts(names []string) []model.Account {
	accounts := make([]model.Account, 0, len(names))
	for i, name := range names {
		accounts = append(accounts, model.Account{
			ID:   strconv.Itoa(i + 1),
			Name: name,
			Type: "asset",
		})
	}
	return accounts
}
