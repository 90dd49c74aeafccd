package main

import (
	"fmt"

	"github.com/Veraticus/ledgerbot/internal/cli"
	"github.com/spf13/cobra"
)

func accountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Look up Firefly III accounts",
	}

	cmd.AddCommand(accountsListCmd())
	cmd.AddCommand(accountsResolveCmd())

	return cmd
}

func accountsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List ledger accounts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			accountType, _ := cmd.Flags().GetString("type")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			books, err := newLedger(cfg)
			if err != nil {
				return err
			}

			accounts, err := books.ListAccounts(cmd.Context(), accountType)
			if err != nil {
				return err
			}
			if len(accounts) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), cli.FormatInfo(fmt.Sprintf("No %s accounts found.", accountType)))
				return nil
			}

			rows := make([][]string, 0, len(accounts))
			for _, a := range accounts {
				rows = append(rows, []string{a.ID, a.Name, a.Type, a.Currency})
			}
			fmt.Fprintln(cmd.OutOrStdout(), cli.RenderTable([]string{"ID", "NAME", "TYPE", "CURRENCY"}, rows))
			return nil
		},
	}

	cmd.Flags().String("type", "asset", "Account type (asset, expense, revenue, all)")

	return cmd
}

func accountsResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <name>",
		Short: "Show which account a name resolves to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			books, err := newLedger(cfg)
			if err != nil {
				return err
			}

			account, err := books.ResolveAccount(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf("%q → %s (id %s)", args[0], account.Name, account.ID)))
			return nil
		},
	}
}
