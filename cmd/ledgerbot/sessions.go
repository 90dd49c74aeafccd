package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Veraticus/ledgerbot/internal/cli"
	"github.com/Veraticus/ledgerbot/internal/common"
	"github.com/Veraticus/ledgerbot/internal/model"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and clean up stored conversations",
	}

	cmd.AddCommand(sessionsListCmd())
	cmd.AddCommand(sessionsShowCmd())
	cmd.AddCommand(sessionsDeleteCmd())
	cmd.AddCommand(sessionsPurgeCmd())

	return cmd
}

func sessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := initStorage(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			sessions, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), cli.FormatInfo("No sessions stored."))
				return nil
			}

			rows := make([][]string, 0, len(sessions))
			for _, s := range sessions {
				rows = append(rows, []string{
					s.ChatID,
					string(s.State),
					s.LastActivity.Local().Format(time.DateTime),
					draftLine(s.Draft),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), cli.RenderTable([]string{"CHAT", "STATE", "LAST ACTIVITY", "DRAFT"}, rows))
			return nil
		},
	}
}

func sessionsShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <chat-id>",
		Short: "Print a stored session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := initStorage(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			session, err := store.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if session == nil {
				return fmt.Errorf("%w: session for chat %s", common.ErrNotFound, args[0])
			}

			data, err := encodeSession(session, output)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimRight(string(data), "\n"))
			return nil
		},
	}

	cmd.Flags().StringP("output", "o", "json", "Output format: json or yaml")

	return cmd
}

// encodeSession renders a session with its JSON field names in either format.
func encodeSession(session *model.Session, format string) ([]byte, error) {
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode session: %w", err)
	}

	switch format {
	case "json":
		return data, nil
	case "yaml":
		var doc map[string]any
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to encode session: %w", err)
		}
		out, err := yaml.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("failed to encode session as yaml: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown output format %q", format)
	}
}

func sessionsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <chat-id>",
		Short: "Delete a chat's session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := initStorage(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if err := store.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess("Deleted session for chat " + args[0]))
			return nil
		},
	}
}

func sessionsPurgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete sessions inactive for longer than a duration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			olderThan, _ := cmd.Flags().GetDuration("older-than")
			if olderThan <= 0 {
				olderThan = cfg.Server.Retention
			}

			store, err := initStorage(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			purged, err := store.PurgeBefore(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf("Purged %d session(s) inactive for more than %s", purged, olderThan)))
			return nil
		},
	}

	cmd.Flags().Duration("older-than", 0, "Inactivity cutoff (default server.retention)")

	return cmd
}

// draftLine is a one-line rendering of a draft for tables.
func draftLine(d model.DraftTransaction) string {
	var parts []string
	if d.Type != "" {
		parts = append(parts, string(d.Type))
	}
	if d.HasAmount() {
		amount := d.Amount.StringFixed(2)
		if d.Currency != "" {
			amount += " " + d.Currency
		}
		parts = append(parts, amount)
	}
	if !d.Account.IsZero() {
		parts = append(parts, d.Account.Name)
	}
	if d.Description != "" {
		parts = append(parts, fmt.Sprintf("%q", d.Description))
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, " ")
}
