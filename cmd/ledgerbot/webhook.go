package main

import (
	"fmt"
	"os"
	"time"

	"github.com/Veraticus/ledgerbot/internal/cli"
	"github.com/Veraticus/ledgerbot/internal/config"
	"github.com/spf13/cobra"
)

func webhookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhook",
		Short: "Manage the Telegram webhook registration",
	}

	cmd.AddCommand(webhookSetCmd())
	cmd.AddCommand(webhookDeleteCmd())
	cmd.AddCommand(webhookInfoCmd())

	return cmd
}

func webhookSetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set [url]",
		Short: "Register the webhook URL with Telegram",
		Long: `Register the public https URL of the /hook endpoint with Telegram.

The URL defaults to telegram.webhook_url and the secret to
telegram.webhook_secret. When the server issues its own certificate
(server.tls_dir), that certificate is uploaded so Telegram trusts it.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			certFile, _ := cmd.Flags().GetString("certificate")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			url := cfg.Telegram.WebhookURL
			if len(args) == 1 {
				url = args[0]
			}
			if url == "" {
				return fmt.Errorf("no webhook URL given and telegram.webhook_url is not set")
			}

			bot, err := newTelegram(cfg)
			if err != nil {
				return err
			}

			var certificates pemSource
			switch {
			case certFile != "":
				certificates = fileCertificate(config.ExpandPath(certFile))
			default:
				if manager := newCertificates(cfg); manager != nil {
					certificates = manager
				}
			}

			if err := registerWebhook(cmd.Context(), bot, url, cfg.Telegram.WebhookSecret, certificates); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess("Webhook set to " + url))
			return nil
		},
	}

	cmd.Flags().String("certificate", "", "PEM certificate to upload for a self-signed endpoint")

	return cmd
}

func webhookDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Remove the webhook so the bot can poll",
		RunE: func(cmd *cobra.Command, _ []string) error {
			dropPending, _ := cmd.Flags().GetBool("drop-pending")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			bot, err := newTelegram(cfg)
			if err != nil {
				return err
			}

			if err := bot.DeleteWebhook(cmd.Context(), dropPending); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess("Webhook removed"))
			return nil
		},
	}

	cmd.Flags().Bool("drop-pending", false, "Discard updates Telegram has queued")

	return cmd
}

func webhookInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show the current webhook registration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			bot, err := newTelegram(cfg)
			if err != nil {
				return err
			}

			info, err := bot.GetWebhookInfo(cmd.Context())
			if err != nil {
				return err
			}

			url := info.URL
			if url == "" {
				url = "(none, bot is polling)"
			}
			rows := [][]string{
				{"URL", url},
				{"Pending updates", fmt.Sprint(info.PendingUpdateCount)},
			}
			if info.LastErrorMessage != "" {
				when := time.Unix(info.LastErrorDate, 0).Local().Format(time.DateTime)
				rows = append(rows, []string{"Last error", info.LastErrorMessage + " at " + when})
			}
			fmt.Fprintln(cmd.OutOrStdout(), cli.RenderTable([]string{"FIELD", "VALUE"}, rows))
			return nil
		},
	}
}

// fileCertificate reads a PEM certificate from disk.
type fileCertificate string

func (f fileCertificate) PEM() ([]byte, error) {
	data, err := os.ReadFile(string(f))
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate: %w", err)
	}
	return data, nil
}
