// Package telegram implements the chat transport on the Telegram Bot API:
// outbound messages, webhook management and long polling.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Veraticus/ledgerbot/internal/common"
	"github.com/Veraticus/ledgerbot/internal/service"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL = "https://api.telegram.org"
	// maxMessageLength is the Bot API limit for a single message, in characters.
	maxMessageLength = 4096
)

var _ service.Sender = (*Client)(nil)

// Config holds the settings for a Bot API client.
type Config struct {
	Token   string
	BaseURL string
	Timeout time.Duration
	// MessagesPerSecond paces outbound messages across all chats.
	MessagesPerSecond float64
	Retry             service.RetryOptions
}

// Client is a Telegram Bot API client.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	endpoint   string
	retry      service.RetryOptions
	timeout    time.Duration
}

// NewClient creates a client for the bot identified by cfg.Token.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("%w: telegram bot token", common.ErrMissingConfig)
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("%w: telegram API URL %q: %w", common.ErrInvalidConfig, baseURL, err)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	perSecond := cfg.MessagesPerSecond
	if perSecond <= 0 {
		perSecond = 25
	}

	retry := cfg.Retry
	if retry.MaxAttempts == 0 {
		retry = service.RetryOptions{
			MaxAttempts:  3,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     10 * time.Second,
			Multiplier:   2.0,
		}
	}

	return &Client{
		endpoint: strings.TrimRight(baseURL, "/") + "/bot" + cfg.Token,
		limiter:  rate.NewLimiter(rate.Limit(perSecond), 1),
		retry:    retry,
		timeout:  timeout,
		// Request deadlines come from contexts so that long polls can outlive timeout.
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}, nil
}

// SendMessage delivers text to chatID, splitting it when it exceeds the message limit.
func (c *Client) SendMessage(ctx context.Context, chatID, text string) error {
	for _, part := range splitMessage(text, maxMessageLength) {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: rate limiter: %w", common.ErrTransport, err)
		}
		req := sendMessageRequest{ChatID: chatRef(chatID), Text: part}
		if err := c.call(ctx, "sendMessage", req, nil, c.timeout); err != nil {
			return err
		}
	}
	return nil
}

// GetUpdates long-polls for updates after offset, waiting up to timeout.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	req := getUpdatesRequest{
		Offset:         offset,
		Timeout:        int(timeout / time.Second),
		AllowedUpdates: []string{"message"},
	}
	var updates []Update
	if err := c.call(ctx, "getUpdates", req, &updates, timeout+c.timeout); err != nil {
		return nil, err
	}
	return updates, nil
}

// SetWebhook points Telegram at url. Deliveries will carry secret in the
// X-Telegram-Bot-Api-Secret-Token header when it is set. A non-empty
// certificate is uploaded so that Telegram trusts a self-signed endpoint.
func (c *Client) SetWebhook(ctx context.Context, webhookURL, secret string, certificate []byte) error {
	req := setWebhookRequest{
		URL:            webhookURL,
		SecretToken:    secret,
		AllowedUpdates: []string{"message"},
	}
	if len(certificate) == 0 {
		return c.call(ctx, "setWebhook", req, nil, c.timeout)
	}

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	fields := [][2]string{{"url", req.URL}, {"allowed_updates", `["message"]`}}
	if secret != "" {
		fields = append(fields, [2]string{"secret_token", secret})
	}
	for _, field := range fields {
		if err := form.WriteField(field[0], field[1]); err != nil {
			return fmt.Errorf("failed to build setWebhook form: %w", err)
		}
	}
	part, err := form.CreateFormFile("certificate", "webhook.pem")
	if err != nil {
		return fmt.Errorf("failed to build setWebhook form: %w", err)
	}
	if _, err := part.Write(certificate); err != nil {
		return fmt.Errorf("failed to build setWebhook form: %w", err)
	}
	if err := form.Close(); err != nil {
		return fmt.Errorf("failed to build setWebhook form: %w", err)
	}

	return c.post(ctx, "setWebhook", form.FormDataContentType(), body.Bytes(), nil, c.timeout)
}

// DeleteWebhook switches the bot back to polling mode.
func (c *Client) DeleteWebhook(ctx context.Context, dropPending bool) error {
	return c.call(ctx, "deleteWebhook", deleteWebhookRequest{DropPendingUpdates: dropPending}, nil, c.timeout)
}

// GetWebhookInfo reports the current webhook configuration.
func (c *Client) GetWebhookInfo(ctx context.Context) (WebhookInfo, error) {
	var info WebhookInfo
	err := c.call(ctx, "getWebhookInfo", struct{}{}, &info, c.timeout)
	return info, err
}

// GetMe returns the bot's own user, which also verifies the token.
func (c *Client) GetMe(ctx context.Context) (User, error) {
	var me User
	err := c.call(ctx, "getMe", struct{}{}, &me, c.timeout)
	return me, err
}

// call posts a JSON request to a Bot API method and decodes the result into out.
func (c *Client) call(ctx context.Context, method string, in, out any, timeout time.Duration) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", method, err)
	}
	return c.post(ctx, method, "application/json", payload, out, timeout)
}

// post sends payload to a Bot API method, retrying rate limits and server errors.
func (c *Client) post(ctx context.Context, method, contentType string, payload []byte, out any, timeout time.Duration) error {
	return common.WithRetry(ctx, func() error {
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.endpoint+"/"+method, bytes.NewReader(payload))
		if err != nil {
			return common.Permanent(fmt.Errorf("%w: failed to create request: %w", common.ErrTransport, redact(err)))
		}
		req.Header.Set("Content-Type", contentType)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return common.Permanent(fmt.Errorf("%w: %s: %w", common.ErrTransport, method, ctx.Err()))
			}
			return fmt.Errorf("%w: %s: %w", common.ErrTransport, method, redact(err))
		}
		defer func() { _ = resp.Body.Close() }()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("%w: %s: failed to read response: %w", common.ErrTransport, method, err)
		}

		var envelope apiResponse
		if err := json.Unmarshal(body, &envelope); err != nil {
			if resp.StatusCode >= 500 {
				return fmt.Errorf("%w: %s returned status %d", common.ErrTransport, method, resp.StatusCode)
			}
			return common.Permanent(fmt.Errorf("%w: %s: failed to parse response: %w", common.ErrTransport, method, err))
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			retryAfter := 0
			if envelope.Parameters != nil {
				retryAfter = envelope.Parameters.RetryAfter
			}
			slog.Warn("Telegram rate limit hit", "method", method, "retry_after", retryAfter)
			return common.RetryAfter(
				fmt.Errorf("%w: %s: %w", common.ErrTransport, method, common.ErrRateLimit),
				time.Duration(retryAfter)*time.Second)
		case resp.StatusCode >= 500:
			return fmt.Errorf("%w: %s returned status %d: %s", common.ErrTransport, method, resp.StatusCode, envelope.Description)
		case !envelope.OK:
			return common.Permanent(fmt.Errorf("%w: %s failed (%d): %s", common.ErrTransport, method, envelope.ErrorCode, envelope.Description))
		}

		if out == nil || len(envelope.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return common.Permanent(fmt.Errorf("%w: %s: failed to parse result: %w", common.ErrTransport, method, err))
		}
		return nil
	}, c.retry)
}

// redact drops the request URL, which embeds the bot token, from transport errors.
func redact(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err
	}
	return err
}

// chatRef sends numeric chat ids as integers and channel usernames as strings.
func chatRef(chatID string) any {
	if id, err := strconv.ParseInt(chatID, 10, 64); err == nil {
		return id
	}
	return chatID
}

// splitMessage cuts text into parts of at most limit characters, preferring line breaks.
func splitMessage(text string, limit int) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var parts []string
	runes := []rune(text)
	for len(runes) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		parts = append(parts, strings.TrimRight(string(runes[:cut]), "\n"))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}
