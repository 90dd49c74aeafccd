// Package ledger provides a client for the Firefly III personal finance API.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Veraticus/ledgerbot/internal/common"
	"github.com/Veraticus/ledgerbot/internal/model"
	"github.com/Veraticus/ledgerbot/internal/service"
	"golang.org/x/oauth2"
)

// duplicateOf matches Firefly's duplicate-hash rejection.
var duplicateOf = regexp.MustCompile(`Duplicate of transaction #(\d+)`)

// Config holds the settings for a Firefly III client.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	Retry   service.RetryOptions
}

// Client talks to a Firefly III instance with a personal access token.
type Client struct {
	httpClient *http.Client
	baseURL    string
	retry      service.RetryOptions
}

// About is the server information reported by Firefly III.
type About struct {
	Version    string `json:"version"`
	APIVersion string `json:"api_version"`
	OS         string `json:"os"`
	Driver     string `json:"driver"`
}

// NewClient creates a client for the instance at cfg.BaseURL.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("%w: ledger base URL", common.ErrMissingConfig)
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("%w: ledger access token", common.ErrMissingConfig)
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("%w: ledger base URL %q: %w", common.ErrInvalidConfig, cfg.BaseURL, err)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}

	retry := cfg.Retry
	if retry.MaxAttempts == 0 {
		retry = service.RetryOptions{
			MaxAttempts:  3,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2.0,
		}
	}

	source := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token, TokenType: "Bearer"})

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		retry:   retry,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &oauth2.Transport{
				Source: source,
				Base: &http.Transport{
					MaxIdleConns:        10,
					MaxIdleConnsPerHost: 10,
					IdleConnTimeout:     90 * time.Second,
				},
			},
		},
	}, nil
}

type transactionSplit struct {
	Type            string `json:"type"`
	Date            string `json:"date"`
	Amount          string `json:"amount"`
	Description     string `json:"description"`
	CurrencyCode    string `json:"currency_code,omitempty"`
	SourceID        string `json:"source_id,omitempty"`
	SourceName      string `json:"source_name,omitempty"`
	DestinationID   string `json:"destination_id,omitempty"`
	DestinationName string `json:"destination_name,omitempty"`
	ExternalID      string `json:"external_id,omitempty"`
}

type transactionRequest struct {
	Transactions         []transactionSplit `json:"transactions"`
	ErrorIfDuplicateHash bool               `json:"error_if_duplicate_hash"`
	ApplyRules           bool               `json:"apply_rules"`
	FireWebhooks         bool               `json:"fire_webhooks"`
}

type transactionResponse struct {
	Data struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	} `json:"data"`
}

type accountData struct {
	ID         string `json:"id"`
	Attributes struct {
		Name         string `json:"name"`
		Type         string `json:"type"`
		CurrencyCode string `json:"currency_code"`
		Active       *bool  `json:"active"`
	} `json:"attributes"`
}

type accountsResponse struct {
	Data []accountData `json:"data"`
	Meta struct {
		Pagination struct {
			CurrentPage int `json:"current_page"`
			TotalPages  int `json:"total_pages"`
		} `json:"pagination"`
	} `json:"meta"`
}

type errorResponse struct {
	Errors  map[string][]string `json:"errors"`
	Message string              `json:"message"`
}

// splitFor maps a draft onto a Firefly split. Account is the user's own side:
// the source of withdrawals and transfers, the destination of deposits.
func splitFor(draft model.DraftTransaction) transactionSplit {
	split := transactionSplit{
		Type:         string(draft.Type),
		Date:         draft.Date.Format("2006-01-02"),
		Amount:       draft.Amount.String(),
		Description:  draft.Description,
		CurrencyCode: draft.Currency,
		ExternalID:   draft.ID,
	}
	if split.Description == "" {
		split.Description = string(draft.Type)
	}

	own, other := draft.Account, draft.Counterparty
	if draft.Type == model.TypeDeposit {
		split.DestinationID, split.DestinationName = accountRef(own)
		split.SourceID, split.SourceName = accountRef(other)
	} else {
		split.SourceID, split.SourceName = accountRef(own)
		split.DestinationID, split.DestinationName = accountRef(other)
	}
	return split
}

func accountRef(a model.Account) (string, string) {
	if a.ID != "" {
		return a.ID, ""
	}
	return "", a.Name
}

// CreateTransaction records a complete draft and returns the ledger's transaction id.
// The draft id is sent as the external id, and duplicate detection is enabled, so a
// resent draft resolves to the transaction it already created.
func (c *Client) CreateTransaction(ctx context.Context, draft model.DraftTransaction) (string, error) {
	body := transactionRequest{
		Transactions:         []transactionSplit{splitFor(draft)},
		ErrorIfDuplicateHash: true,
		ApplyRules:           true,
		FireWebhooks:         true,
	}

	var resp transactionResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/transactions", nil, body, &resp)
	if err != nil {
		if message, ok := common.RejectionMessage(err); ok {
			if m := duplicateOf.FindStringSubmatch(message); m != nil {
				slog.Info("Ledger reported draft as duplicate", "draft_id", draft.ID, "transaction_id", m[1])
				return m[1], nil
			}
		}
		return "", err
	}
	if resp.Data.ID == "" {
		return "", fmt.Errorf("%w: response carried no transaction id", common.ErrLedgerUnreachable)
	}

	slog.Info("Created ledger transaction",
		"draft_id", draft.ID,
		"transaction_id", resp.Data.ID,
		"type", draft.Type)

	return resp.Data.ID, nil
}

// ListAccounts returns every active account of accountType, following pagination.
func (c *Client) ListAccounts(ctx context.Context, accountType string) ([]model.Account, error) {
	var accounts []model.Account
	for page := 1; ; page++ {
		query := url.Values{"page": {strconv.Itoa(page)}}
		if accountType != "" {
			query.Set("type", accountType)
		}

		var resp accountsResponse
		if err := c.do(ctx, http.MethodGet, "/api/v1/accounts", query, nil, &resp); err != nil {
			return nil, err
		}
		accounts = append(accounts, toAccounts(resp.Data)...)

		if resp.Meta.Pagination.TotalPages <= page || len(resp.Data) == 0 {
			return accounts, nil
		}
	}
}

// ResolveAccount finds the asset account called name.
func (c *Client) ResolveAccount(ctx context.Context, name string) (model.Account, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.Account{}, fmt.Errorf("%w: empty name", common.ErrAccountNotFound)
	}

	query := url.Values{
		"query": {name},
		"field": {"name"},
		"type":  {"asset"},
	}

	var resp accountsResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/search/accounts", query, nil, &resp); err != nil {
		return model.Account{}, err
	}

	account, ok := model.MatchAccount(toAccounts(resp.Data), name)
	if !ok {
		return model.Account{}, fmt.Errorf("%w: %q", common.ErrAccountNotFound, name)
	}
	return account, nil
}

// Ping returns the server's version information.
func (c *Client) Ping(ctx context.Context) (About, error) {
	var resp struct {
		Data About `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/about", nil, nil, &resp); err != nil {
		return About{}, err
	}
	return resp.Data, nil
}

func toAccounts(data []accountData) []model.Account {
	accounts := make([]model.Account, 0, len(data))
	for _, d := range data {
		if d.Attributes.Active != nil && !*d.Attributes.Active {
			continue
		}
		accounts = append(accounts, model.Account{
			ID:       d.ID,
			Name:     d.Attributes.Name,
			Type:     d.Attributes.Type,
			Currency: d.Attributes.CurrencyCode,
		})
	}
	return accounts
}

// do sends one API request with retries. Transport failures, 429 and 5xx are
// retried as ErrLedgerUnreachable; other 4xx become a *common.LedgerRejection.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	return common.WithRetry(ctx, func() error {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
		if err != nil {
			return common.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return common.Permanent(fmt.Errorf("%w: %w", common.ErrLedgerUnreachable, ctx.Err()))
			}
			return fmt.Errorf("%w: %s %s: %w", common.ErrLedgerUnreachable, method, path, err)
		}
		defer func() { _ = resp.Body.Close() }()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("%w: failed to read response: %w", common.ErrLedgerUnreachable, err)
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			wait, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
			return common.RetryAfter(
				fmt.Errorf("%w: %s %s: %w", common.ErrLedgerUnreachable, method, path, common.ErrRateLimit),
				time.Duration(wait)*time.Second)
		case resp.StatusCode >= 500:
			return fmt.Errorf("%w: %s %s returned status %d", common.ErrLedgerUnreachable, method, path, resp.StatusCode)
		case resp.StatusCode >= 400:
			return common.Permanent(&common.LedgerRejection{
				StatusCode: resp.StatusCode,
				Message:    rejectionText(resp.StatusCode, respBody),
			})
		}

		if out == nil || len(respBody) == 0 {
			return nil
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return common.Permanent(fmt.Errorf("%w: failed to parse response: %w", common.ErrLedgerUnreachable, err))
		}
		return nil
	}, c.retry)
}

// rejectionText renders Firefly's error body: the message followed by any field errors.
func rejectionText(status int, body []byte) string {
	var parsed errorResponse
	if err := json.Unmarshal(body, &parsed); err != nil || (parsed.Message == "" && len(parsed.Errors) == 0) {
		text := strings.TrimSpace(string(body))
		if text == "" {
			return http.StatusText(status)
		}
		return text
	}

	var details []string
	for _, messages := range parsed.Errors {
		details = append(details, messages...)
	}
	if len(details) == 0 {
		return parsed.Message
	}

	sort.Strings(details)
	if parsed.Message == "" {
		return strings.Join(details, " ")
	}
	return parsed.Message + " " + strings.Join(details, " ")
}

// IsUnreachable reports whether err means the ledger could not be reached.
func IsUnreachable(err error) bool {
	return errors.Is(err, common.ErrLedgerUnreachable)
}
