package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Veraticus/ledgerbot/internal/common"
	"github.com/Veraticus/ledgerbot/internal/model"
	"golang.org/x/oauth2"
)

const (
	witDefaultURL     = "https://api.wit.ai"
	witDefaultVersion = "20240304"
)

// witClient implements Provider for the wit.ai /message endpoint.
type witClient struct {
	httpClient *http.Client
	baseURL    string
	version    string
}

func newWitClient(cfg Config) (Provider, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("%w: wit.ai server token", common.ErrMissingConfig)
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = witDefaultURL
	}
	version := cfg.APIVersion
	if version == "" {
		version = witDefaultVersion
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &witClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		version: version,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &oauth2.Transport{
				Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token, TokenType: "Bearer"}),
				Base:   http.DefaultTransport,
			},
		},
	}, nil
}

func (c *witClient) Name() string {
	return "wit"
}

type witEntity struct {
	Value      any     `json:"value"`
	Name       string  `json:"name"`
	Role       string  `json:"role"`
	Body       string  `json:"body"`
	Unit       string  `json:"unit"`
	Confidence float64 `json:"confidence"`
}

type witScored struct {
	Value      any     `json:"value"`
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

type witResponse struct {
	Entities map[string][]witEntity `json:"entities"`
	Traits   map[string][]witScored `json:"traits"`
	Text     string                 `json:"text"`
	Intents  []witScored            `json:"intents"`
}

// Extract sends text to wit.ai with the reference time as context.
func (c *witClient) Extract(ctx context.Context, text string, hint model.Hint) (model.Extraction, error) {
	query := url.Values{
		"v": {c.version},
		"q": {text},
	}
	if !hint.ReferenceTime.IsZero() {
		witContext, err := json.Marshal(map[string]string{
			"reference_time": hint.ReferenceTime.Format(time.RFC3339),
		})
		if err == nil {
			query.Set("context", string(witContext))
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/message?"+query.Encode(), nil)
	if err != nil {
		return model.Extraction{}, common.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return model.Extraction{}, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.Extraction{}, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return model.Extraction{}, fmt.Errorf("wit.ai: %w", common.ErrRateLimit)
	case resp.StatusCode >= 500:
		return model.Extraction{}, fmt.Errorf("wit.ai API error (status %d): %s", resp.StatusCode, string(body))
	case resp.StatusCode != http.StatusOK:
		return model.Extraction{}, common.Permanent(fmt.Errorf("wit.ai API error (status %d): %s", resp.StatusCode, string(body)))
	}

	var parsed witResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return model.Extraction{}, common.Permanent(fmt.Errorf("failed to parse response: %w", err))
	}

	return c.toExtraction(parsed), nil
}

// toExtraction maps wit entities onto draft fields. origin and destination
// roles swap for deposits, where the user's account receives the money.
func (c *witClient) toExtraction(resp witResponse) model.Extraction {
	extraction := model.Extraction{Provider: c.Name()}
	add := func(field model.Field, value string, confidence float64) {
		value = strings.TrimSpace(value)
		if value == "" {
			return
		}
		extraction.Candidates = append(extraction.Candidates, model.Candidate{
			Field:      field,
			Value:      value,
			Confidence: confidence,
		})
	}

	kind, kindConfidence := witKind(resp)
	if kind != "" {
		add(model.FieldType, string(kind), kindConfidence)
	}

	for key, entities := range resp.Entities {
		name, role, _ := strings.Cut(key, ":")
		for _, e := range entities {
			switch {
			case strings.HasSuffix(name, "amount_of_money"):
				add(model.FieldAmount, valueString(e.Value), e.Confidence)
				add(model.FieldCurrency, e.Unit, e.Confidence)
			case strings.HasSuffix(name, "datetime"):
				if date := valueString(e.Value); len(date) >= 10 {
					add(model.FieldDate, date[:10], e.Confidence)
				}
			case name == "account" && role == "origin":
				if kind == model.TypeDeposit {
					add(model.FieldCounterparty, entityText(e), e.Confidence)
				} else {
					add(model.FieldAccount, entityText(e), e.Confidence)
				}
			case name == "account" && role == "destination":
				if kind == model.TypeDeposit {
					add(model.FieldAccount, entityText(e), e.Confidence)
				} else {
					add(model.FieldCounterparty, entityText(e), e.Confidence)
				}
			case name == "deed":
				add(model.FieldDescription, entityText(e), e.Confidence)
			}
		}
	}

	return extraction
}

// witKind reads the transaction type from, in order of preference, an action
// entity, the top intent and the flow trait.
func witKind(resp witResponse) (model.TransactionType, float64) {
	for key, entities := range resp.Entities {
		name, role, _ := strings.Cut(key, ":")
		if name != "action" || len(entities) == 0 {
			continue
		}
		if kind, ok := kindFromLabel(role); ok {
			return kind, entities[0].Confidence
		}
		if kind, ok := kindFromLabel(valueString(entities[0].Value)); ok {
			return kind, entities[0].Confidence
		}
	}

	var best witScored
	for _, intent := range resp.Intents {
		if _, ok := kindFromLabel(intent.Name); ok && intent.Confidence > best.Confidence {
			best = intent
		}
	}
	if best.Name != "" {
		kind, _ := kindFromLabel(best.Name)
		return kind, best.Confidence
	}

	for _, trait := range resp.Traits["flow"] {
		switch valueString(trait.Value) {
		case "in":
			return model.TypeDeposit, trait.Confidence
		case "out":
			return model.TypeWithdrawal, trait.Confidence
		}
	}
	return "", 0
}

func kindFromLabel(label string) (model.TransactionType, bool) {
	switch strings.ToLower(label) {
	case "withdraw", "withdrawal", "expense":
		return model.TypeWithdrawal, true
	case "deposit", "income":
		return model.TypeDeposit, true
	case "transfer":
		return model.TypeTransfer, true
	default:
		return "", false
	}
}

func entityText(e witEntity) string {
	if v := valueString(e.Value); v != "" {
		return v
	}
	return e.Body
}

func valueString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}
