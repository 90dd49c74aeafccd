package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Veraticus/ledgerbot/internal/common"
	"github.com/Veraticus/ledgerbot/internal/model"
	"google.golang.org/genai"
)

const geminiDefaultModel = "gemini-2.0-flash"

// geminiClient implements Provider with a JSON-only Gemini prompt.
type geminiClient struct {
	client *genai.Client
	model  string
}

func newGeminiClient(ctx context.Context, cfg Config) (Provider, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("%w: Gemini API key", common.ErrMissingConfig)
	}

	model := cfg.Model
	if model == "" {
		model = geminiDefaultModel
	}

	clientConfig := &genai.ClientConfig{
		APIKey:  cfg.Token,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}

	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	return &geminiClient{client: client, model: model}, nil
}

func (c *geminiClient) Name() string {
	return "gemini"
}

const geminiInstructions = `You extract personal finance transactions from chat messages.
Return ONLY a JSON object with these optional keys, each an object {"value": string, "confidence": number between 0 and 1}:
"type" (one of withdrawal, deposit, transfer), "amount" (a positive decimal number without currency),
"currency" (ISO 4217 code), "account" (the user's own account: the source of a withdrawal or transfer, the destination of a deposit),
"counterparty" (the other side: shop, payer or the destination account of a transfer),
"description" (a short label), "date" (YYYY-MM-DD).
Omit keys you cannot determine. Do NOT wrap the response in code fences.`

// Extract asks the model for a field map and converts it to candidates.
func (c *geminiClient) Extract(ctx context.Context, text string, hint model.Hint) (model.Extraction, error) {
	var prompt strings.Builder
	if !hint.ReferenceTime.IsZero() {
		fmt.Fprintf(&prompt, "Today is %s.\n", hint.ReferenceTime.Format("2006-01-02 (Monday)"))
	}
	if hint.Expecting != model.FieldNone {
		fmt.Fprintf(&prompt, "The user was just asked for the %s.\n", hint.Expecting)
	}
	fmt.Fprintf(&prompt, "Message: %q", text)

	config := &genai.GenerateContentConfig{
		Temperature:       genai.Ptr[float32](0),
		ResponseMIMEType:  "application/json",
		SystemInstruction: genai.NewContentFromText(geminiInstructions, genai.RoleUser),
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(prompt.String()), config)
	if err != nil {
		return model.Extraction{}, fmt.Errorf("generate content: %w", err)
	}

	raw := resp.Text()
	if raw == "" {
		return model.Extraction{}, fmt.Errorf("empty response from model")
	}

	return parseGeminiReply(c.Name(), raw, hint.ReferenceTime)
}

type geminiField struct {
	Value      json.RawMessage `json:"value"`
	Confidence float64         `json:"confidence"`
}

var geminiFields = map[string]model.Field{
	"type":         model.FieldType,
	"amount":       model.FieldAmount,
	"currency":     model.FieldCurrency,
	"account":      model.FieldAccount,
	"counterparty": model.FieldCounterparty,
	"description":  model.FieldDescription,
	"date":         model.FieldDate,
}

// parseGeminiReply decodes the model's JSON object. Dates in the future are dropped.
func parseGeminiReply(provider, raw string, now time.Time) (model.Extraction, error) {
	var fields map[string]geminiField
	if err := json.Unmarshal([]byte(cleanModelJSON(raw)), &fields); err != nil {
		return model.Extraction{}, common.Permanent(fmt.Errorf("unmarshal model JSON: %w", err))
	}

	extraction := model.Extraction{Provider: provider}
	for key, f := range fields {
		field, ok := geminiFields[strings.ToLower(key)]
		if !ok {
			continue
		}

		value := rawValue(f.Value)
		if value == "" {
			continue
		}
		if field == model.FieldDate && !now.IsZero() {
			if date, err := time.Parse("2006-01-02", value); err != nil || date.After(now) {
				continue
			}
		}

		confidence := f.Confidence
		if confidence <= 0 || confidence > 1 {
			confidence = 0.5
		}
		extraction.Candidates = append(extraction.Candidates, model.Candidate{
			Field:      field,
			Value:      value,
			Confidence: confidence,
		})
	}
	return extraction, nil
}

func rawValue(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// cleanModelJSON strips Markdown fences and any text around the outermost object.
func cleanModelJSON(raw string) string {
	s := strings.TrimSpace(raw)

	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		} else {
			return s
		}
		s = strings.TrimSpace(s)
	}

	if idx := strings.LastIndex(s, "```"); idx != -1 {
		s = s[:idx]
	}

	s = strings.TrimSpace(s)

	if start := strings.Index(s, "{"); start != -1 {
		if end := strings.LastIndex(s, "}"); end != -1 && end > start {
			s = strings.TrimSpace(s[start : end+1])
		}
	}

	return s
}
