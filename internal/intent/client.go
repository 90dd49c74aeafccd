// Package intent turns chat messages into candidate transaction fields.
// It supports wit.ai, Gemini and an offline keyword grammar, with response
// caching, rate limiting and retry logic layered on top by Service.
package intent

import (
	"context"
	"time"

	"github.com/Veraticus/ledgerbot/internal/model"
)

// Provider is a single extraction backend.
type Provider interface {
	Name() string
	Extract(ctx context.Context, text string, hint model.Hint) (model.Extraction, error)
}

// Config holds configuration for intent extraction.
type Config struct {
	Provider   string
	Token      string
	Model      string
	BaseURL    string
	APIVersion string
	Timeout    time.Duration
	CacheTTL   time.Duration
	RetryDelay time.Duration
	RateLimit  int
	MaxRetries int
}
