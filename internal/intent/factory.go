package intent

import (
	"context"
	"fmt"
	"strings"
)

// NewProvider creates a raw provider based on the provided configuration.
// An empty provider name selects the offline rules.
func NewProvider(ctx context.Context, cfg Config) (Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "wit":
		return newWitClient(cfg)
	case "gemini":
		return newGeminiClient(ctx, cfg)
	case "rules", "":
		return NewRules(), nil
	default:
		return nil, fmt.Errorf("unsupported intent provider: %s", cfg.Provider)
	}
}

// New creates a provider wrapped in a Service.
func New(ctx context.Context, cfg Config) (*Service, error) {
	provider, err := NewProvider(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create intent provider: %w", err)
	}
	return NewService(provider, cfg), nil
}
