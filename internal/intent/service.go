package intent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Veraticus/ledgerbot/internal/common"
	"github.com/Veraticus/ledgerbot/internal/model"
	"github.com/Veraticus/ledgerbot/internal/parse"
	"github.com/Veraticus/ledgerbot/internal/service"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// Service wraps a Provider with a response cache, a request rate limit and retries.
// Every provider failure is reported as common.ErrExtractionUnavailable.
type Service struct {
	provider  Provider
	cache     *cache.Cache
	limiter   *rate.Limiter
	retryOpts service.RetryOptions
}

// NewService wraps provider according to cfg.
func NewService(provider Provider, cfg Config) *Service {
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = 10 * time.Minute
	}

	limit := rate.Inf
	burst := 1
	if cfg.RateLimit > 0 {
		// RateLimit is requests per minute.
		limit = rate.Every(time.Minute / time.Duration(cfg.RateLimit))
		burst = max(1, cfg.RateLimit/10)
	}

	retryOpts := service.RetryOptions{
		MaxAttempts:  cfg.MaxRetries,
		InitialDelay: cfg.RetryDelay,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}
	if retryOpts.MaxAttempts == 0 {
		retryOpts.MaxAttempts = 2
	}
	if retryOpts.InitialDelay == 0 {
		retryOpts.InitialDelay = 250 * time.Millisecond
	}

	return &Service{
		provider:  provider,
		cache:     cache.New(ttl, 2*ttl),
		limiter:   rate.NewLimiter(limit, burst),
		retryOpts: retryOpts,
	}
}

// Name identifies the wrapped provider.
func (s *Service) Name() string {
	return s.provider.Name()
}

// Extract returns the provider's extraction for text, from cache when possible.
func (s *Service) Extract(ctx context.Context, text string, hint model.Hint) (model.Extraction, error) {
	key := cacheKey(text, hint)
	if cached, ok := s.cache.Get(key); ok {
		if extraction, ok := cached.(model.Extraction); ok {
			slog.Debug("Extraction cache hit", "provider", s.provider.Name())
			return extraction, nil
		}
	}

	var extraction model.Extraction
	err := common.WithRetry(ctx, func() error {
		if err := s.limiter.Wait(ctx); err != nil {
			return common.Permanent(fmt.Errorf("rate limiter: %w", err))
		}

		var extractErr error
		extraction, extractErr = s.provider.Extract(ctx, text, hint)
		return extractErr
	}, s.retryOpts)
	if err != nil {
		if errors.Is(err, common.ErrExtractionUnavailable) {
			return model.Extraction{}, err
		}
		return model.Extraction{}, fmt.Errorf("%w: %s: %w", common.ErrExtractionUnavailable, s.provider.Name(), err)
	}

	s.cache.SetDefault(key, extraction)
	return extraction, nil
}

// cacheKey includes the reference day because relative dates depend on it.
func cacheKey(text string, hint model.Hint) string {
	day := ""
	if !hint.ReferenceTime.IsZero() {
		day = hint.ReferenceTime.Format("2006-01-02")
	}
	return day + "|" + string(hint.Expecting) + "|" + parse.Normalize(text)
}
