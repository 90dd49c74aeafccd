package telegram

import (
	"context"
	"log/slog"
	"time"

	"github.com/Veraticus/ledgerbot/internal/common"
	"github.com/Veraticus/ledgerbot/internal/dispatch"
	"golang.org/x/sync/errgroup"
)

// Dispatcher processes one inbound message.
type Dispatcher interface {
	Dispatch(ctx context.Context, in dispatch.Inbound) error
}

// UpdateSource yields updates after an offset.
type UpdateSource interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error)
}

// PollerConfig tunes long polling.
type PollerConfig struct {
	// Timeout is the long-poll wait per request.
	Timeout time.Duration
	// Workers bounds how many chats are processed in parallel.
	Workers int
	// Backoff is the pause after a failed poll or a failed update.
	Backoff time.Duration
}

// Poller long-polls the Bot API and hands each message to a Dispatcher.
type Poller struct {
	source     UpdateSource
	dispatcher Dispatcher
	cfg        PollerConfig
	offset     int64
}

// NewPoller creates a poller.
func NewPoller(source UpdateSource, dispatcher Dispatcher, cfg PollerConfig) *Poller {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 3 * time.Second
	}
	return &Poller{source: source, dispatcher: dispatcher, cfg: cfg}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	slog.Info("Polling for updates", "timeout", p.cfg.Timeout, "workers", p.cfg.Workers)

	for {
		if ctx.Err() != nil {
			return nil
		}

		updates, err := p.source.GetUpdates(ctx, p.offset, p.cfg.Timeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			common.LogError(err, "Failed to get updates", common.Fields{"offset": p.offset})
			if !sleep(ctx, p.cfg.Backoff) {
				return nil
			}
			continue
		}

		if !p.process(ctx, updates) && !sleep(ctx, p.cfg.Backoff) {
			return nil
		}
	}
}

// process dispatches a batch and advances the offset. Messages of one chat run
// in order; different chats run in parallel. It reports whether every update succeeded.
func (p *Poller) process(ctx context.Context, updates []Update) bool {
	if len(updates) == 0 {
		return true
	}

	var order []string
	byChat := make(map[string][]dispatch.Inbound)
	next := p.offset
	for _, u := range updates {
		next = max(next, u.UpdateID+1)
		in, ok := u.Inbound()
		if !ok {
			continue
		}
		if _, seen := byChat[in.ChatID]; !seen {
			order = append(order, in.ChatID)
		}
		byChat[in.ChatID] = append(byChat[in.ChatID], in)
	}

	failed := make(chan int64, len(updates))
	var g errgroup.Group
	g.SetLimit(p.cfg.Workers)
	for _, chatID := range order {
		messages := byChat[chatID]
		g.Go(func() error {
			for _, in := range messages {
				if err := p.dispatcher.Dispatch(ctx, in); err != nil {
					common.LogError(err, "Failed to dispatch update", common.Fields{
						"update_id": in.UpdateID,
						"chat_id":   in.ChatID,
					})
					failed <- in.UpdateID
					// Later messages of this chat wait for the redelivery.
					return nil
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	close(failed)

	// Redeliver from the first failure; updates already handled are deduplicated by the dispatcher.
	ok := true
	for id := range failed {
		if ok || id < next {
			next = id
		}
		ok = false
	}
	p.offset = next
	return ok
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
