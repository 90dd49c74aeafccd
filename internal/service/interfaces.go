// Package service defines the interfaces shared between the bot's components.
package service

import (
	"context"
	"time"

	"github.com/Veraticus/ledgerbot/internal/model"
)

// SessionStore defines the contract for conversation persistence.
// Save is the only mutation point; Load after Save for the same chat
// observes the saved value.
type SessionStore interface {
	// Load returns nil and no error when the chat has no session.
	Load(ctx context.Context, chatID string) (*model.Session, error)
	Save(ctx context.Context, session *model.Session) error
	Delete(ctx context.Context, chatID string) error
	List(ctx context.Context) ([]*model.Session, error)
	// PurgeBefore deletes sessions whose last activity is older than cutoff.
	PurgeBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Sender delivers outbound text to a chat.
type Sender interface {
	SendMessage(ctx context.Context, chatID string, text string) error
}

// RetryOptions configures retry behavior for operations.
type RetryOptions struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}
