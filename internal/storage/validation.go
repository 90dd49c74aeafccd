package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Veraticus/ledgerbot/internal/model"
)

// Validation errors.
var (
	ErrNilContext    = errors.New("context cannot be nil")
	ErrEmptyString   = errors.New("string parameter cannot be empty")
	ErrNilParameter  = errors.New("parameter cannot be nil")
	ErrInvalidState  = errors.New("invalid session state")
	ErrInvalidRecord = errors.New("invalid session")
)

// validateContext ensures the context is not nil.
func validateContext(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}
	return nil
}

// validateString ensures a string parameter is not empty.
func validateString(s string, paramName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%w: %s", ErrEmptyString, paramName)
	}
	return nil
}

// validateSession checks the fields the store relies on.
func validateSession(session *model.Session) error {
	if session == nil {
		return fmt.Errorf("%w: session", ErrNilParameter)
	}
	if strings.TrimSpace(session.ChatID) == "" {
		return fmt.Errorf("%w: missing chat ID", ErrInvalidRecord)
	}
	if !session.State.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidState, session.State)
	}
	if session.LastActivity.IsZero() {
		return fmt.Errorf("%w: missing last activity", ErrInvalidRecord)
	}
	if session.Retries < 0 || session.CommitAttempts < 0 {
		return fmt.Errorf("%w: negative counters", ErrInvalidRecord)
	}
	return nil
}
