// Package common provides shared utilities and types used across the application.
package common

import (
	"errors"
	"fmt"
)

// Common application errors.
var (
	// Intent extraction errors.
	ErrExtractionUnavailable = errors.New("intent extraction unavailable")

	// Conversation errors.
	ErrParseFailure = errors.New("reply did not match the expected field")

	// Ledger errors.
	ErrLedgerUnreachable = errors.New("ledger unreachable")
	ErrLedgerRejected    = errors.New("ledger rejected request")
	ErrAccountNotFound   = errors.New("account not found")

	// Session store errors.
	ErrSessionStore = errors.New("session store failure")
	ErrNotFound     = errors.New("not found")

	// Transport errors.
	ErrTransport = errors.New("chat transport failure")

	// Configuration errors.
	ErrMissingConfig = errors.New("missing configuration")
	ErrInvalidConfig = errors.New("invalid configuration")
)

// LedgerRejection carries the ledger's own explanation for a permanent failure.
// It matches ErrLedgerRejected with errors.Is.
type LedgerRejection struct {
	Message    string
	StatusCode int
}

func (e *LedgerRejection) Error() string {
	return fmt.Sprintf("%s (status %d): %s", ErrLedgerRejected, e.StatusCode, e.Message)
}

// Is reports whether target is ErrLedgerRejected.
func (e *LedgerRejection) Is(target error) bool {
	return target == ErrLedgerRejected
}

// RejectionMessage returns the verbatim ledger message when err is a rejection.
func RejectionMessage(err error) (string, bool) {
	var rejection *LedgerRejection
	if errors.As(err, &rejection) {
		return rejection.Message, true
	}
	return "", false
}
