package model

import "time"

// State tags where a conversation currently is.
type State string

// Conversation states.
const (
	StateIdle                 State = "idle"
	StateAwaitingType         State = "awaiting_type"
	StateAwaitingAmount       State = "awaiting_amount"
	StateAwaitingAccount      State = "awaiting_account"
	StateAwaitingCounterparty State = "awaiting_counterparty"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StateCommitting           State = "committing"
	StateDone                 State = "done"
	StateCancelled            State = "cancelled"
	StateFailed               State = "failed"
)

// Terminal reports whether s ends the current draft.
func (s State) Terminal() bool {
	return s == StateDone || s == StateCancelled || s == StateFailed
}

// Awaiting reports whether s is waiting for a single missing field.
func (s State) Awaiting() bool {
	_, ok := awaitingFields[s]
	return ok
}

// Field returns the field an awaiting state prompts for.
func (s State) Field() Field {
	return awaitingFields[s]
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateIdle, StateAwaitingType, StateAwaitingAmount, StateAwaitingAccount,
		StateAwaitingCounterparty, StateAwaitingConfirmation, StateCommitting,
		StateDone, StateCancelled, StateFailed:
		return true
	default:
		return false
	}
}

var awaitingFields = map[State]Field{
	StateAwaitingType:         FieldType,
	StateAwaitingAmount:       FieldAmount,
	StateAwaitingAccount:      FieldAccount,
	StateAwaitingCounterparty: FieldCounterparty,
}

// AwaitingState returns the state that prompts for field, if there is one.
func AwaitingState(field Field) (State, bool) {
	for state, f := range awaitingFields {
		if f == field {
			return state, true
		}
	}
	return "", false
}

// Session is the conversational state of one chat.
type Session struct {
	StartedAt      time.Time        `json:"started_at"`
	LastActivity   time.Time        `json:"last_activity"`
	ChatID         string           `json:"chat_id"`
	State          State            `json:"state"`
	Prompted       Field            `json:"prompted,omitempty"`
	ExternalID     string           `json:"external_id,omitempty"`
	LastError      string           `json:"last_error,omitempty"`
	Draft          DraftTransaction `json:"draft"`
	Retries        int              `json:"retries"`
	CommitAttempts int              `json:"commit_attempts"`
}

// NewSession creates an idle session for chatID.
func NewSession(chatID string, now time.Time) *Session {
	return &Session{
		ChatID:       chatID,
		State:        StateIdle,
		Draft:        NewDraft(now),
		StartedAt:    now,
		LastActivity: now,
	}
}

// Expired reports whether a session holding an unfinished draft has been
// inactive longer than timeout. Failed sessions count, since a retry or an
// edit would resume them; idle, done and cancelled sessions never expire.
// A zero timeout disables expiry.
func (s *Session) Expired(now time.Time, timeout time.Duration) bool {
	switch {
	case timeout <= 0:
		return false
	case s.State == StateIdle, s.State == StateDone, s.State == StateCancelled:
		return false
	}
	return now.Sub(s.LastActivity) > timeout
}

// Clone returns a copy that shares no mutable state with s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
