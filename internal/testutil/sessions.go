package testutil

import (
	"time"

	"github.com/Veraticus/ledgerbot/internal/model"
	"github.com/shopspring/decimal"
)

// SessionBuilder assembles sessions for seeding.
//
//	s := testutil.NewSession("42").
//		Withdrawal("20", "lunch").
//		InState(model.StateAwaitingAccount).
//		Build()
type SessionBuilder struct {
	session *model.Session
}

// NewSession starts an idle session for chatID that was last active now.
func NewSession(chatID string) *SessionBuilder {
	return &SessionBuilder{session: model.NewSession(chatID, time.Now().UTC())}
}

// InState sets the conversation state.
func (b *SessionBuilder) InState(state model.State) *SessionBuilder {
	b.session.State = state
	return b
}

// Withdrawal fills the draft's type, amount and description.
func (b *SessionBuilder) Withdrawal(amount, description string) *SessionBuilder {
	b.session.Draft.Type = model.TypeWithdrawal
	b.session.Draft.Amount = decimal.RequireFromString(amount)
	b.session.Draft.Description = description
	return b
}

// FromAccount sets the draft's source account.
func (b *SessionBuilder) FromAccount(id, name string) *SessionBuilder {
	b.session.Draft.Account = model.Account{ID: id, Name: name, Type: "asset"}
	return b
}

// LastActive moves the session's activity time.
func (b *SessionBuilder) LastActive(at time.Time) *SessionBuilder {
	b.session.LastActivity = at
	if b.session.StartedAt.After(at) {
		b.session.StartedAt = at
	}
	return b
}

// Build returns the session.
func (b *SessionBuilder) Build() *model.Session {
	return b.session.Clone()
}
