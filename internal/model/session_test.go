package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSession_Expired(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	timeout := 30 * time.Minute

	tests := []struct {
		name         string
		state        State
		lastActivity time.Time
		timeout      time.Duration
		want         bool
	}{
		{"awaiting and stale", StateAwaitingAmount, now.Add(-31 * time.Minute), timeout, true},
		{"awaiting and fresh", StateAwaitingAmount, now.Add(-29 * time.Minute), timeout, false},
		{"confirmation stale", StateAwaitingConfirmation, now.Add(-2 * time.Hour), timeout, true},
		{"committing stale", StateCommitting, now.Add(-2 * time.Hour), timeout, true},
		{"done never expires", StateDone, now.Add(-48 * time.Hour), timeout, false},
		{"cancelled never expires", StateCancelled, now.Add(-48 * time.Hour), timeout, false},
		{"failed stale", StateFailed, now.Add(-48 * time.Hour), timeout, true},
		{"failed fresh", StateFailed, now.Add(-10 * time.Minute), timeout, false},
		{"idle never expires", StateIdle, now.Add(-48 * time.Hour), timeout, false},
		{"zero timeout disables expiry", StateAwaitingType, now.Add(-48 * time.Hour), 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Session{State: tt.state, LastActivity: tt.lastActivity}
			assert.Equal(t, tt.want, s.Expired(now, tt.timeout))
		})
	}
}

func TestState_Helpers(t *testing.T) {
	assert.True(t, StateDone.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateCommitting.Terminal())

	assert.True(t, StateAwaitingCounterparty.Awaiting())
	assert.False(t, StateAwaitingConfirmation.Awaiting())
	assert.Equal(t, FieldAccount, StateAwaitingAccount.Field())

	state, ok := AwaitingState(FieldAmount)
	assert.True(t, ok)
	assert.Equal(t, StateAwaitingAmount, state)

	_, ok = AwaitingState(FieldDescription)
	assert.False(t, ok)

	assert.False(t, State("bogus").Valid())
}

func TestExtraction_Best(t *testing.T) {
	e := Extraction{Candidates: []Candidate{
		{Field: FieldType, Value: "withdrawal", Confidence: 0.9},
		{Field: FieldType, Value: "deposit", Confidence: 0.95},
		{Field: FieldAmount, Value: "20", Confidence: 0.4},
		{Field: FieldAccount, Value: "", Confidence: 0.99},
	}}

	c, ok := e.Best(FieldType, 0.7)
	assert.True(t, ok)
	assert.Equal(t, "deposit", c.Value)

	_, ok = e.Best(FieldAmount, 0.7)
	assert.False(t, ok)

	_, ok = e.Best(FieldAccount, 0.1)
	assert.False(t, ok)

	assert.Equal(t, []Field{FieldAccount, FieldAmount, FieldType}, e.Fields())
}
