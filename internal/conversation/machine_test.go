package conversation

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Veraticus/ledgerbot/internal/common"
	"github.com/Veraticus/ledgerbot/internal/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0       = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	catalog  = []model.Account{{ID: "1", Name: "Checking", Type: "asset"}, {ID: "2", Name: "Savings", Type: "asset"}}
	checking = catalog[0]
	savings  = catalog[1]
)

func extraction(pairs ...string) model.Extraction {
	e := model.Extraction{Provider: "test"}
	for i := 0; i+1 < len(pairs); i += 2 {
		e.Candidates = append(e.Candidates, model.Candidate{
			Field:      model.Field(pairs[i]),
			Value:      pairs[i+1],
			Confidence: 0.95,
		})
	}
	return e
}

func step(t *testing.T, s *model.Session, text string, opts ...func(*Input)) Outcome {
	t.Helper()
	in := Input{Text: text, Now: t0, Accounts: catalog}
	for _, opt := range opts {
		opt(&in)
	}
	before := *s
	out := Step(DefaultConfig(), s, in)
	require.NotNil(t, out.Session)
	assert.Equal(t, before, *s, "Step must not mutate its input")
	return out
}

func withExtraction(e model.Extraction) func(*Input) {
	return func(in *Input) { in.Extraction = e }
}

func confirmingSession() *model.Session {
	s := model.NewSession("chat", t0)
	s.State = model.StateAwaitingConfirmation
	s.Draft.Type = model.TypeWithdrawal
	s.Draft.Amount = decimal.NewFromInt(20)
	s.Draft.Description = "lunch"
	s.Draft.Account = checking
	return s
}

func TestStep_SeedsDraftAndPromptsForMissingAccount(t *testing.T) {
	s := model.NewSession("chat", t0)

	out := step(t, s, "spent 20 on lunch", withExtraction(extraction(
		"type", "withdrawal", "amount", "20", "description", "lunch")))

	assert.False(t, out.Commit)
	assert.Equal(t, model.StateAwaitingAccount, out.Session.State)
	assert.Equal(t, model.FieldAccount, out.Session.Prompted)
	assert.Contains(t, out.Reply, "Which account did the money come from?")
	assert.Contains(t, out.Reply, "Checking, Savings")
	assert.True(t, out.Session.Draft.Amount.Equal(decimal.NewFromInt(20)))

	out = step(t, out.Session, "checking")
	assert.Equal(t, model.StateAwaitingConfirmation, out.Session.State)
	assert.Equal(t, checking, out.Session.Draft.Account)
	assert.Contains(t, out.Reply, "Amount: 20.00")

	out = step(t, out.Session, "yes")
	assert.True(t, out.Commit)
	assert.Equal(t, model.StateCommitting, out.Session.State)
	assert.Equal(t, 1, out.Session.CommitAttempts)
}

func TestStep_LowConfidenceCandidatesAreIgnored(t *testing.T) {
	e := extraction("type", "withdrawal")
	e.Candidates = append(e.Candidates, model.Candidate{Field: model.FieldAmount, Value: "99", Confidence: 0.2})

	out := step(t, model.NewSession("chat", t0), "paid something", withExtraction(e))
	assert.Equal(t, model.StateAwaitingAmount, out.Session.State)
	assert.False(t, out.Session.Draft.HasAmount())
}

func TestStep_ExtractionUnavailablePromptsFieldByField(t *testing.T) {
	out := step(t, model.NewSession("chat", t0), "spent 20 on lunch", func(in *Input) {
		in.ExtractionErr = common.ErrExtractionUnavailable
	})

	assert.Equal(t, model.StateAwaitingType, out.Session.State)
	assert.Contains(t, out.Reply, unavailMsg)
	assert.Equal(t, "spent 20 on lunch", out.Session.Draft.Description)
}

func TestStep_EditAtConfirmation(t *testing.T) {
	tests := []struct {
		name   string
		reply  string
		check  func(t *testing.T, d model.DraftTransaction)
		state  model.State
		prompt string
	}{
		{
			name:  "make it",
			reply: "no, make it 25",
			state: model.StateAwaitingConfirmation,
			check: func(t *testing.T, d model.DraftTransaction) {
				assert.Equal(t, "25", d.Amount.String())
			},
			prompt: "Amount: 25.00",
		},
		{
			name:  "bare amount",
			reply: "30 EUR",
			state: model.StateAwaitingConfirmation,
			check: func(t *testing.T, d model.DraftTransaction) {
				assert.Equal(t, "30", d.Amount.String())
				assert.Equal(t, "EUR", d.Currency)
			},
		},
		{
			name:  "account keyword",
			reply: "no, account savings",
			state: model.StateAwaitingConfirmation,
			check: func(t *testing.T, d model.DraftTransaction) {
				assert.Equal(t, savings, d.Account)
			},
		},
		{
			name:  "to sets counterparty",
			reply: "to Cafe Central",
			state: model.StateAwaitingConfirmation,
			check: func(t *testing.T, d model.DraftTransaction) {
				assert.Equal(t, "cafe central", d.Counterparty.Name)
			},
		},
		{
			name:  "date",
			reply: "date yesterday",
			state: model.StateAwaitingConfirmation,
			check: func(t *testing.T, d model.DraftTransaction) {
				assert.Equal(t, "2024-03-09", d.Date.Format("2006-01-02"))
			},
		},
		{
			name:  "field name only clears it",
			reply: "no, the account",
			state: model.StateAwaitingAccount,
			check: func(t *testing.T, d model.DraftTransaction) {
				assert.True(t, d.Account.IsZero())
				assert.Equal(t, "20", d.Amount.String(), "other fields are kept")
			},
			prompt: "Which account",
		},
		{
			name:  "bare no asks what to change",
			reply: "no",
			state: model.StateAwaitingConfirmation,
			check: func(t *testing.T, d model.DraftTransaction) {
				assert.Equal(t, checking, d.Account)
			},
			prompt: "What should I change?",
		},
		{
			name:  "switching to transfer asks for the destination",
			reply: "it's a transfer",
			state: model.StateAwaitingCounterparty,
			check: func(t *testing.T, d model.DraftTransaction) {
				assert.Equal(t, model.TypeTransfer, d.Type)
			},
			prompt: "Which account should the money go to?",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := step(t, confirmingSession(), tt.reply)
			assert.False(t, out.Commit)
			assert.Equal(t, tt.state, out.Session.State)
			tt.check(t, out.Session.Draft)
			if tt.prompt != "" {
				assert.Contains(t, out.Reply, tt.prompt)
			}
		})
	}
}

func TestStep_LastWriteWins(t *testing.T) {
	out := step(t, confirmingSession(), "amount 25")
	out = step(t, out.Session, "make it 40")
	out = step(t, out.Session, "no, 35.50")

	assert.Equal(t, "35.5", out.Session.Draft.Amount.String())
	assert.Equal(t, model.StateAwaitingConfirmation, out.Session.State)
}

func TestStep_NamedFieldWithoutAwaitingState(t *testing.T) {
	out := step(t, confirmingSession(), "change description")
	assert.Equal(t, model.StateAwaitingConfirmation, out.Session.State)
	assert.Equal(t, model.FieldDescription, out.Session.Prompted)

	out = step(t, out.Session, "Team Lunch")
	assert.Equal(t, "Team Lunch", out.Session.Draft.Description)
	assert.Equal(t, model.FieldNone, out.Session.Prompted)
}

func TestStep_NoCommitWhileIncomplete(t *testing.T) {
	s := confirmingSession()
	s.Draft.Amount = decimal.Zero

	out := step(t, s, "yes")
	assert.False(t, out.Commit)
	assert.Equal(t, model.StateAwaitingAmount, out.Session.State)

	s = confirmingSession()
	s.Draft.Type = model.TypeTransfer
	out = step(t, s, "yes")
	assert.False(t, out.Commit)
	assert.Equal(t, model.StateAwaitingCounterparty, out.Session.State)
}

func TestStep_RejectsInvalidAmounts(t *testing.T) {
	s := model.NewSession("chat", t0)
	s.State = model.StateAwaitingAmount
	s.Draft.Type = model.TypeWithdrawal

	for _, reply := range []string{"-5", "0", "lots"} {
		out := step(t, s, reply)
		assert.Equal(t, model.StateAwaitingAmount, out.Session.State, reply)
		assert.Equal(t, 1, out.Session.Retries, reply)
		assert.False(t, out.Session.Draft.HasAmount(), reply)
	}
}

func TestStep_RetriesExhaustedCancels(t *testing.T) {
	s := model.NewSession("chat", t0)
	s.State = model.StateAwaitingAmount
	s.Draft.Type = model.TypeWithdrawal

	cfg := DefaultConfig()
	for i := 1; i <= cfg.MaxRetries; i++ {
		out := step(t, s, "banana")
		require.Equal(t, model.StateAwaitingAmount, out.Session.State)
		assert.Equal(t, i, out.Session.Retries)
		s = out.Session
	}

	out := step(t, s, "banana")
	assert.Equal(t, model.StateCancelled, out.Session.State)
	assert.Equal(t, gaveUpMsg, out.Reply)

	// A successful answer resets the counter.
	s = model.NewSession("chat", t0)
	s.State = model.StateAwaitingAmount
	s.Draft.Type = model.TypeWithdrawal
	s.Retries = 2
	out = step(t, s, "12")
	assert.Equal(t, 0, out.Session.Retries)
}

func TestStep_UnknownAccountListsCatalog(t *testing.T) {
	s := model.NewSession("chat", t0)
	s.State = model.StateAwaitingAccount
	s.Draft.Type = model.TypeWithdrawal
	s.Draft.Amount = decimal.NewFromInt(5)

	out := step(t, s, "brokerage")
	assert.Equal(t, model.StateAwaitingAccount, out.Session.State)
	assert.Contains(t, out.Reply, `I couldn't find an account called "brokerage"`)
	assert.Contains(t, out.Reply, "Checking, Savings")
	assert.Equal(t, []string{"brokerage"}, out.Unresolved)

	// Without a catalog the name goes through unchanged.
	out = step(t, s, "my brokerage account", func(in *Input) { in.Accounts = nil })
	assert.Equal(t, model.StateAwaitingConfirmation, out.Session.State)
	assert.Equal(t, model.Account{Name: "brokerage"}, out.Session.Draft.Account)
	assert.Equal(t, []string{"brokerage"}, out.Unresolved)

	out = step(t, s, "checking")
	assert.Empty(t, out.Unresolved)
}

func TestStep_ResolvedAccounts(t *testing.T) {
	s := model.NewSession("chat", t0)
	s.State = model.StateAwaitingAccount
	s.Draft.Type = model.TypeWithdrawal
	s.Draft.Amount = decimal.NewFromInt(5)
	brokerage := model.Account{ID: "9", Name: "Brokerage", Type: "asset"}

	tests := []struct {
		name     string
		accounts []model.Account
		resolved map[string]model.Account
		want     model.Account
		state    model.State
	}{
		{"ledger knows a name the catalog missed", catalog, map[string]model.Account{"brokerage": brokerage}, brokerage, model.StateAwaitingConfirmation},
		{"ledger does not know the name", catalog, map[string]model.Account{"brokerage": {}}, model.Account{}, model.StateAwaitingAccount},
		{"catalog down and ledger does not know the name", nil, map[string]model.Account{"brokerage": {}}, model.Account{}, model.StateAwaitingAccount},
		{"catalog down and ledger knows the name", nil, map[string]model.Account{"brokerage": brokerage}, brokerage, model.StateAwaitingConfirmation},
		{"catalog and lookup both down", nil, map[string]model.Account{"brokerage": {Name: "brokerage"}}, model.Account{Name: "brokerage"}, model.StateAwaitingConfirmation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := step(t, s, "brokerage", func(in *Input) {
				in.Accounts = tt.accounts
				in.Resolved = tt.resolved
			})
			assert.Equal(t, tt.state, out.Session.State)
			assert.Equal(t, tt.want, out.Session.Draft.Account)
			assert.Empty(t, out.Unresolved)
			if tt.want.IsZero() {
				assert.Contains(t, out.Reply, `I couldn't find an account called "brokerage"`)
			}
		})
	}
}

func TestStep_TransferNeedsDistinctAccounts(t *testing.T) {
	out := step(t, model.NewSession("chat", t0), "move 100 from checking", withExtraction(extraction(
		"type", "transfer", "amount", "100", "account", "checking")))
	require.Equal(t, model.StateAwaitingCounterparty, out.Session.State)
	assert.Contains(t, out.Reply, "(Savings)")

	out = step(t, out.Session, "checking")
	assert.Equal(t, model.StateAwaitingCounterparty, out.Session.State)
	assert.Contains(t, out.Reply, "two different accounts")

	out = step(t, out.Session, "savings")
	assert.Equal(t, model.StateAwaitingConfirmation, out.Session.State)
	assert.Equal(t, savings, out.Session.Draft.Counterparty)
}

func TestStep_Cancel(t *testing.T) {
	out := step(t, confirmingSession(), "cancel")
	assert.Equal(t, model.StateCancelled, out.Session.State)
	assert.False(t, out.Commit)

	out = step(t, model.NewSession("chat", t0), "/cancel")
	assert.Equal(t, model.StateIdle, out.Session.State)
	assert.Equal(t, nothingMsg, out.Reply)
}

func TestStep_IdleTimeoutStartsOver(t *testing.T) {
	stale := confirmingSession()
	stale.LastActivity = t0.Add(-time.Hour)

	out := step(t, stale, "spent 5 on tea", withExtraction(extraction("type", "withdrawal", "amount", "5")))
	assert.Contains(t, out.Reply, expiredMsg)
	assert.False(t, out.Commit)
	assert.NotEqual(t, stale.Draft.ID, out.Session.Draft.ID)
	assert.Equal(t, "5", out.Session.Draft.Amount.String())

	// "yes" after expiry never commits the stale draft.
	out = step(t, stale, "yes")
	assert.False(t, out.Commit)
	assert.Contains(t, out.Reply, expiredMsg)

	assert.True(t, WantsExtraction(DefaultConfig(), stale, Input{Text: "yes", Now: t0, Accounts: catalog}))
}

func TestStep_IdleTimeoutAppliesToEveryDraftState(t *testing.T) {
	stale := func(state model.State, attempts int) *model.Session {
		s := confirmingSession()
		s.State = state
		s.CommitAttempts = attempts
		s.LastError = "Source account is inactive."
		s.LastActivity = t0.Add(-48 * time.Hour)
		return s
	}

	tests := []struct {
		name    string
		session *model.Session
		text    string
		expired bool
	}{
		{"awaiting type", stale(model.StateAwaitingType, 0), "withdrawal", true},
		{"awaiting amount", stale(model.StateAwaitingAmount, 0), "12", true},
		{"awaiting account", stale(model.StateAwaitingAccount, 0), "savings", true},
		{"awaiting confirmation", stale(model.StateAwaitingConfirmation, 0), "yes", true},
		{"committing retry", stale(model.StateCommitting, 1), "retry", true},
		{"committing yes", stale(model.StateCommitting, 1), "yes", true},
		{"failed retry", stale(model.StateFailed, 1), "retry", true},
		{"failed edit", stale(model.StateFailed, 1), "account savings", true},
		{"done", stale(model.StateDone, 1), "lunch 8", false},
		{"cancelled", stale(model.StateCancelled, 0), "retry", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := Input{Text: tt.text, Now: t0, Accounts: catalog}
			assert.True(t, WantsExtraction(DefaultConfig(), tt.session, in))

			out := step(t, tt.session, tt.text)
			assert.False(t, out.Commit, "a stale draft is never written")
			assert.NotEqual(t, tt.session.Draft.ID, out.Session.Draft.ID)
			assert.Zero(t, out.Session.CommitAttempts)
			assert.Empty(t, out.Session.LastError)
			if tt.expired {
				assert.Contains(t, out.Reply, expiredMsg)
			} else {
				assert.NotContains(t, out.Reply, expiredMsg)
			}
		})
	}
}

func TestApplyCommit(t *testing.T) {
	committing := confirmingSession()
	committing.State = model.StateCommitting
	committing.CommitAttempts = 1

	t.Run("success", func(t *testing.T) {
		out := ApplyCommit(DefaultConfig(), committing, "77", nil, t0)
		assert.Equal(t, model.StateDone, out.Session.State)
		assert.Equal(t, "77", out.Session.ExternalID)
		assert.False(t, out.Session.Draft.HasAmount(), "the draft is discarded once recorded")
		assert.Contains(t, out.Reply, "#77")
		assert.Nil(t, out.Alert)
	})

	t.Run("unreachable keeps the draft", func(t *testing.T) {
		err := fmt.Errorf("%w: timeout", common.ErrLedgerUnreachable)
		out := ApplyCommit(DefaultConfig(), committing, "", err, t0)
		assert.Equal(t, model.StateCommitting, out.Session.State)
		assert.Equal(t, committing.Draft, out.Session.Draft)
		assert.Contains(t, out.Reply, "retry")
		assert.Nil(t, out.Alert)
	})

	t.Run("rejected fails verbatim and alerts", func(t *testing.T) {
		err := &common.LedgerRejection{StatusCode: 422, Message: "Source account is inactive."}
		out := ApplyCommit(DefaultConfig(), committing, "", err, t0)
		assert.Equal(t, model.StateFailed, out.Session.State)
		assert.Contains(t, out.Reply, "Source account is inactive.")
		require.NotNil(t, out.Alert)
		assert.Equal(t, "chat", out.Alert.ChatID)
		assert.Equal(t, committing.Draft.ID, out.Alert.Draft.ID)
	})

	t.Run("attempts exhausted cancels and alerts", func(t *testing.T) {
		s := committing.Clone()
		s.CommitAttempts = DefaultConfig().MaxCommitAttempts
		out := ApplyCommit(DefaultConfig(), s, "", common.ErrLedgerUnreachable, t0)
		assert.Equal(t, model.StateCancelled, out.Session.State)
		require.NotNil(t, out.Alert)
		assert.Contains(t, out.Alert.Message(), "ledger unreachable")
	})
}

func TestStep_CommittingRetry(t *testing.T) {
	s := confirmingSession()
	s.State = model.StateCommitting
	s.CommitAttempts = 1

	out := step(t, s, "retry")
	assert.True(t, out.Commit)
	assert.Equal(t, 2, out.Session.CommitAttempts)
	assert.Equal(t, s.Draft, out.Session.Draft, "the same draft is re-sent")

	out = step(t, s, "what?")
	assert.False(t, out.Commit)
	assert.Equal(t, model.StateCommitting, out.Session.State)
	assert.Contains(t, out.Reply, committingMsg)
}

func TestStep_DoneAnswersDuplicateConfirmation(t *testing.T) {
	s := model.NewSession("chat", t0)
	s.State = model.StateDone
	s.ExternalID = "77"

	out := step(t, s, "yes")
	assert.False(t, out.Commit)
	assert.Equal(t, model.StateDone, out.Session.State)
	assert.Contains(t, out.Reply, "#77")
	assert.False(t, WantsExtraction(DefaultConfig(), s, Input{Text: "yes", Now: t0, Accounts: catalog}))

	out = step(t, s, "coffee 3", withExtraction(extraction("type", "withdrawal", "amount", "3")))
	assert.Equal(t, model.StateAwaitingAccount, out.Session.State)
	assert.Empty(t, out.Session.ExternalID)
}

func TestStep_FailedResumesOnEditOrRetry(t *testing.T) {
	failed := confirmingSession()
	failed.State = model.StateFailed
	failed.LastError = "Source account is inactive."
	failed.CommitAttempts = 1

	out := step(t, failed, "account savings")
	assert.Equal(t, model.StateAwaitingConfirmation, out.Session.State)
	assert.Equal(t, savings, out.Session.Draft.Account)
	assert.Equal(t, failed.Draft.ID, out.Session.Draft.ID)
	assert.Empty(t, out.Session.LastError)

	out = step(t, failed, "retry")
	assert.True(t, out.Commit)
	assert.Equal(t, 2, out.Session.CommitAttempts)

	out = step(t, failed, "spent 9 on pizza", withExtraction(extraction("type", "withdrawal", "amount", "9")))
	assert.NotEqual(t, failed.Draft.ID, out.Session.Draft.ID, "anything else starts a new draft")
	assert.True(t, WantsExtraction(DefaultConfig(), failed, Input{Text: "spent 9 on pizza", Now: t0, Accounts: catalog}))
}

func TestWantsExtraction_FailedUsesCatalog(t *testing.T) {
	failed := confirmingSession()
	failed.State = model.StateFailed
	failed.CommitAttempts = 1

	// "savings" is only recognisable as an account edit against the catalog.
	in := Input{Text: "no, savings", Now: t0, Accounts: catalog}
	assert.False(t, WantsExtraction(DefaultConfig(), failed, in))

	out := step(t, failed, in.Text)
	assert.Equal(t, model.StateAwaitingConfirmation, out.Session.State)
	assert.Equal(t, savings, out.Session.Draft.Account)
	assert.Equal(t, failed.Draft.ID, out.Session.Draft.ID)

	in.Accounts = nil
	assert.True(t, WantsExtraction(DefaultConfig(), failed, in))
}

func TestStep_CommitCapForcesCancel(t *testing.T) {
	s := confirmingSession()
	s.State = model.StateCommitting
	s.CommitAttempts = DefaultConfig().MaxCommitAttempts

	out := step(t, s, "retry")
	assert.False(t, out.Commit)
	assert.Equal(t, model.StateCancelled, out.Session.State)
	require.NotNil(t, out.Alert)
}

func TestParseFailureWrapsSentinel(t *testing.T) {
	err := parseFailure("nope")
	assert.True(t, errors.Is(err, common.ErrParseFailure))
	assert.Equal(t, "nope", err.Error())
}

func TestCleanAccountName(t *testing.T) {
	assert.Equal(t, "savings", cleanAccountName("to my savings account"))
	assert.Equal(t, "Checking", cleanAccountName("from the Checking"))
	assert.Equal(t, "tomato fund", cleanAccountName("tomato fund"))
}
