package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Veraticus/ledgerbot/internal/common"
	"github.com/Veraticus/ledgerbot/internal/conversation"
	"github.com/Veraticus/ledgerbot/internal/intent"
	"github.com/Veraticus/ledgerbot/internal/ledger"
	"github.com/Veraticus/ledgerbot/internal/model"
	"github.com/Veraticus/ledgerbot/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const admin = "1"

type brokenStore struct {
	*storage.MemoryStore
	broken bool
}

func (s *brokenStore) Load(ctx context.Context, chatID string) (*model.Session, error) {
	if s.broken {
		return nil, errors.New("database is locked")
	}
	return s.MemoryStore.Load(ctx, chatID)
}

type fixture struct {
	dispatcher *Dispatcher
	sender     *MockSender
	ledger     *ledger.MockLedger
	store      *brokenStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		sender: NewMockSender(),
		ledger: ledger.NewMockLedger(),
		store:  &brokenStore{MemoryStore: storage.NewMemoryStore()},
	}
	f.ledger.ListAccountsFn = func(context.Context, string) ([]model.Account, error) {
		return []model.Account{{ID: "1", Name: "Checking"}, {ID: "2", Name: "Savings"}}, nil
	}
	engine := conversation.NewEngine(f.store, intent.NewRules(), f.ledger, conversation.DefaultConfig())
	f.dispatcher = New(engine, f.sender, Config{AdminChatID: admin, DedupeTTL: time.Minute})
	return f
}

func (f *fixture) dispatch(t *testing.T, updateID int64, text string) {
	t.Helper()
	require.NoError(t, f.dispatcher.Dispatch(context.Background(), Inbound{UpdateID: updateID, ChatID: "42", Text: text}))
}

func TestDispatch_ConversationReplies(t *testing.T) {
	f := newFixture(t)

	f.dispatch(t, 1, "spent 20 on lunch")
	f.dispatch(t, 2, "checking")
	f.dispatch(t, 3, "yes")

	replies := f.sender.SentTo("42")
	require.Len(t, replies, 3)
	assert.Contains(t, replies[0], "Which account")
	assert.Contains(t, replies[1], "Please confirm:")
	assert.Contains(t, replies[2], "Saved!")
	assert.Len(t, f.ledger.Created(), 1)
	assert.Empty(t, f.sender.SentTo(admin))
}

func TestDispatch_DuplicateUpdatesProcessedOnce(t *testing.T) {
	f := newFixture(t)

	f.dispatch(t, 1, "spent 20 on lunch")
	f.dispatch(t, 2, "checking")
	f.dispatch(t, 3, "yes")
	f.dispatch(t, 3, "yes")

	assert.Len(t, f.ledger.Created(), 1)
	assert.Len(t, f.sender.SentTo("42"), 3)

	// Without an update id nothing is deduplicated.
	f.dispatch(t, 0, "/status")
	f.dispatch(t, 0, "/status")
	assert.Len(t, f.sender.SentTo("42"), 5)
}

func TestDispatch_StoreFailureAlertsAndAllowsRedelivery(t *testing.T) {
	f := newFixture(t)
	f.store.broken = true

	err := f.dispatcher.Dispatch(context.Background(), Inbound{UpdateID: 7, ChatID: "42", Text: "spent 20 on lunch"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrSessionStore))

	alerts := f.sender.SentTo(admin)
	require.Len(t, alerts, 1)
	assert.Contains(t, alerts[0], "chat: 42")
	assert.Contains(t, alerts[0], "database is locked")
	assert.Empty(t, f.sender.SentTo("42"))

	f.store.broken = false
	f.dispatch(t, 7, "spent 20 on lunch")
	assert.Len(t, f.sender.SentTo("42"), 1, "the redelivered update is processed")
}

func TestDispatch_RejectionAlertsAdmin(t *testing.T) {
	f := newFixture(t)
	f.ledger.CreateTransactionFn = func(context.Context, model.DraftTransaction) (string, error) {
		return "", &common.LedgerRejection{StatusCode: 422, Message: "Unknown currency."}
	}

	f.dispatch(t, 1, "spent 20 on lunch")
	f.dispatch(t, 2, "checking")
	f.dispatch(t, 3, "yes")

	alerts := f.sender.SentTo(admin)
	require.Len(t, alerts, 1)
	assert.Contains(t, alerts[0], "Unknown currency.")
	assert.Contains(t, alerts[0], "state: failed")
}

func TestDispatch_AlertDeliveryFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.ledger.CreateTransactionFn = func(context.Context, model.DraftTransaction) (string, error) {
		return "", &common.LedgerRejection{StatusCode: 422, Message: "Unknown currency."}
	}
	f.sender.SendMessageFn = func(_ context.Context, chatID, _ string) error {
		if chatID == admin {
			return errors.New("bot was blocked by the user")
		}
		return nil
	}

	f.dispatch(t, 1, "spent 20 on lunch")
	f.dispatch(t, 2, "checking")
	f.dispatch(t, 3, "yes")

	replies := f.sender.SentTo("42")
	require.Len(t, replies, 3)
	assert.Contains(t, replies[2], "Unknown currency.")
}

func TestDispatch_Commands(t *testing.T) {
	f := newFixture(t)

	f.dispatch(t, 1, "/start")
	f.dispatch(t, 2, "/help@ledger_bot")
	f.dispatch(t, 3, "/status")
	f.dispatch(t, 4, "spent 20 on lunch")
	f.dispatch(t, 5, "/STATUS")
	f.dispatch(t, 6, "/cancel")
	f.dispatch(t, 7, "/reset")
	f.dispatch(t, 8, "/frobnicate")

	replies := f.sender.SentTo("42")
	require.Len(t, replies, 8)
	assert.Equal(t, helpText, replies[0])
	assert.Equal(t, helpText, replies[1])
	assert.Equal(t, "No transaction in progress.", replies[2])
	assert.Contains(t, replies[4], "awaiting_account")
	assert.Contains(t, replies[5], "discarded")
	assert.Equal(t, resetText, replies[6])
	assert.Contains(t, replies[7], "/frobnicate")

	stored, err := f.store.Load(context.Background(), "42")
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestDispatch_ReplyFailureKeepsUpdateClaimed(t *testing.T) {
	f := newFixture(t)
	f.sender.SendMessageFn = func(context.Context, string, string) error {
		return errors.New("network down")
	}

	err := f.dispatcher.Dispatch(context.Background(), Inbound{UpdateID: 1, ChatID: "42", Text: "spent 20 on lunch"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrTransport))

	f.sender.SendMessageFn = nil
	f.dispatch(t, 1, "spent 20 on lunch")
	assert.Empty(t, f.sender.Sent(), "the session already advanced, so the update is not replayed")
}

func TestDispatch_IgnoresEmptyMessages(t *testing.T) {
	f := newFixture(t)
	f.dispatch(t, 1, "   ")
	assert.Empty(t, f.sender.Sent())
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		text string
		want string
		ok   bool
	}{
		{"/start", "start", true},
		{"/Help@my_bot extra", "help", true},
		{"/", "", false},
		{"spent 20", "", false},
	}
	for _, tt := range tests {
		got, ok := parseCommand(tt.text)
		assert.Equal(t, tt.ok, ok, tt.text)
		assert.Equal(t, tt.want, got, tt.text)
	}
}
