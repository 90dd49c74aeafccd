package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Veraticus/ledgerbot/internal/common"
	"github.com/Veraticus/ledgerbot/internal/model"
	"github.com/Veraticus/ledgerbot/internal/service"
	"github.com/patrickmn/go-cache"
)

const catalogKey = "asset"

// Engine runs conversations: it loads a chat's session, advances it with Step,
// performs any requested ledger write and saves the result.
type Engine struct {
	store     service.SessionStore
	extractor Extractor
	ledger    Ledger
	catalog   *cache.Cache
	locks     *chatLocks
	now       func() time.Time
	cfg       Config
}

// Result is what a handled message produced.
type Result struct {
	Session *model.Session
	Replies []string
	Alerts  []Alert
}

// StoreFailure reports that a session could not be loaded or saved.
// The message should be treated as unprocessed.
type StoreFailure struct {
	Err        error
	ChatID     string
	State      model.State
	ExternalID string
	Draft      model.DraftTransaction
}

func (e *StoreFailure) Error() string {
	return fmt.Sprintf("chat %s in state %s: %v", e.ChatID, e.State, e.Err)
}

func (e *StoreFailure) Unwrap() error {
	return e.Err
}

// Alert converts the failure into an operator report.
func (e *StoreFailure) Alert() Alert {
	return Alert{
		ChatID:     e.ChatID,
		State:      e.State,
		Reason:     e.Err.Error(),
		ExternalID: e.ExternalID,
		Draft:      e.Draft,
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithCatalogTTL sets how long the ledger's account list is reused.
func WithCatalogTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		e.catalog = cache.New(ttl, 2*ttl)
	}
}

// NewEngine creates an engine with the given dependencies.
func NewEngine(store service.SessionStore, extractor Extractor, ledger Ledger, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		extractor: extractor,
		ledger:    ledger,
		cfg:       cfg,
		catalog:   cache.New(5*time.Minute, 10*time.Minute),
		locks:     newChatLocks(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Handle processes one inbound message for chatID. Messages for the same chat
// are handled one at a time. A *StoreFailure error means nothing was persisted
// and the message may be redelivered.
func (e *Engine) Handle(ctx context.Context, chatID, text string) (Result, error) {
	unlock := e.locks.lock(chatID)
	defer unlock()

	now := e.now()
	current, err := e.store.Load(ctx, chatID)
	if err != nil {
		return Result{}, &StoreFailure{
			ChatID: chatID,
			State:  model.StateIdle,
			Err:    fmt.Errorf("%w: load: %w", common.ErrSessionStore, err),
		}
	}
	if current == nil {
		current = model.NewSession(chatID, now)
	}

	in := Input{Text: text, Now: now, Accounts: e.accounts(ctx)}
	if WantsExtraction(e.cfg, current, in) {
		in.Extraction, in.ExtractionErr = e.extract(ctx, text, current, now)
	}

	out := Step(e.cfg, current, in)
	if len(out.Unresolved) > 0 {
		in.Resolved = e.resolveAccounts(ctx, chatID, out.Unresolved, in.Accounts == nil)
		out = Step(e.cfg, current, in)
	}
	result := Result{}
	if out.Reply != "" {
		result.Replies = append(result.Replies, out.Reply)
	}
	if out.Alert != nil {
		result.Alerts = append(result.Alerts, *out.Alert)
	}

	if out.Commit {
		if err := e.store.Save(ctx, out.Session); err != nil {
			return Result{}, storeFailure(out.Session, err)
		}

		externalID, commitErr := e.ledger.CreateTransaction(ctx, out.Session.Draft)
		if commitErr != nil {
			slog.Warn("Ledger write failed",
				"chat_id", chatID,
				"draft_id", out.Session.Draft.ID,
				"attempt", out.Session.CommitAttempts,
				"error", commitErr)
		}

		out = ApplyCommit(e.cfg, out.Session, externalID, commitErr, e.now())
		result.Replies = append(result.Replies, out.Reply)
		if out.Alert != nil {
			result.Alerts = append(result.Alerts, *out.Alert)
		}
	}

	if err := e.store.Save(ctx, out.Session); err != nil {
		return Result{}, storeFailure(out.Session, err)
	}

	slog.Debug("Conversation advanced",
		"chat_id", chatID,
		"from", current.State,
		"to", out.Session.State,
		"draft_id", out.Session.Draft.ID)

	result.Session = out.Session
	return result, nil
}

func storeFailure(s *model.Session, err error) *StoreFailure {
	if !errors.Is(err, common.ErrSessionStore) {
		err = fmt.Errorf("%w: save: %w", common.ErrSessionStore, err)
	}
	return &StoreFailure{
		ChatID:     s.ChatID,
		State:      s.State,
		ExternalID: s.ExternalID,
		Draft:      s.Draft,
		Err:        err,
	}
}

func (e *Engine) extract(ctx context.Context, text string, s *model.Session, now time.Time) (model.Extraction, error) {
	if e.extractor == nil {
		return model.Extraction{}, common.ErrExtractionUnavailable
	}
	hint := model.Hint{ReferenceTime: now, Expecting: s.Prompted}
	extraction, err := e.extractor.Extract(ctx, text, hint)
	if err != nil {
		slog.Warn("Intent extraction failed", "chat_id", s.ChatID, "error", err)
		return model.Extraction{}, err
	}
	slog.Debug("Intent extracted",
		"chat_id", s.ChatID,
		"provider", extraction.Provider,
		"fields", extraction.Fields())
	return extraction, nil
}

// accounts returns the cached asset account catalog, or nil when the ledger cannot list it.
func (e *Engine) accounts(ctx context.Context) []model.Account {
	if cached, ok := e.catalog.Get(catalogKey); ok {
		if accounts, ok := cached.([]model.Account); ok {
			return accounts
		}
	}

	accounts, err := e.ledger.ListAccounts(ctx, "asset")
	if err != nil {
		slog.Warn("Account catalog unavailable", "error", err)
		return nil
	}
	if len(accounts) == 0 {
		return nil
	}
	e.catalog.SetDefault(catalogKey, accounts)
	return accounts
}

// resolveAccounts asks the ledger about names the catalog could not match.
// When the catalog is down too, a name the ledger could not be asked about
// maps to itself so the ledger can resolve it at commit.
func (e *Engine) resolveAccounts(ctx context.Context, chatID string, names []string, catalogDown bool) map[string]model.Account {
	resolved := make(map[string]model.Account, len(names))
	for _, name := range names {
		account, err := e.ledger.ResolveAccount(ctx, name)
		switch {
		case errors.Is(err, common.ErrAccountNotFound):
			resolved[name] = model.Account{}
		case err != nil:
			slog.Warn("Account lookup failed", "chat_id", chatID, "name", name, "error", err)
			if catalogDown {
				resolved[name] = model.Account{Name: name}
			}
		default:
			resolved[name] = account
			// The catalog missed an account the ledger has.
			e.InvalidateAccounts()
		}
	}
	return resolved
}

// InvalidateAccounts drops the cached account catalog.
func (e *Engine) InvalidateAccounts() {
	e.catalog.Delete(catalogKey)
}

// Status describes the chat's current conversation.
func (e *Engine) Status(ctx context.Context, chatID string) (string, error) {
	s, err := e.store.Load(ctx, chatID)
	if err != nil {
		return "", fmt.Errorf("%w: load: %w", common.ErrSessionStore, err)
	}
	return Describe(s), nil
}

// Reset discards the chat's session entirely. The account catalog is
// refetched on the next message so newly created accounts show up.
func (e *Engine) Reset(ctx context.Context, chatID string) error {
	unlock := e.locks.lock(chatID)
	defer unlock()

	if err := e.store.Delete(ctx, chatID); err != nil && !errors.Is(err, common.ErrNotFound) {
		return fmt.Errorf("%w: delete: %w", common.ErrSessionStore, err)
	}
	e.InvalidateAccounts()
	return nil
}

// Describe renders a session for status displays.
func Describe(s *model.Session) string {
	if s == nil || s.State == model.StateIdle {
		return "No transaction in progress."
	}
	switch s.State {
	case model.StateDone:
		return fmt.Sprintf("Last transaction saved as #%s.", s.ExternalID)
	case model.StateCancelled:
		return "Last entry was cancelled."
	case model.StateFailed:
		return "Last entry was rejected by the ledger: " + s.LastError + "\n" + s.Draft.Summary()
	case model.StateCommitting:
		return fmt.Sprintf("Waiting to save (attempt %d):\n%s", s.CommitAttempts, s.Draft.Summary())
	default:
		return fmt.Sprintf("In progress (%s):\n%s", s.State, s.Draft.Summary())
	}
}
