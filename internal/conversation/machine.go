// Package conversation implements the per-chat dialogue that builds a ledger
// transaction from free text, and the engine that drives it.
package conversation

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/Veraticus/ledgerbot/internal/common"
	"github.com/Veraticus/ledgerbot/internal/model"
	"github.com/Veraticus/ledgerbot/internal/parse"
)

// Config tunes the dialogue policy.
type Config struct {
	DefaultCurrency   string
	IdleTimeout       time.Duration
	MinConfidence     float64
	MaxRetries        int
	MaxCommitAttempts int
}

// DefaultConfig returns the policy used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:       30 * time.Minute,
		MinConfidence:     0.7,
		MaxRetries:        3,
		MaxCommitAttempts: 3,
	}
}

// Input is everything a single transition may look at.
type Input struct {
	Now           time.Time
	ExtractionErr error
	Text          string
	Extraction    model.Extraction
	// Accounts is the ledger's asset account catalog, or nil when it is unavailable.
	Accounts []model.Account
	// Resolved holds ledger lookups for names the catalog did not match, keyed
	// by the cleaned name. A zero Account marks a name the ledger does not know.
	Resolved map[string]model.Account

	unresolved *[]string
}

// Outcome is the result of a transition. When Commit is set the caller must
// save Session, write its draft to the ledger and feed the result to ApplyCommit.
type Outcome struct {
	Session *model.Session
	Alert   *Alert
	Reply   string
	Commit  bool
	// Unresolved lists account names that neither Accounts nor Resolved
	// answered. The caller may look them up and step again with Resolved set.
	Unresolved []string
}

// Alert is an operator-facing report of a conversation that could not finish normally.
type Alert struct {
	ChatID     string
	State      model.State
	Reason     string
	ExternalID string
	Draft      model.DraftTransaction
}

// Message renders the alert for the admin chat.
func (a Alert) Message() string {
	var b strings.Builder
	fmt.Fprintf(&b, "ledgerbot alert: %s\nchat: %s\nstate: %s", a.Reason, a.ChatID, a.State)
	if a.ExternalID != "" {
		fmt.Fprintf(&b, "\nledger id: %s", a.ExternalID)
	}
	if a.Draft.ID != "" {
		fmt.Fprintf(&b, "\ndraft %s:\n%s", a.Draft.ID, a.Draft.Summary())
	}
	return b.String()
}

// WantsExtraction reports whether Step will read an extraction for in.Text.
// Only messages that start a new draft are sent to the extractor. in must
// carry the same Accounts that Step will see.
func WantsExtraction(cfg Config, s *model.Session, in Input) bool {
	text := strings.TrimSpace(in.Text)
	if parse.Cancel(text) {
		return false
	}
	if s == nil || s.State == model.StateIdle || !s.State.Valid() || s.Expired(in.Now, cfg.IdleTimeout) {
		return true
	}
	switch s.State {
	case model.StateDone:
		return !parse.Affirmative(text)
	case model.StateFailed:
		return !resumesFailed(text, s.Draft, in)
	case model.StateCancelled:
		return true
	default:
		return false
	}
}

// Step advances a session by one inbound message. It never mutates current
// and performs no I/O.
func Step(cfg Config, current *model.Session, in Input) Outcome {
	var missing []string
	in.unresolved = &missing
	out := transition(cfg, current, in)
	out.Unresolved = missing
	return out
}

func transition(cfg Config, current *model.Session, in Input) Outcome {
	s := current.Clone()
	text := strings.TrimSpace(in.Text)

	var notes []string
	if s.Expired(in.Now, cfg.IdleTimeout) {
		s = model.NewSession(s.ChatID, in.Now)
		notes = append(notes, expiredMsg)
	}
	s.LastActivity = in.Now

	switch s.State {
	case model.StateDone:
		if parse.Affirmative(text) {
			return Outcome{Session: s, Reply: fmt.Sprintf("That transaction is already saved as #%s.", s.ExternalID)}
		}
		s = model.NewSession(s.ChatID, in.Now)
	case model.StateFailed:
		if resumesFailed(text, s.Draft, in) {
			return resumeFailed(cfg, s, text, in)
		}
		s = model.NewSession(s.ChatID, in.Now)
	case model.StateCancelled:
		s = model.NewSession(s.ChatID, in.Now)
	}

	if parse.Cancel(text) {
		if s.State == model.StateIdle {
			return Outcome{Session: s, Reply: joinReply(append(notes, nothingMsg)...)}
		}
		s.State = model.StateCancelled
		s.Prompted = model.FieldNone
		return Outcome{Session: s, Reply: cancelledMsg}
	}

	var out Outcome
	switch {
	case s.State == model.StateIdle:
		out = seed(cfg, s, in)
	case s.State.Awaiting():
		out = fill(cfg, s, text, in)
	case s.State == model.StateAwaitingConfirmation:
		out = confirm(cfg, s, text, in)
	case s.State == model.StateCommitting:
		out = stuck(cfg, s, text, in)
	default:
		out = seed(cfg, model.NewSession(s.ChatID, in.Now), in)
	}

	if len(notes) > 0 {
		out.Reply = joinReply(append(notes, out.Reply)...)
	}
	return out
}

// ApplyCommit folds the result of a ledger write into a Committing session.
func ApplyCommit(cfg Config, current *model.Session, externalID string, err error, now time.Time) Outcome {
	s := current.Clone()
	s.LastActivity = now

	if err == nil {
		summary := s.Draft
		s.State = model.StateDone
		s.ExternalID = externalID
		s.LastError = ""
		s.Retries = 0
		s.Prompted = model.FieldNone
		s.Draft = model.DraftTransaction{ID: summary.ID}
		return Outcome{Session: s, Reply: savedMessage(externalID, summary)}
	}

	s.LastError = err.Error()

	if reason, ok := common.RejectionMessage(err); ok || errors.Is(err, common.ErrLedgerRejected) {
		if !ok {
			reason = err.Error()
		}
		s.State = model.StateFailed
		s.LastError = reason
		return Outcome{
			Session: s,
			Reply:   rejectedMessage(reason),
			Alert:   &Alert{ChatID: s.ChatID, State: s.State, Reason: "ledger rejected transaction: " + reason, Draft: s.Draft},
		}
	}

	limit := commitLimit(cfg)
	if s.CommitAttempts >= limit {
		s.State = model.StateCancelled
		return Outcome{
			Session: s,
			Reply:   fmt.Sprintf("I couldn't reach the ledger after %d attempts, so I've cancelled this entry. The administrator has been notified.", s.CommitAttempts),
			Alert: &Alert{
				ChatID: s.ChatID,
				State:  s.State,
				Reason: fmt.Sprintf("ledger unreachable after %d attempts: %v", s.CommitAttempts, err),
				Draft:  s.Draft,
			},
		}
	}

	s.State = model.StateCommitting
	return Outcome{Session: s, Reply: unreachableMessage(s.CommitAttempts, limit)}
}

func commitLimit(cfg Config) int {
	if cfg.MaxCommitAttempts <= 0 {
		return 1
	}
	return cfg.MaxCommitAttempts
}

// seed builds a fresh draft from the extractor's proposal and asks for what is missing.
func seed(cfg Config, s *model.Session, in Input) Outcome {
	var notes []string
	if in.ExtractionErr != nil {
		notes = append(notes, unavailMsg)
	}

	draft := &s.Draft
	for _, field := range []model.Field{
		model.FieldType, model.FieldAmount, model.FieldCurrency, model.FieldAccount,
		model.FieldCounterparty, model.FieldDescription, model.FieldDate,
	} {
		candidate, ok := in.Extraction.Best(field, cfg.MinConfidence)
		if !ok {
			continue
		}
		if err := applyField(draft, field, candidate.Value, in); err != nil {
			var pe *parseError
			if errors.As(err, &pe) && pe.notify {
				notes = append(notes, pe.reason)
			}
		}
	}

	if draft.Description == "" {
		draft.Description = strings.TrimSpace(in.Text)
	}
	if draft.Currency == "" {
		draft.Currency = cfg.DefaultCurrency
	}

	return advance(s, in, notes...)
}

// fill handles the reply to a prompt for a single field.
func fill(cfg Config, s *model.Session, text string, in Input) Outcome {
	field := s.State.Field()
	if err := applyField(&s.Draft, field, text, in); err != nil {
		return reprompt(cfg, s, err, promptFor(field, s.Draft, in.Accounts))
	}
	return advance(s, in)
}

// confirm handles the reply to a confirmation summary: yes, an edit or a bare no.
func confirm(cfg Config, s *model.Session, text string, in Input) Outcome {
	if parse.Affirmative(text) {
		return beginCommit(cfg, s, in)
	}

	rest, negated := parse.StripNegative(text)
	e, ok := parseEdit(rest, s.Draft, in)
	if s.Prompted != model.FieldNone && (!ok || !e.explicit) {
		e, ok = edit{field: s.Prompted, value: text, explicit: true}, true
	}
	if !ok {
		if negated && rest == "" {
			s.Prompted = model.FieldNone
			return Outcome{Session: s, Reply: changeHelp}
		}
		return reprompt(cfg, s, parseFailure("I didn't understand that."), confirmPrompt(s.Draft))
	}
	return applyEdit(cfg, s, e, in)
}

func applyEdit(cfg Config, s *model.Session, e edit, in Input) Outcome {
	if e.bare {
		s.Draft.Clear(e.field)
		if state, ok := model.AwaitingState(e.field); ok {
			s.State = state
			s.Prompted = e.field
			s.Retries = 0
			return Outcome{Session: s, Reply: promptFor(e.field, s.Draft, in.Accounts)}
		}
		s.State = model.StateAwaitingConfirmation
		s.Prompted = e.field
		return Outcome{Session: s, Reply: fmt.Sprintf("What should the %s be? Reply \"%s ...\" with the new value.", e.field, e.field)}
	}

	if err := applyField(&s.Draft, e.field, e.value, in); err != nil {
		s.State = model.StateAwaitingConfirmation
		return reprompt(cfg, s, err, confirmPrompt(s.Draft))
	}
	s.CommitAttempts = 0
	return advance(s, in)
}

// stuck handles a message while an earlier ledger write is unresolved.
func stuck(cfg Config, s *model.Session, text string, in Input) Outcome {
	if parse.Retry(text) || parse.Affirmative(text) {
		return beginCommit(cfg, s, in)
	}
	return reprompt(cfg, s, parseFailure("The previous transaction is still pending."), committingMsg)
}

// resumesFailed reports whether a message after a rejection continues the rejected draft.
func resumesFailed(text string, draft model.DraftTransaction, in Input) bool {
	if parse.Retry(text) || parse.Affirmative(text) {
		return true
	}
	rest, negated := parse.StripNegative(text)
	e, ok := parseEdit(rest, draft, in)
	return ok && (e.explicit || negated)
}

func resumeFailed(cfg Config, s *model.Session, text string, in Input) Outcome {
	s.LastError = ""
	if parse.Retry(text) || parse.Affirmative(text) {
		return beginCommit(cfg, s, in)
	}
	rest, _ := parse.StripNegative(text)
	e, _ := parseEdit(rest, s.Draft, in)
	s.State = model.StateAwaitingConfirmation
	return applyEdit(cfg, s, e, in)
}

// beginCommit moves a complete draft to Committing and asks the caller to write it.
func beginCommit(cfg Config, s *model.Session, in Input) Outcome {
	if !s.Draft.Complete() {
		return advance(s, in)
	}

	limit := commitLimit(cfg)
	if s.CommitAttempts >= limit {
		s.State = model.StateCancelled
		return Outcome{
			Session: s,
			Reply:   fmt.Sprintf("This entry already failed %d times, so I've cancelled it.", s.CommitAttempts),
			Alert: &Alert{
				ChatID: s.ChatID,
				State:  s.State,
				Reason: fmt.Sprintf("commit attempts exhausted: %s", s.LastError),
				Draft:  s.Draft,
			},
		}
	}

	s.CommitAttempts++
	s.State = model.StateCommitting
	s.Prompted = model.FieldNone
	s.Retries = 0
	return Outcome{Session: s, Commit: true}
}

// advance prompts for the next missing field, or for confirmation once the draft is complete.
func advance(s *model.Session, in Input, notes ...string) Outcome {
	s.Retries = 0
	next := s.Draft.NextMissing()
	if next == model.FieldNone {
		s.State = model.StateAwaitingConfirmation
		s.Prompted = model.FieldNone
		return Outcome{Session: s, Reply: joinReply(append(notes, confirmPrompt(s.Draft))...)}
	}

	state, _ := model.AwaitingState(next)
	s.State = state
	s.Prompted = next
	return Outcome{Session: s, Reply: joinReply(append(notes, promptFor(next, s.Draft, in.Accounts))...)}
}

// reprompt counts a failed reply and repeats the question, giving up after MaxRetries.
func reprompt(cfg Config, s *model.Session, err error, prompt string) Outcome {
	s.Retries++
	if s.Retries > cfg.MaxRetries {
		s.State = model.StateCancelled
		s.Prompted = model.FieldNone
		return Outcome{Session: s, Reply: gaveUpMsg}
	}

	reason := err.Error()
	var pe *parseError
	if errors.As(err, &pe) {
		reason = pe.reason
	}
	return Outcome{Session: s, Reply: joinReply(reason, prompt)}
}

// parseError is a user-facing explanation of why a reply did not fit a field.
type parseError struct {
	reason string
	// notify marks problems worth mentioning even when the value came from the extractor.
	notify bool
}

func (e *parseError) Error() string { return e.reason }

func (e *parseError) Unwrap() error { return common.ErrParseFailure }

func parseFailure(reason string) error {
	return &parseError{reason: reason}
}

// applyField writes value into field after parsing it. The draft is untouched on error.
func applyField(draft *model.DraftTransaction, field model.Field, value string, in Input) error {
	value = strings.TrimSpace(value)
	switch field {
	case model.FieldType:
		kind, ok := parse.Kind(value)
		if !ok {
			return parseFailure("I didn't catch the type. Please answer withdrawal, deposit or transfer.")
		}
		draft.Type = kind

	case model.FieldAmount:
		amount, currency, ok := parse.Amount(value)
		if !ok {
			return parseFailure("That doesn't look like a positive amount.")
		}
		draft.Amount = amount
		if currency != "" {
			draft.Currency = currency
		}

	case model.FieldCurrency:
		currency, ok := parse.Currency(value)
		if !ok {
			return parseFailure(fmt.Sprintf("I don't know the currency %q.", value))
		}
		draft.Currency = currency

	case model.FieldAccount:
		account, err := lookupAccount(in, value)
		if err != nil {
			return err
		}
		draft.Account = account

	case model.FieldCounterparty:
		if draft.Type != model.TypeTransfer {
			name := cleanAccountName(value)
			if name == "" {
				return parseFailure("Who was the other side of this transaction?")
			}
			draft.Counterparty = model.Account{Name: name}
			return nil
		}
		account, err := lookupAccount(in, value)
		if err != nil {
			return err
		}
		if account.SameAs(draft.Account) {
			return parseFailure("A transfer needs two different accounts.")
		}
		draft.Counterparty = account

	case model.FieldDescription:
		if value == "" {
			return parseFailure("The description can't be empty.")
		}
		draft.Description = value

	case model.FieldDate:
		date, ok := parse.Date(value, in.Now)
		if !ok {
			return parseFailure("I didn't understand that date. Try \"yesterday\" or 2024-03-09.")
		}
		draft.Date = date

	default:
		return parseFailure("I can't change that.")
	}
	return nil
}

// lookupAccount resolves a spoken account name against the catalog, then
// against the ledger's answers in in.Resolved. Names neither could answer are
// recorded for the caller; without a catalog they are passed through for the
// ledger to resolve at commit.
func lookupAccount(in Input, value string) (model.Account, error) {
	name := cleanAccountName(value)
	if name == "" {
		return model.Account{}, parseFailure("Which account?")
	}
	if account, ok := model.MatchAccount(in.Accounts, name); ok {
		return account, nil
	}
	if account, ok := in.Resolved[name]; ok {
		if account.IsZero() {
			return model.Account{}, unknownAccount(name)
		}
		return account, nil
	}
	if in.unresolved != nil && !slices.Contains(*in.unresolved, name) {
		*in.unresolved = append(*in.unresolved, name)
	}
	if in.Accounts == nil {
		return model.Account{Name: name}, nil
	}
	return model.Account{}, unknownAccount(name)
}

func unknownAccount(name string) error {
	return &parseError{
		reason: fmt.Sprintf("I couldn't find an account called %q.", name),
		notify: true,
	}
}
