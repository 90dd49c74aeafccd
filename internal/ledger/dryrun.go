package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/Veraticus/ledgerbot/internal/common"
	"github.com/Veraticus/ledgerbot/internal/model"
)

// DryRun records transactions in memory instead of writing them to a ledger.
// Drafts resent with the same id map to the id they were first given.
type DryRun struct {
	byDraft  map[string]string
	accounts []model.Account
	recorded []model.DraftTransaction
	mu       sync.Mutex
}

// NewDryRun creates a dry-run ledger that knows the given asset accounts.
func NewDryRun(accounts []model.Account) *DryRun {
	return &DryRun{
		byDraft:  make(map[string]string),
		accounts: accounts,
	}
}

// CreateTransaction records draft and returns a synthetic id.
func (d *DryRun) CreateTransaction(_ context.Context, draft model.DraftTransaction) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if id, ok := d.byDraft[draft.ID]; ok {
		return id, nil
	}
	if !draft.Complete() {
		return "", &common.LedgerRejection{StatusCode: 422, Message: "The given data was invalid."}
	}

	d.recorded = append(d.recorded, draft)
	id := fmt.Sprintf("dry-%d", len(d.recorded))
	d.byDraft[draft.ID] = id

	slog.Info("Dry run: transaction not sent to ledger",
		"id", id,
		"type", draft.Type,
		"amount", draft.Amount.String(),
		"account", draft.Account.Name)

	return id, nil
}

// ListAccounts returns the configured accounts of accountType.
func (d *DryRun) ListAccounts(_ context.Context, accountType string) ([]model.Account, error) {
	var accounts []model.Account
	for _, a := range d.accounts {
		if accountType == "" || a.Type == "" || strings.EqualFold(a.Type, accountType) {
			accounts = append(accounts, a)
		}
	}
	return accounts, nil
}

// ResolveAccount matches name against the configured accounts.
func (d *DryRun) ResolveAccount(_ context.Context, name string) (model.Account, error) {
	if account, ok := model.MatchAccount(d.accounts, name); ok {
		return account, nil
	}
	return model.Account{}, fmt.Errorf("%w: %q", common.ErrAccountNotFound, name)
}

// Recorded returns the drafts accepted so far.
func (d *DryRun) Recorded() []model.DraftTransaction {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]model.DraftTransaction(nil), d.recorded...)
}
