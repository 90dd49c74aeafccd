package conversation

import (
	"context"

	"github.com/Veraticus/ledgerbot/internal/model"
)

// Extractor turns free text into candidate draft fields.
// An empty extraction is a normal result; errors mean the service was unavailable.
type Extractor interface {
	Extract(ctx context.Context, text string, hint model.Hint) (model.Extraction, error)
}

// Ledger is the subset of the ledger client the engine drives.
type Ledger interface {
	CreateTransaction(ctx context.Context, draft model.DraftTransaction) (string, error)
	ListAccounts(ctx context.Context, accountType string) ([]model.Account, error)
	ResolveAccount(ctx context.Context, name string) (model.Account, error)
}
