package ledger

import (
	"context"
	"strconv"
	"sync"

	"github.com/Veraticus/ledgerbot/internal/model"
)

// MockLedger is a mock implementation of the ledger client for testing.
type MockLedger struct {
	// Functions that can be set by tests to control behavior
	CreateTransactionFn func(ctx context.Context, draft model.DraftTransaction) (string, error)
	ListAccountsFn      func(ctx context.Context, accountType string) ([]model.Account, error)
	ResolveAccountFn    func(ctx context.Context, name string) (model.Account, error)

	// Call tracking
	CreateTransactionCalls []model.DraftTransaction
	ListAccountsCalls      int
	ResolveAccountCalls    []string

	mu sync.Mutex
}

// NewMockLedger creates a mock ledger that accepts every transaction.
func NewMockLedger() *MockLedger {
	return &MockLedger{
		CreateTransactionCalls: []model.DraftTransaction{},
	}
}

// CreateTransaction implements the ledger's CreateTransaction.
func (m *MockLedger) CreateTransaction(ctx context.Context, draft model.DraftTransaction) (string, error) {
	m.mu.Lock()
	m.CreateTransactionCalls = append(m.CreateTransactionCalls, draft)
	n := len(m.CreateTransactionCalls)
	fn := m.CreateTransactionFn
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, draft)
	}

	// Default behavior: sequential ids starting at 1000
	return strconv.Itoa(999 + n), nil
}

// ListAccounts implements the ledger's ListAccounts.
func (m *MockLedger) ListAccounts(ctx context.Context, accountType string) ([]model.Account, error) {
	m.mu.Lock()
	m.ListAccountsCalls++
	fn := m.ListAccountsFn
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, accountType)
	}
	return nil, nil
}

// ResolveAccount implements the ledger's ResolveAccount.
func (m *MockLedger) ResolveAccount(ctx context.Context, name string) (model.Account, error) {
	m.mu.Lock()
	m.ResolveAccountCalls = append(m.ResolveAccountCalls, name)
	fn := m.ResolveAccountFn
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, name)
	}
	return model.Account{Name: name}, nil
}

// Created returns a copy of the drafts passed to CreateTransaction.
func (m *MockLedger) Created() []model.DraftTransaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.DraftTransaction(nil), m.CreateTransactionCalls...)
}
