// Package model defines the conversation and ledger types shared across the bot.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionType is the kind of ledger entry a draft will become.
type TransactionType string

// Transaction types understood by the ledger.
const (
	TypeWithdrawal TransactionType = "withdrawal"
	TypeDeposit    TransactionType = "deposit"
	TypeTransfer   TransactionType = "transfer"
)

// Valid reports whether t is one of the known transaction types.
func (t TransactionType) Valid() bool {
	switch t {
	case TypeWithdrawal, TypeDeposit, TypeTransfer:
		return true
	default:
		return false
	}
}

// Field names a draft attribute that can be prompted for, extracted or edited.
type Field string

// Draft fields.
const (
	FieldNone         Field = ""
	FieldType         Field = "type"
	FieldAmount       Field = "amount"
	FieldCurrency     Field = "currency"
	FieldAccount      Field = "account"
	FieldCounterparty Field = "counterparty"
	FieldDescription  Field = "description"
	FieldDate         Field = "date"
)

// Account is an account as known to the ledger. Only Name is guaranteed;
// an empty ID means the ledger will resolve the account by name.
type Account struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name"`
	Type     string `json:"type,omitempty"`
	Currency string `json:"currency,omitempty"`
}

// IsZero reports whether no account has been chosen.
func (a Account) IsZero() bool {
	return a.ID == "" && a.Name == ""
}

// SameAs reports whether a and b refer to the same ledger account.
func (a Account) SameAs(b Account) bool {
	if a.ID != "" && b.ID != "" {
		return a.ID == b.ID
	}
	return strings.EqualFold(strings.TrimSpace(a.Name), strings.TrimSpace(b.Name))
}

// DraftTransaction is a transaction under construction across several messages.
//
// Account is always the user's own asset account: the source of a withdrawal
// or transfer, the destination of a deposit. Counterparty is the other side:
// an asset account for transfers (required), an optional expense or revenue
// name otherwise.
type DraftTransaction struct {
	Date         time.Time       `json:"date"`
	Amount       decimal.Decimal `json:"amount"`
	ID           string          `json:"id"`
	Type         TransactionType `json:"type,omitempty"`
	Currency     string          `json:"currency,omitempty"`
	Description  string          `json:"description,omitempty"`
	Account      Account         `json:"account"`
	Counterparty Account         `json:"counterparty"`
}

// NewDraft starts an empty draft dated now.
func NewDraft(now time.Time) DraftTransaction {
	return DraftTransaction{
		ID:   uuid.NewString(),
		Date: now,
	}
}

// HasAmount reports whether a valid, strictly positive amount is set.
func (d DraftTransaction) HasAmount() bool {
	return d.Amount.IsPositive()
}

// Missing returns the required fields that are still absent, in prompt order.
func (d DraftTransaction) Missing() []Field {
	var missing []Field
	if !d.Type.Valid() {
		missing = append(missing, FieldType)
	}
	if !d.HasAmount() {
		missing = append(missing, FieldAmount)
	}
	if d.Account.IsZero() {
		missing = append(missing, FieldAccount)
	}
	if d.Type == TypeTransfer && (d.Counterparty.IsZero() || d.Counterparty.SameAs(d.Account)) {
		missing = append(missing, FieldCounterparty)
	}
	return missing
}

// NextMissing returns the first required field still absent, or FieldNone.
func (d DraftTransaction) NextMissing() Field {
	missing := d.Missing()
	if len(missing) == 0 {
		return FieldNone
	}
	return missing[0]
}

// Complete reports whether every field required by the draft's type is present
// and the amount is valid. Only complete drafts may be committed.
func (d DraftTransaction) Complete() bool {
	return len(d.Missing()) == 0
}

// Clear removes the value of a single field.
func (d *DraftTransaction) Clear(field Field) {
	switch field {
	case FieldType:
		d.Type = ""
	case FieldAmount:
		d.Amount = decimal.Zero
	case FieldCurrency:
		d.Currency = ""
	case FieldAccount:
		d.Account = Account{}
	case FieldCounterparty:
		d.Counterparty = Account{}
	case FieldDescription:
		d.Description = ""
	case FieldDate, FieldNone:
	}
}

// Summary renders the draft for confirmation prompts.
func (d DraftTransaction) Summary() string {
	var b strings.Builder

	kind := string(d.Type)
	if kind == "" {
		kind = "?"
	}
	fmt.Fprintf(&b, "Type: %s\n", kind)

	amount := "?"
	if d.HasAmount() {
		amount = d.Amount.StringFixed(2)
		if d.Currency != "" {
			amount += " " + d.Currency
		}
	}
	fmt.Fprintf(&b, "Amount: %s\n", amount)

	switch d.Type {
	case TypeDeposit:
		fmt.Fprintf(&b, "To: %s\n", accountLabel(d.Account))
		if !d.Counterparty.IsZero() {
			fmt.Fprintf(&b, "From: %s\n", accountLabel(d.Counterparty))
		}
	default:
		fmt.Fprintf(&b, "From: %s\n", accountLabel(d.Account))
		if !d.Counterparty.IsZero() || d.Type == TypeTransfer {
			fmt.Fprintf(&b, "To: %s\n", accountLabel(d.Counterparty))
		}
	}

	if d.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", d.Description)
	}
	fmt.Fprintf(&b, "Date: %s", d.Date.Format("2006-01-02"))

	return b.String()
}

func accountLabel(a Account) string {
	if a.IsZero() {
		return "?"
	}
	return a.Name
}
