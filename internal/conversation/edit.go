package conversation

import (
	"strings"

	"github.com/Veraticus/ledgerbot/internal/model"
	"github.com/Veraticus/ledgerbot/internal/parse"
)

// edit is a requested change to one draft field.
// A bare edit names a field without a value and clears it.
type edit struct {
	field    model.Field
	value    string
	bare     bool
	explicit bool
}

type editKeyword struct {
	field   model.Field
	phrases []string
}

// fieldGeneric marks phrases like "make it" whose target field is inferred from the value.
const fieldGeneric model.Field = "*"

// directional keywords flip for deposits, where Account is the destination.
const (
	fieldFrom model.Field = "<from"
	fieldTo   model.Field = ">to"
)

var editKeywords = []editKeyword{
	{fieldGeneric, []string{"make it", "it's", "it is", "it was", "should be"}},
	{model.FieldAmount, []string{"amount", "price", "sum", "total"}},
	{model.FieldCurrency, []string{"currency"}},
	{model.FieldAccount, []string{"account"}},
	{model.FieldCounterparty, []string{"counterparty", "payee", "payer", "recipient"}},
	{fieldFrom, []string{"from", "source"}},
	{fieldTo, []string{"to", "destination", "into"}},
	{model.FieldType, []string{"type", "kind"}},
	{model.FieldDescription, []string{"description", "desc", "note", "memo", "for"}},
	{model.FieldDate, []string{"date", "on"}},
}

// parseEdit interprets a correction such as "make it 25", "account savings" or "the amount".
// Keyword edits are explicit; a bare value is matched against the field grammars in order.
func parseEdit(text string, draft model.DraftTransaction, in Input) (edit, bool) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "the ")
	if text == "" {
		return edit{}, false
	}

	for _, kw := range editKeywords {
		_, value, ok := parse.CutPrefix(text, kw.phrases...)
		if !ok {
			continue
		}
		value = trimFiller(value)
		field := resolveDirection(kw.field, draft.Type)

		if field == fieldGeneric {
			if value == "" {
				return edit{}, false
			}
			return edit{field: inferField(value, in, model.FieldAmount), value: value, explicit: true}, true
		}
		return edit{field: field, value: value, bare: value == "", explicit: true}, true
	}

	field := inferField(text, in, model.FieldNone)
	if field == model.FieldNone {
		return edit{}, false
	}
	return edit{field: field, value: text}, true
}

// inferField guesses which field a bare value belongs to.
func inferField(value string, in Input, fallback model.Field) model.Field {
	norm := parse.Normalize(value)
	for _, article := range []string{"a ", "an "} {
		norm = strings.TrimPrefix(norm, article)
	}
	if kind := model.TransactionType(norm); kind.Valid() {
		return model.FieldType
	}
	if _, ok := parse.Date(norm, in.Now); ok {
		return model.FieldDate
	}
	if _, _, ok := parse.Amount(norm); ok {
		return model.FieldAmount
	}
	if _, ok := parse.Kind(norm); ok && len(parse.Words(norm)) == 1 {
		return model.FieldType
	}
	if _, ok := model.MatchAccount(in.Accounts, cleanAccountName(norm)); ok {
		return model.FieldAccount
	}
	return fallback
}

func resolveDirection(field model.Field, kind model.TransactionType) model.Field {
	switch field {
	case fieldFrom:
		if kind == model.TypeDeposit {
			return model.FieldCounterparty
		}
		return model.FieldAccount
	case fieldTo:
		if kind == model.TypeDeposit {
			return model.FieldAccount
		}
		return model.FieldCounterparty
	default:
		return field
	}
}

// trimFiller drops joining words left over after a keyword, as in "amount to 25" or "date = today".
func trimFiller(value string) string {
	_, rest, ok := parse.CutPrefix(value, "to", "is", "should be", "be", "=")
	if ok && rest != "" {
		return rest
	}
	return strings.TrimSpace(strings.TrimPrefix(value, "="))
}

// cleanAccountName strips articles and a trailing "account" from a spoken account name.
func cleanAccountName(name string) string {
	name = strings.TrimSpace(name)
	for {
		_, rest, ok := parse.CutPrefix(strings.ToLower(name), "from", "to", "into", "the", "my")
		if !ok || rest == "" {
			break
		}
		name = name[len(name)-len(rest):]
	}
	lower := strings.ToLower(name)
	if strings.HasSuffix(lower, " account") {
		name = name[:len(name)-len(" account")]
	}
	return strings.TrimSpace(name)
}
