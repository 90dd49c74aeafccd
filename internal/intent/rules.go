package intent

import (
	"context"
	"strings"

	"github.com/Veraticus/ledgerbot/internal/model"
	"github.com/Veraticus/ledgerbot/internal/parse"
)

const rulesConfidence = 0.9

// Rules extracts fields with the offline keyword grammar. It never fails.
type Rules struct{}

// NewRules creates the keyword extractor.
func NewRules() *Rules {
	return &Rules{}
}

// Name identifies the provider.
func (r *Rules) Name() string {
	return "rules"
}

var phraseMarkers = map[string]bool{
	"from": true, "to": true, "into": true, "on": true, "for": true, "at": true,
}

var markerOrder = []string{"on", "for", "at", "from", "to", "into"}

var stopWords = map[string]bool{
	"today": true, "yesterday": true, "and": true, "with": true,
}

// Extract recognizes "spent 20 on lunch from checking" style messages.
func (r *Rules) Extract(_ context.Context, text string, hint model.Hint) (model.Extraction, error) {
	extraction := model.Extraction{Provider: r.Name()}
	add := func(field model.Field, value string) {
		if strings.TrimSpace(value) == "" {
			return
		}
		extraction.Candidates = append(extraction.Candidates, model.Candidate{
			Field:      field,
			Value:      value,
			Confidence: rulesConfidence,
		})
	}

	kind, hasKind := parse.Kind(text)
	if hasKind {
		add(model.FieldType, string(kind))
	}
	if amount, currency, ok := parse.Amount(text); ok {
		add(model.FieldAmount, amount.String())
		add(model.FieldCurrency, currency)
	}
	if !hint.ReferenceTime.IsZero() {
		if date, ok := parse.Date(text, hint.ReferenceTime); ok {
			add(model.FieldDate, date.Format("2006-01-02"))
		}
	}

	phrases := markedPhrases(text)
	for _, marker := range markerOrder {
		phrase, ok := phrases[marker]
		if !ok {
			continue
		}
		switch marker {
		case "on", "for":
			add(model.FieldDescription, phrase)
		case "at":
			add(model.FieldCounterparty, phrase)
		case "from":
			if kind == model.TypeDeposit {
				add(model.FieldCounterparty, phrase)
			} else {
				add(model.FieldAccount, phrase)
			}
		case "to", "into":
			if kind == model.TypeDeposit {
				add(model.FieldAccount, phrase)
			} else {
				add(model.FieldCounterparty, phrase)
			}
		}
	}

	return extraction, nil
}

// markedPhrases collects the words following each marker up to the next marker,
// number or stop word. The first phrase for a marker wins.
func markedPhrases(text string) map[string]string {
	tokens := strings.Fields(text)
	phrases := make(map[string]string)

	for i := 0; i < len(tokens); i++ {
		marker := strings.ToLower(strings.Trim(tokens[i], ",.!?"))
		if !phraseMarkers[marker] {
			continue
		}

		var words []string
		for j := i + 1; j < len(tokens); j++ {
			word := strings.Trim(tokens[j], ",.!?")
			lower := strings.ToLower(word)
			if phraseMarkers[lower] || stopWords[lower] || word == "" {
				break
			}
			if _, _, isAmount := parse.Amount(word); isAmount {
				break
			}
			if lower == "my" || lower == "the" {
				continue
			}
			words = append(words, word)
			if strings.HasSuffix(tokens[j], ",") || strings.HasSuffix(tokens[j], ".") {
				break
			}
		}

		if _, seen := phrases[marker]; !seen && len(words) > 0 {
			phrases[marker] = strings.Join(words, " ")
		}
	}
	return phrases
}
