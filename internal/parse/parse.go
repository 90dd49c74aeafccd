// Package parse implements the direct-parse grammar for chat replies:
// amounts, transaction kinds, dates and yes/no/cancel answers.
package parse

import (
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/Veraticus/ledgerbot/internal/model"
	"github.com/shopspring/decimal"
)

var (
	amountPattern = regexp.MustCompile(`(-)?([$€£¥₽])?\s*(\d+(?:[.,]\d+)*)\s*([$€£¥₽]|[A-Za-z]+)?`)
	isoDate       = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
)

var currencySymbols = map[string]string{
	"$": "USD",
	"€": "EUR",
	"£": "GBP",
	"¥": "JPY",
	"₽": "RUB",
}

var currencyWords = map[string]string{
	"usd": "USD", "eur": "EUR", "gbp": "GBP", "jpy": "JPY", "rub": "RUB",
	"chf": "CHF", "cad": "CAD", "aud": "AUD", "nzd": "NZD", "sek": "SEK",
	"nok": "NOK", "dkk": "DKK", "pln": "PLN", "czk": "CZK", "inr": "INR",
	"cny": "CNY", "brl": "BRL", "mxn": "MXN", "try": "TRY", "uah": "UAH",
	"idr": "IDR", "sgd": "SGD", "hkd": "HKD", "zar": "ZAR",
	"dollar": "USD", "dollars": "USD", "bucks": "USD",
	"euro": "EUR", "euros": "EUR",
	"pound": "GBP", "pounds": "GBP",
	"rupiah": "IDR", "rupees": "INR", "yen": "JPY",
}

var kindWords = map[string]model.TransactionType{
	"withdrawal": model.TypeWithdrawal, "withdraw": model.TypeWithdrawal,
	"expense": model.TypeWithdrawal, "spent": model.TypeWithdrawal,
	"spend": model.TypeWithdrawal, "paid": model.TypeWithdrawal,
	"pay": model.TypeWithdrawal, "bought": model.TypeWithdrawal,
	"buy": model.TypeWithdrawal, "purchase": model.TypeWithdrawal,
	"deposit": model.TypeDeposit, "income": model.TypeDeposit,
	"received": model.TypeDeposit, "receive": model.TypeDeposit,
	"earned": model.TypeDeposit, "salary": model.TypeDeposit,
	"got": model.TypeDeposit, "refund": model.TypeDeposit,
	"transfer": model.TypeTransfer, "transferred": model.TypeTransfer,
	"move": model.TypeTransfer, "moved": model.TypeTransfer,
}

var (
	affirmatives = set("yes", "y", "yep", "yeah", "yup", "ok", "okay", "sure", "confirm",
		"confirmed", "correct", "save", "save it", "yes please", "looks good", "go ahead",
		"do it", "👍", "✅")
	negatives = set("no", "n", "nope", "nah", "wrong", "change", "edit", "actually", "not quite")
	cancels   = set("cancel", "/cancel", "stop", "abort", "never mind", "nevermind", "forget it", "discard")
	retries   = set("retry", "/retry", "try again", "again", "resend")
)

func set(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

// Normalize lowercases text, collapses whitespace and trims closing punctuation.
func Normalize(text string) string {
	text = strings.ToLower(strings.Join(strings.Fields(text), " "))
	return strings.TrimRightFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == ','
	})
}

// Amount finds the first amount in text along with any currency written next to it.
// Negative and zero amounts are rejected.
func Amount(text string) (decimal.Decimal, string, bool) {
	for _, m := range amountPattern.FindAllStringSubmatch(text, -1) {
		if m[1] != "" {
			return decimal.Zero, "", false
		}

		value, err := decimal.NewFromString(normalizeNumber(m[3]))
		if err != nil {
			continue
		}
		if !value.IsPositive() {
			return decimal.Zero, "", false
		}

		currency := currencySymbols[m[2]]
		if suffix := strings.ToLower(m[4]); suffix != "" {
			if code, ok := currencySymbols[suffix]; ok {
				currency = code
			} else if code, ok := currencyWords[suffix]; ok {
				currency = code
			}
		}
		return value, currency, true
	}
	return decimal.Zero, "", false
}

// normalizeNumber turns "1,200.50", "1.200,50", "12,5" and "1,000,000" into
// decimal strings. A lone comma is a decimal separator.
func normalizeNumber(raw string) string {
	commas := strings.Count(raw, ",")
	dots := strings.Count(raw, ".")

	switch {
	case commas > 0 && dots > 0:
		if strings.LastIndex(raw, ",") > strings.LastIndex(raw, ".") {
			raw = strings.ReplaceAll(raw, ".", "")
			return strings.Replace(raw, ",", ".", 1)
		}
		return strings.ReplaceAll(raw, ",", "")
	case commas == 1:
		return strings.Replace(raw, ",", ".", 1)
	case commas > 1:
		return strings.ReplaceAll(raw, ",", "")
	case dots > 1:
		return strings.ReplaceAll(raw, ".", "")
	default:
		return raw
	}
}

// Currency recognizes an ISO code, symbol or common currency word.
func Currency(text string) (string, bool) {
	t := strings.TrimSpace(text)
	if code, ok := currencySymbols[t]; ok {
		return code, true
	}
	code, ok := currencyWords[strings.ToLower(t)]
	return code, ok
}

// Kind recognizes a transaction type. A whole-message match is preferred;
// otherwise the first kind keyword in the text wins.
func Kind(text string) (model.TransactionType, bool) {
	norm := Normalize(text)
	if kind, ok := kindWords[norm]; ok {
		return kind, true
	}
	if kind := model.TransactionType(norm); kind.Valid() {
		return kind, true
	}
	for _, word := range Words(norm) {
		if kind, ok := kindWords[word]; ok {
			return kind, true
		}
	}
	return "", false
}

// Date recognizes "today", "yesterday" and ISO dates relative to now.
func Date(text string, now time.Time) (time.Time, bool) {
	norm := Normalize(text)
	switch {
	case strings.Contains(norm, "day before yesterday"):
		return now.AddDate(0, 0, -2), true
	case strings.Contains(norm, "yesterday"):
		return now.AddDate(0, 0, -1), true
	case strings.Contains(norm, "today"):
		return now, true
	}

	if m := isoDate.FindString(norm); m != "" {
		d, err := time.ParseInLocation("2006-01-02", m, now.Location())
		if err == nil {
			return d, true
		}
	}
	return time.Time{}, false
}

// Affirmative reports whether text is a plain yes.
func Affirmative(text string) bool {
	_, ok := affirmatives[Normalize(text)]
	return ok
}

// Cancel reports whether text asks to abandon the conversation.
func Cancel(text string) bool {
	_, ok := cancels[Normalize(text)]
	return ok
}

// Retry reports whether text asks to repeat the last ledger write.
func Retry(text string) bool {
	_, ok := retries[Normalize(text)]
	return ok
}

// StripNegative removes a leading "no"/"change"-style word and reports whether
// one was present. The remainder is normalized.
func StripNegative(text string) (string, bool) {
	norm := Normalize(text)
	if _, ok := negatives[norm]; ok {
		return "", true
	}
	for prefix := range negatives {
		if rest, ok := cutWord(norm, prefix); ok {
			return rest, true
		}
	}
	return norm, false
}

// cutWord strips prefix from s when it is followed by a word boundary.
func cutWord(s, prefix string) (string, bool) {
	if !strings.HasPrefix(s, prefix) || len(s) == len(prefix) {
		return s, false
	}
	next := rune(s[len(prefix)])
	if unicode.IsLetter(next) || unicode.IsDigit(next) {
		return s, false
	}
	rest := strings.TrimLeftFunc(s[len(prefix):], func(r rune) bool {
		return r == ',' || r == ';' || r == ':' || r == '-' || r == '—' || unicode.IsSpace(r)
	})
	return rest, true
}

// CutPrefix strips the first matching phrase from text, honoring word boundaries.
func CutPrefix(text string, phrases ...string) (string, string, bool) {
	for _, p := range phrases {
		if text == p {
			return p, "", true
		}
		if rest, ok := cutWord(text, p); ok {
			return p, rest, true
		}
	}
	return "", text, false
}

// Words splits text into lowercase words, dropping punctuation.
func Words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}
