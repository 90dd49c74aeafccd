package conversation

import (
	"fmt"
	"strings"

	"github.com/Veraticus/ledgerbot/internal/model"
)

const (
	confirmHelp   = "Reply yes to save, or tell me what to change (for example \"no, make it 25\" or \"account savings\")."
	changeHelp    = "What should I change? You can say \"amount 25\", \"account savings\", \"to savings\", \"type deposit\", \"description lunch\", \"date yesterday\" or \"cancel\"."
	committingMsg = "This transaction isn't saved yet. Reply \"retry\" to send it to the ledger again or \"cancel\" to discard it."
	cancelledMsg  = "Okay, I've discarded this entry. Send a new message whenever you want to record something."
	gaveUpMsg     = "I still couldn't understand that, so I've cancelled this entry. Send a new message to start over."
	expiredMsg    = "Your previous unfinished entry expired and was discarded."
	unavailMsg    = "I couldn't reach the language service, so let's fill this in step by step."
	nothingMsg    = "There's nothing to cancel right now."
)

func promptFor(field model.Field, draft model.DraftTransaction, accounts []model.Account) string {
	switch field {
	case model.FieldType:
		return "Is this a withdrawal, a deposit or a transfer?"
	case model.FieldAmount:
		return "How much was it?"
	case model.FieldAccount:
		question := "Which account did the money come from?"
		if draft.Type == model.TypeDeposit {
			question = "Which account did the money go into?"
		}
		return question + accountHint(accounts, model.Account{})
	case model.FieldCounterparty:
		return "Which account should the money go to?" + accountHint(accounts, draft.Account)
	default:
		return changeHelp
	}
}

func accountHint(accounts []model.Account, exclude model.Account) string {
	names := make([]string, 0, len(accounts))
	for _, a := range accounts {
		if !exclude.IsZero() && a.SameAs(exclude) {
			continue
		}
		names = append(names, a.Name)
	}
	if len(names) == 0 {
		return ""
	}
	return " (" + strings.Join(names, ", ") + ")"
}

func confirmPrompt(draft model.DraftTransaction) string {
	return "Please confirm:\n" + draft.Summary() + "\n\n" + confirmHelp
}

func savedMessage(id string, draft model.DraftTransaction) string {
	return fmt.Sprintf("Saved! Transaction #%s recorded.\n%s", id, draft.Summary())
}

func unreachableMessage(attempt, limit int) string {
	return fmt.Sprintf("I couldn't reach the ledger (attempt %d of %d). Your entry is kept. Reply \"retry\" to try again or \"cancel\" to discard it.", attempt, limit)
}

func rejectedMessage(reason string) string {
	return "The ledger rejected this transaction: " + reason + "\nYour entry is kept. Tell me what to change (for example \"amount 25\") or reply \"retry\"; any other message starts a new entry."
}

func joinReply(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}
