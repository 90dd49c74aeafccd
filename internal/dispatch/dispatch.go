// Package dispatch routes inbound chat messages to bot commands or the
// conversation engine and delivers the replies.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Veraticus/ledgerbot/internal/common"
	"github.com/Veraticus/ledgerbot/internal/conversation"
	"github.com/Veraticus/ledgerbot/internal/service"
	"github.com/patrickmn/go-cache"
)

const helpText = `Tell me about a transaction in plain words and I'll record it in your ledger.

Examples:
  spent 20 on lunch from checking
  got salary 3000 into savings yesterday
  moved 100 from checking to savings

Before anything is saved I'll show a summary. Reply "yes" to save it or correct it ("no, make it 25", "account savings").

Commands:
  /status  show the entry in progress
  /cancel  discard the entry in progress
  /reset   forget this chat's state
  /help    show this message`

const resetText = "Reset complete."

// Inbound is one text message received from the chat transport.
type Inbound struct {
	ChatID string
	Text   string
	// UpdateID is the transport's delivery id; zero disables duplicate suppression.
	UpdateID int64
}

// Handler is the conversation engine as seen by the dispatcher.
type Handler interface {
	Handle(ctx context.Context, chatID, text string) (conversation.Result, error)
	Status(ctx context.Context, chatID string) (string, error)
	Reset(ctx context.Context, chatID string) error
}

// Config holds dispatcher settings.
type Config struct {
	// AdminChatID receives alerts. Alerts are only logged when it is empty.
	AdminChatID string
	// DedupeTTL is how long a processed update id is remembered.
	DedupeTTL time.Duration
}

// Dispatcher delivers messages to the engine and replies through a Sender.
type Dispatcher struct {
	handler Handler
	sender  service.Sender
	seen    *cache.Cache
	admin   string
}

// New creates a dispatcher.
func New(handler Handler, sender service.Sender, cfg Config) *Dispatcher {
	ttl := cfg.DedupeTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Dispatcher{
		handler: handler,
		sender:  sender,
		seen:    cache.New(ttl, 2*ttl),
		admin:   cfg.AdminChatID,
	}
}

// Dispatch processes one inbound message. A returned error means the message
// was not processed and the transport should redeliver it.
func (d *Dispatcher) Dispatch(ctx context.Context, in Inbound) error {
	text := strings.TrimSpace(in.Text)
	if text == "" || in.ChatID == "" {
		return nil
	}

	key := ""
	if in.UpdateID != 0 {
		key = strconv.FormatInt(in.UpdateID, 10)
		if err := d.seen.Add(key, struct{}{}, cache.DefaultExpiration); err != nil {
			common.LogDebug("Duplicate update ignored", common.Fields{"update_id": in.UpdateID, "chat_id": in.ChatID})
			return nil
		}
	}

	err := d.route(ctx, in.ChatID, text)
	if err != nil && key != "" && releases(err) {
		d.seen.Delete(key)
	}
	return err
}

// releases reports whether a failed update may be processed again.
// Only store failures guarantee that nothing was persisted.
func releases(err error) bool {
	var failure *conversation.StoreFailure
	return errors.As(err, &failure) || errors.Is(err, common.ErrSessionStore)
}

func (d *Dispatcher) route(ctx context.Context, chatID, text string) error {
	command, ok := parseCommand(text)
	if !ok {
		return d.converse(ctx, chatID, text)
	}

	switch command {
	case "start", "help":
		return d.reply(ctx, chatID, helpText)
	case "cancel":
		return d.converse(ctx, chatID, "cancel")
	case "reset":
		if err := d.handler.Reset(ctx, chatID); err != nil {
			d.alert(ctx, conversation.Alert{ChatID: chatID, Reason: err.Error()})
			return err
		}
		return d.reply(ctx, chatID, resetText)
	case "status":
		status, err := d.handler.Status(ctx, chatID)
		if err != nil {
			return err
		}
		return d.reply(ctx, chatID, status)
	default:
		return d.reply(ctx, chatID, fmt.Sprintf("I don't know the command /%s.\n\n%s", command, helpText))
	}
}

func (d *Dispatcher) converse(ctx context.Context, chatID, text string) error {
	result, err := d.handler.Handle(ctx, chatID, text)
	if err != nil {
		var failure *conversation.StoreFailure
		if errors.As(err, &failure) {
			d.alert(ctx, failure.Alert())
		}
		return fmt.Errorf("handle message for chat %s: %w", chatID, err)
	}

	for _, alert := range result.Alerts {
		d.alert(ctx, alert)
	}

	for _, reply := range result.Replies {
		if err := d.reply(ctx, chatID, reply); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) reply(ctx context.Context, chatID, text string) error {
	if err := d.sender.SendMessage(ctx, chatID, text); err != nil {
		return fmt.Errorf("%w: reply to chat %s: %w", common.ErrTransport, chatID, err)
	}
	return nil
}

// alert reports a problem to the administrator. Delivery failures are only logged.
func (d *Dispatcher) alert(ctx context.Context, alert conversation.Alert) {
	fields := common.Fields{
		"chat_id":  alert.ChatID,
		"state":    alert.State,
		"draft_id": alert.Draft.ID,
		"reason":   alert.Reason,
	}
	if d.admin == "" {
		common.LogWarn("Alert raised with no admin chat configured", fields)
		return
	}
	if err := d.sender.SendMessage(ctx, d.admin, alert.Message()); err != nil {
		common.LogError(err, "Failed to deliver alert", fields)
		return
	}
	common.LogInfo("Alert delivered", fields)
}

// parseCommand returns the lowercased command name of a "/command@bot args" message.
func parseCommand(text string) (string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	name := strings.Fields(text)[0][1:]
	name, _, _ = strings.Cut(name, "@")
	if name == "" {
		return "", false
	}
	return strings.ToLower(name), true
}
