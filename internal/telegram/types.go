package telegram

import (
	"encoding/json"
	"strconv"

	"github.com/Veraticus/ledgerbot/internal/dispatch"
)

// Update is an incoming Bot API update. Only messages are used.
type Update struct {
	Message       *Message `json:"message,omitempty"`
	EditedMessage *Message `json:"edited_message,omitempty"`
	UpdateID      int64    `json:"update_id"`
}

// Message is a chat message.
type Message struct {
	From      *User  `json:"from,omitempty"`
	Text      string `json:"text,omitempty"`
	Chat      Chat   `json:"chat"`
	MessageID int64  `json:"message_id"`
	Date      int64  `json:"date"`
}

// Chat is the conversation a message belongs to.
type Chat struct {
	Type      string `json:"type"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	ID        int64  `json:"id"`
}

// User is a Telegram user or bot.
type User struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name,omitempty"`
	Username  string `json:"username,omitempty"`
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
}

// WebhookInfo describes the bot's current webhook.
type WebhookInfo struct {
	URL                string `json:"url"`
	LastErrorMessage   string `json:"last_error_message,omitempty"`
	PendingUpdateCount int    `json:"pending_update_count"`
	LastErrorDate      int64  `json:"last_error_date,omitempty"`
}

// Inbound converts the update into a dispatcher message. Updates without
// message text, and messages from bots, are skipped.
func (u Update) Inbound() (dispatch.Inbound, bool) {
	msg := u.Message
	if msg == nil || msg.Text == "" {
		return dispatch.Inbound{}, false
	}
	if msg.From != nil && msg.From.IsBot {
		return dispatch.Inbound{}, false
	}
	return dispatch.Inbound{
		UpdateID: u.UpdateID,
		ChatID:   strconv.FormatInt(msg.Chat.ID, 10),
		Text:     msg.Text,
	}, true
}

// apiResponse is the envelope of every Bot API reply.
type apiResponse struct {
	Description string          `json:"description,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after,omitempty"`
	} `json:"parameters,omitempty"`
	ErrorCode int  `json:"error_code,omitempty"`
	OK        bool `json:"ok"`
}

type sendMessageRequest struct {
	ChatID any    `json:"chat_id"`
	Text   string `json:"text"`
}

type getUpdatesRequest struct {
	AllowedUpdates []string `json:"allowed_updates,omitempty"`
	Offset         int64    `json:"offset,omitempty"`
	Timeout        int      `json:"timeout"`
}

type setWebhookRequest struct {
	URL            string   `json:"url"`
	SecretToken    string   `json:"secret_token,omitempty"`
	AllowedUpdates []string `json:"allowed_updates,omitempty"`
}

type deleteWebhookRequest struct {
	DropPendingUpdates bool `json:"drop_pending_updates"`
}
