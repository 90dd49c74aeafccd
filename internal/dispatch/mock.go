package dispatch

import (
	"context"
	"sync"
)

// SentMessage is a message recorded by MockSender.
type SentMessage struct {
	ChatID string
	Text   string
}

// MockSender is a mock implementation of service.Sender for testing.
type MockSender struct {
	SendMessageFn func(ctx context.Context, chatID, text string) error

	sent []SentMessage
	mu   sync.Mutex
}

// NewMockSender creates a sender that records every message.
func NewMockSender() *MockSender {
	return &MockSender{}
}

// SendMessage records the message and calls SendMessageFn when set.
func (m *MockSender) SendMessage(ctx context.Context, chatID, text string) error {
	m.mu.Lock()
	fn := m.SendMessageFn
	m.mu.Unlock()

	if fn != nil {
		if err := fn(ctx, chatID, text); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, SentMessage{ChatID: chatID, Text: text})
	return nil
}

// Sent returns the messages delivered so far.
func (m *MockSender) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.sent...)
}

// SentTo returns the texts delivered to chatID.
func (m *MockSender) SentTo(chatID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var texts []string
	for _, msg := range m.sent {
		if msg.ChatID == chatID {
			texts = append(texts, msg.Text)
		}
	}
	return texts
}

// Reset clears the recorded messages.
func (m *MockSender) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}
