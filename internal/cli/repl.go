package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/Veraticus/ledgerbot/internal/dispatch"
	"github.com/Veraticus/ledgerbot/internal/service"
)

var _ service.Sender = (*Terminal)(nil)

// Terminal is a Sender that prints messages for a local chat. Messages
// addressed to any other chat are shown as administrator alerts.
type Terminal struct {
	out    io.Writer
	chatID string
	mu     sync.Mutex
}

// NewTerminal creates a terminal for chatID writing to out.
func NewTerminal(out io.Writer, chatID string) *Terminal {
	return &Terminal{out: out, chatID: chatID}
}

// SendMessage prints text.
func (t *Terminal) SendMessage(_ context.Context, chatID, text string) error {
	rendered := FormatBotReply(text)
	if chatID != t.chatID {
		rendered = FormatWarning("alert for chat " + chatID + ": " + text)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := fmt.Fprintln(t.out, rendered)
	return err
}

// Dispatcher processes one inbound message.
type Dispatcher interface {
	Dispatch(ctx context.Context, in dispatch.Inbound) error
}

// REPL feeds terminal input to a dispatcher as messages from one chat.
type REPL struct {
	in         *LineReader
	out        io.Writer
	dispatcher Dispatcher
	chatID     string
}

// NewREPL creates a REPL reading from in and echoing prompts to out.
func NewREPL(in io.Reader, out io.Writer, dispatcher Dispatcher, chatID string) *REPL {
	return &REPL{
		in:         NewLineReader(in),
		out:        out,
		dispatcher: dispatcher,
		chatID:     chatID,
	}
}

// Run processes lines until end of input, /quit or cancellation. Dispatch
// failures are shown and the session continues.
func (r *REPL) Run(ctx context.Context) error {
	r.print(FormatTitle("ledgerbot chat"))
	r.print(SubtleStyle.Render("Describe a transaction, /help for commands, /quit to leave."))

	for {
		_, _ = fmt.Fprint(r.out, FormatPrompt("you"))
		text, err := r.in.ReadLine(ctx)
		switch {
		case errors.Is(err, io.EOF), errors.Is(err, ErrInputCancelled):
			r.print("")
			return nil
		case err != nil:
			return fmt.Errorf("failed to read input: %w", err)
		}

		switch text {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		}

		if err := r.dispatcher.Dispatch(ctx, dispatch.Inbound{ChatID: r.chatID, Text: text}); err != nil {
			r.print(FormatError(err.Error()))
		}
	}
}

func (r *REPL) print(s string) {
	_, _ = fmt.Fprintln(r.out, s)
}
