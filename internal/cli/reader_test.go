package cli

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineReader_ReadLine(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{name: "single line", input: "spent 20 on lunch\n", want: []string{"spent 20 on lunch"}},
		{name: "surrounding whitespace", input: "  yes  \n", want: []string{"yes"}},
		{name: "empty line", input: "\n", want: []string{""}},
		{name: "last line without newline", input: "one\ntwo", want: []string{"one", "two"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewLineReader(strings.NewReader(tt.input))
			ctx := context.Background()

			for _, want := range tt.want {
				got, err := r.ReadLine(ctx)
				require.NoError(t, err)
				assert.Equal(t, want, got)
			}

			_, err := r.ReadLine(ctx)
			assert.ErrorIs(t, err, io.EOF)
			_, err = r.ReadLine(ctx)
			assert.ErrorIs(t, err, io.EOF, "reads after the end keep reporting EOF")
		})
	}
}

func TestLineReader_Cancellation(t *testing.T) {
	t.Run("already cancelled", func(t *testing.T) {
		r := NewLineReader(strings.NewReader("ignored\n"))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := r.ReadLine(ctx)
		assert.ErrorIs(t, err, ErrInputCancelled)
	})

	t.Run("cancelled while waiting keeps the next line", func(t *testing.T) {
		pr, pw := io.Pipe()
		defer func() { _ = pr.Close() }()
		r := NewLineReader(pr)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := r.ReadLine(ctx)
		assert.ErrorIs(t, err, ErrInputCancelled)

		go func() {
			_, _ = pw.Write([]byte("late line\n"))
			_ = pw.Close()
		}()

		got, err := r.ReadLine(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "late line", got)
	})
}
