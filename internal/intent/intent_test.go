package intent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Veraticus/ledgerbot/internal/common"
	"github.com/Veraticus/ledgerbot/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var refTime = time.Date(2024, 3, 10, 15, 0, 0, 0, time.UTC)

func candidates(t *testing.T, e model.Extraction) map[model.Field]string {
	t.Helper()
	out := make(map[model.Field]string)
	for _, field := range e.Fields() {
		best, ok := e.Best(field, 0)
		require.True(t, ok)
		out[field] = best.Value
	}
	return out
}

func TestRules_Extract(t *testing.T) {
	tests := []struct {
		text string
		want map[model.Field]string
	}{
		{
			text: "spent 20 on lunch",
			want: map[model.Field]string{
				model.FieldType:        "withdrawal",
				model.FieldAmount:      "20",
				model.FieldDescription: "lunch",
			},
		},
		{
			text: "moved 100 EUR from checking to my savings",
			want: map[model.Field]string{
				model.FieldType:         "transfer",
				model.FieldAmount:       "100",
				model.FieldCurrency:     "EUR",
				model.FieldAccount:      "checking",
				model.FieldCounterparty: "savings",
			},
		},
		{
			text: "got salary 3000 from ACME into Checking yesterday",
			want: map[model.Field]string{
				model.FieldType:         "deposit",
				model.FieldAmount:       "3000",
				model.FieldAccount:      "Checking",
				model.FieldCounterparty: "ACME",
				model.FieldDate:         "2024-03-09",
			},
		},
		{
			text: "hello there",
			want: map[model.Field]string{},
		},
	}

	rules := NewRules()
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, err := rules.Extract(context.Background(), tt.text, model.Hint{ReferenceTime: refTime})
			require.NoError(t, err)
			assert.Equal(t, "rules", got.Provider)
			assert.Equal(t, tt.want, candidates(t, got))
		})
	}
}

func TestWit_Extract(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/message", r.URL.Path)
		assert.Equal(t, "Bearer wit-token", r.Header.Get("Authorization"))
		assert.Equal(t, "transfer 50 from checking to savings", r.URL.Query().Get("q"))
		assert.Contains(t, r.URL.Query().Get("context"), "reference_time")

		_, _ = fmt.Fprint(w, `{
			"text": "transfer 50 from checking to savings",
			"intents": [{"id": "1", "name": "transfer", "confidence": 0.97}],
			"entities": {
				"wit$amount_of_money:amount_of_money": [{"name": "wit$amount_of_money", "role": "amount_of_money", "body": "50", "value": 50, "unit": "USD", "confidence": 0.93}],
				"account:origin": [{"name": "account", "role": "origin", "body": "checking", "value": "checking", "confidence": 0.9}],
				"account:destination": [{"name": "account", "role": "destination", "body": "savings", "value": "savings", "confidence": 0.88}]
			},
			"traits": {}
		}`)
	}))
	defer server.Close()

	provider, err := newWitClient(Config{Token: "wit-token", BaseURL: server.URL})
	require.NoError(t, err)

	got, err := provider.Extract(context.Background(), "transfer 50 from checking to savings", model.Hint{ReferenceTime: refTime})
	require.NoError(t, err)
	assert.Equal(t, map[model.Field]string{
		model.FieldType:         "transfer",
		model.FieldAmount:       "50",
		model.FieldCurrency:     "USD",
		model.FieldAccount:      "checking",
		model.FieldCounterparty: "savings",
	}, candidates(t, got))
}

func TestWit_DepositSwapsRolesAndReadsFlowTrait(t *testing.T) {
	c := &witClient{}
	got := c.toExtraction(witResponse{
		Entities: map[string][]witEntity{
			"account:origin":      {{Value: "employer", Confidence: 0.9}},
			"account:destination": {{Value: "checking", Confidence: 0.9}},
			"deed:deed":           {{Body: "salary", Confidence: 0.8}},
		},
		Traits: map[string][]witScored{
			"flow": {{Value: "in", Confidence: 0.95}},
		},
	})

	assert.Equal(t, map[model.Field]string{
		model.FieldType:         "deposit",
		model.FieldAccount:      "checking",
		model.FieldCounterparty: "employer",
		model.FieldDescription:  "salary",
	}, candidates(t, got))
}

func TestWit_Errors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		permanent bool
	}{
		{"unauthorized", http.StatusUnauthorized, true},
		{"server error", http.StatusInternalServerError, false},
		{"rate limited", http.StatusTooManyRequests, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			provider, err := newWitClient(Config{Token: "t", BaseURL: server.URL})
			require.NoError(t, err)

			_, err = provider.Extract(context.Background(), "hi", model.Hint{})
			require.Error(t, err)

			var retryable *common.RetryableError
			isPermanent := errors.As(err, &retryable) && !retryable.Retryable
			assert.Equal(t, tt.permanent, isPermanent)
		})
	}
}

func TestParseGeminiReply(t *testing.T) {
	raw := "```json\n" + `{
		"type": {"value": "withdrawal", "confidence": 0.95},
		"amount": {"value": 12.5, "confidence": 0.9},
		"account": {"value": "Checking", "confidence": 0.7},
		"date": {"value": "2099-01-01", "confidence": 0.9},
		"mood": {"value": "happy", "confidence": 1}
	}` + "\n```"

	got, err := parseGeminiReply("gemini", raw, refTime)
	require.NoError(t, err)
	assert.Equal(t, map[model.Field]string{
		model.FieldType:    "withdrawal",
		model.FieldAmount:  "12.5",
		model.FieldAccount: "Checking",
	}, candidates(t, got), "future dates and unknown keys are dropped")

	_, err = parseGeminiReply("gemini", "I cannot help with that", refTime)
	assert.Error(t, err)
}

func TestCleanModelJSON(t *testing.T) {
	assert.Equal(t, `{"a":1}`, cleanModelJSON("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, cleanModelJSON(`Sure! {"a":1} Hope this helps.`))
	assert.Equal(t, `{"a":1}`, cleanModelJSON(`  {"a":1}  `))
}

type stubProvider struct {
	extractFn func() (model.Extraction, error)
	calls     atomic.Int32
}

func (s *stubProvider) Name() string { return "stub" }

func (s *stubProvider) Extract(_ context.Context, _ string, _ model.Hint) (model.Extraction, error) {
	s.calls.Add(1)
	return s.extractFn()
}

func fastConfig() Config {
	return Config{MaxRetries: 3, RetryDelay: time.Millisecond, CacheTTL: time.Minute}
}

func TestService_CachesResults(t *testing.T) {
	stub := &stubProvider{extractFn: func() (model.Extraction, error) {
		return model.Extraction{Provider: "stub", Candidates: []model.Candidate{{Field: model.FieldAmount, Value: "5", Confidence: 1}}}, nil
	}}
	svc := NewService(stub, fastConfig())
	hint := model.Hint{ReferenceTime: refTime}

	first, err := svc.Extract(context.Background(), "Coffee 5", hint)
	require.NoError(t, err)
	second, err := svc.Extract(context.Background(), "coffee 5 ", hint)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), stub.calls.Load())

	_, err = svc.Extract(context.Background(), "coffee 5", model.Hint{ReferenceTime: refTime.AddDate(0, 0, 1)})
	require.NoError(t, err)
	assert.Equal(t, int32(2), stub.calls.Load(), "a new reference day misses the cache")
}

func TestService_RetriesThenReportsUnavailable(t *testing.T) {
	stub := &stubProvider{extractFn: func() (model.Extraction, error) {
		return model.Extraction{}, errors.New("connection reset")
	}}
	svc := NewService(stub, fastConfig())

	_, err := svc.Extract(context.Background(), "coffee 5", model.Hint{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrExtractionUnavailable))
	assert.Equal(t, int32(3), stub.calls.Load())
}

func TestService_PermanentErrorsAreNotRetried(t *testing.T) {
	stub := &stubProvider{extractFn: func() (model.Extraction, error) {
		return model.Extraction{}, common.Permanent(errors.New("bad token"))
	}}
	svc := NewService(stub, fastConfig())

	_, err := svc.Extract(context.Background(), "coffee 5", model.Hint{})
	assert.True(t, errors.Is(err, common.ErrExtractionUnavailable))
	assert.Equal(t, int32(1), stub.calls.Load())
}

func TestNewProvider(t *testing.T) {
	ctx := context.Background()

	p, err := NewProvider(ctx, Config{})
	require.NoError(t, err)
	assert.Equal(t, "rules", p.Name())

	_, err = NewProvider(ctx, Config{Provider: "wit"})
	assert.ErrorIs(t, err, common.ErrMissingConfig)

	_, err = NewProvider(ctx, Config{Provider: "gemini"})
	assert.ErrorIs(t, err, common.ErrMissingConfig)

	_, err = NewProvider(ctx, Config{Provider: "telepathy"})
	assert.Error(t, err)
}
