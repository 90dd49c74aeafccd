package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Veraticus/ledgerbot/internal/certs"
	"github.com/Veraticus/ledgerbot/internal/dispatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDispatcher struct {
	err      error
	received []dispatch.Inbound
	mu       sync.Mutex
}

func (d *recordingDispatcher) Dispatch(_ context.Context, in dispatch.Inbound) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.received = append(d.received, in)
	return d.err
}

func (d *recordingDispatcher) calls() []dispatch.Inbound {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]dispatch.Inbound(nil), d.received...)
}

func serve(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded), "body: %s", rec.Body.String())
	}
	return rec, decoded
}

const textUpdate = `{"update_id": 77, "message": {"message_id": 1, "date": 1700000000,
	"chat": {"id": 42, "type": "private"}, "from": {"id": 42, "is_bot": false, "first_name": "A"},
	"text": "spent 20 on lunch"}}`

func TestServer_Root(t *testing.T) {
	s := New(&recordingDispatcher{}, Config{Version: "1.2.3"})

	rec, body := serve(t, s.Handler(), http.MethodGet, "/", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "How long is forever?", body["message"])
	assert.Equal(t, "1.2.3", body["version"])
}

func TestServer_Hook(t *testing.T) {
	t.Run("dispatches text messages", func(t *testing.T) {
		d := &recordingDispatcher{}
		s := New(d, Config{})

		rec, _ := serve(t, s.Handler(), http.MethodPost, "/hook", textUpdate, nil)

		assert.Equal(t, http.StatusOK, rec.Code)
		require.Len(t, d.calls(), 1)
		assert.Equal(t, dispatch.Inbound{ChatID: "42", Text: "spent 20 on lunch", UpdateID: 77}, d.calls()[0])
	})

	t.Run("acknowledges updates without text", func(t *testing.T) {
		d := &recordingDispatcher{}
		s := New(d, Config{})

		rec, _ := serve(t, s.Handler(), http.MethodPost, "/hook", `{"update_id": 5}`, nil)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, d.calls())
	})

	t.Run("rejects malformed payloads", func(t *testing.T) {
		d := &recordingDispatcher{}
		s := New(d, Config{})

		rec, body := serve(t, s.Handler(), http.MethodPost, "/hook", `{not json`, nil)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, false, body["success"])
		assert.Empty(t, d.calls())
	})

	t.Run("reports dispatch failures as server errors", func(t *testing.T) {
		d := &recordingDispatcher{err: errors.New("session store: disk full")}
		s := New(d, Config{})

		rec, body := serve(t, s.Handler(), http.MethodPost, "/hook", textUpdate, nil)

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, false, body["success"])
		assert.Contains(t, body["message"], "check the logs")
		assert.Equal(t, "session store: disk full", body["details"])
	})
}

func TestServer_WebhookSecret(t *testing.T) {
	d := &recordingDispatcher{}
	s := New(d, Config{WebhookSecret: "s3cret"})
	h := s.Handler()

	rec, body := serve(t, h, http.MethodPost, "/hook", textUpdate, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, false, body["success"])

	rec, _ = serve(t, h, http.MethodPost, "/hook", textUpdate, map[string]string{secretHeader: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, d.calls())

	rec, _ = serve(t, h, http.MethodPost, "/hook", textUpdate, map[string]string{secretHeader: "s3cret"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, d.calls(), 1)
}

func TestServer_Routing(t *testing.T) {
	s := New(&recordingDispatcher{}, Config{})
	h := s.Handler()

	tests := []struct {
		name     string
		method   string
		path     string
		wantCode int
	}{
		{name: "unknown path", method: http.MethodGet, path: "/missing", wantCode: http.StatusNotFound},
		{name: "hook with wrong method", method: http.MethodGet, path: "/hook", wantCode: http.StatusNotFound},
		{name: "post to root", method: http.MethodPost, path: "/", wantCode: http.StatusNotFound},
		{name: "preflight on hook", method: http.MethodOptions, path: "/hook", wantCode: http.StatusNoContent},
		{name: "preflight on unknown path", method: http.MethodOptions, path: "/anything", wantCode: http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := serve(t, h, tt.method, tt.path, "", nil)
			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantCode == http.StatusNotFound {
				assert.Equal(t, false, body["success"])
				assert.Equal(t, "Not Found", body["message"])
			} else {
				assert.Empty(t, rec.Body.String())
			}
		})
	}
}

func TestServer_RateLimit(t *testing.T) {
	s := New(&recordingDispatcher{}, Config{RateLimit: 0.001, Burst: 2})
	h := s.Handler()

	for i := 0; i < 2; i++ {
		rec, _ := serve(t, h, http.MethodGet, "/", "", nil)
		assert.Equal(t, http.StatusOK, rec.Code, "request %d", i)
	}

	rec, body := serve(t, h, http.MethodGet, "/", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, false, body["success"])
}

func TestServer_Serve(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := New(&recordingDispatcher{}, Config{Version: "test"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, err := http.Get(fmt.Sprintf("http://%s/", ln.Addr()))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "How long is forever?")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestServer_ServeTLS(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	manager := certs.NewFileManager(filepath.Join(t.TempDir(), "tls"), "127.0.0.1")
	s := New(&recordingDispatcher{}, Config{Certificates: manager})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	client := &http.Client{Transport: &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // self-signed test certificate
	}}
	resp, err := client.Get(fmt.Sprintf("https://%s/", ln.Addr()))
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, resp.TLS)
	require.NotEmpty(t, resp.TLS.PeerCertificates)
	assert.Equal(t, "127.0.0.1", resp.TLS.PeerCertificates[0].Subject.CommonName)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestServer_ServeFailsWithoutCertificate(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := New(&recordingDispatcher{}, Config{Certificates: certs.NewFileManager(t.TempDir(), "")})
	err = s.Serve(context.Background(), ln)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load TLS certificate")
}
