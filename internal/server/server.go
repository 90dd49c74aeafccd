// Package server exposes the webhook endpoint that receives Telegram updates.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/Veraticus/ledgerbot/internal/telegram"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	greeting     = "How long is forever?"
	maxBodyBytes = 1 << 20
)

// CertificateSource supplies the TLS certificate for HTTPS serving.
type CertificateSource interface {
	GetOrCreateCertificate() (tls.Certificate, error)
}

// Config holds the HTTP server settings.
type Config struct {
	// Certificates enables HTTPS when set.
	Certificates  CertificateSource
	Addr          string
	Version       string
	WebhookSecret string
	// RateLimit is the number of requests per second accepted across all clients; zero disables it.
	RateLimit       float64
	Burst           int
	ShutdownTimeout time.Duration
}

// Server serves the webhook and a health endpoint.
type Server struct {
	dispatcher telegram.Dispatcher
	limiter    *rate.Limiter
	cfg        Config
}

// New creates a server that hands updates to dispatcher.
func New(dispatcher telegram.Dispatcher, cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":80"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = max(1, int(cfg.RateLimit)*2)
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &Server{dispatcher: dispatcher, limiter: limiter, cfg: cfg}
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.Handle("POST /hook", s.requireSecret(http.HandlerFunc(s.handleHook)))
	mux.HandleFunc("/", handleNotFound)

	return logRequests(s.rateLimit(handlePreflight(mux)))
}

// Run listens on the configured address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	useTLS := s.cfg.Certificates != nil
	if useTLS {
		cert, err := s.cfg.Certificates.GetOrCreateCertificate()
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		httpServer.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Webhook server listening", "addr", ln.Addr().String(), "tls", useTLS)
		var err error
		if useTLS {
			err = httpServer.ServeTLS(ln, "", "")
		} else {
			err = httpServer.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down server: %w", err)
		}
		slog.Info("Webhook server stopped")
		return nil
	})
	return g.Wait()
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": greeting,
		"version": s.cfg.Version,
	})
}

func (s *Server) handleHook(w http.ResponseWriter, r *http.Request) {
	var update telegram.Update
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid update payload.", err)
		return
	}

	in, ok := update.Inbound()
	if !ok {
		slog.Debug("Ignoring update without text", "update_id", update.UpdateID)
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := s.dispatcher.Dispatch(r.Context(), in); err != nil {
		writeError(w, http.StatusInternalServerError, "An error occurred in the bot kindly check the logs for more info.", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func handleNotFound(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]any{
		"success": false,
		"message": "Not Found",
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	slog.Warn("Sending JSON error to client", "status", status, "error", err)
	writeJSON(w, status, map[string]any{
		"success": false,
		"message": message,
		"details": err.Error(),
	})
}
