package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/atomic"
)

// maxPollWait caps long-poll duration so requests stay inside the write
// timeout.
const maxPollWait = 25 * time.Second

// ServerConfig configures the relay HTTP server.
type ServerConfig struct {
	ListenAddr  string
	EnablePprof bool
	Log         *slog.Logger

	DrainDuration            time.Duration
	GracefulShutdownDuration time.Duration
	ReadTimeout              time.Duration
	WriteTimeout             time.Duration

	// MaxPending caps each recipient's queue. Zero applies the default.
	MaxPending int
}

// Server is the relay HTTP server.
type Server struct {
	cfg       *ServerConfig
	isReady   atomic.Bool
	log       *slog.Logger
	mailboxes *MailboxRegistry

	srv *http.Server
}

// New creates a relay server.
func New(cfg *ServerConfig) *Server {
	srv := &Server{
		cfg:       cfg,
		log:       cfg.Log,
		mailboxes: NewMailboxRegistry(cfg.MaxPending),
	}
	srv.isReady.Store(true)

	srv.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.getRouter(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return srv
}

func (srv *Server) getRouter() http.Handler {
	mux := chi.NewRouter()

	mux.With(srv.httpLogger).Post("/api/v1/publish/{recipient}", srv.handlePublish)
	mux.With(srv.httpLogger).Get("/api/v1/poll/{recipient}", srv.handlePoll)
	mux.With(srv.httpLogger).Post("/api/v1/ack/{recipient}/{id}", srv.handleAck)

	mux.With(srv.httpLogger).Get("/livez", srv.handleLivenessCheck)
	mux.With(srv.httpLogger).Get("/readyz", srv.handleReadinessCheck)
	mux.With(srv.httpLogger).Get("/drain", srv.handleDrain)
	mux.With(srv.httpLogger).Get("/undrain", srv.handleUndrain)

	if srv.cfg.EnablePprof {
		srv.log.Info("pprof API enabled")
		mux.Mount("/debug", middleware.Profiler())
	}
	return mux
}

func (srv *Server) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(srv.log, next)
}

// Handler exposes the router for tests.
func (srv *Server) Handler() http.Handler {
	return srv.srv.Handler
}

func (srv *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	recipient := chi.URLParam(r, "recipient")

	var env Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, "malformed envelope", http.StatusBadRequest)
		return
	}
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	env.Recipient = recipient
	env.PublishedAt = time.Now().UTC()

	if err := srv.mailboxes.Publish(recipient, env); err != nil {
		srv.log.Warn("publish rejected",
			slog.String("recipient", recipient),
			slog.Any("err", err))
		http.Error(w, err.Error(), http.StatusInsufficientStorage)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"id": env.ID})
}

func (srv *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	recipient := chi.URLParam(r, "recipient")

	wait := time.Duration(0)
	if raw := r.URL.Query().Get("wait"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			http.Error(w, "malformed wait duration", http.StatusBadRequest)
			return
		}
		wait = parsed
	}
	if wait > maxPollWait {
		wait = maxPollWait
	}

	envelopes := srv.mailboxes.Poll(r.Context(), recipient, wait)
	if envelopes == nil {
		envelopes = []Envelope{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string][]Envelope{"envelopes": envelopes})
}

func (srv *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	recipient := chi.URLParam(r, "recipient")
	id := chi.URLParam(r, "id")

	if !srv.mailboxes.Ack(recipient, id) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (srv *Server) handleLivenessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"alive"}`))
}

func (srv *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"not ready"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

func (srv *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Swap(false) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"already draining"}`))
		return
	}

	srv.log.Info("Server marked as not ready")

	go func() {
		time.Sleep(srv.cfg.DrainDuration)
		srv.log.Info("Drain period completed")
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"draining"}`))
}

func (srv *Server) handleUndrain(w http.ResponseWriter, r *http.Request) {
	if srv.isReady.Swap(true) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"already ready"}`))
		return
	}

	srv.log.Info("Server marked as ready")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

// RunInBackground starts serving on the configured address.
func (srv *Server) RunInBackground() {
	go func() {
		srv.log.Info("Starting HTTP server", "listenAddress", srv.cfg.ListenAddr)
		if err := srv.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.log.Error("HTTP server failed", "err", err)
		}
	}()
}

// Shutdown stops the server gracefully.
func (srv *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
	defer cancel()
	if err := srv.srv.Shutdown(ctx); err != nil {
		srv.log.Error("Graceful HTTP server shutdown failed", "err", err)
	} else {
		srv.log.Info("HTTP server gracefully stopped")
	}
}
