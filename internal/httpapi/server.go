// Package httpapi is the loopback HTTP surface: state ingest, event reads, the
// SSE stream, the execution pipeline endpoints, sitrep, and the twitch views.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/watchkeeper/brainstem/internal/actuator"
	"github.com/watchkeeper/brainstem/internal/pipeline"
	"github.com/watchkeeper/brainstem/internal/store"
)

type Server struct {
	log      *slog.Logger
	store    *store.Store
	pipeline *pipeline.Pipeline
	launcher *actuator.AppLauncher

	devIngest bool
	uiDir     string
	version   string
	startedAt time.Time

	ln  net.Listener
	srv *http.Server
}

type Options struct {
	Logger    *slog.Logger
	Store     *store.Store
	Pipeline  *pipeline.Pipeline
	Launcher  *actuator.AppLauncher
	DevIngest bool
	UIDir     string
	Version   string
}

func New(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, errors.New("missing Store")
	}
	if opts.Pipeline == nil {
		return nil, errors.New("missing Pipeline")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		log:       logger,
		store:     opts.Store,
		pipeline:  opts.Pipeline,
		launcher:  opts.Launcher,
		devIngest: opts.DevIngest,
		uiDir:     strings.TrimSpace(opts.UIDir),
		version:   strings.TrimSpace(opts.Version),
		startedAt: time.Now(),
	}, nil
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/state", s.handleGetState)
	r.Post("/state", s.handlePostState)
	r.Get("/events", s.handleGetEvents)
	r.Get("/events/stream", s.handleEventStream)
	r.Post("/intent", s.handlePostIntent)
	r.Post("/execute", s.handlePostExecute)
	r.Post("/confirm", s.handlePostConfirm)
	r.Post("/feedback", s.handlePostFeedback)
	r.Get("/sitrep", s.handleSitrep)
	r.Get("/policy/audit", s.handlePolicyAudit)

	r.Get("/twitch/recent", s.handleTwitchRecent)
	r.Get("/twitch/user/{id}", s.handleTwitchUser)
	r.Get("/twitch/user/{id}/redeems/top", s.handleTwitchRedeemsTop)
	r.Post("/twitch/send_chat", s.handleTwitchSendChat)

	r.Post("/app/open", s.handleAppOpen)

	if s.uiDir != "" {
		if _, err := os.Stat(s.uiDir); err == nil {
			r.Handle("/ui/*", http.StripPrefix("/ui/", http.FileServer(http.Dir(s.uiDir))))
		}
	}
	return r
}

// Start binds the listener and serves until the context is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("http listening", "component", "httpapi", "addr", addr)
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, map[string]any{"ok": false, "error_code": code, "error": message})
}

// writeFailure maps pipeline errors onto the propagation policy: validation
// errors, invalid state keys and unknown records 400, duplicate event ids 409,
// confirm failures 200 (expected outcomes), store unavailability 503, everything
// else 500.
func writeFailure(w http.ResponseWriter, err error) {
	var ve *pipeline.ValidationError
	if errors.As(err, &ve) {
		writeError(w, http.StatusBadRequest, ve.Code, ve.Message)
		return
	}
	var ce *pipeline.ConfirmError
	if errors.As(err, &ce) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error_code": ce.Code, "error": ce.Message})
		return
	}
	if errors.Is(err, store.ErrInvalidStateKey) {
		writeError(w, http.StatusBadRequest, "INVALID_STATE_KEY", err.Error())
		return
	}
	if errors.Is(err, store.ErrDuplicateEventID) {
		writeError(w, http.StatusConflict, "DUPLICATE_EVENT_ID", err.Error())
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusBadRequest, "SCHEMA_VIOLATION", err.Error())
		return
	}
	if store.IsUnavailable(err) {
		writeError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
}

// decodeJSON rejects unknown fields so every request schema stays closed.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &pipeline.ValidationError{Code: pipeline.CodeSchemaViolation, Message: "invalid JSON body: " + err.Error()}
	}
	return nil
}

func sourceOf(r *http.Request) string {
	if src := strings.TrimSpace(r.Header.Get("X-Source")); src != "" {
		return src
	}
	return "brainstem_api"
}
