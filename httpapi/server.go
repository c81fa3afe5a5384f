// Package httpapi exposes the orchestrator over JSON HTTP: the answer
// endpoints (unary and newline-delimited streaming), session management,
// health, and the operator control surface.
//
// This is the only layer that translates error kinds into HTTP status
// codes; everything beneath it returns classified errors.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nevindra/conclave"
)

// Engine is the orchestrator surface the handlers drive.
// *conclave.Orchestrator satisfies it.
type Engine interface {
	Answer(ctx context.Context, req conclave.Request) (conclave.Response, error)
	AnswerStream(ctx context.Context, req conclave.Request, out chan<- conclave.StreamEvent) error
	StashOverride(query string, ov conclave.Override) error
	ConfigureAgent(ctx context.Context, name, configType, data string, persist bool) error
	ConfigureRouting(mode conclave.RoutingMode, multiAgent, collaboration bool) error
	Status(ctx context.Context) conclave.StatusReport
}

// MemoryManager is the memory surface behind /control/memory/manage.
// *conclave.Memory satisfies it.
type MemoryManager interface {
	Clear(ctx context.Context, kind conclave.MemoryKind, patterns []string) (int, error)
	Export(ctx context.Context) (conclave.ExportBlob, error)
	Import(ctx context.Context, blob conclave.ExportBlob) error
}

// Ingestor stores markdown into memory as sectioned records.
// *conclave.Ingestor satisfies it.
type Ingestor interface {
	IngestMarkdown(ctx context.Context, source string, metadata map[string]string) (conclave.IngestResult, error)
}

// Server holds the handler dependencies. Build the route table with Router
// and serve it with a caller-owned http.Server.
type Server struct {
	engine   Engine
	memory   MemoryManager
	ingestor Ingestor
	sessions conclave.SessionStore
	version  string
	logger   *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithVersion sets the build version reported by /health. Default "dev".
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		if v != "" {
			s.version = v
		}
	}
}

// WithServerLogger sets the logger. Default slog.Default().
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer wires the handler set.
func NewServer(engine Engine, memory MemoryManager, ingestor Ingestor, sessions conclave.SessionStore, opts ...ServerOption) *Server {
	s := &Server{
		engine:   engine,
		memory:   memory,
		ingestor: ingestor,
		sessions: sessions,
		version:  "dev",
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router assembles the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.logRequests)

	r.Post("/answer", s.handleAnswer)
	r.Post("/answer/stream", s.handleAnswerStream)

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", s.handleCreateSession)
		r.Get("/", s.handleListSessions)
		r.Get("/{id}", s.handleGetSession)
		r.Delete("/{id}", s.handleDeleteSession)
	})

	r.Get("/health", s.handleHealth)

	r.Route("/control", func(r chi.Router) {
		r.Post("/agent/override", s.handleAgentOverride)
		r.Post("/agent/config", s.handleAgentConfig)
		r.Post("/routing/config", s.handleRoutingConfig)
		r.Post("/memory/manage", s.handleMemoryManage)
		r.Get("/status", s.handleControlStatus)
	})

	return r
}

// logRequests is the access log. Streaming requests log once on completion
// like everything else.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(started).Milliseconds())
	})
}

type healthAgent struct {
	Name  string `json:"name"`
	Ready bool   `json:"ready"`
}

type healthResponse struct {
	Status  string        `json:"status"`
	Version string        `json:"version"`
	Agents  []healthAgent `json:"agents"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.engine.Status(r.Context())
	agents := make([]healthAgent, 0, len(report.Agents))
	for _, a := range report.Agents {
		agents = append(agents, healthAgent{Name: a.Name, Ready: a.Ready})
	}
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Version: s.version, Agents: agents})
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

// writeJSON writes v with the given status. Encoding failures are logged;
// the status line is already on the wire by then.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("write response", "error", err)
	}
}

// writeError maps a classified error onto an HTTP status and body.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := conclave.StatusCode(err)
	if errors.Is(err, conclave.ErrNotFound) {
		status = http.StatusNotFound
	}
	s.writeJSON(w, status, errorResponse{Error: errorBody{
		Code:    errorCode(err),
		Message: errorMessage(err),
	}})
}

func errorCode(err error) string {
	if kind := conclave.KindOf(err); kind != "" {
		return string(kind)
	}
	return "internal"
}

// errorMessage returns the user-visible message without wrapped internal
// detail.
func errorMessage(err error) string {
	var e *conclave.Error
	if errors.As(err, &e) {
		return e.Message
	}
	if errors.Is(err, conclave.ErrNotFound) {
		return "not found"
	}
	return "internal error"
}

// owner reads the calling owner from the X-Owner header. Authentication is
// out of scope; absent headers fall back to the shared default owner.
func owner(r *http.Request) string {
	if o := r.Header.Get("X-Owner"); o != "" {
		return o
	}
	return "default"
}

// decodeBody parses a JSON body into dst. A completely empty body leaves dst
// zero-valued so endpoints with optional bodies accept bare POSTs.
func decodeBody(r *http.Request, dst any) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return conclave.Fail(conclave.KindBadRequest, "invalid request body: %v", err)
}
