package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/sentinel/internal/geocode"
	"github.com/MikeSquared-Agency/sentinel/internal/incident"
	"github.com/MikeSquared-Agency/sentinel/internal/transcript"
)

// Store is the slice of the record store the HTTP surface needs.
type Store interface {
	StartCall(ctx context.Context, callID, incidentType, locationText string) (*incident.Call, error)
	GetCallByCallID(ctx context.Context, callID string) (*incident.Call, error)
	UpdateCallFields(ctx context.Context, id uuid.UUID, fields map[string]any) (*incident.Call, error)
	UpdateCallFieldsByCallID(ctx context.Context, callID string, fields map[string]any) (*incident.Call, error)
	CloseCall(ctx context.Context, id uuid.UUID) (*incident.Call, error)
	ListCalls(ctx context.Context, limit int) ([]incident.Call, error)
	ListTranscriptBlocks(ctx context.Context, callRowID uuid.UUID) ([]incident.TranscriptBlock, error)
	ListExtractedFields(ctx context.Context, callRowID uuid.UUID) ([]incident.ExtractedField, error)
	ListActions(ctx context.Context, callRowID uuid.UUID) ([]incident.CallAction, error)
	AppendAction(ctx context.Context, a *incident.CallAction) error
}

// Pipeline is the reconciler surface the webhooks feed.
type Pipeline interface {
	Ingest(ctx context.Context, callID string, u transcript.Utterance)
	SetSessionActive(callID string, active bool)
	Halt(callID string)
}

// Resolver geocodes webhook-supplied addresses.
type Resolver interface {
	Resolve(ctx context.Context, text string) (*geocode.Pin, error)
}

// Escalator forwards escalation requests to the on-call channel.
type Escalator interface {
	Escalated(ctx context.Context, call *incident.Call, reason string)
}

type storedEvent struct {
	ReceivedAt string         `json:"received_at"`
	Body       map[string]any `json:"body"`
}

type Server struct {
	router    *chi.Mux
	port      int
	store     Store
	pipeline  Pipeline
	resolver  Resolver
	escalator Escalator
	logger    *slog.Logger

	// Idempotency caches for the webhook surface.
	idemMu     sync.Mutex
	idemKeys   map[string]struct{}
	callStarts map[string]struct{}

	eventsMu sync.Mutex
	events   []storedEvent

	hub *wsHub
}

func NewServer(port int, store Store, pipeline Pipeline, resolver Resolver, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:     router,
		port:       port,
		store:      store,
		pipeline:   pipeline,
		resolver:   resolver,
		logger:     logger,
		idemKeys:   make(map[string]struct{}),
		callStarts: make(map[string]struct{}),
		hub:        newWSHub(logger),
	}

	router.Get("/health", s.health)
	router.Get("/api/v1/sentinel/status", s.status)

	router.Route("/v1/dispatch", func(r chi.Router) {
		r.Post("/call-start", s.handleCallStart)
		r.Post("/events", s.handleDispatchEvent)
		r.Get("/events", s.handleListEvents)
		r.Get("/calls", s.handleListCalls)
		r.Get("/calls/{callID}", s.handleGetCall)
		r.Post("/calls/{callID}/utterances", s.handleUtterance)
		r.Post("/calls/{callID}/actions", s.handleAction)
		r.Post("/calls/{callID}/end", s.handleEndSession)
		r.Get("/ws", s.hub.handleConnect)
	})

	return s
}

// SetEscalator wires the optional escalation notifier.
func (s *Server) SetEscalator(e Escalator) {
	s.escalator = e
}

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.logger.Info("API server starting", "addr", addr)
	return http.ListenAndServe(addr, s.router)
}

// HandleCallUpdated bridges bus change notifications onto the websocket
// feed, mirroring the dashboard's realtime subscription.
func (s *Server) HandleCallUpdated(subject string, data []byte) {
	frame, err := json.Marshal(map[string]any{
		"subject": subject,
		"payload": json.RawMessage(data),
	})
	if err != nil {
		return
	}
	s.hub.broadcast(frame)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"agent":  "sentinel",
		"status": "active",
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func (s *Server) recordEvent(body map[string]any) {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	s.events = append(s.events, storedEvent{
		ReceivedAt: time.Now().UTC().Format(time.RFC3339),
		Body:       body,
	})
}
