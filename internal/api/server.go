// Package api serves Sentinel's management surface on the management port:
//
//   - REST backfill:  GET /api/agents                  — agent records
//     GET /api/agents/{name}/events    — events by agent, seq ascending
//   - Push channel:   GET /api/events?agent=<pattern>  — SSE, backfill then live tail
//   - Label ingress:  POST /api/labels                 — semantic-labeling sidecar writes
//   - Live feed:      GET /ws                          — WebSocket event feed
//
// Handlers never return 200 with an empty-on-error payload: query failures
// surface as 5xx with a message.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/cnrmurphy/sentinel/internal/agent"
	"github.com/cnrmurphy/sentinel/internal/bus"
	"github.com/cnrmurphy/sentinel/internal/event"
	"github.com/cnrmurphy/sentinel/internal/store"
)

// backfillLimit bounds how much history the push channel replays before
// switching to the live tail.
const backfillLimit = 500

// Options holds the dependencies injected into the management server.
type Options struct {
	Store    *store.Store
	Bus      *bus.Bus
	Registry *agent.Registry
}

// Server is the management-port HTTP handler set.
type Server struct {
	store    *store.Store
	bus      *bus.Bus
	registry *agent.Registry
	wsHub    *wsHub
}

// New creates a management server with the given dependencies.
func New(opts Options) *Server {
	return &Server{
		store:    opts.Store,
		bus:      opts.Bus,
		registry: opts.Registry,
		wsHub:    newWSHub(),
	}
}

// Start launches the WebSocket hub and the bus feeder that supplies it.
// Runs until the context is cancelled.
func (s *Server) Start(ctx context.Context) {
	go s.wsHub.run(ctx)
	go s.feedHub(ctx)
}

// feedHub tails the bus and hands each delivery to the WebSocket hub, in
// the same envelope the SSE push channel uses. Bus-level resyncs carry
// their latest seq so a client that also missed hub frames gets one
// coherent marker.
func (s *Server) feedHub(ctx context.Context) {
	sub := s.bus.Subscribe()
	defer s.bus.Unsubscribe(sub)

	for {
		d, err := sub.Receive(ctx)
		if err != nil {
			return
		}

		switch {
		case d.Resync != nil:
			frame, merr := event.MarshalResync(*d.Resync)
			if merr != nil {
				slog.Error("failed to marshal feed resync", "error", merr)
				continue
			}
			s.wsHub.publish(frame, d.Resync.LatestSeq)

		case d.Event != nil:
			frame, merr := event.MarshalEnvelope(*d.Event)
			if merr != nil {
				slog.Error("failed to marshal feed frame", "id", d.Event.ID, "error", merr)
				continue
			}
			s.wsHub.publish(frame, d.Event.Seq)
		}
	}
}

// Handler returns the management mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/agents", s.handleAgents)
	mux.HandleFunc("/api/agents/", s.handleAgentEvents)
	mux.HandleFunc("/api/events", s.handleEventStream)
	mux.HandleFunc("/api/labels", s.handleLabels)
	mux.HandleFunc("/ws", s.handleWebSocket)

	return mux
}

// handleAgents returns all known agents with liveness-adjusted status.
// GET /api/agents
func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.registry.List())
}

// handleAgentEvents returns the named agent's events ordered by seq.
// GET /api/agents/{name}/events
func (s *Server) handleAgentEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/agents/")
	name, tail, ok := strings.Cut(rest, "/")
	if !ok || tail != "events" || name == "" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	events, err := s.store.EventsByAgent(name)
	if err != nil {
		slog.Error("agent events query failed", "agent", name, "error", err)
		http.Error(w, "events query failed", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []event.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// writeJSON sends a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}
