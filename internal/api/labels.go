package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/cnrmurphy/sentinel/internal/event"
	"github.com/cnrmurphy/sentinel/internal/store"
)

// labelRequest is the wire shape posted by the semantic-labeling sidecar.
type labelRequest struct {
	Kind      string `json:"kind"`
	Key       string `json:"key"`
	Value     string `json:"value"`
	Agent     string `json:"agent"`
	SessionID string `json:"session_id"`
}

// handleLabels is the labeling ingress — the only externally-originated
// write path beyond the proxy. Labels travel the same store-then-bus path
// as proxy events; the core stores them verbatim and never invents its
// own topics.
//
// POST /api/labels
func (s *Server) handleLabels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}

	var req labelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Kind == "" {
		http.Error(w, "kind field required", http.StatusBadRequest)
		return
	}

	e := event.New(event.Payload{
		Type:  event.TypeLabel,
		Label: &event.Label{Kind: req.Kind, Key: req.Key, Value: req.Value},
	})
	e.Agent = req.Agent
	e.SessionID = req.SessionID
	if req.Kind == "topic" {
		e.Topic = req.Value
	}

	seq, err := s.store.InsertEvent(&e)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateID) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		slog.Error("label persistence failed", "kind", req.Kind, "error", err)
		http.Error(w, "label persistence failed", http.StatusInternalServerError)
		return
	}
	s.bus.Publish(e)

	writeJSON(w, http.StatusOK, map[string]any{"status": "accepted", "seq": seq})
}
