package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gobwas/glob"

	"github.com/cnrmurphy/sentinel/internal/event"
)

// handleEventStream serves the push channel: SSE records, one envelope
// per data: frame.
//
// Phase 1 replays relevant history from the store (backfill). Phase 2
// live-tails the bus. The subscription is opened before the backfill
// query so no event can fall between the phases; live events already
// covered by backfill (seq <= B) are dropped, and a seq jump past B+1 —
// or a bus overflow — surfaces to the consumer as a resync_required
// envelope before the next real event.
//
// GET /api/events?agent=<name-or-glob>
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("ResponseWriter does not support flushing (required for SSE)")
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	filter, err := compileAgentFilter(r.URL.Query().Get("agent"))
	if err != nil {
		http.Error(w, fmt.Sprintf("bad agent filter: %v", err), http.StatusBadRequest)
		return
	}

	// Subscribe before querying so the backfill/live handoff cannot lose
	// an event published in between.
	sub := s.bus.Subscribe()
	defer s.bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	// Send the headers now: with no history to replay, nothing else would
	// reach the consumer until the first live event.
	flusher.Flush()

	backfill, err := s.backfillEvents(filter)
	if err != nil {
		slog.Error("backfill query failed", "error", err)
		// Headers are out; tell the consumer to resync rather than
		// pretending history is empty.
		latest, _ := s.store.LatestSeq()
		writeResync(w, flusher, event.Resync{EventsDropped: latest, LatestSeq: latest})
		return
	}

	// The phase boundary is the highest seq actually replayed, not the
	// store head: an event committed after the backfill query is absent
	// from the replay and must flow through live, so counting it into
	// the boundary would silently drop it in both phases.
	var lastSeq int64
	for _, e := range backfill {
		if !writeEnvelope(w, flusher, e) {
			return
		}
		if e.Seq > lastSeq {
			lastSeq = e.Seq
		}
	}

	ctx := r.Context()
	for {
		d, err := sub.Receive(ctx)
		if err != nil {
			return
		}

		switch {
		case d.Resync != nil:
			if !writeResync(w, flusher, *d.Resync) {
				return
			}
			// The marker already covers everything up to its latest seq;
			// without this the gap check below would report it again.
			if d.Resync.LatestSeq > lastSeq {
				lastSeq = d.Resync.LatestSeq
			}

		case d.Event != nil:
			e := *d.Event

			// Activity events are unsequenced bus-only liveness pings —
			// forward on filter match, skip gap accounting.
			if e.Seq == 0 {
				if filter.match(e.Agent) && !writeEnvelope(w, flusher, e) {
					return
				}
				continue
			}

			if e.Seq <= lastSeq {
				continue
			}
			if e.Seq > lastSeq+1 {
				// Events went missing between the store and this
				// subscription (persistence loss or drops before our
				// first receive). The consumer must refetch.
				gap := event.Resync{
					EventsDropped: e.Seq - lastSeq - 1,
					LatestSeq:     e.Seq - 1,
				}
				if !writeResync(w, flusher, gap) {
					return
				}
			}
			lastSeq = e.Seq

			if filter.match(e.Agent) && !writeEnvelope(w, flusher, e) {
				return
			}
		}
	}
}

// backfillEvents queries the history relevant to the filter, seq
// ascending. An exact-name filter uses the agent index; a glob pattern
// matches against the recent window.
func (s *Server) backfillEvents(filter agentFilter) ([]event.Event, error) {
	if filter.exact != "" {
		return s.store.EventsByAgent(filter.exact)
	}

	events, err := s.store.RecentEvents(backfillLimit)
	if err != nil {
		return nil, err
	}
	if filter.pattern == nil {
		return events, nil
	}

	matched := events[:0]
	for _, e := range events {
		if filter.match(e.Agent) {
			matched = append(matched, e)
		}
	}
	return matched, nil
}

// agentFilter matches event agent names: everything, one exact name, or
// a glob pattern.
type agentFilter struct {
	exact   string
	pattern glob.Glob
}

func compileAgentFilter(raw string) (agentFilter, error) {
	if raw == "" {
		return agentFilter{}, nil
	}
	if !strings.ContainsAny(raw, "*?[{") {
		return agentFilter{exact: raw}, nil
	}
	g, err := glob.Compile(raw)
	if err != nil {
		return agentFilter{}, err
	}
	return agentFilter{pattern: g}, nil
}

func (f agentFilter) match(name string) bool {
	switch {
	case f.exact != "":
		return name == f.exact
	case f.pattern != nil:
		return f.pattern.Match(name)
	default:
		return true
	}
}

// writeEnvelope writes one observability_event frame. Returns false when
// the consumer is gone.
func writeEnvelope(w http.ResponseWriter, flusher http.Flusher, e event.Event) bool {
	frame, err := event.MarshalEnvelope(e)
	if err != nil {
		slog.Error("failed to marshal event envelope", "id", e.ID, "error", err)
		return true
	}
	return writeFrame(w, flusher, frame)
}

// writeResync writes one resync_required frame.
func writeResync(w http.ResponseWriter, flusher http.Flusher, r event.Resync) bool {
	frame, err := event.MarshalResync(r)
	if err != nil {
		slog.Error("failed to marshal resync envelope", "error", err)
		return true
	}
	return writeFrame(w, flusher, frame)
}

func writeFrame(w http.ResponseWriter, flusher http.Flusher, frame []byte) bool {
	if _, err := fmt.Fprintf(w, "data: %s\n\n", frame); err != nil {
		return false
	}
	flusher.Flush()
	return true
}
