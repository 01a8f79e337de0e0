package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/cnrmurphy/sentinel/internal/event"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sentinel.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func userEvent(agentName, text string) event.Event {
	e := event.New(event.Payload{
		Type:        event.TypeUserMessage,
		UserMessage: &event.UserMessage{Text: text},
	})
	e.Agent = agentName
	return e
}

func TestInsertEvent_SeqIsDense(t *testing.T) {
	s := openTestStore(t)

	const n = 25
	for i := 0; i < n; i++ {
		e := userEvent("a", fmt.Sprintf("msg %d", i))
		seq, err := s.InsertEvent(&e)
		if err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
		if seq != int64(i+1) {
			t.Fatalf("insert %d: expected seq %d, got %d", i, i+1, seq)
		}
		if e.Seq != seq {
			t.Errorf("insert %d: event.Seq not populated (got %d)", i, e.Seq)
		}
	}

	events, err := s.RecentEvents(n)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != n {
		t.Fatalf("expected %d events, got %d", n, len(events))
	}
	for i, e := range events {
		if e.Seq != int64(i+1) {
			t.Errorf("stored sequences not dense: position %d has seq %d", i, e.Seq)
		}
	}
}

func TestInsertEvent_DuplicateIDFatal(t *testing.T) {
	s := openTestStore(t)

	e1 := userEvent("a", "first")
	if _, err := s.InsertEvent(&e1); err != nil {
		t.Fatal(err)
	}

	e2 := userEvent("a", "second")
	e2.ID = e1.ID
	_, err := s.InsertEvent(&e2)
	if !errors.Is(err, ErrDuplicateID) {
		t.Errorf("expected ErrDuplicateID, got %v", err)
	}
}

func TestInsertEvent_RejectsAgentActivity(t *testing.T) {
	s := openTestStore(t)

	e := event.New(event.Payload{
		Type:          event.TypeAgentActivity,
		AgentActivity: &event.AgentActivity{Phase: event.PhaseThinking},
	})
	if _, err := s.InsertEvent(&e); err == nil {
		t.Error("agent_activity must be rejected at the store boundary")
	}

	// The rejected insert must not consume a sequence number.
	e2 := userEvent("a", "after")
	seq, err := s.InsertEvent(&e2)
	if err != nil {
		t.Fatal(err)
	}
	if seq != 1 {
		t.Errorf("expected seq 1 after rejected insert, got %d", seq)
	}
}

func TestInsertEvent_RejectsMismatchedUnion(t *testing.T) {
	s := openTestStore(t)

	e := event.New(event.Payload{Type: event.TypeUserMessage})
	if _, err := s.InsertEvent(&e); err == nil {
		t.Error("payload with nil variant must be rejected")
	}
}

func TestEventsByAgent_OrderedBySeq(t *testing.T) {
	s := openTestStore(t)

	for i := 0; i < 5; i++ {
		ea := userEvent("alpha", fmt.Sprintf("a%d", i))
		if _, err := s.InsertEvent(&ea); err != nil {
			t.Fatal(err)
		}
		eb := userEvent("beta", fmt.Sprintf("b%d", i))
		if _, err := s.InsertEvent(&eb); err != nil {
			t.Fatal(err)
		}
	}

	events, err := s.EventsByAgent("alpha")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 5 {
		t.Fatalf("expected 5 events for alpha, got %d", len(events))
	}
	var prev int64
	for _, e := range events {
		if e.Agent != "alpha" {
			t.Errorf("wrong agent in result: %q", e.Agent)
		}
		if e.Seq <= prev {
			t.Errorf("events not seq-ascending: %d after %d", e.Seq, prev)
		}
		prev = e.Seq
	}
}

func TestRecentEvents_LimitAndOrder(t *testing.T) {
	s := openTestStore(t)

	for i := 0; i < 10; i++ {
		e := userEvent("a", fmt.Sprintf("%d", i))
		if _, err := s.InsertEvent(&e); err != nil {
			t.Fatal(err)
		}
	}

	events, err := s.RecentEvents(3)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	// The most recent three, ascending.
	for i, want := range []int64{8, 9, 10} {
		if events[i].Seq != want {
			t.Errorf("events[%d].Seq: expected %d, got %d", i, want, events[i].Seq)
		}
	}
}

func TestInsertEvent_PayloadRoundTrip(t *testing.T) {
	s := openTestStore(t)

	in := int64(5)
	out := int64(2)
	resp := event.NewAssistantResponse()
	resp.Streaming = true
	resp.Model = "m"
	resp.MessageID = "msg_1"
	resp.StopReason = "tool_use"
	resp.Text = "hello"
	resp.Thinking = "hmm"
	resp.ToolCalls = append(resp.ToolCalls, event.ToolCall{
		ID: "t1", Name: "Edit", Input: map[string]any{"path": "a.rs"},
	})
	resp.Usage = event.Usage{InputTokens: &in, OutputTokens: &out}

	e := event.New(event.Payload{Type: event.TypeAssistantResponse, AssistantResponse: resp})
	e.Agent = "a"
	e.SessionID = "sess-1"
	if _, err := s.InsertEvent(&e); err != nil {
		t.Fatal(err)
	}

	events, err := s.EventsByAgent("a")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}

	got := events[0].Payload.AssistantResponse
	if got == nil {
		t.Fatal("assistant_response payload missing after round trip")
	}
	if got.Text != "hello" || got.Thinking != "hmm" || got.StopReason != "tool_use" {
		t.Errorf("payload fields lost: %+v", got)
	}
	if len(got.ToolCalls) != 1 || got.ToolCalls[0].Name != "Edit" {
		t.Errorf("tool calls lost: %+v", got.ToolCalls)
	}
	if got.Usage.InputTokens == nil || *got.Usage.InputTokens != 5 {
		t.Errorf("usage lost: %+v", got.Usage)
	}
	if events[0].SessionID != "sess-1" {
		t.Errorf("session_id lost: %q", events[0].SessionID)
	}
}

func TestUpsertAgent_CreateThenUpdate(t *testing.T) {
	s := openTestStore(t)

	a := Agent{
		ID:         "id-1",
		Name:       "claude-main",
		SessionID:  "sess-1",
		CreatedAt:  "2026-08-01T10:00:00.000Z",
		LastSeenAt: "2026-08-01T10:00:00.000Z",
		Status:     StatusActive,
	}
	if err := s.UpsertAgent(a); err != nil {
		t.Fatal(err)
	}

	a.SessionID = "sess-2"
	a.LastSeenAt = "2026-08-01T10:05:00.000Z"
	if err := s.UpsertAgent(a); err != nil {
		t.Fatal(err)
	}

	agents, err := s.ListAgents()
	if err != nil {
		t.Fatal(err)
	}
	if len(agents) != 1 {
		t.Fatalf("upsert created a duplicate: %d agents", len(agents))
	}
	got := agents[0]
	if got.SessionID != "sess-2" {
		t.Errorf("session not updated: %q", got.SessionID)
	}
	if got.LastSeenAt != "2026-08-01T10:05:00.000Z" {
		t.Errorf("last_seen_at not updated: %q", got.LastSeenAt)
	}
	if got.CreatedAt != "2026-08-01T10:00:00.000Z" {
		t.Errorf("created_at must be preserved on update: %q", got.CreatedAt)
	}
}

func TestUpsertAgent_RequiresName(t *testing.T) {
	s := openTestStore(t)
	if err := s.UpsertAgent(Agent{ID: "x"}); err == nil {
		t.Error("expected error for empty agent name")
	}
}

func TestEventsUpTo_Checkpoint(t *testing.T) {
	s := openTestStore(t)

	for i := 0; i < 6; i++ {
		e := userEvent("a", fmt.Sprintf("%d", i))
		if _, err := s.InsertEvent(&e); err != nil {
			t.Fatal(err)
		}
	}

	events, err := s.EventsUpTo(4)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	if events[len(events)-1].Seq != 4 {
		t.Errorf("checkpoint overshoot: last seq %d", events[len(events)-1].Seq)
	}
}

func TestLatestSeq(t *testing.T) {
	s := openTestStore(t)

	seq, err := s.LatestSeq()
	if err != nil {
		t.Fatal(err)
	}
	if seq != 0 {
		t.Errorf("empty store latest seq: expected 0, got %d", seq)
	}

	e := userEvent("a", "x")
	if _, err := s.InsertEvent(&e); err != nil {
		t.Fatal(err)
	}

	seq, err = s.LatestSeq()
	if err != nil {
		t.Fatal(err)
	}
	if seq != 1 {
		t.Errorf("latest seq: expected 1, got %d", seq)
	}
}

func TestOpen_Reopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sentinel.db")

	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	e := userEvent("a", "persisted")
	if _, err := s.InsertEvent(&e); err != nil {
		t.Fatal(err)
	}
	s.Close()

	// Reopen: migrations are idempotent and data survives.
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	events, err := s2.RecentEvents(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event after reopen, got %d", len(events))
	}

	e2 := userEvent("a", "after reopen")
	seq, err := s2.InsertEvent(&e2)
	if err != nil {
		t.Fatal(err)
	}
	if seq != 2 {
		t.Errorf("seq continuity after reopen: expected 2, got %d", seq)
	}
}
