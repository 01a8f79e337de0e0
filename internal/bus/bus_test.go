package bus

import (
	"context"
	"testing"
	"time"

	"github.com/cnrmurphy/sentinel/internal/event"
)

func seqEvent(seq int64) event.Event {
	e := event.New(event.Payload{
		Type:        event.TypeUserMessage,
		UserMessage: &event.UserMessage{Text: "x"},
	})
	e.Seq = seq
	return e
}

// receive pulls one delivery with a short deadline.
func receive(t *testing.T, sub *Subscriber) Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := sub.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	return d
}

func TestPublish_DeliversInSeqOrder(t *testing.T) {
	b := New(16)
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	for seq := int64(1); seq <= 5; seq++ {
		b.Publish(seqEvent(seq))
	}

	for seq := int64(1); seq <= 5; seq++ {
		d := receive(t, sub)
		if d.Event == nil {
			t.Fatalf("expected event at seq %d, got %+v", seq, d)
		}
		if d.Event.Seq != seq {
			t.Errorf("expected seq %d, got %d", seq, d.Event.Seq)
		}
	}
}

func TestPublish_TwoSubscribersSeeSameOrder(t *testing.T) {
	b := New(16)
	a := b.Subscribe()
	c := b.Subscribe()
	defer b.Unsubscribe(a)
	defer b.Unsubscribe(c)

	for seq := int64(1); seq <= 8; seq++ {
		b.Publish(seqEvent(seq))
	}

	var seqsA, seqsC []int64
	for i := 0; i < 8; i++ {
		seqsA = append(seqsA, receive(t, a).Event.Seq)
		seqsC = append(seqsC, receive(t, c).Event.Seq)
	}
	for i := range seqsA {
		if seqsA[i] != seqsC[i] {
			t.Errorf("subscriber order diverged at %d: %d vs %d", i, seqsA[i], seqsC[i])
		}
		if i > 0 && seqsA[i] <= seqsA[i-1] {
			t.Errorf("seq not strictly increasing: %v", seqsA)
		}
	}
}

func TestOverflow_ResyncAfterDrain(t *testing.T) {
	const buf = 4
	b := New(buf)
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	// 10 events into a buffer of 4: 1-4 buffered, 5-10 dropped.
	for seq := int64(1); seq <= 10; seq++ {
		b.Publish(seqEvent(seq))
	}

	for seq := int64(1); seq <= buf; seq++ {
		d := receive(t, sub)
		if d.Event == nil || d.Event.Seq != seq {
			t.Fatalf("drain: expected event seq %d, got %+v", seq, d)
		}
	}

	// Buffer drained with drops pending: exactly one resync marker.
	d := receive(t, sub)
	if d.Resync == nil {
		t.Fatalf("expected resync after drain, got %+v", d)
	}
	if d.Resync.EventsDropped != 6 {
		t.Errorf("events_dropped: expected 6, got %d", d.Resync.EventsDropped)
	}
	if d.Resync.LatestSeq != 10 {
		t.Errorf("latest_seq: expected 10, got %d", d.Resync.LatestSeq)
	}

	// Counters reset: the next event flows through without another marker.
	b.Publish(seqEvent(11))
	d = receive(t, sub)
	if d.Event == nil || d.Event.Seq != 11 {
		t.Errorf("expected event seq 11 after resync, got %+v", d)
	}
}

func TestOverflow_OtherSubscribersUnaffected(t *testing.T) {
	b := New(2)
	slow := b.Subscribe()
	fast := b.Subscribe()
	defer b.Unsubscribe(slow)
	defer b.Unsubscribe(fast)

	// fast drains as we go; slow never reads until the end.
	for seq := int64(1); seq <= 6; seq++ {
		b.Publish(seqEvent(seq))
		d := receive(t, fast)
		if d.Event == nil || d.Event.Seq != seq {
			t.Fatalf("fast subscriber affected by slow one: %+v", d)
		}
	}

	// slow got 1-2 buffered, dropped 3-6.
	for seq := int64(1); seq <= 2; seq++ {
		if d := receive(t, slow); d.Event == nil || d.Event.Seq != seq {
			t.Fatalf("slow drain: %+v", d)
		}
	}
	if d := receive(t, slow); d.Resync == nil || d.Resync.EventsDropped != 4 {
		t.Errorf("slow subscriber resync: %+v", d)
	}
}

func TestReceive_ContextCancel(t *testing.T) {
	b := New(4)
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := sub.Receive(ctx); err == nil {
		t.Error("expected context error on empty queue")
	}
}

func TestUnsubscribe_ReceiveReturnsError(t *testing.T) {
	b := New(4)
	sub := b.Subscribe()

	b.Publish(seqEvent(1))
	b.Unsubscribe(sub)

	// Buffered event still drains after unsubscribe.
	d := receive(t, sub)
	if d.Event == nil || d.Event.Seq != 1 {
		t.Fatalf("expected buffered event after unsubscribe, got %+v", d)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := sub.Receive(ctx); err != ErrUnsubscribed {
		t.Errorf("expected ErrUnsubscribed, got %v", err)
	}

	// Publishing after unsubscribe must not panic or deliver.
	b.Publish(seqEvent(2))
}

func TestUnsubscribe_Twice(t *testing.T) {
	b := New(4)
	sub := b.Subscribe()
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
}

func TestActivityEvents_PassThroughUnsequenced(t *testing.T) {
	b := New(4)
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	e := event.New(event.Payload{
		Type:          event.TypeAgentActivity,
		AgentActivity: &event.AgentActivity{Phase: event.PhaseWriting},
	})
	b.Publish(e)

	d := receive(t, sub)
	if d.Event == nil || d.Event.Seq != 0 {
		t.Fatalf("expected unsequenced activity event, got %+v", d)
	}
	if d.Event.Payload.AgentActivity.Phase != event.PhaseWriting {
		t.Errorf("phase lost: %+v", d.Event.Payload)
	}
}
