package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAppendEvent_sequenceOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var seqs []int64
	for i := 0; i < 5; i++ {
		seq, err := s.AppendEvent(ctx, Event{
			EventType: "TEST_EVENT",
			Source:    "t",
			Payload:   map[string]any{"i": i},
		})
		if err != nil {
			t.Fatalf("AppendEvent %d: %v", i, err)
		}
		seqs = append(seqs, seq)
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Fatalf("seq not increasing: %v", seqs)
		}
	}

	events, err := s.ReadEvents(ctx, EventFilter{SinceSeq: seqs[1]})
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("since_seq count = %d, want 3", len(events))
	}
	if events[0].Seq != seqs[2] {
		t.Fatalf("first seq = %d, want %d", events[0].Seq, seqs[2])
	}
}

func TestAppendEvent_duplicateID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ev := Event{EventID: "stable-1", EventType: "TEST_EVENT", Source: "t", Payload: map[string]any{}}
	if _, err := s.AppendEvent(ctx, ev); err != nil {
		t.Fatalf("first append: %v", err)
	}
	_, err := s.AppendEvent(ctx, ev)
	if !errors.Is(err, ErrDuplicateEventID) {
		t.Fatalf("second append err = %v, want ErrDuplicateEventID", err)
	}

	events, err := s.ReadEvents(ctx, EventFilter{EventType: "TEST_EVENT"})
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("row count = %d, want 1", len(events))
	}
}

func TestReadEvents_correlationFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, correlation := range []string{"inc-1", "inc-2", "inc-1"} {
		if _, err := s.AppendEvent(ctx, Event{
			EventType: "TEST_EVENT", Source: "t", CorrelationID: correlation, Payload: map[string]any{},
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	events, err := s.ReadEvents(ctx, EventFilter{CorrelationID: "inc-1"})
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("count = %d, want 2", len(events))
	}
}

func TestSubscribe_receivesAppendedEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ch, cancel := s.Subscribe()
	defer cancel()

	if _, err := s.AppendEvent(ctx, Event{EventType: "TEST_EVENT", Source: "t", Payload: map[string]any{}}); err != nil {
		t.Fatalf("append: %v", err)
	}

	select {
	case ev := <-ch:
		if ev.EventType != "TEST_EVENT" {
			t.Fatalf("event_type = %q", ev.EventType)
		}
		if ev.Seq <= 0 {
			t.Fatalf("seq = %d, want > 0", ev.Seq)
		}
	case <-time.After(time.Second):
		t.Fatalf("no event delivered")
	}
}
