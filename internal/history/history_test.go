package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type captureSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
}

func (c *captureSink) Send(_ context.Context, e Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return c.err
}

func (c *captureSink) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *captureSink) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func TestRecorder_FanOut(t *testing.T) {
	a := &captureSink{}
	b := &captureSink{}
	r := &Recorder{}
	r.SetSinks(a, b)

	r.Record(Event{
		Type:        EventBuildFinished,
		BuildID:     7,
		CommitSHA:   "abc123",
		BuildStatus: "success",
	})
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	for _, sink := range []*captureSink{a, b} {
		evs := sink.snapshot()
		if len(evs) != 1 {
			t.Fatalf("expected 1 event, got %d", len(evs))
		}
		e := evs[0]
		if e.Type != EventBuildFinished || e.BuildID != 7 || e.CommitSHA != "abc123" {
			t.Fatalf("unexpected event: %+v", e)
		}
		if e.OccurredAt.IsZero() {
			t.Fatalf("expected OccurredAt to be stamped")
		}
		if !sink.closed {
			t.Fatalf("expected sink to be closed")
		}
	}
}

func TestRecorder_NoSinks(t *testing.T) {
	r := &Recorder{}
	r.Record(Event{Type: EventDeployed}) // must not panic or block
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestRecorder_SinkErrorDoesNotStopOthers(t *testing.T) {
	bad := &captureSink{err: errors.New("sink down")}
	good := &captureSink{}
	r := &Recorder{}
	r.SetSinks(bad, good)

	r.Record(Event{Type: EventServiceCrash, Service: "svc", PID: 42, Restarts: 2})
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if len(good.snapshot()) != 1 {
		t.Fatalf("good sink should still receive the event")
	}
}

func TestRecorder_KeepsExplicitTimestamp(t *testing.T) {
	sink := &captureSink{}
	r := &Recorder{}
	r.SetSinks(sink)

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r.Record(Event{Type: EventDeployed, OccurredAt: at})
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	evs := sink.snapshot()
	if len(evs) != 1 || !evs[0].OccurredAt.Equal(at) {
		t.Fatalf("expected explicit timestamp to survive, got %+v", evs)
	}
}
