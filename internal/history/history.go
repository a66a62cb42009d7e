package history

import (
	"context"
	"errors"
	"sync"
	"time"
)

// EventType defines the kind of deployment lifecycle event.
type EventType string

const (
	// EventBuildFinished fires once per build reaching a terminal status.
	EventBuildFinished EventType = "build_finished"
	// EventDeployed fires when a freshly built artifact replaces the service.
	EventDeployed EventType = "deploy"
	// EventServiceCrash fires on every unexpected service exit.
	EventServiceCrash EventType = "service_crash"
)

// Event represents a deployment lifecycle event exported to external systems.
// Build fields are set for build_finished and deployed; service fields for
// deployed and service_crash.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`

	BuildID     int64  `json:"build_id,omitempty"`
	CommitSHA   string `json:"commit_sha,omitempty"`
	BuildStatus string `json:"build_status,omitempty"`
	Artifact    string `json:"artifact,omitempty"`

	Service  string `json:"service,omitempty"`
	PID      int    `json:"pid,omitempty"`
	Restarts int    `json:"restarts,omitempty"`

	Detail string `json:"detail,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

const sendTimeout = 5 * time.Second

// Recorder fans events out to the configured sinks. Delivery is best
// effort and never blocks the caller: a slow or failing sink cannot stall
// the deployment loop.
type Recorder struct {
	mu    sync.Mutex
	sinks []Sink
	wg    sync.WaitGroup
}

// SetSinks replaces the sink set. Safe to call while events are in flight.
func (r *Recorder) SetSinks(sinks ...Sink) {
	r.mu.Lock()
	r.sinks = append([]Sink(nil), sinks...)
	r.mu.Unlock()
}

// Record dispatches e to every sink in the background.
func (r *Recorder) Record(e Event) {
	r.mu.Lock()
	sinks := append([]Sink(nil), r.sinks...)
	r.mu.Unlock()
	if len(sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		for _, s := range sinks {
			_ = s.Send(ctx, e)
		}
	}()
}

// Close waits for in-flight deliveries and closes closeable sinks.
func (r *Recorder) Close() error {
	r.wg.Wait()
	r.mu.Lock()
	sinks := r.sinks
	r.sinks = nil
	r.mu.Unlock()
	var errs []error
	for _, s := range sinks {
		if closer, ok := s.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
