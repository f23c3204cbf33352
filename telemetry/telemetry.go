// Package telemetry records timing events for gateway operations. Events are
// a capability set {tag, reference, start, stop} carried as values over a
// bounded channel into one analyzer goroutine.
package telemetry

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Tag identifies the kind of span an event measures.
type Tag string

const (
	// TagPollerIteration spans one poll of a canister, sleep included.
	TagPollerIteration Tag = "poller_iteration"
	// TagRelayBatch spans the fan-out of one polled batch.
	TagRelayBatch Tag = "relay_batch"
	// TagSessionOpen spans a session from accept to Open.
	TagSessionOpen Tag = "session_open"
)

// Event is one timed span. Reference carries the subject (canister id,
// iteration number, session id) as free text for traces.
type Event struct {
	ID        string
	Tag       Tag
	Reference string
	Start     time.Time
	Stop      time.Time
}

// NewEvent starts a span now.
func NewEvent(tag Tag, reference string) Event {
	return Event{
		ID:        uuid.NewString(),
		Tag:       tag,
		Reference: reference,
		Start:     time.Now(),
	}
}

// Finish stops the span and returns it, ready to record.
func (e Event) Finish() Event {
	e.Stop = time.Now()
	return e
}

// Duration returns the measured span length.
func (e Event) Duration() time.Duration {
	return e.Stop.Sub(e.Start)
}

// Analyzer drains events from all tasks and logs their durations. A nil
// *Analyzer is valid and drops every event, which is how telemetry is
// disabled.
type Analyzer struct {
	events chan Event
	log    *zap.SugaredLogger
}

// NewAnalyzer creates an analyzer with the given channel bound.
func NewAnalyzer(bound int, log *zap.SugaredLogger) *Analyzer {
	return &Analyzer{
		events: make(chan Event, bound),
		log:    log,
	}
}

// Record submits an event. Blocks when the channel is full; no event is
// dropped while the analyzer runs.
func (a *Analyzer) Record(e Event) {
	if a == nil {
		return
	}
	a.events <- e
}

// Run drains events until ctx is cancelled.
func (a *Analyzer) Run(ctx context.Context) {
	if a == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-a.events:
			a.log.Debugw("span",
				"event_id", e.ID,
				"tag", string(e.Tag),
				"reference", e.Reference,
				"duration_ms", e.Duration().Milliseconds(),
			)
		}
	}
}
