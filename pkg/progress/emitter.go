package progress

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the default channel capacity of an emitter.
const DefaultBuffer = 64

var (
	// ErrTerminated is returned for events emitted after complete or error.
	ErrTerminated = errors.New("progress stream already terminated")

	// ErrInvalidTransition is returned for events that go back in phase order.
	ErrInvalidTransition = errors.New("invalid phase transition")
)

// Emitter is the producer side of a run's progress stream. Events are
// written into a bounded channel that the transport drains. It expects a
// single producer; the consumer may Detach at any time.
type Emitter struct {
	runID    string
	ch       chan Event
	detached chan struct{}

	detachOnce sync.Once
	isDetached atomic.Bool
	dropped    atomic.Int64

	mu          sync.Mutex
	phase       Phase
	lastCurrent int
	lastTotal   int
}

// NewEmitter creates an emitter whose events carry runID.
func NewEmitter(runID string, buffer int) *Emitter {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Emitter{
		runID:    runID,
		ch:       make(chan Event, buffer),
		detached: make(chan struct{}),
	}
}

// RunID returns the id stamped on every event.
func (e *Emitter) RunID() string {
	return e.runID
}

// Events returns the stream. It is closed after the terminal event.
func (e *Emitter) Events() <-chan Event {
	return e.ch
}

// Fetching reports patients fetched so far and the declared total.
func (e *Emitter) Fetching(current, total int) error {
	return e.emit(Event{
		Phase:    PhaseFetching,
		Message:  "Fetching patients...",
		Counters: &Counters{Current: current, Total: total},
	})
}

// Processing reports patients processed, the total and doctor lookups.
func (e *Emitter) Processing(current, total, lookups int) error {
	return e.emit(Event{
		Phase:    PhaseProcessing,
		Message:  "Processing referring doctors...",
		Counters: &Counters{Current: current, Total: total, ContactLookups: &lookups},
	})
}

// Complete terminates the stream with the run's result.
func (e *Emitter) Complete(summary Summary) error {
	success := true
	return e.emit(Event{
		Phase:   PhaseComplete,
		Success: &success,
		Summary: &summary,
	})
}

// Fail terminates the stream with err. partial may carry the result
// computed before the failure.
func (e *Emitter) Fail(err error, partial *Summary) error {
	success := false
	msg := "Unknown error"
	if err != nil {
		msg = err.Error()
	}
	return e.emit(Event{
		Phase:   PhaseError,
		Success: &success,
		Error:   msg,
		Summary: partial,
		Partial: partial != nil,
	})
}

// Detach marks the subscriber as gone. Later events are discarded and the
// producer is never blocked by the stream again.
func (e *Emitter) Detach() {
	e.detachOnce.Do(func() {
		e.isDetached.Store(true)
		close(e.detached)
	})
}

// Detached returns a channel closed when the subscriber detaches.
func (e *Emitter) Detached() <-chan struct{} {
	return e.detached
}

// Dropped returns the number of events discarded after Detach.
func (e *Emitter) Dropped() int {
	return int(e.dropped.Load())
}

// Phase returns the phase of the last emitted event.
func (e *Emitter) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

func (e *Emitter) emit(ev Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.phase.Terminal() {
		return ErrTerminated
	}
	if !allowed(e.phase, ev.Phase) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.phase, ev.Phase)
	}

	if ev.Counters != nil {
		if ev.Phase == e.phase {
			ev.Current = max(ev.Current, e.lastCurrent)
			ev.Total = max(ev.Total, e.lastTotal)
		}
		e.lastCurrent, e.lastTotal = ev.Current, ev.Total
	}
	e.phase = ev.Phase
	ev.RunID = e.runID

	e.send(ev)

	if ev.Phase.Terminal() {
		close(e.ch)
	}
	return nil
}

// send delivers ev unless the subscriber has detached. A full buffer
// blocks until the subscriber drains it or detaches.
func (e *Emitter) send(ev Event) {
	if e.isDetached.Load() {
		e.dropped.Add(1)
		return
	}
	select {
	case e.ch <- ev:
	case <-e.detached:
		e.dropped.Add(1)
	}
}

// allowed encodes fetching -> processing -> complete, with error reachable
// from any non-terminal phase.
func allowed(from, to Phase) bool {
	switch to {
	case PhaseError:
		return true
	case PhaseFetching:
		return from == "" || from == PhaseFetching
	case PhaseProcessing:
		return from == PhaseFetching || from == PhaseProcessing
	case PhaseComplete:
		return from == PhaseProcessing
	default:
		return false
	}
}
