package rungraph

import (
	"time"

	"agentrun/internal/async"
	"agentrun/internal/eventbus"
)

// Mode selects the await() termination predicate (spec §4.1).
type Mode int

const (
	WaitAll Mode = iota
	WaitAny
)

type timeoutKind int

const (
	timeoutMillis timeoutKind = iota
	timeoutInfinite
	timeoutInvalid
)

// Timeout models the three accepted await() deadlines: a concrete
// millisecond duration, infinity (spec accepts "infinity" or null), or
// an invalid value that Await resolves to the store's configured
// default (spec: "Invalid timeouts default to 30000 ms").
type Timeout struct {
	kind timeoutKind
	d    time.Duration
}

// Millis builds a Timeout from a millisecond count. Negative values are
// invalid; zero is a valid, immediate-expiry timeout.
func Millis(ms int) Timeout {
	if ms < 0 {
		return Timeout{kind: timeoutInvalid}
	}
	return Timeout{kind: timeoutMillis, d: time.Duration(ms) * time.Millisecond}
}

// Infinite returns a Timeout that never expires ("infinity" or null).
func Infinite() Timeout { return Timeout{kind: timeoutInfinite} }

// Summary is the snapshot await() returns: every requested id mapped to
// its Run, synthesizing an unknown-status record for ids with no backing
// record (spec §3 invariant).
type Summary map[string]Run

// AllTerminal reports whether every run in the summary is terminal.
func (s Summary) AllTerminal() bool {
	for _, r := range s {
		if !IsTerminal(r.Status) {
			return false
		}
	}
	return true
}

// AnyTerminal reports whether at least one run in the summary is terminal.
func (s Summary) AnyTerminal() bool {
	for _, r := range s {
		if IsTerminal(r.Status) {
			return true
		}
	}
	return false
}

type timeoutError struct{}

func (timeoutError) Error() string { return "rungraph: await timeout" }

// ErrAwaitTimeout is the sentinel error Await returns when its deadline
// is reached before the mode's predicate is satisfied. The caller still
// receives the final Summary.
var ErrAwaitTimeout error = timeoutError{}

func (s *Store) snapshot(ids []string) Summary {
	out := make(Summary, len(ids))
	for _, id := range ids {
		if run, ok := s.Get(id); ok {
			out[id] = run
			continue
		}
		out[id] = unknownRecord(id)
	}
	return out
}

// Await blocks until mode's predicate over ids is satisfied or the
// timeout elapses, per spec §4.1's event-driven algorithm: subscribe to
// each run's topic, snapshot-and-check, then wait for either a
// notification or a bounded safety re-poll (never longer than
// WithSafetyRepoll, default 5s) before re-checking. Unsubscribes from
// every topic on all exit paths.
func (s *Store) Await(ids []string, mode Mode, timeout Timeout) (Summary, error) {
	if timeout.kind == timeoutInvalid {
		timeout = Timeout{kind: timeoutMillis, d: s.defaultTimeout}
	}

	aggregate := make(chan eventbus.Message, len(ids)*4+1)
	unsubs := make([]func(), 0, len(ids))
	for _, id := range ids {
		ch, unsub := s.bus.Subscribe(TopicFor(id), 4)
		unsubs = append(unsubs, unsub)
		async.Go(s.logger, "rungraph.await.pump:"+id, func() { pumpInto(ch, aggregate) })
	}
	defer func() {
		for _, u := range unsubs {
			u()
		}
	}()

	hasDeadline := timeout.kind == timeoutMillis
	var deadline time.Time
	if hasDeadline {
		deadline = time.Now().Add(timeout.d)
	}

	for {
		snap := s.snapshot(ids)
		var satisfied bool
		switch mode {
		case WaitAll:
			satisfied = snap.AllTerminal()
		case WaitAny:
			satisfied = snap.AnyTerminal()
		}
		if satisfied {
			return snap, nil
		}

		wait := s.safetyRepoll
		if hasDeadline {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				if s.metrics != nil {
					s.metrics.ObserveAwaitTimeout()
				}
				return snap, ErrAwaitTimeout
			}
			if remaining < wait {
				wait = remaining
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-aggregate:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func pumpInto(src <-chan eventbus.Message, dst chan<- eventbus.Message) {
	for m := range src {
		select {
		case dst <- m:
		default:
		}
	}
}
