package rungraph

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"agentrun/internal/async"
	"agentrun/internal/eventbus"
	"agentrun/internal/ids"
	"agentrun/internal/logging"
	"agentrun/internal/metrics"
)

const table = "runs"

// TopicFor returns the stable event-bus topic for a run id (spec §6:
// "run_graph:{id}" carries state_changed events).
func TopicFor(id string) string {
	return "run_graph:" + id
}

// durableStore is the subset of kvstore.Store the serializer needs;
// narrowed to ease testing with a fake.
type durableStore interface {
	Put(table, key string, value []byte) error
	Delete(table, key string) error
	Scan(table string) ([]kvEntry, error)
}

type kvEntry struct {
	Key   string
	Value []byte
}

// Store is the Run Graph Store: a single serializing authority over an
// in-memory index, mirrored to a durable backing store, with
// event-driven await(). See package doc and spec §4.1.
type Store struct {
	kv      durableStore
	bus     *eventbus.Bus
	logger  logging.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	index sync.Map // string -> Run; only the serializer goroutine writes

	reqCh chan func()
	stop  chan struct{}
	done  chan struct{}

	defaultTimeout time.Duration
	safetyRepoll   time.Duration
}

// Option configures a Store at construction.
type Option func(*Store)

// WithLogger attaches a logger; defaults to a no-op logger.
func WithLogger(l logging.Logger) Option { return func(s *Store) { s.logger = logging.OrNop(l) } }

// WithMetrics attaches a metrics sink; transitions and await timeouts
// are observed through it once set.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Store) { s.metrics = m } }

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// WithDefaultTimeout sets the timeout applied when an invalid await
// timeout is supplied (spec §4.1 default 30000ms).
func WithDefaultTimeout(d time.Duration) Option { return func(s *Store) { s.defaultTimeout = d } }

// WithSafetyRepoll sets the bounded re-poll ceiling await falls back to
// when no notification arrives (spec default 5s).
func WithSafetyRepoll(d time.Duration) Option { return func(s *Store) { s.safetyRepoll = d } }

// kvAdapter adapts *kvstore.Store (which returns []kvstore.Entry) to the
// narrower durableStore interface used here.
type kvAdapter struct {
	put    func(table, key string, value []byte) error
	delete func(table, key string) error
	scan   func(table string) ([]kvEntry, error)
}

func (a kvAdapter) Put(table, key string, value []byte) error    { return a.put(table, key, value) }
func (a kvAdapter) Delete(table, key string) error                { return a.delete(table, key) }
func (a kvAdapter) Scan(table string) ([]kvEntry, error)          { return a.scan(table) }

// KVBackend is the shape of kvstore.Store as used by rungraph, expressed
// structurally so callers don't need to import kvstore just to wire this
// package (and so tests can supply an in-memory fake).
type KVBackend interface {
	Put(table, key string, value []byte) error
	Delete(table, key string) error
	Scan(table string) ([]Entry, error)
}

// Entry mirrors kvstore.Entry to avoid a hard package dependency.
type Entry struct {
	Key   string
	Value []byte
}

// Open constructs a Store, replaying any durable runs table into memory
// before accepting new requests (spec: "a clean open replays all present
// keys into the in-memory index").
func Open(kv KVBackend, bus *eventbus.Bus, opts ...Option) (*Store, error) {
	s := &Store{
		kv:             kvAdapter{put: kv.Put, delete: kv.Delete, scan: func(t string) ([]kvEntry, error) {
			entries, err := kv.Scan(t)
			if err != nil {
				return nil, err
			}
			out := make([]kvEntry, len(entries))
			for i, e := range entries {
				out[i] = kvEntry{Key: e.Key, Value: e.Value}
			}
			return out, nil
		}},
		bus:            bus,
		logger:         logging.OrNop(nil),
		now:            time.Now,
		reqCh:          make(chan func()),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
		defaultTimeout: 30 * time.Second,
		safetyRepoll:   5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	entries, err := s.kv.Scan(table)
	if err != nil {
		return nil, fmt.Errorf("rungraph: replay scan: %w", err)
	}
	for _, e := range entries {
		var run Run
		if err := json.Unmarshal(e.Value, &run); err != nil {
			s.logger.Warn("rungraph: skipping corrupt record %s: %v", e.Key, err)
			continue
		}
		s.index.Store(run.ID, run)
	}

	async.Go(s.logger, "rungraph.loop", s.loop)
	return s, nil
}

func (s *Store) loop() {
	defer close(s.done)
	for {
		select {
		case req := <-s.reqCh:
			req()
		case <-s.stop:
			// Drain any already-queued requests so in-flight callers
			// don't block forever on shutdown.
			for {
				select {
				case req := <-s.reqCh:
					req()
				default:
					return
				}
			}
		}
	}
}

// do submits fn to the serializer and blocks until it has run. All
// mutating operations funnel through here, giving FIFO linearizable
// writes (spec §4.1 concurrency).
func (s *Store) do(fn func()) {
	doneCh := make(chan struct{})
	select {
	case s.reqCh <- func() { fn(); close(doneCh) }:
	case <-s.stop:
		close(doneCh)
		return
	}
	<-doneCh
}

// Drain implements lifecycle.Drainable: stops accepting new requests,
// finishes whatever is already queued, and waits for the serializer
// goroutine to exit or for ctx's deadline, whichever comes first.
func (s *Store) Drain(ctx context.Context) error {
	close(s.stop)
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("rungraph: drain timed out: %w", ctx.Err())
	}
}

// Name implements lifecycle.Drainable.
func (s *Store) Name() string { return "rungraph.Store" }

func (s *Store) persistAndIndex(r Run) {
	s.index.Store(r.ID, r)
	data, err := json.Marshal(r)
	if err != nil {
		s.logger.Error("rungraph: marshal %s: %v", r.ID, err)
		return
	}
	if err := s.kv.Put(table, r.ID, data); err != nil {
		s.logger.Error("rungraph: durable put %s: %v", r.ID, err)
	}
}

func (s *Store) publish(id string) {
	s.bus.Publish(eventbus.Message{Topic: TopicFor(id), Kind: "state_changed", ID: id})
}

func (s *Store) getRaw(id string) (Run, bool) {
	v, ok := s.index.Load(id)
	if !ok {
		return Run{}, false
	}
	return v.(Run), true
}

// NewRun assigns a fresh id, persists it as queued, and returns the id.
func (s *Store) NewRun(attrs Attrs) string {
	id := ids.New()
	now := s.now()
	run := Run{
		ID:         id,
		Status:     StatusQueued,
		InsertedAt: now,
		UpdatedAt:  now,
		Lane:       attrs.Lane,
		Payload:    attrs.Payload,
	}
	s.do(func() {
		s.persistAndIndex(run)
		s.publish(id)
	})
	if s.metrics != nil {
		s.metrics.ObserveRunTransition(string(StatusQueued))
	}
	return id
}

// InsertRecord unconditionally installs record under id, bypassing
// transition checks, for callers that need to seed a specific record.
// Open's own replay loads persisted records into the index directly and
// does not go through it.
func (s *Store) InsertRecord(id string, record Run) {
	record.ID = id
	s.do(func() {
		s.persistAndIndex(record)
		s.publish(id)
	})
}

// Get performs a lock-free read from the in-memory index.
func (s *Store) Get(id string) (Run, bool) {
	v, ok := s.index.Load(id)
	if !ok {
		return Run{}, false
	}
	return v.(Run).Clone(), true
}

// AddChild links child as an entry in parent.Children and sets
// child.Parent, as two record updates applied inside a single serializer
// call, so later readers see both together. Per spec's
// ratified reading of its own open question: a missing side is simply
// skipped, never synthesized.
func (s *Store) AddChild(parentID, childID string) {
	s.do(func() {
		now := s.now()
		if parent, ok := s.getRaw(parentID); ok {
			parent = parent.Clone()
			parent.Children = append([]string{childID}, parent.Children...)
			parent.UpdatedAt = now
			s.persistAndIndex(parent)
			s.publish(parentID)
		}
		if child, ok := s.getRaw(childID); ok {
			child = child.Clone()
			child.Parent = parentID
			child.UpdatedAt = now
			s.persistAndIndex(child)
			s.publish(childID)
		}
	})
}

// strictTransition requires the target status to strictly increase state
// order over the run's current status (the monotonic-transition rule
// applied literally, including same-state re-transitions).
func (s *Store) strictTransition(id string, target Status, apply func(*Run)) error {
	var outErr error
	s.do(func() {
		run, ok := s.getRaw(id)
		if !ok {
			outErr = ErrNotFound
			return
		}
		if !ValidTransition(run.Status, target) {
			outErr = ErrInvalidTransition
			return
		}
		working := run.Clone()
		working.Status = target
		working.UpdatedAt = s.now()
		apply(&working)
		s.persistAndIndex(working)
		s.publish(id)
	})
	if outErr == nil && s.metrics != nil {
		s.metrics.ObserveRunTransition(string(target))
	}
	return outErr
}

// MarkRunning transitions id to running and stamps StartedAt.
func (s *Store) MarkRunning(id string) error {
	return s.strictTransition(id, StatusRunning, func(r *Run) {
		t := r.UpdatedAt
		r.StartedAt = &t
	})
}

// Finish transitions id to completed with the given result.
func (s *Store) Finish(id string, result any) error {
	return s.strictTransition(id, StatusCompleted, func(r *Run) {
		r.Result = result
		t := r.UpdatedAt
		r.CompletedAt = &t
	})
}

// Fail transitions id to error with the given error payload.
func (s *Store) Fail(id string, cause any) error {
	return s.strictTransition(id, StatusError, func(r *Run) {
		r.Error = cause
		t := r.UpdatedAt
		r.CompletedAt = &t
	})
}

// MarkKilled transitions id to killed.
func (s *Store) MarkKilled(id string) error {
	return s.strictTransition(id, StatusKilled, func(r *Run) {
		t := r.UpdatedAt
		r.CompletedAt = &t
	})
}

// MarkCancelled transitions id to cancelled.
func (s *Store) MarkCancelled(id string) error {
	return s.strictTransition(id, StatusCancelled, func(r *Run) {
		t := r.UpdatedAt
		r.CompletedAt = &t
	})
}

// Update performs an arbitrary read-modify-write under the serializer.
// Unlike the dedicated transition helpers, a no-op status (fn leaves
// Status unchanged) is allowed; any status change that does not strictly
// increase state order (backward, or sideways between terminal statuses)
// is rejected.
func (s *Store) Update(id string, fn func(r *Run)) error {
	var outErr error
	var changed Status
	var statusChanged bool
	s.do(func() {
		run, ok := s.getRaw(id)
		if !ok {
			outErr = ErrNotFound
			return
		}
		before := run.Status
		working := run.Clone()
		fn(&working)
		if working.Status != before && stateOrderOf(working.Status) <= stateOrderOf(before) {
			outErr = ErrInvalidTransition
			return
		}
		working.UpdatedAt = s.now()
		s.persistAndIndex(working)
		s.publish(id)
		if working.Status != before {
			changed, statusChanged = working.Status, true
		}
	})
	if outErr == nil && statusChanged && s.metrics != nil {
		s.metrics.ObserveRunTransition(string(changed))
	}
	return outErr
}

func stateOrderOf(s Status) int { return stateOrder[s] }

// DeleteRun removes id from memory and the backing store.
func (s *Store) DeleteRun(id string) {
	s.do(func() {
		s.index.Delete(id)
		if err := s.kv.Delete(table, id); err != nil {
			s.logger.Error("rungraph: durable delete %s: %v", id, err)
		}
	})
}

// Cleanup deletes terminal runs whose UpdatedAt is older than
// now-ttl. Runs the scan-and-delete inside the serializer so it cannot
// race a concurrent write to the same record (spec §4.1).
func (s *Store) Cleanup(ttl time.Duration) {
	s.do(func() {
		cutoff := s.now().Add(-ttl)
		var stale []string
		s.index.Range(func(k, v any) bool {
			run := v.(Run)
			if IsTerminal(run.Status) && run.UpdatedAt.Before(cutoff) {
				stale = append(stale, run.ID)
			}
			return true
		})
		for _, id := range stale {
			s.index.Delete(id)
			if err := s.kv.Delete(table, id); err != nil {
				s.logger.Error("rungraph: cleanup delete %s: %v", id, err)
			}
		}
	})
}
