package processstore

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
)

const table = "processes"

// TopicFor returns the stable event-bus topic for a process id (spec
// §6: "process:{id}" carries status_changed and log_appended events).
func TopicFor(id string) string {
	return "process:" + id
}

type durableStore interface {
	Put(table, key string, value []byte) error
	Delete(table, key string) error
	Scan(table string) ([]kvEntry, error)
}

type kvEntry struct {
	Key   string
	Value []byte
}

// KVBackend is the shape of kvstore.Store as used here, expressed
// structurally so tests can supply an in-memory fake.
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

type kvAdapter struct {
	put    func(table, key string, value []byte) error
	delete func(table, key string) error
	scan   func(table string) ([]kvEntry, error)
}

func (a kvAdapter) Put(table, key string, value []byte) error { return a.put(table, key, value) }
func (a kvAdapter) Delete(table, key string) error             { return a.delete(table, key) }
func (a kvAdapter) Scan(table string) ([]kvEntry, error)       { return a.scan(table) }

// record is what actually lives in the in-memory index and gets
// persisted: the process fields plus its rolling log buffer.
type record struct {
	Process
	logs *logBuffer
}

// persisted is the on-disk JSON shape.
type persisted struct {
	Process
	LogsNewestFirst []string `json:"logs_newest_first,omitempty"`
}

// Store is the Process Store: same serializer/lock-free-read shape as
// rungraph.Store (spec describes it as structurally identical), plus
// bounded rolling log buffers per record.
type Store struct {
	kv     durableStore
	bus    *eventbus.Bus
	logger logging.Logger
	now    func() time.Time

	index sync.Map // string -> record; only the serializer goroutine writes

	reqCh chan func()
	stop  chan struct{}
	done  chan struct{}

	maxLogLines int
}

// Option configures a Store at construction.
type Option func(*Store)

// WithLogger attaches a logger; defaults to a no-op logger.
func WithLogger(l logging.Logger) Option { return func(s *Store) { s.logger = logging.OrNop(l) } }

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// WithMaxLogLines overrides the rolling log buffer bound (spec §6
// log_max_lines, default 1000).
func WithMaxLogLines(n int) Option { return func(s *Store) { s.maxLogLines = n } }

// Open constructs a Store, replaying the durable processes table into
// memory before accepting new requests.
func Open(kv KVBackend, bus *eventbus.Bus, opts ...Option) (*Store, error) {
	s := &Store{
		kv: kvAdapter{put: kv.Put, delete: kv.Delete, scan: func(t string) ([]kvEntry, error) {
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
		bus:         bus,
		logger:      logging.OrNop(nil),
		now:         time.Now,
		reqCh:       make(chan func()),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		maxLogLines: MaxLogLines,
	}
	for _, opt := range opts {
		opt(s)
	}

	entries, err := s.kv.Scan(table)
	if err != nil {
		return nil, fmt.Errorf("processstore: replay scan: %w", err)
	}
	for _, e := range entries {
		var p persisted
		if err := json.Unmarshal(e.Value, &p); err != nil {
			s.logger.Warn("processstore: skipping corrupt record %s: %v", e.Key, err)
			continue
		}
		s.index.Store(p.ID, record{Process: p.Process, logs: loadLogBuffer(p.LogsNewestFirst, s.maxLogLines)})
	}

	async.Go(s.logger, "processstore.loop", s.loop)
	return s, nil
}

func (s *Store) loop() {
	defer close(s.done)
	for {
		select {
		case req := <-s.reqCh:
			req()
		case <-s.stop:
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

// Drain implements lifecycle.Drainable.
func (s *Store) Drain(ctx context.Context) error {
	close(s.stop)
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("processstore: drain timed out: %w", ctx.Err())
	}
}

// Name implements lifecycle.Drainable.
func (s *Store) Name() string { return "processstore.Store" }

func (s *Store) persistAndIndex(rec record) {
	s.index.Store(rec.ID, rec)
	data, err := json.Marshal(persisted{Process: rec.Process, LogsNewestFirst: rec.logs.snapshotNewestFirst()})
	if err != nil {
		s.logger.Error("processstore: marshal %s: %v", rec.ID, err)
		return
	}
	if err := s.kv.Put(table, rec.ID, data); err != nil {
		s.logger.Error("processstore: durable put %s: %v", rec.ID, err)
	}
}

func (s *Store) publish(id, kind string) {
	s.bus.Publish(eventbus.Message{Topic: TopicFor(id), Kind: kind, ID: id})
}

func (s *Store) getRaw(id string) (record, bool) {
	v, ok := s.index.Load(id)
	if !ok {
		return record{}, false
	}
	return v.(record), true
}

func cloneRecord(r record) record {
	cp := record{Process: r.Process.Clone(), logs: r.logs}
	return cp
}

// NewProcess assigns a fresh id, persists it as queued, and returns the
// id.
func (s *Store) NewProcess(attrs Attrs) string {
	id := ids.New()
	now := s.now()
	proc := Process{
		ID:         id,
		Status:     StatusQueued,
		Command:    attrs.Command,
		Cwd:        attrs.Cwd,
		Env:        attrs.Env,
		Owner:      attrs.Owner,
		InsertedAt: now,
		UpdatedAt:  now,
	}
	s.do(func() {
		s.persistAndIndex(record{Process: proc, logs: newLogBuffer(s.maxLogLines)})
		s.publish(id, "status_changed")
	})
	return id
}

// Get returns a clone of the process record and its logs in
// chronological order.
func (s *Store) Get(id string) (Process, []string, bool) {
	v, ok := s.index.Load(id)
	if !ok {
		return Process{}, nil, false
	}
	rec := v.(record)
	return rec.Process.Clone(), rec.logs.Chronological(0), true
}

// GetLogs returns the n most recent log lines in chronological order.
// n<=0 returns every retained line.
func (s *Store) GetLogs(id string, n int) ([]string, bool) {
	v, ok := s.index.Load(id)
	if !ok {
		return nil, false
	}
	return v.(record).logs.Chronological(n), true
}

// List returns a clone of every record whose status matches filter, or
// every record when filter is nil.
func (s *Store) List(filter *Status) []Process {
	var out []Process
	s.index.Range(func(_, v any) bool {
		rec := v.(record)
		if filter == nil || rec.Status == *filter {
			out = append(out, rec.Process.Clone())
		}
		return true
	})
	return out
}

func (s *Store) strictTransition(id string, target Status, apply func(*Process)) error {
	var outErr error
	s.do(func() {
		rec, ok := s.getRaw(id)
		if !ok {
			outErr = ErrNotFound
			return
		}
		if !ValidTransition(rec.Status, target) {
			outErr = ErrInvalidTransition
			return
		}
		working := cloneRecord(rec)
		working.Status = target
		working.UpdatedAt = s.now()
		apply(&working.Process)
		s.persistAndIndex(working)
		s.publish(id, "status_changed")
	})
	return outErr
}

// MarkRunning transitions id to running, stamping StartedAt and the
// observed OS pid.
func (s *Store) MarkRunning(id string, osPid int) error {
	return s.strictTransition(id, StatusRunning, func(p *Process) {
		t := p.UpdatedAt
		p.StartedAt = &t
		p.OSPid = &osPid
	})
}

// MarkCompleted transitions id to completed with the given exit code.
func (s *Store) MarkCompleted(id string, exitCode int) error {
	return s.strictTransition(id, StatusCompleted, func(p *Process) {
		p.ExitCode = &exitCode
		t := p.UpdatedAt
		p.CompletedAt = &t
	})
}

// MarkKilled transitions id to killed.
func (s *Store) MarkKilled(id string) error {
	return s.strictTransition(id, StatusKilled, func(p *Process) {
		t := p.UpdatedAt
		p.CompletedAt = &t
	})
}

// MarkError transitions id to error with the given error payload.
func (s *Store) MarkError(id string, cause any) error {
	return s.strictTransition(id, StatusError, func(p *Process) {
		p.Error = cause
		t := p.UpdatedAt
		p.CompletedAt = &t
	})
}

// MarkLost transitions id to lost. Used only by process-manager startup
// reconciliation when a persisted "running" process's pid no longer
// matches — never synthesized by the scheduler itself.
func (s *Store) MarkLost(id string) error {
	return s.strictTransition(id, StatusLost, func(p *Process) {
		t := p.UpdatedAt
		p.CompletedAt = &t
	})
}

// AppendLog appends line to id's rolling buffer, evicting the oldest
// line if the buffer is already at its cap (spec: "buffer length after
// append_log is min(prior_len+1, max)"). Like every other mutation here,
// it installs a whole new record rather than writing through the
// *logBuffer a concurrent lock-free reader may already hold.
func (s *Store) AppendLog(id, line string) error {
	var outErr error
	s.do(func() {
		rec, ok := s.getRaw(id)
		if !ok {
			outErr = ErrNotFound
			return
		}
		working := record{Process: rec.Process, logs: rec.logs.Append(line)}
		working.UpdatedAt = s.now()
		s.persistAndIndex(working)
		s.publish(id, "log_appended")
	})
	return outErr
}

// Delete removes id from memory and the backing store.
func (s *Store) Delete(id string) {
	s.do(func() {
		s.index.Delete(id)
		if err := s.kv.Delete(table, id); err != nil {
			s.logger.Error("processstore: durable delete %s: %v", id, err)
		}
	})
}

// Cleanup deletes terminal processes whose UpdatedAt is older than
// now-ttl.
func (s *Store) Cleanup(ttl time.Duration) {
	s.do(func() {
		cutoff := s.now().Add(-ttl)
		var stale []string
		s.index.Range(func(_, v any) bool {
			rec := v.(record)
			if IsTerminal(rec.Status) && rec.UpdatedAt.Before(cutoff) {
				stale = append(stale, rec.ID)
			}
			return true
		})
		for _, id := range stale {
			s.index.Delete(id)
			if err := s.kv.Delete(table, id); err != nil {
				s.logger.Error("processstore: cleanup delete %s: %v", id, err)
			}
		}
	})
}
