// Package compaction implements the TTL-based compaction hooks (spec
// §2.9): periodic pruning of terminal run and process records past
// their configured time-to-live. Grounded on the teacher's
// internal/app/scheduler.Scheduler — same robfig/cron/v3 driver,
// narrowed to a single fixed interval instead of per-trigger cron
// expressions, since compaction has no per-record schedule to honor.
package compaction

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"agentrun/internal/logging"
	"agentrun/internal/metrics"
)

// Cleaner is satisfied by rungraph.Store and processstore.Store alike.
type Cleaner interface {
	Cleanup(ttl time.Duration)
}

// Config holds compaction TTLs (spec §6: run_ttl_seconds,
// process_ttl_seconds).
type Config struct {
	RunTTL     time.Duration
	ProcessTTL time.Duration
	// Schedule is a standard 5-field cron expression; defaults to
	// once a minute.
	Schedule string
}

// Compactor drives periodic TTL pruning across a run store and a
// process store.
type Compactor struct {
	runs    Cleaner
	procs   Cleaner
	cfg     Config
	logger  logging.Logger
	metrics *metrics.Metrics
	cron    *cron.Cron
	mu      sync.Mutex
	lastRun time.Time
}

// Option configures a Compactor at construction.
type Option func(*Compactor)

// WithMetrics attaches a metrics sink; each compaction cycle is observed
// per store once set.
func WithMetrics(m *metrics.Metrics) Option { return func(c *Compactor) { c.metrics = m } }

// New builds a Compactor. It does not start ticking until Start is
// called.
func New(runs, procs Cleaner, cfg Config, logger logging.Logger, opts ...Option) *Compactor {
	if cfg.Schedule == "" {
		cfg.Schedule = "* * * * *"
	}
	c := &Compactor{
		runs:   runs,
		procs:  procs,
		cfg:    cfg,
		logger: logging.OrNop(logger),
		cron:   cron.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start registers the compaction job and starts the cron scheduler.
func (c *Compactor) Start() error {
	if _, err := c.cron.AddFunc(c.cfg.Schedule, c.runOnce); err != nil {
		return fmt.Errorf("compaction: schedule: %w", err)
	}
	c.cron.Start()
	return nil
}

func (c *Compactor) runOnce() {
	c.mu.Lock()
	c.lastRun = time.Now()
	c.mu.Unlock()

	if c.cfg.RunTTL > 0 {
		c.runs.Cleanup(c.cfg.RunTTL)
		if c.metrics != nil {
			c.metrics.ObserveCompactionRun("runs")
		}
	}
	if c.cfg.ProcessTTL > 0 {
		c.procs.Cleanup(c.cfg.ProcessTTL)
		if c.metrics != nil {
			c.metrics.ObserveCompactionRun("processes")
		}
	}
	c.logger.Debug("compaction: cycle complete run_ttl=%s process_ttl=%s", c.cfg.RunTTL, c.cfg.ProcessTTL)
}

// LastRun reports when the compaction job last fired, the zero time if
// it never has.
func (c *Compactor) LastRun() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRun
}

// Drain implements lifecycle.Drainable: stops the cron scheduler and
// waits for any in-flight job to finish.
func (c *Compactor) Drain(ctx context.Context) error {
	stopCtx := c.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Name implements lifecycle.Drainable.
func (c *Compactor) Name() string { return "compaction.Compactor" }
