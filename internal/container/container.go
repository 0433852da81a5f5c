// Package container is the orchestration core's composition root: it
// wires the KV backend, event bus, run graph store, process store, lane
// queue, process manager, session supervisor, compactor, and metrics
// together and exposes a single ordered Start/Drain lifecycle.
// Grounded on the teacher's cmd/alex.Container — buildContainer(),
// Start(), Drain() wiring a comparable set of subsystems behind one
// composition root.
package container

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"agentrun/internal/async"
	"agentrun/internal/compaction"
	agentconfig "agentrun/internal/config"
	"agentrun/internal/eventbus"
	"agentrun/internal/kvstore"
	"agentrun/internal/lanequeue"
	"agentrun/internal/lifecycle"
	"agentrun/internal/logging"
	"agentrun/internal/metrics"
	"agentrun/internal/procmanager"
	"agentrun/internal/processstore"
	"agentrun/internal/rungraph"
	"agentrun/internal/session"
)

// laneStatsInterval is how often Start's background loop samples
// Lanes.Stats() into the lane occupancy gauges.
const laneStatsInterval = 5 * time.Second

// Container owns every long-lived subsystem the orchestration core
// exposes to its CLI and any future transport layer.
type Container struct {
	Config  agentconfig.Config
	Logger  logging.Logger
	Metrics *metrics.Metrics

	KV         *kvstore.Store
	Bus        *eventbus.Bus
	Runs       *rungraph.Store
	Processes  *processstore.Store
	Lanes      *lanequeue.Queue
	ProcManage *procmanager.Manager
	Sessions   *session.Supervisor
	Compactor  *compaction.Compactor

	metricsStop chan struct{}
	metricsDone chan struct{}
}

// Build constructs every subsystem in dependency order: storage before
// the stores that sit on it, the stores before the schedulers that
// drive them, and reconciliation only after everything needed to act on
// its findings exists.
func Build(cfg agentconfig.Config, logger logging.Logger) (*Container, error) {
	logger = logging.OrNop(logger)
	registry := prometheus.NewRegistry()
	m := metrics.MustNew(registry)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("container: create data dir: %w", err)
	}
	kv, err := kvstore.Open(filepath.Join(cfg.DataDir, "agentrun.db"))
	if err != nil {
		return nil, fmt.Errorf("container: open kv store: %w", err)
	}

	bus := eventbus.New()

	runs, err := rungraph.Open(kv, bus,
		rungraph.WithLogger(logger),
		rungraph.WithDefaultTimeout(cfg.AwaitDefaultTimeout()),
		rungraph.WithSafetyRepoll(cfg.AwaitSafetyRepoll()),
		rungraph.WithMetrics(m),
	)
	if err != nil {
		return nil, fmt.Errorf("container: open run graph store: %w", err)
	}

	procs, err := processstore.Open(kv, bus,
		processstore.WithLogger(logger),
		processstore.WithMaxLogLines(cfg.LogMaxLines),
	)
	if err != nil {
		return nil, fmt.Errorf("container: open process store: %w", err)
	}

	lanes := lanequeue.New(runs,
		lanequeue.WithLogger(logger),
		lanequeue.WithCapacities(cfg.LaneCaps),
		lanequeue.WithMetrics(m),
	)

	procManager := procmanager.New(procs, procmanager.WithLogger(logger), procmanager.WithMetrics(m))
	procManager.Reconcile(context.Background())

	sessions := session.New(session.WithLogger(logger))

	compactor := compaction.New(runs, procs, compaction.Config{
		RunTTL:     cfg.RunTTL(),
		ProcessTTL: cfg.ProcessTTL(),
	}, logger, compaction.WithMetrics(m))

	return &Container{
		Config:      cfg,
		Logger:      logger,
		Metrics:     m,
		KV:          kv,
		Bus:         bus,
		Runs:        runs,
		Processes:   procs,
		Lanes:       lanes,
		ProcManage:  procManager,
		Sessions:    sessions,
		Compactor:   compactor,
		metricsStop: make(chan struct{}),
		metricsDone: make(chan struct{}),
	}, nil
}

// Start begins the compactor's cron loop and registers the configured
// primary session. Stores and the lane queue are already live once
// Build returns.
func (c *Container) Start() error {
	if err := c.Compactor.Start(); err != nil {
		return fmt.Errorf("container: start compactor: %w", err)
	}
	if c.Config.PrimarySession != "" {
		if _, err := c.Sessions.StartSession(session.Options{ID: c.Config.PrimarySession, Owner: c.Config.PrimarySession}); err != nil {
			return fmt.Errorf("container: start primary session: %w", err)
		}
	}
	async.Go(c.Logger, "container.lane_stats", c.runLaneStatsLoop)
	return nil
}

// runLaneStatsLoop periodically samples the lane queue's occupancy into
// the lane gauges; Stats() itself feeds the metrics sink, so this loop
// only needs to call it on a schedule.
func (c *Container) runLaneStatsLoop() {
	defer close(c.metricsDone)
	ticker := time.NewTicker(laneStatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Lanes.Stats()
		case <-c.metricsStop:
			return
		}
	}
}

// Drain shuts every subsystem down in reverse dependency order: the
// lane queue and process manager stop producing work before the stores
// they write through stop accepting it, and the KV backend closes last.
func (c *Container) Drain(ctx context.Context) error {
	errs := lifecycle.DrainAllReverse(ctx, 10*time.Second, c.Runs, c.Processes, c.Lanes, c.ProcManage, c.Compactor)
	close(c.metricsStop)
	select {
	case <-c.metricsDone:
	case <-ctx.Done():
	case <-time.After(time.Second):
	}
	if err := c.KV.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("container: drain errors: %v", errs)
	}
	return nil
}
