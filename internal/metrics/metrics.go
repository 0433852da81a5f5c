// Package metrics exposes the orchestration core's Prometheus surface:
// lane occupancy gauges and store operation counters. The teacher
// vendors prometheus/client_golang for its orchestrator package (see
// orchestrator_test.go's use of a registry + MustNewMetrics) without
// shipping the metrics type itself in this pack, so the gauge/counter
// set here is built directly against client_golang's idioms rather than
// adapted from a concrete teacher file.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the orchestration core's full metric set, registered
// against a single prometheus.Registry at construction.
type Metrics struct {
	LaneQueued   *prometheus.GaugeVec
	LaneRunning  *prometheus.GaugeVec
	LaneCapacity *prometheus.GaugeVec

	RunTransitions   *prometheus.CounterVec
	ProcessesSpawned prometheus.Counter
	ProcessesLost    prometheus.Counter
	CompactionRuns   *prometheus.CounterVec
	AwaitTimeouts    prometheus.Counter
}

// MustNew builds a Metrics and registers every collector against
// registry, panicking on a duplicate-registration programmer error the
// way prometheus.MustRegister does.
func MustNew(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		LaneQueued: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agentrun",
			Subsystem: "lane",
			Name:      "queued",
			Help:      "Tasks currently queued per lane.",
		}, []string{"lane"}),
		LaneRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agentrun",
			Subsystem: "lane",
			Name:      "running",
			Help:      "Tasks currently running per lane.",
		}, []string{"lane"}),
		LaneCapacity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agentrun",
			Subsystem: "lane",
			Name:      "capacity",
			Help:      "Configured concurrency capacity per lane.",
		}, []string{"lane"}),
		RunTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentrun",
			Subsystem: "run_graph",
			Name:      "transitions_total",
			Help:      "Run state transitions, by resulting status.",
		}, []string{"status"}),
		ProcessesSpawned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentrun",
			Subsystem: "process",
			Name:      "spawned_total",
			Help:      "Subprocesses spawned by the process manager.",
		}),
		ProcessesLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentrun",
			Subsystem: "process",
			Name:      "lost_total",
			Help:      "Processes transitioned to lost by startup reconciliation.",
		}),
		CompactionRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentrun",
			Subsystem: "compaction",
			Name:      "runs_total",
			Help:      "Compaction cycles, by store.",
		}, []string{"store"}),
		AwaitTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentrun",
			Subsystem: "run_graph",
			Name:      "await_timeouts_total",
			Help:      "await() calls that returned via timeout rather than predicate satisfaction.",
		}),
	}

	registry.MustRegister(
		m.LaneQueued, m.LaneRunning, m.LaneCapacity,
		m.RunTransitions, m.ProcessesSpawned, m.ProcessesLost,
		m.CompactionRuns, m.AwaitTimeouts,
	)
	return m
}

// ObserveLaneStats updates the lane gauges from a name -> (queued,
// running, capacity) snapshot.
func (m *Metrics) ObserveLaneStats(lane string, queued, running, capacity int) {
	m.LaneQueued.WithLabelValues(lane).Set(float64(queued))
	m.LaneRunning.WithLabelValues(lane).Set(float64(running))
	m.LaneCapacity.WithLabelValues(lane).Set(float64(capacity))
}

// ObserveRunTransition records a run reaching status.
func (m *Metrics) ObserveRunTransition(status string) {
	m.RunTransitions.WithLabelValues(status).Inc()
}

// ObserveAwaitTimeout records an await() call returning via timeout
// rather than predicate satisfaction.
func (m *Metrics) ObserveAwaitTimeout() {
	m.AwaitTimeouts.Inc()
}

// ObserveProcessSpawned records a subprocess started by the process
// manager.
func (m *Metrics) ObserveProcessSpawned() {
	m.ProcessesSpawned.Inc()
}

// ObserveProcessLost records a process transitioned to lost by startup
// reconciliation.
func (m *Metrics) ObserveProcessLost() {
	m.ProcessesLost.Inc()
}

// ObserveCompactionRun records one compaction cycle against store (e.g.
// "runs" or "processes").
func (m *Metrics) ObserveCompactionRun(store string) {
	m.CompactionRuns.WithLabelValues(store).Inc()
}
