// Package lanequeue implements the Lane Queue (spec §3, §4.3): a set of
// fixed named lanes, each with a bounded concurrency capacity, that
// admit submitted tasks in strict per-lane FIFO order and drive the
// associated run through rungraph's state machine as they execute.
package lanequeue

import "context"

// TaskFunc does the actual work behind a submitted task. It must honor
// ctx cancellation.
type TaskFunc func(ctx context.Context) (any, error)

// submitConfig collects the optional parts of a Submit call.
type submitConfig struct {
	payload map[string]any
	cancel  func()
}

// SubmitOption configures a single Submit call.
type SubmitOption func(*submitConfig)

// WithPayload attaches an opaque payload to the run Submit creates, so
// it round-trips through the Payload field of the Run that rungraph.Get
// returns.
func WithPayload(payload map[string]any) SubmitOption {
	return func(c *submitConfig) { c.payload = payload }
}

// WithCancelHook registers a cooperative hook invoked once when the
// submitted task is cancelled, ahead of ctx cancellation propagating. It
// must not block.
func WithCancelHook(fn func()) SubmitOption {
	return func(c *submitConfig) { c.cancel = fn }
}

// task is the queued unit of work, bound to the run id Submit minted
// for it.
type task struct {
	runID  string
	lane   string
	run    TaskFunc
	cancel func()
}
