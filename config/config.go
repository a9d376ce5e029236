// Package config holds the small Options structs shared by Mordor's
// components, populated with github.com/creasty/defaults so a zero-value
// Options{} still produces a sane component.
package config

import "github.com/creasty/defaults"

// SchedulerOptions configures a scheduler.Scheduler / scheduler.WorkerPool.
type SchedulerOptions struct {
	// Threads is the number of worker goroutines the pool runs.
	Threads int `default:"1"`
	// UseCaller lets the goroutine that calls Dispatch participate as one
	// of the scheduler's own worker threads.
	UseCaller bool `default:"false"`
}

// IOManagerOptions configures an ioman.IOManager.
type IOManagerOptions struct {
	SchedulerOptions
	// EnableEventThread dedicates one extra thread purely to polling the
	// reactor, so a busy worker can never starve event delivery.
	EnableEventThread bool `default:"false"`
	// MaxEvents bounds how many events are reaped from the reactor per
	// poll call.
	MaxEvents int `default:"64"`
}

// ClientConnectionOptions configures an httpclient.ClientConnection.
type ClientConnectionOptions struct {
	// MaxPipelineDepth bounds how many requests may be in flight,
	// unsent-or-awaiting-response, on one connection; once that many are
	// pending, Request fails with httpclient.ErrPipelineFull. Zero means
	// unbounded, matching the C++ original.
	MaxPipelineDepth int `default:"0"`
}

// Load applies struct-tag defaults to any of the Options types above (or
// any other struct using the `default:"..."` tag convention).
func Load[T any](opts *T) error {
	return defaults.Set(opts)
}
