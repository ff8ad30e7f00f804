package scheduler

import "context"

// Scheduler plans created tasks, collects subtask outcomes from the
// execution backends and keeps task and instance states current.
type Scheduler interface {
	// Start begins the scheduling loop. Blocks until ctx is cancelled.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the scheduler.
	Stop() error

	// Tick runs a single scheduling iteration. Used for testing.
	Tick(ctx context.Context) error

	// Exclusive runs fn while no tick is in progress.
	Exclusive(fn func() error) error
}
