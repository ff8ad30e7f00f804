package executor

import "context"

// Semaphore caps how many subtasks a backend runs at once, across all of
// its jobs. A nil Semaphore admits everything.
type Semaphore struct {
	slots chan struct{}
}

// NewSemaphore returns a Semaphore with n slots, or nil when n <= 0.
func NewSemaphore(n int) *Semaphore {
	if n <= 0 {
		return nil
	}
	return &Semaphore{slots: make(chan struct{}, n)}
}

// Acquire takes a slot, waiting while every slot is held. It reports false
// once ctx is done, in which case no slot was taken.
func (s *Semaphore) Acquire(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	if s == nil {
		return true
	}
	select {
	case s.slots <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

// Release hands back a slot taken by Acquire.
func (s *Semaphore) Release() {
	if s != nil {
		<-s.slots
	}
}

// Limit is the number of slots; 0 means unlimited.
func (s *Semaphore) Limit() int {
	if s == nil {
		return 0
	}
	return cap(s.slots)
}
