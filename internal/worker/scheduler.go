// Package worker runs the engine's fire-and-forget delayed jobs: the
// soft-expiry markup edit and the dispute-button reveal. Jobs are not
// awaited by the flows that submit them and are never cancelled when
// an offer goes away; each job re-checks the offer itself and no-ops
// against a since-deleted document.
package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Scheduler struct {
	logger *zap.Logger

	mu     sync.Mutex
	timers map[*time.Timer]struct{}
	closed bool
}

func NewScheduler(logger *zap.Logger) *Scheduler {
	return &Scheduler{
		logger: logger,
		timers: make(map[*time.Timer]struct{}),
	}
}

// After schedules fn to run once after delay. The job receives a fresh
// background context: the submitting request completing or failing
// must not cancel it. A fired timer drops out of the pending set.
func (s *Scheduler) After(delay time.Duration, name string, fn func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, timer)
		s.mu.Unlock()

		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("Scheduled job panicked",
					zap.String("job", name),
					zap.Any("panic", r),
				)
			}
		}()
		fn(context.Background())
	})
	s.timers[timer] = struct{}{}
}

// Pending returns the number of jobs still waiting to fire.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop prevents queued jobs from firing. Used on shutdown only.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for t := range s.timers {
		t.Stop()
	}
	s.timers = nil
}
