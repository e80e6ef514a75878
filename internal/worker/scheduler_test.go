package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestAfterPrunesFiredTimers(t *testing.T) {
	s := NewScheduler(zap.NewNop())
	defer s.Stop()

	done := make(chan struct{})
	s.After(time.Millisecond, "job", func(ctx context.Context) { close(done) })
	assert.Equal(t, 1, s.Pending())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job did not fire")
	}
	assert.Eventually(t, func() bool { return s.Pending() == 0 },
		time.Second, 5*time.Millisecond, "fired timer must leave the pending set")
}

func TestStopPreventsQueuedJobs(t *testing.T) {
	s := NewScheduler(zap.NewNop())

	fired := make(chan struct{}, 1)
	s.After(20*time.Millisecond, "job", func(ctx context.Context) { fired <- struct{}{} })
	s.Stop()

	select {
	case <-fired:
		t.Fatal("job fired after Stop")
	case <-time.After(50 * time.Millisecond):
	}

	// submissions after Stop are dropped
	s.After(time.Millisecond, "late", func(ctx context.Context) { fired <- struct{}{} })
	assert.Equal(t, 0, s.Pending())
}

func TestJobPanicIsContained(t *testing.T) {
	s := NewScheduler(zap.NewNop())
	defer s.Stop()

	done := make(chan struct{})
	s.After(time.Millisecond, "boom", func(ctx context.Context) {
		defer close(done)
		panic("boom")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job did not fire")
	}
}
