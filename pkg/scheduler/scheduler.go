// Package scheduler runs periodic background jobs under one cancellation
// context so that Stop can wait for in-flight runs before resources go away.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Job is a unit of periodic work. The context is cancelled on Stop.
type Job func(ctx context.Context)

// Scheduler supervises ticker-driven jobs
type Scheduler struct {
	mu      sync.Mutex
	name    string
	logger  *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
	jobs    []string
	stopped bool
}

// New creates a scheduler; logger may be nil
func New(name string, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		name:   name,
		logger: logger.With(zap.String("scheduler", name)),
		ctx:    ctx,
		cancel: cancel,
		group:  &errgroup.Group{},
	}
}

// Every starts job on a fixed interval. Runs of the same job never overlap.
// Non-positive intervals are ignored.
func (s *Scheduler) Every(name string, interval time.Duration, job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped || interval <= 0 {
		return
	}
	s.jobs = append(s.jobs, name)

	s.group.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.run(name, job)
			case <-s.ctx.Done():
				return nil
			}
		}
	})

	s.logger.Debug("job scheduled", zap.String("job", name), zap.Duration("interval", interval))
}

// Go runs job once in the background under the scheduler's supervision
func (s *Scheduler) Go(name string, job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	s.group.Go(func() error {
		s.run(name, job)
		return nil
	})
}

func (s *Scheduler) run(name string, job Job) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job panicked", zap.String("job", name), zap.Any("panic", r))
		}
	}()
	if s.ctx.Err() != nil {
		return
	}
	job(s.ctx)
}

// Jobs returns the names of registered periodic jobs
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.jobs))
	copy(out, s.jobs)
	return out
}

// Stop cancels all jobs and waits for in-flight runs, or until ctx expires
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()

	done := make(chan struct{})
	go func() {
		_ = s.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Debug("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
