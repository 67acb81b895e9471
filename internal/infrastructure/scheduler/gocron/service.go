package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ArkLabsHQ/tidal/internal/core/ports"
	"github.com/go-co-op/gocron"
	log "github.com/sirupsen/logrus"
)

type service struct {
	mu        *sync.Mutex
	scheduler *gocron.Scheduler
	ctx       context.Context
	cancel    context.CancelFunc
	started   bool
}

func NewScheduler() ports.SchedulerService {
	ctx, cancel := context.WithCancel(context.Background())
	return &service{
		mu:        &sync.Mutex{},
		scheduler: newGocron(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func newGocron() *gocron.Scheduler {
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	return s
}

func (s *service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Nothing to do if already started
	if s.started {
		return
	}
	s.scheduler.StartAsync()
	s.started = true
}

// Stop cancels the context of running tasks and drops every job. Jobs must
// be scheduled again before the next Start.
func (s *service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancel()
	s.scheduler.Stop()
	s.scheduler.Clear()
	// A stopped gocron scheduler cannot be started again.
	s.scheduler = newGocron()
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.started = false
}

func (s *service) ScheduleEvery(name string, interval time.Duration, task func(ctx context.Context)) error {
	if interval <= 0 {
		return fmt.Errorf("invalid interval %s", interval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// nolint:errcheck
	s.scheduler.RemoveByTag(name)

	ctx := s.ctx
	_, err := s.scheduler.Every(interval).Tag(name).Do(func() {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		task(ctx)
		if elapsed := time.Since(start); elapsed > interval {
			log.Debugf("task %s took %s, longer than its %s interval", name, elapsed, interval)
		}
	})
	return err
}
