// Package sched triggers recurring campaigns from cron specs.
package sched

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	logx "tgblast/pkg/logx"
)

// Starter launches one campaign occurrence. Errors are logged, not retried;
// the next cron firing is the retry.
type Starter func(ctx context.Context) error

type entry struct {
	name string
	spec string
	fn   Starter
}

type Service struct {
	log logx.Logger
	// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
	parser cron.Parser

	mu      sync.Mutex
	c       *cron.Cron
	runCtx  context.Context
	cancel  context.CancelFunc
	entries []entry
}

func New(log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:    log,
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Register validates the spec and queues the schedule. Takes effect on the
// next Start.
func (s *Service) Register(name, spec string, fn Starter) error {
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("schedule %q: %w", name, err)
	}
	s.mu.Lock()
	s.entries = append(s.entries, entry{name: name, spec: spec, fn: fn})
	s.mu.Unlock()
	return nil
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	s.runCtx, s.cancel = context.WithCancel(ctx)
	c := cron.New(cron.WithParser(s.parser))
	for _, e := range s.entries {
		e := e
		_, err := c.AddFunc(e.spec, func() {
			s.mu.Lock()
			runCtx := s.runCtx
			s.mu.Unlock()
			if runCtx == nil || runCtx.Err() != nil {
				return
			}
			s.log.Info("scheduled campaign firing", logx.String("schedule", e.name))
			if err := e.fn(runCtx); err != nil {
				s.log.Warn("scheduled campaign failed to start", logx.String("schedule", e.name), logx.Err(err))
			}
		})
		if err != nil {
			s.cancel()
			s.runCtx, s.cancel = nil, nil
			return fmt.Errorf("schedule %q: %w", e.name, err)
		}
	}
	c.Start()
	s.c = c
	s.log.Info("scheduler started", logx.Int("schedules", len(s.entries)))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	cancel := s.cancel
	s.c = nil
	s.runCtx, s.cancel = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c == nil {
		return
	}
	stopped := c.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}
