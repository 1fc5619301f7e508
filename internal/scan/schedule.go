package scan

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "walletwatch/pkg/logx"
)

// Schedule triggers a scan on a fixed interval. A tick that finds a scan
// still running is skipped.
type Schedule struct {
	o     *Orchestrator
	every time.Duration
	log   logx.Logger

	mu sync.Mutex
	c  *cron.Cron
}

func NewSchedule(o *Orchestrator, every time.Duration, log logx.Logger) *Schedule {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Schedule{o: o, every: every, log: log}
}

// Start begins ticking. With immediate set, a scan is triggered right away.
func (s *Schedule) Start(ctx context.Context, immediate bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || s.every <= 0 {
		return
	}
	s.c = cron.New()
	s.c.Schedule(cron.Every(s.every), cron.FuncJob(func() { s.tick(ctx) }))
	s.c.Start()
	s.log.Info("scan schedule started", logx.Duration("every", s.every))
	if immediate {
		s.tick(ctx)
	}
}

func (s *Schedule) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	err := s.o.Trigger(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrAlreadyRunning):
		s.log.Debug("scheduled scan skipped, previous still running")
	default:
		s.log.Warn("scheduled scan failed to start", logx.Err(err))
	}
}

// Stop removes the schedule. Running scans are not waited for.
func (s *Schedule) Stop() {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c != nil {
		c.Stop()
	}
}
