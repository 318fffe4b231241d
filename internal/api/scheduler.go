package api

import (
	"context"
	"time"

	"github.com/dj-oyu/parkwatch/internal/logger"
)

// Scheduler runs an evaluation pass every interval until its context ends.
// A pass that outlives the interval delays the next tick instead of
// overlapping it.
type Scheduler struct {
	server   *Server
	interval time.Duration
	timeout  time.Duration
	log      *logger.ModuleLogger
}

func NewScheduler(server *Server, interval time.Duration) *Scheduler {
	return &Scheduler{
		server:   server,
		interval: interval,
		timeout:  server.cfg.BatchTimeout,
		log:      logger.For("Scheduler"),
	}
}

// Run blocks until ctx is done. The first pass runs immediately.
func (s *Scheduler) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	s.log.Info("Evaluating every %s", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.runOnce(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	passCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, report, err := s.server.Evaluate(passCtx)
	if err != nil {
		s.log.Warn("Scheduled pass failed: %v", err)
		return
	}
	s.log.Info("Pass %s: %s in %s", report.BatchID, report.Summary(), report.Duration.Round(time.Millisecond))
}
