// Package cron runs the core's two periodic background sweeps: the
// heartbeat-deadline scanner (§4.3) and the context store TTL sweep (§4.7).
// Both run off the same fixed-interval time.Ticker rather than per-entity
// timers, trading a small amount of latency for a single, easy-to-reason-
// about background loop.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// HeartbeatScanner is implemented by the session manager (C3). ScanHeartbeats
// is called on every tick and must force-close any Active session whose
// last_heartbeat_at is older than grace_factor × heartbeat_interval.
type HeartbeatScanner interface {
	ScanHeartbeats(ctx context.Context, now time.Time) (closed int, err error)
}

// ContextSweeper is implemented by the context store (C7). Sweep removes
// entries whose expires_at has passed.
type ContextSweeper interface {
	Sweep(ctx context.Context, now time.Time) (removed int, err error)
}

// Config holds the dependencies for the background scheduler.
type Config struct {
	Heartbeats HeartbeatScanner
	Context    ContextSweeper
	Logger     *slog.Logger
	Interval   time.Duration // tick interval; defaults to 5 seconds if zero
}

// Scheduler ticks at a fixed interval, running the heartbeat scan and the
// context sweep on every tick.
type Scheduler struct {
	heartbeats HeartbeatScanner
	ctxStore   ContextSweeper
	logger     *slog.Logger
	interval   time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		heartbeats: cfg.Heartbeats,
		ctxStore:   cfg.Context,
		logger:     logger,
		interval:   interval,
	}
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("background scheduler started", "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("background scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()

	if s.heartbeats != nil {
		closed, err := s.heartbeats.ScanHeartbeats(ctx, now)
		if err != nil {
			s.logger.Error("heartbeat scan failed", "error", err)
		} else if closed > 0 {
			s.logger.Info("heartbeat scan closed stale sessions", "count", closed)
		}
	}

	if s.ctxStore != nil {
		removed, err := s.ctxStore.Sweep(ctx, now)
		if err != nil {
			s.logger.Error("context sweep failed", "error", err)
		} else if removed > 0 {
			s.logger.Info("context sweep removed expired entries", "count", removed)
		}
	}
}

// NextRunTime parses a cron expression and returns the next run time after
// the given time. The scheduler's own loop is a fixed-interval tick, not a
// cron schedule, so this exists for admin tooling that wants to validate or
// preview a cron-style expression (adminapi's GET /v1/schedule/preview).
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
