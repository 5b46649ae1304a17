package cron_test

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/basket/botcore/internal/cron"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses. This avoids fixed time.Sleep calls that cause flaky tests.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

type fakeHeartbeatScanner struct {
	mu    sync.Mutex
	calls int
	ret   int
	err   error
}

func (f *fakeHeartbeatScanner) ScanHeartbeats(ctx context.Context, now time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.ret, f.err
}

func (f *fakeHeartbeatScanner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeContextSweeper struct {
	mu    sync.Mutex
	calls int
	ret   int
	err   error
}

func (f *fakeContextSweeper) Sweep(ctx context.Context, now time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.ret, f.err
}

func (f *fakeContextSweeper) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestScheduler_TicksBothScanners(t *testing.T) {
	hb := &fakeHeartbeatScanner{ret: 2}
	cs := &fakeContextSweeper{ret: 5}

	sched := cron.NewScheduler(cron.Config{
		Heartbeats: hb,
		Context:    cs,
		Logger:     slog.Default(),
		Interval:   20 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	defer sched.Stop()

	waitFor(t, time.Second, func() bool { return hb.callCount() >= 2 })
	waitFor(t, time.Second, func() bool { return cs.callCount() >= 2 })
}

func TestScheduler_FiresImmediatelyOnStart(t *testing.T) {
	hb := &fakeHeartbeatScanner{}
	cs := &fakeContextSweeper{}

	sched := cron.NewScheduler(cron.Config{
		Heartbeats: hb,
		Context:    cs,
		Interval:   time.Hour,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	defer sched.Stop()

	waitFor(t, time.Second, func() bool { return hb.callCount() >= 1 && cs.callCount() >= 1 })
}

func TestScheduler_StopWaitsForLoopExit(t *testing.T) {
	sched := cron.NewScheduler(cron.Config{Interval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	sched.Stop() // must return promptly without panicking on nil scanners
}

func TestScheduler_ToleratesScannerErrors(t *testing.T) {
	hb := &fakeHeartbeatScanner{err: context.DeadlineExceeded}
	cs := &fakeContextSweeper{err: context.DeadlineExceeded}

	sched := cron.NewScheduler(cron.Config{
		Heartbeats: hb,
		Context:    cs,
		Interval:   20 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	defer sched.Stop()

	waitFor(t, time.Second, func() bool { return hb.callCount() >= 2 && cs.callCount() >= 2 })
}

func TestNextRunTime_ParsesStandardCronExpression(t *testing.T) {
	after := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next, err := cron.NextRunTime("*/5 * * * *", after)
	if err != nil {
		t.Fatalf("NextRunTime: %v", err)
	}
	if !next.After(after) {
		t.Fatalf("expected next run after %v, got %v", after, next)
	}
}

func TestNextRunTime_InvalidExpressionErrors(t *testing.T) {
	if _, err := cron.NextRunTime("not a cron expr", time.Now()); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}
