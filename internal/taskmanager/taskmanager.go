// Package taskmanager implements C6: a durable-ish async job queue layered
// on the Dispatcher (C5), giving callers the asynchronous half of
// send-and-wait (submit now, poll or be notified later).
package taskmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/botcore/internal/boterrs"
	"github.com/basket/botcore/internal/dispatch"
	"github.com/basket/botcore/internal/observability"
	"github.com/basket/botcore/internal/statestore"
	"github.com/basket/botcore/internal/wire"
)

const (
	retryBaseDelay = time.Second
	retryMaxDelay  = 30 * time.Second
	defaultRetries = 3
)

// CancelCommandName is the best-effort command sent to the executing
// instance when a Running task is cancelled (spec §4.6).
const CancelCommandName = "command.cancel"

// Manager owns the per-bot_id FIFO worker loops that drain Pending tasks
// through the Dispatcher.
type Manager struct {
	store      statestore.StateStore
	dispatcher *dispatch.Dispatcher
	bus        *observability.Bus
	metrics    *observability.Metrics
	logger     *slog.Logger

	defaultDeadline time.Duration
	maxRetries      int

	mu      sync.Mutex
	running map[string]bool // bot_id -> worker goroutine currently draining it
}

type Config struct {
	Store           statestore.StateStore
	Dispatcher      *dispatch.Dispatcher
	Bus             *observability.Bus
	Metrics         *observability.Metrics
	Logger          *slog.Logger
	DefaultDeadline time.Duration
	MaxRetries      int
}

func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DefaultDeadline <= 0 {
		cfg.DefaultDeadline = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultRetries
	}
	return &Manager{
		store:           cfg.Store,
		dispatcher:      cfg.Dispatcher,
		bus:             cfg.Bus,
		metrics:         cfg.Metrics,
		logger:          cfg.Logger,
		defaultDeadline: cfg.DefaultDeadline,
		maxRetries:      cfg.MaxRetries,
		running:         make(map[string]bool),
	}
}

// Submit persists a Pending Task for botID and ensures its worker loop is
// running, returning immediately with the new task_id.
func (m *Manager) Submit(ctx context.Context, botID, commandName string, args []byte) (string, error) {
	taskID := "task_" + uuid.NewString()
	task := statestore.Task{
		TaskID:           taskID,
		BotID:            botID,
		CommandName:      commandName,
		Arguments:        args,
		State:            statestore.TaskPending,
		SubmittedAt:      time.Now().UTC(),
		RetriesRemaining: m.maxRetries,
	}
	if err := m.store.CreateTask(ctx, task); err != nil {
		return "", fmt.Errorf("taskmanager: create task: %w", err)
	}
	if m.metrics != nil {
		m.metrics.TaskQueueDepth.Add(ctx, 1)
	}
	m.ensureWorker(botID)
	return taskID, nil
}

// Get returns a snapshot of taskID's current state.
func (m *Manager) Get(ctx context.Context, taskID string) (statestore.Task, error) {
	return m.store.GetTask(ctx, taskID)
}

// Cancel transitions taskID to Cancelled. Valid only from Pending or
// Running; Running cancellations additionally fire a best-effort
// command.cancel through the Dispatcher, which picks a capable instance of
// the bot the same way as for any dispatch (not necessarily the one running
// the task). The local transition to Cancelled happens regardless of
// whether that delivery succeeds.
func (m *Manager) Cancel(ctx context.Context, taskID string) error {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	switch task.State {
	case statestore.TaskPending, statestore.TaskRunning:
	default:
		return boterrs.New(boterrs.CodeConflict, fmt.Sprintf("task %s is already %s", taskID, task.State))
	}

	if task.State == statestore.TaskRunning {
		cancelCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, _ = m.dispatcher.Dispatch(cancelCtx, task.BotID, task.CommandName, CancelCommandName, task.Arguments, 5*time.Second)
		cancel()
	}

	now := time.Now().UTC()
	oldState := task.State
	task.State = statestore.TaskCancelled
	task.CompletedAt = &now
	if err := m.store.UpdateTask(ctx, task); err != nil {
		return fmt.Errorf("taskmanager: cancel task: %w", err)
	}
	if m.metrics != nil {
		m.metrics.TaskQueueDepth.Add(ctx, -1)
	}
	m.publishStateChange(task, oldState)
	return nil
}

func (m *Manager) ensureWorker(botID string) {
	m.mu.Lock()
	if m.running[botID] {
		m.mu.Unlock()
		return
	}
	m.running[botID] = true
	m.mu.Unlock()

	go m.workerLoop(botID)
}

// workerLoop drains botID's Pending queue in submission order until empty,
// then exits; Submit relaunches it on the next arrival.
//
// A Submit for botID can land between this loop's last ClaimNextPending miss
// and the point where it marks itself not-running: ensureWorker would then
// see running[botID] still true and return without spawning a replacement,
// leaving the new task permanently Pending. So the exit path re-claims once
// more while holding the same lock ensureWorker takes, closing that window
// with a classic double-checked worker-pool handoff.
func (m *Manager) workerLoop(botID string) {
	ctx := context.Background()
	for {
		task, err := m.store.ClaimNextPending(ctx, botID)
		if err != nil {
			if !errors.Is(err, statestore.ErrNotFound) {
				m.logger.Warn("taskmanager: claim failed", "bot_id", botID, "error", err)
				m.mu.Lock()
				m.running[botID] = false
				m.mu.Unlock()
				return
			}

			m.mu.Lock()
			task, err = m.store.ClaimNextPending(ctx, botID)
			if err != nil {
				m.running[botID] = false
				m.mu.Unlock()
				return
			}
			m.mu.Unlock()
		}
		m.publishStateChange(task, statestore.TaskPending)
		m.runTask(ctx, task)
	}
}

// runTask performs one Dispatch call for task and applies the resulting
// state transition, including exponential-backoff retry re-queueing.
func (m *Manager) runTask(ctx context.Context, task statestore.Task) {
	resp, err := m.dispatcher.Dispatch(ctx, task.BotID, task.CommandName, task.CommandName, task.Arguments, m.defaultDeadline)

	switch {
	case err == nil && resp.Status == wire.CommandSuccess:
		now := time.Now().UTC()
		task.State = statestore.TaskCompleted
		task.Result = resp.Result
		task.CompletedAt = &now
		m.finish(ctx, task, statestore.TaskRunning)
		m.publishTopic(observability.TopicTaskCompleted, task)

	case err == nil:
		// Instance-reported Timeout/ExecutionError equivalents arrive as a
		// non-SUCCESS CommandResponse; deterministic from the caller's
		// perspective, so no retry (spec §4.6 step 6).
		now := time.Now().UTC()
		task.State = statestore.TaskFailed
		task.Error = resp.Error
		task.CompletedAt = &now
		m.finish(ctx, task, statestore.TaskRunning)
		m.publishTopic(observability.TopicTaskFailed, task)

	case errors.Is(err, dispatch.ErrNoCapableInstance), errors.Is(err, dispatch.ErrInstanceGone):
		if task.RetriesRemaining > 0 {
			m.retry(ctx, task, err)
			return
		}
		now := time.Now().UTC()
		task.State = statestore.TaskFailed
		task.Error = err.Error()
		task.CompletedAt = &now
		m.finish(ctx, task, statestore.TaskRunning)
		m.publishTopic(observability.TopicTaskFailed, task)

	default:
		// Timeout, Cancelled, or any other dispatch-layer error: deterministic
		// from the caller's perspective, no retry.
		now := time.Now().UTC()
		task.State = statestore.TaskFailed
		task.Error = err.Error()
		task.CompletedAt = &now
		m.finish(ctx, task, statestore.TaskRunning)
		m.publishTopic(observability.TopicTaskFailed, task)
	}
}

func (m *Manager) finish(ctx context.Context, task statestore.Task, oldState statestore.TaskState) {
	if err := m.store.UpdateTask(ctx, task); err != nil {
		m.logger.Warn("taskmanager: update task failed", "task_id", task.TaskID, "error", err)
		return
	}
	if m.metrics != nil {
		m.metrics.TaskQueueDepth.Add(ctx, -1)
	}
	m.publishStateChange(task, oldState)
}

// retry decrements retries_remaining, re-queues task as Pending after an
// exponential backoff with jitter, and relaunches the bot's worker loop
// once the delay elapses (the loop will have exited in the meantime since
// the queue was empty).
func (m *Manager) retry(ctx context.Context, task statestore.Task, cause error) {
	attempt := m.maxRetries - task.RetriesRemaining + 1
	task.RetriesRemaining--
	delay := retryDelay(attempt)

	if err := m.store.UpdateTask(ctx, task); err != nil {
		m.logger.Warn("taskmanager: update task before retry failed", "task_id", task.TaskID, "error", err)
	}
	m.publishTopic(observability.TopicTaskRetrying, task)
	m.logger.Info("taskmanager: retrying task", "task_id", task.TaskID, "bot_id", task.BotID, "delay", delay, "cause", cause)

	time.AfterFunc(delay, func() {
		requeued := task
		requeued.State = statestore.TaskPending
		if err := m.store.UpdateTask(context.Background(), requeued); err != nil {
			m.logger.Warn("taskmanager: re-queue task failed", "task_id", task.TaskID, "error", err)
			return
		}
		m.ensureWorker(task.BotID)
	})
}

// retryDelay computes the exponential-backoff-with-jitter delay for the
// given 1-indexed attempt: base 1s, factor 2, capped at 30s, ±25% jitter.
func retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := retryBaseDelay
	for i := 1; i < attempt; i++ {
		base *= 2
		if base >= retryMaxDelay {
			base = retryMaxDelay
			break
		}
	}
	jitterSpan := base / 2 // +/-25% of base == +/-(base/4); span of +/-base/4 is base/2 wide
	jitter := time.Duration(rand.Int64N(int64(jitterSpan))) - jitterSpan/2
	delay := base + jitter
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

func (m *Manager) publishStateChange(task statestore.Task, oldState statestore.TaskState) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(observability.TopicTaskStateChanged, observability.TaskStateChangedEvent{
		TaskID:   task.TaskID,
		BotID:    task.BotID,
		OldState: string(oldState),
		NewState: string(task.State),
	})
}

func (m *Manager) publishTopic(topic string, task statestore.Task) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(topic, task)
}
