package taskmanager_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/basket/botcore/internal/dispatch"
	"github.com/basket/botcore/internal/observability"
	"github.com/basket/botcore/internal/registry"
	"github.com/basket/botcore/internal/statestore"
	"github.com/basket/botcore/internal/taskmanager"
	"github.com/basket/botcore/internal/wire"
)

type fakeOutbound struct {
	mu       sync.Mutex
	handler  func(instanceID string, env wire.Envelope) (wire.Envelope, bool)
	deliver  func(instanceID string, env wire.Envelope)
}

func (f *fakeOutbound) Send(instanceID string, env wire.Envelope) error {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h == nil {
		return nil
	}
	go func() {
		if reply, ok := h(instanceID, env); ok {
			f.deliver(instanceID, reply)
		}
	}()
	return nil
}

func newManager(t *testing.T, reg *registry.Registry, out dispatch.Outbound) (*taskmanager.Manager, *statestore.MemoryStore, *dispatch.Dispatcher) {
	t.Helper()
	store := statestore.NewMemoryStore()
	d := dispatch.New(reg, out)
	m := taskmanager.NewManager(taskmanager.Config{
		Store:           store,
		Dispatcher:      d,
		Bus:             observability.New(),
		DefaultDeadline: time.Second,
		MaxRetries:      2,
	})
	return m, store, d
}

func activeInstance(botID, instanceID string, caps ...string) registry.Instance {
	return registry.Instance{
		BotID:               botID,
		InstanceID:          instanceID,
		ConnectedAt:         time.Now(),
		HeartbeatInterval:   time.Minute,
		LastHeartbeatAt:     time.Now(),
		RuntimeCapabilities: caps,
		Status:              registry.StatusActive,
	}
}

func succeedingOutbound(d **dispatch.Dispatcher) *fakeOutbound {
	out := &fakeOutbound{}
	out.deliver = func(instanceID string, env wire.Envelope) {
		_ = (*d).DeliverResponse(instanceID, env)
	}
	return out
}

func TestSubmitAndGet_ReachesCompleted(t *testing.T) {
	reg := registry.New()
	reg.Insert(activeInstance("b1", "i1", "t.exec"))

	var dptr *dispatch.Dispatcher
	out := succeedingOutbound(&dptr)
	out.handler = func(instanceID string, env wire.Envelope) (wire.Envelope, bool) {
		var req wire.CommandRequest
		if err := wire.DecodePayload(env, &req); err != nil {
			return wire.Envelope{}, false
		}
		payload, _ := wire.EncodePayload(wire.CommandResponse{CommandID: req.CommandID, Status: wire.CommandSuccess, Result: []byte(`{"ok":true}`)})
		return wire.Envelope{
			SchemaVersion: wire.CurrentSchemaVersion,
			MessageID:     req.CommandID,
			Kind:          wire.KindCommandResponse,
			Payload:       payload,
		}, true
	}

	m, _, d := newManager(t, reg, out)
	dptr = d

	taskID, err := m.Submit(context.Background(), "b1", "t.exec", []byte(`{"x":1}`))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		task, err := m.Get(context.Background(), taskID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if task.State == statestore.TaskCompleted {
			if string(task.Result) != `{"ok":true}` {
				t.Fatalf("unexpected result: %s", task.Result)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("task did not complete in time, last state=%s", task.State)
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

// TestSubmit_ConcurrentSubmitsAllDrain is a regression test for a
// lost-wakeup race between Submit/ensureWorker and the worker loop's exit
// path: firing many concurrent Submits for the same bot_id used to be able
// to leave a straggler Pending forever if its CreateTask committed in the
// exact window between a draining worker's last empty claim and that worker
// marking itself not-running.
func TestSubmit_ConcurrentSubmitsAllDrain(t *testing.T) {
	reg := registry.New()
	reg.Insert(activeInstance("b1", "i1", "t.exec"))

	var dptr *dispatch.Dispatcher
	out := succeedingOutbound(&dptr)
	out.handler = func(instanceID string, env wire.Envelope) (wire.Envelope, bool) {
		var req wire.CommandRequest
		if err := wire.DecodePayload(env, &req); err != nil {
			return wire.Envelope{}, false
		}
		payload, _ := wire.EncodePayload(wire.CommandResponse{CommandID: req.CommandID, Status: wire.CommandSuccess, Result: []byte(`{"ok":true}`)})
		return wire.Envelope{
			SchemaVersion: wire.CurrentSchemaVersion,
			MessageID:     req.CommandID,
			Kind:          wire.KindCommandResponse,
			Payload:       payload,
		}, true
	}

	m, _, d := newManager(t, reg, out)
	dptr = d

	const n = 30
	taskIDs := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			taskID, err := m.Submit(context.Background(), "b1", "t.exec", []byte(`{"x":1}`))
			if err != nil {
				t.Errorf("Submit: %v", err)
				return
			}
			taskIDs[i] = taskID
		}(i)
	}
	wg.Wait()

	deadline := time.After(2 * time.Second)
	for i, taskID := range taskIDs {
		if taskID == "" {
			continue
		}
		for {
			task, err := m.Get(context.Background(), taskID)
			if err != nil {
				t.Fatalf("Get(%d): %v", i, err)
			}
			if task.State == statestore.TaskCompleted {
				break
			}
			select {
			case <-deadline:
				t.Fatalf("task %d (%s) did not complete in time, last state=%s", i, taskID, task.State)
			default:
				time.Sleep(time.Millisecond)
			}
		}
	}
}

func TestSubmit_NoCapableInstanceExhaustsRetriesThenFails(t *testing.T) {
	reg := registry.New() // no instances registered at all
	out := &fakeOutbound{}
	m, _, _ := newManagerWithRetries(t, reg, out, 1)

	taskID, err := m.Submit(context.Background(), "b1", "t.exec", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		task, err := m.Get(context.Background(), taskID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if task.State == statestore.TaskFailed {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("task never reached Failed, last state=%s", task.State)
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func newManagerWithRetries(t *testing.T, reg *registry.Registry, out dispatch.Outbound, maxRetries int) (*taskmanager.Manager, *statestore.MemoryStore, *dispatch.Dispatcher) {
	t.Helper()
	store := statestore.NewMemoryStore()
	d := dispatch.New(reg, out)
	m := taskmanager.NewManager(taskmanager.Config{
		Store:           store,
		Dispatcher:      d,
		Bus:             observability.New(),
		DefaultDeadline: 50 * time.Millisecond,
		MaxRetries:      maxRetries,
	})
	return m, store, d
}

// These two tests seed the store directly so they never race against a
// background worker loop's own claim/retry writes to the same task.

func TestCancel_PendingTaskIsLocal(t *testing.T) {
	reg := registry.New()
	out := &fakeOutbound{}
	m, store, _ := newManager(t, reg, out)

	task := statestore.Task{
		TaskID: "task_t1", BotID: "b1", CommandName: "t.exec",
		State: statestore.TaskPending, SubmittedAt: time.Now().UTC(), RetriesRemaining: 2,
	}
	if err := store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	if err := m.Cancel(context.Background(), task.TaskID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got, err := m.Get(context.Background(), task.TaskID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != statestore.TaskCancelled {
		t.Fatalf("expected Cancelled, got %s", got.State)
	}
}

func TestCancel_TerminalTaskErrors(t *testing.T) {
	reg := registry.New()
	out := &fakeOutbound{}
	m, store, _ := newManager(t, reg, out)

	now := time.Now().UTC()
	task := statestore.Task{
		TaskID: "task_t2", BotID: "b1", CommandName: "t.exec",
		State: statestore.TaskCompleted, SubmittedAt: now, CompletedAt: &now,
	}
	if err := store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	if err := m.Cancel(context.Background(), task.TaskID); err == nil {
		t.Fatal("expected error cancelling a terminal task")
	}
}
