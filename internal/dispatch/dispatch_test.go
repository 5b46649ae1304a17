package dispatch_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/basket/botcore/internal/dispatch"
	"github.com/basket/botcore/internal/registry"
	"github.com/basket/botcore/internal/wire"
)

type fakeOutbound struct {
	mu       sync.Mutex
	sent     []wire.Envelope
	sendFunc func(instanceID string, env wire.Envelope) error
}

func (f *fakeOutbound) Send(instanceID string, env wire.Envelope) error {
	f.mu.Lock()
	f.sent = append(f.sent, env)
	f.mu.Unlock()
	if f.sendFunc != nil {
		return f.sendFunc(instanceID, env)
	}
	return nil
}

func (f *fakeOutbound) last() wire.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

func setupRegistry(botID, instanceID string, caps ...string) *registry.Registry {
	reg := registry.New()
	reg.Insert(registry.Instance{
		BotID:               botID,
		InstanceID:          instanceID,
		ConnectedAt:         time.Now(),
		HeartbeatInterval:   30 * time.Second,
		LastHeartbeatAt:     time.Now(),
		RuntimeCapabilities: caps,
		Status:              registry.StatusActive,
	})
	return reg
}

func TestDispatch_NoCapableInstance(t *testing.T) {
	reg := registry.New()
	d := dispatch.New(reg, &fakeOutbound{})

	_, err := d.Dispatch(context.Background(), "b1", "t.exec", "t.exec", nil, time.Second)
	if err != dispatch.ErrNoCapableInstance {
		t.Fatalf("expected ErrNoCapableInstance, got %v", err)
	}
}

func TestDispatch_SuccessRoundTrip(t *testing.T) {
	reg := setupRegistry("b1", "i1", "t.exec")
	out := &fakeOutbound{}
	d := dispatch.New(reg, out)

	var resp wire.CommandResponse
	var dispatchErr error
	done := make(chan struct{})
	go func() {
		resp, dispatchErr = d.Dispatch(context.Background(), "b1", "t.exec", "t.exec", []byte(`{"x":1}`), time.Second)
		close(done)
	}()

	// Wait for the request to be sent, then deliver the matching response.
	deadline := time.After(time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for outbound send")
		default:
		}
		out.mu.Lock()
		n := len(out.sent)
		out.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	sent := out.last()
	var req wire.CommandRequest
	if err := wire.DecodePayload(sent, &req); err != nil {
		t.Fatalf("decode sent command_request: %v", err)
	}

	payload, err := wire.EncodePayload(wire.CommandResponse{
		CommandID: req.CommandID,
		Status:    wire.CommandSuccess,
	})
	if err != nil {
		t.Fatalf("EncodePayload: %v", err)
	}
	respEnv := wire.Envelope{
		SchemaVersion: wire.CurrentSchemaVersion,
		MessageID:     req.CommandID,
		Kind:          wire.KindCommandResponse,
		Payload:       payload,
	}
	if derr := d.DeliverResponse("i1", respEnv); derr != nil {
		t.Fatalf("DeliverResponse: %v", derr)
	}

	<-done
	if dispatchErr != nil {
		t.Fatalf("Dispatch: %v", dispatchErr)
	}
	if resp.Status != wire.CommandSuccess {
		t.Fatalf("expected SUCCESS, got %v", resp.Status)
	}
}

func TestDispatch_Timeout(t *testing.T) {
	reg := setupRegistry("b1", "i1", "t.exec")
	d := dispatch.New(reg, &fakeOutbound{})

	_, err := d.Dispatch(context.Background(), "b1", "t.exec", "t.exec", nil, 10*time.Millisecond)
	if err != dispatch.ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestDispatch_CancelledContext(t *testing.T) {
	reg := setupRegistry("b1", "i1", "t.exec")
	d := dispatch.New(reg, &fakeOutbound{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Dispatch(ctx, "b1", "t.exec", "t.exec", nil, time.Second)
	if err != dispatch.ErrCancelled {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}

func TestDispatch_DoesNotLandOnAnotherBotsInstance(t *testing.T) {
	reg := registry.New()
	reg.Insert(registry.Instance{
		BotID: "b1", InstanceID: "i1", ConnectedAt: time.Now(),
		HeartbeatInterval: 30 * time.Second, LastHeartbeatAt: time.Now(),
		RuntimeCapabilities: []string{"t.exec"}, Status: registry.StatusActive,
	})
	reg.Insert(registry.Instance{
		BotID: "b2", InstanceID: "i2", ConnectedAt: time.Now(),
		HeartbeatInterval: 30 * time.Second, LastHeartbeatAt: time.Now(),
		RuntimeCapabilities: []string{"t.exec"}, Status: registry.StatusActive,
	})

	var mu sync.Mutex
	var targets []string
	out := &fakeOutbound{sendFunc: func(instanceID string, env wire.Envelope) error {
		mu.Lock()
		targets = append(targets, instanceID)
		mu.Unlock()
		return nil
	}}
	d := dispatch.New(reg, out)

	// b2's instance sits right after i1 on the shared capability's
	// insertion sequence, so a selector that round-robins across bots
	// instead of within one would hand b1's second dispatch call to i2.
	for i := 0; i < 4; i++ {
		_, _ = d.Dispatch(context.Background(), "b1", "t.exec", "t.exec", nil, 50*time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, instanceID := range targets {
		if instanceID != "i1" {
			t.Fatalf("dispatch for b1 landed on instance %q, want only i1", instanceID)
		}
	}
}

func TestDeliverResponse_NoMatchingWaiter(t *testing.T) {
	reg := setupRegistry("b1", "i1", "t.exec")
	d := dispatch.New(reg, &fakeOutbound{})

	payload, err := wire.EncodePayload(wire.CommandResponse{CommandID: "no-such-command", Status: wire.CommandSuccess})
	if err != nil {
		t.Fatalf("EncodePayload: %v", err)
	}
	env := wire.Envelope{Kind: wire.KindCommandResponse, Payload: payload}
	if err := d.DeliverResponse("i1", env); err == nil {
		t.Fatal("expected error for response with no matching waiter")
	}
}

func TestFailInstance_CompletesAllPendingWaitersWithInstanceGone(t *testing.T) {
	reg := setupRegistry("b1", "i1", "t.exec")
	d := dispatch.New(reg, &fakeOutbound{})

	var resp wire.CommandResponse
	var dispatchErr error
	done := make(chan struct{})
	go func() {
		resp, dispatchErr = d.Dispatch(context.Background(), "b1", "t.exec", "t.exec", nil, time.Second)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond) // let the waiter install

	n := d.FailInstance("i1")
	if n != 1 {
		t.Fatalf("expected 1 waiter failed, got %d", n)
	}

	<-done
	if dispatchErr != dispatch.ErrInstanceGone {
		t.Fatalf("expected ErrInstanceGone, got %v (resp=%v)", dispatchErr, resp)
	}
}
