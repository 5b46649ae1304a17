// Package dispatch implements C5: send a CommandRequest to a capable
// instance and wait for the matching CommandResponse, either synchronously
// (an admin API handler blocking within a deadline) or asynchronously (the
// task manager firing and correlating later).
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/botcore/internal/observability"
	"github.com/basket/botcore/internal/registry"
	"github.com/basket/botcore/internal/shared"
	"github.com/basket/botcore/internal/wire"
)

// Failure causes surfaced through Dispatch's returned error.
var (
	ErrNoCapableInstance = errors.New("dispatch: no capable instance")
	ErrTimeout           = errors.New("dispatch: timeout")
	ErrInstanceGone      = errors.New("dispatch: instance gone")
	ErrCancelled         = errors.New("dispatch: cancelled")
)

// Outbound is implemented by the session manager: Send enqueues env on the
// given instance's outbound write lane. It must not block indefinitely —
// the session's own write-side buffering and backpressure policy applies.
type Outbound interface {
	Send(instanceID string, env wire.Envelope) error
}

// waiter is a single-shot completion slot for one in-flight command_id.
type waiter struct {
	once sync.Once
	done chan struct{}
	resp wire.CommandResponse
	err  error
}

func newWaiter() *waiter {
	return &waiter{done: make(chan struct{})}
}

func (w *waiter) complete(resp wire.CommandResponse, err error) {
	w.once.Do(func() {
		w.resp = resp
		w.err = err
		close(w.done)
	})
}

// Dispatcher owns the per-instance pending-correlation tables and the
// selection policy used to pick a target instance for a capability.
type Dispatcher struct {
	reg      *registry.Registry
	outbound Outbound
	metrics  *observability.Metrics

	mu      sync.Mutex
	pending map[string]map[string]*waiter // instance_id -> command_id -> waiter
}

func New(reg *registry.Registry, outbound Outbound) *Dispatcher {
	return &Dispatcher{
		reg:      reg,
		outbound: outbound,
		pending:  make(map[string]map[string]*waiter),
	}
}

// WithMetrics attaches the instruments Dispatch records command latency
// and envelope outcomes through. Optional: a Dispatcher with no metrics
// attached behaves identically, just without emitting them.
func (d *Dispatcher) WithMetrics(m *observability.Metrics) *Dispatcher {
	d.metrics = m
	return d
}

// Dispatch selects an instance of botID advertising capability, sends a
// CommandRequest, and blocks until a response arrives, the deadline
// elapses, the instance leaves Active, or ctx is cancelled.
func (d *Dispatcher) Dispatch(ctx context.Context, botID, capability, commandName string, args []byte, deadline time.Duration) (wire.CommandResponse, error) {
	start := time.Now()
	resp, err := d.dispatch(ctx, botID, capability, commandName, args, deadline)
	d.recordOutcome(commandName, start, err)
	return resp, err
}

func (d *Dispatcher) dispatch(ctx context.Context, botID, capability, commandName string, args []byte, deadline time.Duration) (wire.CommandResponse, error) {
	inst, err := d.reg.SelectByCapability(botID, capability)
	if err != nil {
		return wire.CommandResponse{}, ErrNoCapableInstance
	}

	commandID := uuid.NewString()
	// Dispatch's caller is an admin API request or the task manager, never
	// an inbound wire envelope, so there's nothing to propagate trace_id
	// from — mint a fresh one to seed this command's causal chain.
	traceID := shared.NewTraceID()

	w := newWaiter()
	d.installWaiter(inst.InstanceID, commandID, w)
	defer d.removeWaiter(inst.InstanceID, commandID)

	payload, err := wire.EncodePayload(wire.CommandRequest{
		CommandID:   commandID,
		CommandName: commandName,
		Arguments:   args,
	})
	if err != nil {
		return wire.CommandResponse{}, fmt.Errorf("dispatch: encode command_request: %w", err)
	}

	req := wire.Envelope{
		SchemaVersion: wire.CurrentSchemaVersion,
		MessageID:     commandID,
		TraceID:       traceID,
		Kind:          wire.KindCommandRequest,
		Payload:       payload,
	}
	if err := d.outbound.Send(inst.InstanceID, req); err != nil {
		return wire.CommandResponse{}, fmt.Errorf("%w: %v", ErrInstanceGone, err)
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case <-w.done:
		return w.resp, w.err
	case <-timer.C:
		return wire.CommandResponse{}, ErrTimeout
	case <-ctx.Done():
		return wire.CommandResponse{}, ErrCancelled
	}
}

// DeliverResponse decodes env's CommandResponse payload, looks up its
// command_id in instanceID's pending table, and completes the matching
// waiter exactly once. Late or duplicate responses (no matching waiter, or
// an undecodable payload) are reported back to the caller so the session
// manager can log them, but never panic the read loop.
func (d *Dispatcher) DeliverResponse(instanceID string, env wire.Envelope) error {
	var resp wire.CommandResponse
	if err := wire.DecodePayload(env, &resp); err != nil {
		return fmt.Errorf("dispatch: decode command_response: %w", err)
	}
	w := d.takeWaiter(instanceID, resp.CommandID)
	if w == nil {
		return fmt.Errorf("dispatch: no waiter for command_id %q on instance %q", resp.CommandID, instanceID)
	}
	w.complete(resp, nil)
	return nil
}

// FailInstance fails every outstanding waiter for instanceID with
// ErrInstanceGone. Called by the session manager before an instance leaves
// Active, so no waiter survives session close.
func (d *Dispatcher) FailInstance(instanceID string) int {
	d.mu.Lock()
	waiters := d.pending[instanceID]
	delete(d.pending, instanceID)
	d.mu.Unlock()

	for _, w := range waiters {
		w.complete(wire.CommandResponse{}, ErrInstanceGone)
	}
	return len(waiters)
}

func (d *Dispatcher) installWaiter(instanceID, commandID string, w *waiter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending[instanceID] == nil {
		d.pending[instanceID] = make(map[string]*waiter)
	}
	d.pending[instanceID][commandID] = w
}

func (d *Dispatcher) removeWaiter(instanceID, commandID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if set, ok := d.pending[instanceID]; ok {
		delete(set, commandID)
		if len(set) == 0 {
			delete(d.pending, instanceID)
		}
	}
}

func (d *Dispatcher) takeWaiter(instanceID, commandID string) *waiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	set, ok := d.pending[instanceID]
	if !ok {
		return nil
	}
	w, ok := set[commandID]
	if !ok {
		return nil
	}
	delete(set, commandID)
	if len(set) == 0 {
		delete(d.pending, instanceID)
	}
	return w
}

// recordOutcome emits the command-latency histogram and the
// envelopes-processed counter for one Dispatch call (spec §4.9).
func (d *Dispatcher) recordOutcome(commandName string, start time.Time, err error) {
	if d.metrics == nil {
		return
	}
	ctx := context.Background()
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	d.metrics.CommandLatency.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("command_name", commandName)))
	d.metrics.EnvelopesProcessed.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", "command_request"), attribute.String("outcome", outcome)))
}
