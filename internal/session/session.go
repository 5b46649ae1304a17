// Package session implements C3: the per-connection state machine
// (HandshakePending -> Active -> Draining -> Closed) that owns handshake
// validation, heartbeat tracking, and graceful teardown for one bot
// instance connection. The scheduling model is cooperative-concurrent: one
// reader goroutine and one writer goroutine per connection (spec §5).
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/botcore/internal/boterrs"
	"github.com/basket/botcore/internal/credentialstore"
	"github.com/basket/botcore/internal/dispatch"
	"github.com/basket/botcore/internal/observability"
	"github.com/basket/botcore/internal/registry"
	"github.com/basket/botcore/internal/shared"
	"github.com/basket/botcore/internal/wire"
)

// Close reasons (spec §4.3).
const (
	ReasonSuperseded    = "Superseded"
	ReasonAdminClose    = "AdminClose"
	ReasonHeartbeatMiss = "HeartbeatMiss"
	ReasonShutdown      = "Shutdown"
)

const outboundBufferSize = 64

// Config holds the Manager's dependencies and tunables. The Dispatcher is
// built internally by NewManager, since the Manager itself is the
// Dispatcher's Outbound implementation (Send routes by instance_id).
type Config struct {
	Registry             *registry.Registry
	Credentials          *credentialstore.Store
	Bus                  *observability.Bus
	Metrics              *observability.Metrics
	Logger               *slog.Logger
	HandshakeTimeout     time.Duration
	HeartbeatInterval    time.Duration // advertised default; HandshakeRequest does not negotiate a different one
	HeartbeatGraceFactor int
	DrainTimeout         time.Duration
}

// Manager owns every live connection's Session and is the Dispatcher's
// Outbound implementation.
type Manager struct {
	cfg        Config
	dispatcher *dispatch.Dispatcher

	mu       sync.Mutex
	sessions map[string]*Session // instance_id -> session
}

func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HeartbeatGraceFactor <= 0 {
		cfg.HeartbeatGraceFactor = 3
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	m := &Manager{cfg: cfg, sessions: make(map[string]*Session)}
	m.dispatcher = dispatch.New(cfg.Registry, m)
	return m
}

// Dispatcher returns the Manager's Dispatcher, for wiring into the admin
// API and task manager.
func (m *Manager) Dispatcher() *dispatch.Dispatcher {
	return m.dispatcher
}

// Session is one accepted connection's state machine instance.
type Session struct {
	mgr  *Manager
	conn io.ReadWriteCloser

	botID        string
	instanceID   string
	capabilities []string

	mu       sync.Mutex
	status   registry.Status
	lastBeat time.Time

	outbound  chan wire.Envelope
	closeOnce sync.Once
	closed    chan struct{}
}

// Accept drives one connection's full lifecycle: handshake, then (on
// success) the Active read/write loop until the peer disconnects, the
// connection is superseded, or ctx is cancelled. It blocks until the
// session reaches Closed.
func (m *Manager) Accept(ctx context.Context, conn io.ReadWriteCloser) error {
	s := &Session{
		mgr:      m,
		conn:     conn,
		status:   registry.StatusHandshakePending,
		outbound: make(chan wire.Envelope, outboundBufferSize),
		closed:   make(chan struct{}),
	}

	if err := s.handshake(ctx); err != nil {
		_ = conn.Close()
		return err
	}

	m.displaceExisting(s.instanceID)
	m.register(s)

	if m.cfg.Bus != nil {
		m.cfg.Bus.Publish(observability.TopicInstanceConnected, observability.InstanceConnectedEvent{
			BotID: s.botID, InstanceID: s.instanceID,
		})
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.writeLoop(ctx) }()
	go func() { defer wg.Done(); s.readLoop(ctx) }()
	wg.Wait()

	return nil
}

func (s *Session) handshake(ctx context.Context) error {
	hctx, cancel := context.WithTimeout(ctx, s.mgr.cfg.HandshakeTimeout)
	defer cancel()

	envCh := make(chan wire.Envelope, 1)
	errCh := make(chan error, 1)
	go func() {
		env, err := wire.ReadEnvelope(s.conn)
		if err != nil {
			errCh <- err
			return
		}
		envCh <- env
	}()

	var env wire.Envelope
	select {
	case env = <-envCh:
	case err := <-errCh:
		return fmt.Errorf("session: handshake read: %w", err)
	case <-hctx.Done():
		return fmt.Errorf("session: handshake timed out")
	}

	// trace_id is preserved verbatim onto every envelope causally derived
	// from this one (spec §4.9); a connecting instance that omits it still
	// gets a consistently-traceable handshake exchange.
	traceID := env.TraceID
	if traceID == "" {
		traceID = shared.NewTraceID()
	}

	if env.Kind != wire.KindHandshakeRequest {
		errPayload, _ := wire.EncodePayload(wire.ErrorPayload{Code: string(boterrs.CodeBadHandshake), Message: "first frame must be a handshake request"})
		_ = s.writeEnvelope(wire.Envelope{
			SchemaVersion: wire.CurrentSchemaVersion,
			MessageID:     env.MessageID,
			TraceID:       traceID,
			Kind:          wire.KindError,
			Payload:       errPayload,
		})
		return boterrs.New(boterrs.CodeBadHandshake, "non-handshake first frame")
	}

	var req wire.HandshakeRequest
	if err := wire.DecodePayload(env, &req); err != nil {
		return fmt.Errorf("session: decode handshake_request: %w", err)
	}

	issuedKey, authErr := s.authenticate(hctx, req.BotID, req.AuthToken)
	if authErr != nil {
		failPayload, _ := wire.EncodePayload(wire.HandshakeResponse{
			Status: wire.HandshakeAuthFailed,
			Reason: authErr.Error(),
		})
		_ = s.writeEnvelope(wire.Envelope{
			SchemaVersion: wire.CurrentSchemaVersion,
			MessageID:     req.InstanceID,
			TraceID:       traceID,
			Kind:          wire.KindHandshakeResponse,
			Payload:       failPayload,
		})
		return boterrs.Wrap(boterrs.CodeAuthError, "handshake authentication failed", authErr)
	}

	s.botID = req.BotID
	s.instanceID = req.InstanceID
	s.capabilities = req.Capabilities
	s.status = registry.StatusActive
	s.lastBeat = time.Now()

	payload, err := wire.EncodePayload(wire.HandshakeResponse{
		Status:            wire.HandshakeSuccess,
		HeartbeatInterval: int64(s.mgr.cfg.HeartbeatInterval.Seconds()),
		IssuedAPIKey:      issuedKey,
	})
	if err != nil {
		return fmt.Errorf("session: encode handshake_response: %w", err)
	}
	return s.writeEnvelope(wire.Envelope{
		SchemaVersion: wire.CurrentSchemaVersion,
		MessageID:     req.InstanceID,
		TraceID:       traceID,
		Kind:          wire.KindHandshakeResponse,
		Payload:       payload,
	})
}

// authenticate tries the long-lived key path first, falling back to the
// one-time-token swap. Returns the freshly issued long-lived key only when
// the token path was taken, per spec §4.3/§6.
func (s *Session) authenticate(ctx context.Context, botID, candidate string) (issuedKey string, err error) {
	if s.mgr.cfg.Credentials.VerifyLongLived(ctx, botID, candidate) {
		return "", nil
	}
	key, err := s.mgr.cfg.Credentials.ConsumeOneTime(ctx, botID, candidate)
	if err != nil {
		return "", err
	}
	return key, nil
}

func (s *Session) readLoop(ctx context.Context) {
	defer s.closeSession(ReasonShutdown)
	for {
		env, err := wire.ReadEnvelope(s.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.mgr.cfg.Logger.Warn("session: read error", "instance_id", s.instanceID, "error", err)
			}
			return
		}
		switch env.Kind {
		case wire.KindHeartbeat:
			s.touchHeartbeat()
		case wire.KindCommandResponse:
			if derr := s.mgr.dispatcher.DeliverResponse(s.instanceID, env); derr != nil {
				s.mgr.cfg.Logger.Warn("session: undeliverable command_response", "instance_id", s.instanceID, "trace_id", env.TraceID, "error", derr)
			}
		case wire.KindEvent:
			var ev wire.Event
			if derr := wire.DecodePayload(env, &ev); derr == nil {
				s.mgr.cfg.Logger.Info("session: instance event", "instance_id", s.instanceID, "trace_id", env.TraceID, "event", ev.Name)
			}
		default:
			s.mgr.cfg.Logger.Warn("session: unexpected frame in Active state", "instance_id", s.instanceID, "trace_id", env.TraceID, "kind", env.Kind)
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (s *Session) writeLoop(ctx context.Context) {
	for {
		select {
		case env, ok := <-s.outbound:
			if !ok {
				return
			}
			if err := s.writeEnvelope(env); err != nil {
				s.mgr.cfg.Logger.Warn("session: write error", "instance_id", s.instanceID, "error", err)
				return
			}
		case <-s.closed:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) touchHeartbeat() {
	s.mu.Lock()
	s.lastBeat = time.Now()
	s.mu.Unlock()
	_ = s.mgr.cfg.Registry.TouchHeartbeat(s.instanceID, s.lastBeat)
}

func (s *Session) lastHeartbeatAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastBeat
}

func (s *Session) writeEnvelope(env wire.Envelope) error {
	return wire.WriteEnvelope(s.conn, env)
}

// Send enqueues env on s's outbound write lane. It satisfies
// dispatch.Outbound via Manager.Send.
func (s *Session) Send(env wire.Envelope) error {
	select {
	case s.outbound <- env:
		return nil
	case <-s.closed:
		return fmt.Errorf("session: instance %s is closed", s.instanceID)
	}
}

// Send implements dispatch.Outbound for the Manager as a whole, routing by
// instance_id to the right Session's write lane.
func (m *Manager) Send(instanceID string, env wire.Envelope) error {
	m.mu.Lock()
	s := m.sessions[instanceID]
	m.mu.Unlock()
	if s == nil {
		return boterrs.New(boterrs.CodeInstanceGone, "instance not connected")
	}
	return s.Send(env)
}

func (m *Manager) register(s *Session) {
	m.mu.Lock()
	m.sessions[s.instanceID] = s
	m.mu.Unlock()

	m.cfg.Registry.Insert(registry.Instance{
		BotID:               s.botID,
		InstanceID:          s.instanceID,
		ConnectedAt:         time.Now(),
		HeartbeatInterval:   m.cfg.HeartbeatInterval,
		LastHeartbeatAt:     s.lastHeartbeatAt(),
		RuntimeCapabilities: s.capabilities,
		Status:              registry.StatusActive,
	})

	if m.cfg.Metrics != nil {
		m.cfg.Metrics.ActiveInstances.Add(context.Background(), 1)
	}
}

// displaceExisting closes any prior session registered under the same
// instance_id with reason Superseded, per the Instance invariant in §3.
func (m *Manager) displaceExisting(instanceID string) {
	m.mu.Lock()
	existing := m.sessions[instanceID]
	m.mu.Unlock()
	if existing != nil {
		existing.closeSession(ReasonSuperseded)
	}
}

// closeSession drives a session from Active to Draining to Closed: fails
// every outstanding dispatcher waiter, removes the instance from the
// registry, and tears down the transport.
func (s *Session) closeSession(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.status = registry.StatusDraining
		s.mu.Unlock()
		_ = s.mgr.cfg.Registry.UpdateStatus(s.instanceID, registry.StatusDraining)

		s.mgr.dispatcher.FailInstance(s.instanceID)

		close(s.closed)
		_ = s.conn.Close()

		s.mgr.mu.Lock()
		delete(s.mgr.sessions, s.instanceID)
		s.mgr.mu.Unlock()
		s.mgr.cfg.Registry.Remove(s.instanceID)

		if s.mgr.cfg.Bus != nil {
			s.mgr.cfg.Bus.Publish(observability.TopicInstanceClosed, observability.InstanceClosedEvent{
				BotID: s.botID, InstanceID: s.instanceID, Reason: reason,
			})
		}
		if s.mgr.cfg.Metrics != nil {
			s.mgr.cfg.Metrics.ActiveInstances.Add(context.Background(), -1)
			if reason == ReasonHeartbeatMiss {
				s.mgr.cfg.Metrics.HeartbeatMisses.Add(context.Background(), 1)
			}
		}
	})
}

// CloseInstance force-closes instanceID with reason AdminClose. It is the
// admin API's deregister hook.
func (m *Manager) CloseInstance(instanceID string) bool {
	m.mu.Lock()
	s := m.sessions[instanceID]
	m.mu.Unlock()
	if s == nil {
		return false
	}
	s.closeSession(ReasonAdminClose)
	return true
}

// CloseAllForBot force-closes every live instance of botID with reason
// AdminClose. The admin API calls this on bot definition deletion so no
// waiter targeting one of its instances survives the delete (spec §5).
func (m *Manager) CloseAllForBot(botID string) int {
	closed := 0
	for _, inst := range m.cfg.Registry.ListByBot(botID) {
		m.mu.Lock()
		s := m.sessions[inst.InstanceID]
		m.mu.Unlock()
		if s != nil {
			s.closeSession(ReasonAdminClose)
			closed++
		}
	}
	return closed
}

// CloseAll force-closes every live session with the given reason. Called
// on process shutdown after the drain window elapses (spec §5).
func (m *Manager) CloseAll(reason string) int {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.closeSession(reason)
	}
	return len(sessions)
}

// ScanHeartbeats force-closes every session whose last heartbeat is older
// than grace_factor x heartbeat_interval. It satisfies cron.HeartbeatScanner.
func (m *Manager) ScanHeartbeats(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	candidates := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		candidates = append(candidates, s)
	}
	m.mu.Unlock()

	closed := 0
	grace := time.Duration(m.cfg.HeartbeatGraceFactor) * m.cfg.HeartbeatInterval
	for _, s := range candidates {
		if now.Sub(s.lastHeartbeatAt()) > grace {
			s.closeSession(ReasonHeartbeatMiss)
			closed++
		}
	}
	return closed, nil
}
