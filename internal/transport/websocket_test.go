package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/basket/botcore/internal/wire"
)

func newTestServer(t *testing.T, handle func(conn *wsConn)) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("Accept: %v", err)
			return
		}
		handle(newWSConn(r.Context(), c))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func dialClient(t *testing.T, ts *httptest.Server) *wsConn {
	t.Helper()
	ctx := context.Background()
	c, _, err := websocket.Dial(ctx, "ws"+ts.URL[len("http"):], nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	return newWSConn(ctx, c)
}

func TestWSConn_RoundTripsAnEnvelope(t *testing.T) {
	received := make(chan wire.Envelope, 1)
	ts := newTestServer(t, func(conn *wsConn) {
		env, err := wire.ReadEnvelope(conn)
		if err != nil {
			t.Errorf("server ReadEnvelope: %v", err)
			return
		}
		received <- env
	})

	client := dialClient(t, ts)
	defer client.Close()

	payload, err := wire.EncodePayload(wire.Heartbeat{SentAt: 42})
	if err != nil {
		t.Fatalf("EncodePayload: %v", err)
	}
	if err := wire.WriteEnvelope(client, wire.Envelope{
		SchemaVersion: wire.CurrentSchemaVersion,
		MessageID:     "m-1",
		Kind:          wire.KindHeartbeat,
		Payload:       payload,
	}); err != nil {
		t.Fatalf("WriteEnvelope: %v", err)
	}

	select {
	case env := <-received:
		if env.MessageID != "m-1" || env.Kind != wire.KindHeartbeat {
			t.Fatalf("unexpected envelope: %+v", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server to receive the envelope")
	}
}

func TestWSConn_ReadAfterPeerCloseReturnsEOF(t *testing.T) {
	closed := make(chan struct{})
	ts := newTestServer(t, func(conn *wsConn) {
		_, err := wire.ReadEnvelope(conn)
		if err != io.EOF {
			t.Errorf("expected io.EOF after peer close, got %v", err)
		}
		close(closed)
	})

	client := dialClient(t, ts)
	client.Close()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server-side EOF")
	}
}

func TestWSConn_ReadBuffersAcrossMultipleFrames(t *testing.T) {
	ts := newTestServer(t, func(conn *wsConn) {
		for i := 0; i < 3; i++ {
			env, err := wire.ReadEnvelope(conn)
			if err != nil {
				t.Errorf("ReadEnvelope %d: %v", i, err)
				return
			}
			payload, _ := wire.EncodePayload(wire.ErrorPayload{Code: "ok", Message: env.MessageID})
			_ = wire.WriteEnvelope(conn, wire.Envelope{
				SchemaVersion: wire.CurrentSchemaVersion,
				MessageID:     env.MessageID,
				Kind:          wire.KindError,
				Payload:       payload,
			})
		}
	})

	client := dialClient(t, ts)
	defer client.Close()

	for i := 0; i < 3; i++ {
		payload, _ := wire.EncodePayload(wire.Heartbeat{SentAt: int64(i)})
		if err := wire.WriteEnvelope(client, wire.Envelope{
			SchemaVersion: wire.CurrentSchemaVersion,
			MessageID:     "m",
			Kind:          wire.KindHeartbeat,
			Payload:       payload,
		}); err != nil {
			t.Fatalf("WriteEnvelope %d: %v", i, err)
		}
		if _, err := wire.ReadEnvelope(client); err != nil {
			t.Fatalf("ReadEnvelope reply %d: %v", i, err)
		}
	}
}
