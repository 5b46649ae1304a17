package observability

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.ActiveInstances == nil {
		t.Error("ActiveInstances is nil")
	}
	if m.EnvelopesProcessed == nil {
		t.Error("EnvelopesProcessed is nil")
	}
	if m.CommandLatency == nil {
		t.Error("CommandLatency is nil")
	}
	if m.TaskQueueDepth == nil {
		t.Error("TaskQueueDepth is nil")
	}
	if m.HeartbeatMisses == nil {
		t.Error("HeartbeatMisses is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}
