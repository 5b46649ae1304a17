package observability

import "go.opentelemetry.io/otel/metric"

// Metrics holds the instruments required by spec §4.9: active instance
// count, envelopes processed by kind and outcome, command latency by
// command_name, task queue depth, and heartbeat misses.
type Metrics struct {
	ActiveInstances    metric.Int64UpDownCounter
	EnvelopesProcessed metric.Int64Counter
	CommandLatency     metric.Float64Histogram
	TaskQueueDepth     metric.Int64UpDownCounter
	HeartbeatMisses    metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ActiveInstances, err = meter.Int64UpDownCounter("botcore.instances.active",
		metric.WithDescription("Number of instances currently in the Active state"),
	)
	if err != nil {
		return nil, err
	}

	m.EnvelopesProcessed, err = meter.Int64Counter("botcore.envelopes.processed_total",
		metric.WithDescription("Envelopes processed, labeled by kind and outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.CommandLatency, err = meter.Float64Histogram("botcore.command.latency_seconds",
		metric.WithDescription("Dispatch round-trip latency, labeled by command_name"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskQueueDepth, err = meter.Int64UpDownCounter("botcore.task.queue_depth",
		metric.WithDescription("Number of tasks in Pending or Running state"),
	)
	if err != nil {
		return nil, err
	}

	m.HeartbeatMisses, err = meter.Int64Counter("botcore.heartbeat.miss_total",
		metric.WithDescription("Sessions force-closed for missing their heartbeat deadline"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
