package telemetry

import (
	"context"
	"time"

	"github.com/KafClaw/clawgate/internal/events"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// MeterName is the instrumentation scope for clawgate metrics.
const MeterName = "clawgate"

// Metrics holds the control-plane instruments.
type Metrics struct {
	RPCRequests     metric.Int64Counter
	RPCDuration     metric.Float64Histogram
	Events          metric.Int64Counter
	CronRunDuration metric.Float64Histogram
	NodeInvokes     metric.Int64Counter
}

// NewMetrics creates all instruments from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RPCRequests, err = meter.Int64Counter("clawgate.rpc.requests",
		metric.WithDescription("Gateway RPC requests by method and result code"),
	)
	if err != nil {
		return nil, err
	}
	m.RPCDuration, err = meter.Float64Histogram("clawgate.rpc.duration",
		metric.WithDescription("Gateway RPC handling time in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	m.Events, err = meter.Int64Counter("clawgate.events",
		metric.WithDescription("Control-plane events by type"),
	)
	if err != nil {
		return nil, err
	}
	m.CronRunDuration, err = meter.Float64Histogram("clawgate.cron.run.duration",
		metric.WithDescription("Cron job run time in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	m.NodeInvokes, err = meter.Int64Counter("clawgate.node.invokes",
		metric.WithDescription("Node command invocations by command and decision"),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// RecordRPC counts one request. code is empty on success.
func (m *Metrics) RecordRPC(ctx context.Context, method, code string, d time.Duration) {
	if m == nil {
		return
	}
	if code == "" {
		code = "OK"
	}
	attrs := metric.WithAttributes(attribute.String("method", method), attribute.String("code", code))
	m.RPCRequests.Add(ctx, 1, attrs)
	m.RPCDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("method", method)))
}

// RecordNodeInvoke counts a node command decision.
func (m *Metrics) RecordNodeInvoke(ctx context.Context, command string, allowed bool) {
	if m == nil {
		return
	}
	m.NodeInvokes.Add(ctx, 1, metric.WithAttributes(attribute.String("command", command), attribute.Bool("allowed", allowed)))
}

// Publish makes Metrics an events sink: every event is counted and finished
// cron runs feed the run-duration histogram.
func (m *Metrics) Publish(ctx context.Context, ev events.Event) error {
	if m == nil {
		return nil
	}
	m.Events.Add(ctx, 1, metric.WithAttributes(attribute.String("type", ev.Type)))
	if ev.Type == events.CronFinished {
		if ms, ok := ev.Data["durationMs"].(int64); ok {
			status, _ := ev.Data["status"].(string)
			m.CronRunDuration.Record(ctx, float64(ms)/1000, metric.WithAttributes(attribute.String("status", status)))
		}
	}
	return nil
}

func (m *Metrics) Close() error { return nil }

// Provider is an in-process meter provider whose readings can be pulled for
// status reporting.
type Provider struct {
	reader  *sdkmetric.ManualReader
	mp      *sdkmetric.MeterProvider
	Metrics *Metrics
}

// NewProvider creates the provider, registers it globally, and builds the
// instruments.
func NewProvider() (*Provider, error) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(mp)
	m, err := NewMetrics(mp.Meter(MeterName))
	if err != nil {
		return nil, err
	}
	return &Provider{reader: reader, mp: mp, Metrics: m}, nil
}

// Snapshot returns counter totals and histogram sample counts keyed by
// instrument name.
func (p *Provider) Snapshot(ctx context.Context) (map[string]int64, error) {
	var rm metricdata.ResourceMetrics
	if err := p.reader.Collect(ctx, &rm); err != nil {
		return nil, err
	}
	out := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, mt := range sm.Metrics {
			switch data := mt.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					out[mt.Name] += dp.Value
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					out[mt.Name] += int64(dp.Count)
				}
			}
		}
	}
	return out, nil
}

// Shutdown flushes and stops the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.mp.Shutdown(ctx)
}
