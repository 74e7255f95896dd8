// Package observability sets up the OpenTelemetry meter provider and the
// instruments the relay and broker report through.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"github.com/baaaht/pktrelay/internal/config"
)

// InstrumentationName is the meter name used by every pktrelay component
const InstrumentationName = "github.com/baaaht/pktrelay"

// ServiceVersion is reported as the service.version resource attribute
var ServiceVersion = "dev"

// MetricsProvider wraps the OpenTelemetry meter provider with shutdown capabilities.
type MetricsProvider struct {
	provider *sdkmetric.MeterProvider
}

// InitMetrics initializes the OpenTelemetry meter provider and installs it
// globally. When metrics are disabled the global no-op provider is left in
// place and the returned provider's Shutdown does nothing.
func InitMetrics(ctx context.Context, cfg config.MetricsConfig, extra ...sdkmetric.Reader) (*MetricsProvider, error) {
	if !cfg.Enabled && len(extra) == 0 {
		return &MetricsProvider{}, nil
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	)

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}

	if cfg.Enabled && cfg.OTLPEndpoint != "" {
		exporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("create OTLP metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)))
	}
	for _, r := range extra {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	provider := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(provider)

	return &MetricsProvider{provider: provider}, nil
}

// Shutdown flushes any remaining metrics and shuts down the provider.
func (mp *MetricsProvider) Shutdown(ctx context.Context) error {
	if mp.provider == nil {
		return nil
	}
	return mp.provider.Shutdown(ctx)
}

// Meter returns the meter of this provider, or the global meter when the
// provider is disabled.
func (mp *MetricsProvider) Meter() metric.Meter {
	if mp.provider == nil {
		return otel.Meter(InstrumentationName)
	}
	return mp.provider.Meter(InstrumentationName)
}

// Meter returns a meter for the given instrumentation name.
func Meter(name string) metric.Meter {
	return otel.Meter(name)
}

// RelayInstruments are the counters the relay engine updates
type RelayInstruments struct {
	Submitted metric.Int64Counter
	Relayed   metric.Int64Counter
	Dropped   metric.Int64Counter
}

// NewRelayInstruments creates the relay counters on m; a nil meter uses the global one
func NewRelayInstruments(m metric.Meter) (*RelayInstruments, error) {
	if m == nil {
		m = Meter(InstrumentationName)
	}
	submitted, err := m.Int64Counter("pktrelay.relay.submitted",
		metric.WithDescription("Relay tasks submitted"),
		metric.WithUnit("{packet}"))
	if err != nil {
		return nil, fmt.Errorf("create submitted counter: %w", err)
	}
	relayed, err := m.Int64Counter("pktrelay.relay.delivered",
		metric.WithDescription("Packets delivered to a destination inbound queue"),
		metric.WithUnit("{packet}"))
	if err != nil {
		return nil, fmt.Errorf("create delivered counter: %w", err)
	}
	dropped, err := m.Int64Counter("pktrelay.relay.dropped",
		metric.WithDescription("Packets dropped because the destination was not registered"),
		metric.WithUnit("{packet}"))
	if err != nil {
		return nil, fmt.Errorf("create dropped counter: %w", err)
	}
	return &RelayInstruments{Submitted: submitted, Relayed: relayed, Dropped: dropped}, nil
}

// BrokerInstruments are the instruments the broker updates
type BrokerInstruments struct {
	Sessions     metric.Int64UpDownCounter
	Writes       metric.Int64Counter
	Reads        metric.Int64Counter
	Rejected     metric.Int64Counter
	BytesWritten metric.Int64Counter
}

// NewBrokerInstruments creates the broker instruments on m; a nil meter uses the global one
func NewBrokerInstruments(m metric.Meter) (*BrokerInstruments, error) {
	if m == nil {
		m = Meter(InstrumentationName)
	}
	sessions, err := m.Int64UpDownCounter("pktrelay.broker.sessions",
		metric.WithDescription("Currently registered sessions"),
		metric.WithUnit("{session}"))
	if err != nil {
		return nil, fmt.Errorf("create sessions counter: %w", err)
	}
	writes, err := m.Int64Counter("pktrelay.broker.writes",
		metric.WithDescription("Packets accepted by Write"),
		metric.WithUnit("{packet}"))
	if err != nil {
		return nil, fmt.Errorf("create writes counter: %w", err)
	}
	reads, err := m.Int64Counter("pktrelay.broker.reads",
		metric.WithDescription("Packets consumed by Read"),
		metric.WithUnit("{packet}"))
	if err != nil {
		return nil, fmt.Errorf("create reads counter: %w", err)
	}
	rejected, err := m.Int64Counter("pktrelay.broker.rejected",
		metric.WithDescription("Writes rejected by validation"),
		metric.WithUnit("{packet}"))
	if err != nil {
		return nil, fmt.Errorf("create rejected counter: %w", err)
	}
	bytesWritten, err := m.Int64Counter("pktrelay.broker.bytes_written",
		metric.WithDescription("Encoded bytes accepted by Write"),
		metric.WithUnit("By"))
	if err != nil {
		return nil, fmt.Errorf("create bytes counter: %w", err)
	}
	return &BrokerInstruments{
		Sessions:     sessions,
		Writes:       writes,
		Reads:        reads,
		Rejected:     rejected,
		BytesWritten: bytesWritten,
	}, nil
}
