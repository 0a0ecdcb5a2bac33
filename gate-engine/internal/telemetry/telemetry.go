// Package telemetry wires OpenTelemetry metrics for the gate service.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/averyhochheiser/carbon-gate/gate-engine/internal/models"
)

const meterName = "carbon-gate"

type Config struct {
	ServiceName    string
	ServiceVersion string
	// OTLPEndpoint is host:port of a gRPC collector. Empty disables export.
	OTLPEndpoint string
	Insecure     bool
	Interval     time.Duration
}

// Provider owns the meter provider. A zero Provider uses the global no-op meter.
type Provider struct {
	meterProvider *sdkmetric.MeterProvider
}

func Setup(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.OTLPEndpoint == "" {
		log.Info().Msg("otlp endpoint not set; metrics export disabled")
		return &Provider{}, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "carbon-gate-service"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.Interval))),
	)
	otel.SetMeterProvider(mp)
	log.Info().Str("endpoint", cfg.OTLPEndpoint).Msg("otlp metrics export enabled")
	return &Provider{meterProvider: mp}, nil
}

func (p *Provider) Meter() metric.Meter {
	if p == nil || p.meterProvider == nil {
		return otel.Meter(meterName)
	}
	return p.meterProvider.Meter(meterName)
}

func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.meterProvider == nil {
		return nil
	}
	return p.meterProvider.Shutdown(ctx)
}

// Metrics records gate decisions and broker queries. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	decisions     metric.Int64Counter
	submittedKg   metric.Float64Counter
	failOpen      metric.Int64Counter
	brokerLatency metric.Float64Histogram
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)
	if m.decisions, err = meter.Int64Counter("carbon_gate.decisions",
		metric.WithDescription("Gate decisions by status"),
		metric.WithUnit("{decision}"),
	); err != nil {
		return nil, err
	}
	if m.submittedKg, err = meter.Float64Counter("carbon_gate.submitted_kg",
		metric.WithDescription("Estimated kgCO2e submitted to the gate"),
		metric.WithUnit("kg"),
	); err != nil {
		return nil, err
	}
	if m.failOpen, err = meter.Int64Counter("carbon_gate.broker.fail_open",
		metric.WithDescription("Provider queries that fell back to the default model"),
		metric.WithUnit("{query}"),
	); err != nil {
		return nil, err
	}
	if m.brokerLatency, err = meter.Float64Histogram("carbon_gate.broker.query.duration",
		metric.WithDescription("Low-carbon provider catalog query latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5),
	); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Metrics) RecordDecision(ctx context.Context, d models.GateDecision) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("status", string(d.Status)),
		attribute.String("org", d.Policy.OrgID),
	)
	m.decisions.Add(ctx, 1, attrs)
	m.submittedKg.Add(ctx, d.Estimate.KgCO2e, attrs)
}

func (m *Metrics) RecordBrokerQuery(ctx context.Context, elapsed time.Duration, failOpen bool) {
	if m == nil {
		return
	}
	m.brokerLatency.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.Bool("fail_open", failOpen)))
	if failOpen {
		m.failOpen.Add(ctx, 1)
	}
}
