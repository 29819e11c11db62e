// Package telemetry wires OpenTelemetry metrics for the dedup service.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Claim outcomes recorded on dedup.claims.
const (
	OutcomeAdmitted  = "admitted"
	OutcomeDuplicate = "duplicate"
	OutcomeError     = "error"
	OutcomeInvalid   = "invalid"
)

const instrumentationName = "github.com/aws-solutions-library-samples/guidance-for-payment-systems-using-event-driven-architecture-on-aws/dedup"

// Metrics holds the claim instruments. A nil *Metrics records nothing.
type Metrics struct {
	claims   metric.Int64Counter
	duration metric.Float64Histogram
}

// NewMetrics creates the claim instruments on mp. A nil mp uses the global provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)

	claims, err := meter.Int64Counter("dedup.claims",
		metric.WithDescription("Dedup claims by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create claims counter: %w", err)
	}

	duration, err := meter.Float64Histogram("dedup.claim.duration",
		metric.WithDescription("Dedup claim latency including the store round-trip"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	return &Metrics{claims: claims, duration: duration}, nil
}

// Record counts one claim with its outcome and latency.
func (m *Metrics) Record(ctx context.Context, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.claims.Add(ctx, 1, attrs)
	m.duration.Record(ctx, float64(d.Microseconds())/1000.0, attrs)
}

// Setup installs a global MeterProvider exporting over OTLP gRPC to endpoint.
// With an empty endpoint it does nothing and returns a no-op shutdown.
func Setup(ctx context.Context, endpoint string, insecure bool) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(endpoint)}
	if insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(mp)

	slog.InfoContext(ctx, "metrics export enabled", "endpoint", endpoint)
	return mp.Shutdown, nil
}
