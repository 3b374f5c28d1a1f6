package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes fiscal instruments.
type Metrics struct {
	ledgerAppends  metric.Int64Counter
	appendDuration metric.Float64Histogram
	verifications  metric.Int64Counter
	closures       metric.Int64Counter
	exports        metric.Int64Counter
	orderEvents    metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("metrics.shutdown")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics.initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the fiscal instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "caisse"
	}
	meter := provider.Meter(name)

	ledgerAppends, err := meter.Int64Counter("caisse_ledger_appends_total")
	if err != nil {
		return nil, err
	}
	appendDuration, err := meter.Float64Histogram("caisse_ledger_append_duration_seconds", metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	verifications, err := meter.Int64Counter("caisse_ledger_verifications_total")
	if err != nil {
		return nil, err
	}
	closures, err := meter.Int64Counter("caisse_closures_total")
	if err != nil {
		return nil, err
	}
	exports, err := meter.Int64Counter("caisse_archive_exports_total")
	if err != nil {
		return nil, err
	}
	orderEvents, err := meter.Int64Counter("caisse_order_events_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		ledgerAppends:  ledgerAppends,
		appendDuration: appendDuration,
		verifications:  verifications,
		closures:       closures,
		exports:        exports,
		orderEvents:    orderEvents,
	}, nil
}

// RecordLedgerAppend counts one append attempt and its latency.
func (m *Metrics) RecordLedgerAppend(ctx context.Context, transactionType, result string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("transaction_type", strings.TrimSpace(transactionType)),
		attribute.String("result", strings.TrimSpace(result)),
	)
	m.ledgerAppends.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.appendDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordVerification counts a chain verification run.
func (m *Metrics) RecordVerification(ctx context.Context, valid bool) {
	if m == nil {
		return
	}
	result := "valid"
	if !valid {
		result = "invalid"
	}
	m.verifications.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attribute.String("result", result))...))
}

// RecordClosure counts a closure bulletin attempt.
func (m *Metrics) RecordClosure(ctx context.Context, closureType, result string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("closure_type", strings.TrimSpace(closureType)),
		attribute.String("result", strings.TrimSpace(result)),
	)
	m.closures.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordExport counts an archive export by outcome.
func (m *Metrics) RecordExport(ctx context.Context, exportType, format, status string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("export_type", strings.TrimSpace(exportType)),
		attribute.String("format", strings.TrimSpace(format)),
		attribute.String("status", strings.TrimSpace(status)),
	)
	m.exports.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordOrderEvent counts consumed order events.
func (m *Metrics) RecordOrderEvent(ctx context.Context, eventType, result string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("event_type", strings.TrimSpace(eventType)),
		attribute.String("result", strings.TrimSpace(result)),
	)
	m.orderEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"register_id":      {},
	"transaction_type": {},
	"closure_type":     {},
	"export_type":      {},
	"format":           {},
	"status":           {},
	"status_code":      {},
	"route":            {},
	"method":           {},
	"event_type":       {},
	"result":           {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
