package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("register_id", "main"),
		attribute.String("order_id", "456"),
		attribute.String("transaction_type", "SALE"),
	)
	require.Len(t, attrs, 2)
	assert.Equal(t, attribute.Key("register_id"), attrs[0].Key)
	assert.Equal(t, attribute.Key("transaction_type"), attrs[1].Key)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordLedgerAppend(context.Background(), "SALE", "ok", time.Millisecond)
		m.RecordVerification(context.Background(), false)
		m.RecordClosure(context.Background(), "DAILY", "created")
		m.RecordExport(context.Background(), "FULL", "json", "COMPLETED")
		m.RecordOrderEvent(context.Background(), "SALE", "appended")
	})
}

func TestNewWithNoopProvider(t *testing.T) {
	m, err := New(Config{ServiceName: "caisse-test"}, noop.NewMeterProvider())
	require.NoError(t, err)
	assert.NotPanics(t, func() {
		m.RecordLedgerAppend(context.Background(), "SALE", "ok", time.Millisecond)
	})
}
