package internaltelemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// BridgeMetrics counts worker activity: transaction outcomes, sole-ownership
// conflicts, stored rows and cursor traffic. A nil *BridgeMetrics records
// nothing.
type BridgeMetrics struct {
	Transactions  metric.Int64Counter
	Conflicts     metric.Int64Counter
	RowsStored    metric.Int64Counter
	RowsDeleted   metric.Int64Counter
	CursorAdvance metric.Int64Counter
	ActiveCursors metric.Int64UpDownCounter
}

func NewBridgeMetrics(meter metric.Meter) (*BridgeMetrics, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("")
	}
	var (
		m   BridgeMetrics
		err error
	)
	if m.Transactions, err = meter.Int64Counter("txbridge.transactions",
		metric.WithDescription("Transaction lifecycle events by outcome."), metric.WithUnit("1")); err != nil {
		return nil, err
	}
	if m.Conflicts, err = meter.Int64Counter("txbridge.transaction_conflicts",
		metric.WithDescription("Commit or rollback refused because operations still held the transaction."), metric.WithUnit("1")); err != nil {
		return nil, err
	}
	if m.RowsStored, err = meter.Int64Counter("txbridge.rows_stored",
		metric.WithDescription("Rows written through store."), metric.WithUnit("1")); err != nil {
		return nil, err
	}
	if m.RowsDeleted, err = meter.Int64Counter("txbridge.rows_deleted",
		metric.WithDescription("Rows removed through delete."), metric.WithUnit("1")); err != nil {
		return nil, err
	}
	if m.CursorAdvance, err = meter.Int64Counter("txbridge.cursor_advances",
		metric.WithDescription("Cursor advances by outcome."), metric.WithUnit("1")); err != nil {
		return nil, err
	}
	if m.ActiveCursors, err = meter.Int64UpDownCounter("txbridge.active_cursors",
		metric.WithDescription("Open query streams."), metric.WithUnit("1")); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *BridgeMetrics) Transaction(ctx context.Context, event, outcome string) {
	if m == nil {
		return
	}
	m.Transactions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", event),
		attribute.String("outcome", outcome),
	))
}

func (m *BridgeMetrics) Conflict(ctx context.Context, event string) {
	if m == nil {
		return
	}
	m.Conflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}

func (m *BridgeMetrics) Stored(ctx context.Context, typeName string) {
	if m == nil {
		return
	}
	m.RowsStored.Add(ctx, 1, metric.WithAttributes(attribute.String("type", typeName)))
}

func (m *BridgeMetrics) Deleted(ctx context.Context, typeName string, n int) {
	if m == nil {
		return
	}
	m.RowsDeleted.Add(ctx, int64(n), metric.WithAttributes(attribute.String("type", typeName)))
}

func (m *BridgeMetrics) Advanced(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.CursorAdvance.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *BridgeMetrics) CursorOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveCursors.Add(ctx, 1)
}

func (m *BridgeMetrics) CursorClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveCursors.Add(ctx, -1)
}
