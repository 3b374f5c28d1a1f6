package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/caisse/internal/clock"
	ledgerdomain "github.com/smallbiznis/caisse/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/caisse/internal/observability/metrics"
	orderdomain "github.com/smallbiznis/caisse/internal/order/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	batchSize   = 50
	maxAttempts = 5
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       orderdomain.Repository
	Ledger     ledgerdomain.Service
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// Consumer appends ledger entries for order events recorded in the outbox.
type Consumer struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       orderdomain.Repository
	ledger     ledgerdomain.Service
	obsMetrics *obsmetrics.Metrics
}

func NewConsumer(p Params) *Consumer {
	return &Consumer{
		db:         p.DB,
		log:        p.Log.Named("order.consumer"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		ledger:     p.Ledger,
		obsMetrics: p.ObsMetrics,
	}
}

func AsDomain(c *Consumer) orderdomain.Consumer { return c }

// Ingest records a pushed event and processes it right away. Replaying an
// event id returns the stored event without touching the ledger.
func (c *Consumer) Ingest(ctx context.Context, req orderdomain.IngestRequest) (orderdomain.IngestResult, error) {
	eventID := strings.TrimSpace(req.EventID)
	if eventID == "" {
		return orderdomain.IngestResult{}, orderdomain.ErrInvalidEventID
	}
	if !req.EventType.Valid() {
		return orderdomain.IngestResult{}, orderdomain.ErrInvalidEventType
	}
	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		return orderdomain.IngestResult{}, orderdomain.ErrInvalidOrderID
	}

	event := orderdomain.OrderEvent{
		ID:         c.genID.Generate(),
		EventID:    eventID,
		EventType:  req.EventType,
		OrderID:    orderID,
		RegisterID: c.ledger.RegisterID(),
		Status:     orderdomain.EventStatusPending,
		CreatedAt:  c.clock.Now().UTC(),
	}
	inserted, err := c.repo.InsertEvent(ctx, c.db, &event)
	if err != nil {
		return orderdomain.IngestResult{}, err
	}
	if !inserted {
		existing, err := c.repo.GetEventByEventID(ctx, c.db, eventID)
		if err != nil {
			return orderdomain.IngestResult{}, err
		}
		if existing == nil {
			return orderdomain.IngestResult{}, errors.New("order event vanished after conflict")
		}
		c.obsMetrics.RecordOrderEvent(ctx, string(req.EventType), "duplicate")
		return orderdomain.IngestResult{Event: *existing, Duplicate: true}, nil
	}

	processed, err := c.process(ctx, event)
	if err != nil {
		return orderdomain.IngestResult{Event: processed}, err
	}
	return orderdomain.IngestResult{Event: processed}, nil
}

// ProcessPending handles one batch of pending outbox rows and returns how many
// were settled.
func (c *Consumer) ProcessPending(ctx context.Context) (int, error) {
	events, err := c.repo.ListPendingEvents(ctx, c.db, c.ledger.RegisterID(), batchSize)
	if err != nil {
		return 0, err
	}

	var errs []error
	settled := 0
	for _, event := range events {
		if ctx.Err() != nil {
			break
		}
		if _, err := c.process(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("event %s: %w", event.EventID, err))
			continue
		}
		settled++
	}
	return settled, errors.Join(errs...)
}

func (c *Consumer) process(ctx context.Context, event orderdomain.OrderEvent) (orderdomain.OrderEvent, error) {
	var appended *ledgerdomain.JournalEntry
	settled := event
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := c.repo.GetByID(ctx, tx, settled.OrderID)
		if err != nil {
			return err
		}
		if order == nil {
			return orderdomain.ErrOrderNotFound
		}

		req, ok, err := appendRequestFor(settled, *order)
		if err != nil {
			return err
		}
		if !ok {
			settled.Status = orderdomain.EventStatusSkipped
			return c.markDone(ctx, tx, &settled, nil)
		}

		entry, err := c.ledger.AppendTx(ctx, tx, req)
		if err != nil {
			return err
		}
		appended = &entry
		settled.Status = orderdomain.EventStatusProcessed
		return c.markDone(ctx, tx, &settled, &entry.SequenceNumber)
	})
	if err != nil {
		c.recordFailure(ctx, &event, err)
		return event, err
	}

	event = settled
	result := "skipped"
	if appended != nil {
		result = "appended"
		c.log.Info("order.event.appended",
			zap.String("event_id", event.EventID),
			zap.String("order_id", event.OrderID),
			zap.Int64("sequence_number", appended.SequenceNumber),
		)
	} else {
		c.log.Info("order.event.skipped",
			zap.String("event_id", event.EventID),
			zap.String("order_id", event.OrderID),
		)
	}
	c.obsMetrics.RecordOrderEvent(ctx, string(event.EventType), result)
	return event, nil
}

func (c *Consumer) markDone(ctx context.Context, tx *gorm.DB, event *orderdomain.OrderEvent, sequence *int64) error {
	now := c.clock.Now().UTC()
	event.Attempts++
	event.LastError = nil
	event.LedgerSequence = sequence
	event.ProcessedAt = &now
	return c.repo.MarkEvent(ctx, tx, *event)
}

func (c *Consumer) recordFailure(ctx context.Context, event *orderdomain.OrderEvent, cause error) {
	event.Attempts++
	msg := cause.Error()
	event.LastError = &msg
	if event.Attempts >= maxAttempts || errors.Is(cause, orderdomain.ErrOrderNotFinal) {
		event.Status = orderdomain.EventStatusFailed
	}

	c.log.Warn("order.event.failed",
		zap.String("event_id", event.EventID),
		zap.String("order_id", event.OrderID),
		zap.Int("attempts", event.Attempts),
		zap.Error(cause),
	)
	c.obsMetrics.RecordOrderEvent(ctx, string(event.EventType), "failed")

	if err := c.repo.MarkEvent(context.WithoutCancel(ctx), c.db, *event); err != nil {
		c.log.Error("order.event.mark_failed", zap.String("event_id", event.EventID), zap.Error(err))
	}
}

// appendRequestFor maps an order event to its ledger entry. Orders without
// line items (till adjustments) carry no sale and are skipped.
func appendRequestFor(event orderdomain.OrderEvent, order orderdomain.Order) (ledgerdomain.AppendRequest, bool, error) {
	switch event.EventType {
	case orderdomain.EventOrderFinalized:
		if order.Status != orderdomain.OrderStatusCompleted {
			return ledgerdomain.AppendRequest{}, false, orderdomain.ErrOrderNotFinal
		}
		if len(order.Items) == 0 {
			return ledgerdomain.AppendRequest{}, false, nil
		}
		return ledgerdomain.AppendRequest{
			Type:          ledgerdomain.TransactionTypeSale,
			OrderID:       order.ID,
			Amount:        order.TotalAmount,
			VATAmount:     order.TaxAmount,
			PaymentMethod: paymentMethod(order),
			Payload: ledgerdomain.SalePayload{
				OrderNumber: order.OrderNumber,
				Lines:       payloadLines(order.Items),
				IsSplit:     order.IsSplit,
				Tips:        order.Tips,
				ChangeGiven: order.ChangeGiven,
			},
			UserID: order.CashierID,
		}, true, nil
	case orderdomain.EventOrderCancelled, orderdomain.EventReturnRequested:
		if len(order.Items) == 0 && order.TotalAmount.IsZero() {
			return ledgerdomain.AppendRequest{}, false, nil
		}
		reason := "cancelled"
		if event.EventType == orderdomain.EventReturnRequested {
			reason = "return_requested"
		}
		return ledgerdomain.AppendRequest{
			Type:          ledgerdomain.TransactionTypeRefund,
			OrderID:       order.ID,
			Amount:        order.TotalAmount.Neg(),
			VATAmount:     order.TaxAmount.Neg(),
			PaymentMethod: paymentMethod(order),
			Payload: ledgerdomain.RefundPayload{
				OriginalOrderID: order.ID,
				Reason:          reason,
			},
			UserID: order.CashierID,
		}, true, nil
	default:
		return ledgerdomain.AppendRequest{}, false, orderdomain.ErrInvalidEventType
	}
}

func paymentMethod(order orderdomain.Order) string {
	if order.IsSplit {
		return orderdomain.PaymentMethodSplit
	}
	method := strings.TrimSpace(order.PaymentMethod)
	if method == "" {
		return "unknown"
	}
	return method
}

func payloadLines(items []orderdomain.OrderItem) []ledgerdomain.PayloadLine {
	lines := make([]ledgerdomain.PayloadLine, 0, len(items))
	for _, item := range items {
		lines = append(lines, ledgerdomain.PayloadLine{
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			TaxRate:   item.TaxRate,
			Total:     item.TotalPrice,
			Tax:       item.TaxAmount,
		})
	}
	return lines
}
