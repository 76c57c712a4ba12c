// README: Recorder bills delivered orders: ledger first, webhook only for a fresh ledger entry.
package billing

import (
	"context"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"ifarma/internal/modules/order"
	"ifarma/internal/types"
)

const timeLayout = time.RFC3339

// Entry is the billable record of one delivered order.
type Entry struct {
	OrderID       types.ID
	CustomerID    types.ID
	PharmacyID    types.ID
	CourierID     types.ID
	PaymentMethod string
	Subtotal      decimal.Decimal
	DeliveryFee   decimal.Decimal
	Total         decimal.Decimal
	DeliveredAt   time.Time
}

type Ledger interface {
	Record(ctx context.Context, e Entry) (bool, error)
}

type Webhook interface {
	Notify(ctx context.Context, e Entry) error
}

// Recorder listens for deliveries. The ledger write is conditional, so a
// delivery seen twice is billed once and the webhook fires once.
type Recorder struct {
	ledger  Ledger
	webhook Webhook
	logger  *log.Logger
}

// NewRecorder accepts a nil webhook when no edge function is configured.
func NewRecorder(ledger Ledger, webhook Webhook, logger *log.Logger) *Recorder {
	if logger == nil {
		logger = log.Default()
	}
	return &Recorder{ledger: ledger, webhook: webhook, logger: logger}
}

func (r *Recorder) OnOrderChange(ctx context.Context, ch order.Change) {
	if ch.Kind != order.ChangeStatus || ch.After == nil || ch.After.Status != order.StatusDelivered {
		return
	}
	e := entryFor(ch)
	fresh, err := r.ledger.Record(ctx, e)
	if err != nil {
		r.logger.Printf("billing: record order %s: %v", e.OrderID, err)
		return
	}
	if !fresh {
		r.logger.Printf("billing: order %s already recorded", e.OrderID)
		return
	}
	if r.webhook == nil {
		return
	}
	if err := r.webhook.Notify(ctx, e); err != nil {
		r.logger.Printf("billing: webhook for order %s: %v", e.OrderID, err)
	}
}

func entryFor(ch order.Change) Entry {
	o := ch.After
	e := Entry{
		OrderID:       o.ID,
		CustomerID:    o.CustomerID,
		PharmacyID:    o.PharmacyID,
		PaymentMethod: string(o.PaymentMethod),
		Subtotal:      o.Subtotal,
		DeliveryFee:   o.DeliveryFee,
		Total:         o.TotalPrice,
		DeliveredAt:   ch.At,
	}
	if o.DeliveredAt != nil {
		e.DeliveredAt = *o.DeliveredAt
	}
	// The delivered row has already released its courier.
	switch {
	case o.CourierID != nil:
		e.CourierID = *o.CourierID
	case ch.Before != nil && ch.Before.CourierID != nil:
		e.CourierID = *ch.Before.CourierID
	}
	return e
}
