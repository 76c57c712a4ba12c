// README: Notification messages and the per-mutation routing table (who hears about what).
package notify

import (
	"fmt"
	"time"

	"ifarma/internal/modules/order"
	"ifarma/internal/types"
)

type Audience string

const (
	AudienceCustomer Audience = "customer"
	AudiencePharmacy Audience = "pharmacy"
	AudienceCourier  Audience = "courier"
	AudienceAdmin    Audience = "admin"
)

const (
	KindNewOrder        = "new_order"
	KindStatus          = "order_status"
	KindActivity        = "activity"
	KindAssigned        = "assignment"
	KindUnassigned      = "assignment_cleared"
	KindProximity       = "proximity"
	KindMetricsRefresh  = "metrics_refresh"
	KindRushMode        = "rush_mode"
	KindOrderUpdated    = "order_updated"
	KindCourierPosition = "courier_position"
)

// Message is one delivery to one audience. Consumers key idempotent updates
// on DedupeKey.
type Message struct {
	Audience    Audience          `json:"audience"`
	RecipientID types.ID          `json:"recipient_id,omitempty"`
	Kind        string            `json:"kind"`
	OrderID     types.ID          `json:"order_id,omitempty"`
	Status      order.Status      `json:"status,omitempty"`
	Title       string            `json:"title,omitempty"`
	Body        string            `json:"body,omitempty"`
	Push        bool              `json:"-"`
	DedupeKey   string            `json:"dedupe_key"`
	Data        map[string]string `json:"data,omitempty"`
	At          time.Time         `json:"at"`
}

// Channel is the realtime topic the message is published on.
func (m Message) Channel() string {
	return ChannelFor(m.Audience, m.RecipientID)
}

func ChannelFor(a Audience, id types.ID) string {
	if a == AudienceAdmin || id == "" {
		return "orders:" + string(a)
	}
	return fmt.Sprintf("orders:%s:%s", a, id)
}

type statusCopy struct {
	title string
	body  string
}

var customerStatusCopy = map[order.Status]statusCopy{
	order.StatusPreparing:      {"🔔 Pedido em Preparo", "Sua farmácia está preparando seu pedido!"},
	order.StatusOutForDelivery: {"🚴 Pedido a Caminho", "Seu pedido saiu para entrega! Acompanhe em tempo real."},
	order.StatusDelivered:      {"✅ Pedido Entregue", "Seu pedido foi entregue. Obrigado pela preferência!"},
	order.StatusCancelled:      {"❌ Pedido Cancelado", "Seu pedido foi cancelado."},
}

func dedupeKey(orderID types.ID, suffix string) string {
	return string(orderID) + ":" + suffix
}

// Route decides the messages one order change produces. Debounced metrics
// and rush mode are handled by FanOut, not here.
func Route(ch order.Change) []Message {
	o := ch.After
	if o == nil {
		return nil
	}
	base := func(a Audience, recipient types.ID, kind string) Message {
		return Message{
			Audience:    a,
			RecipientID: recipient,
			Kind:        kind,
			OrderID:     o.ID,
			Status:      o.Status,
			DedupeKey:   dedupeKey(o.ID, string(o.Status)),
			Data:        map[string]string{"orderId": string(o.ID), "status": string(o.Status)},
			At:          ch.At,
		}
	}

	var out []Message
	switch ch.Kind {
	case order.ChangeCreated:
		m := base(AudiencePharmacy, o.PharmacyID, KindNewOrder)
		m.Title = "💰 Novo Pedido!"
		m.Body = fmt.Sprintf("Novo pedido de R$ %s recebido!", o.TotalPrice.StringFixed(2))
		m.Push = true
		m.Data["type"] = KindNewOrder
		out = append(out, m)

		a := base(AudienceAdmin, "", KindActivity)
		a.Title = "Novo Pedido"
		out = append(out, a)

	case order.ChangeStatus:
		if text, ok := customerStatusCopy[o.Status]; ok {
			m := base(AudienceCustomer, o.CustomerID, KindStatus)
			m.Title = text.title
			m.Body = text.body
			if o.Status == order.StatusCancelled && o.CancellationReason != nil {
				m.Body = fmt.Sprintf("Seu pedido foi cancelado: %s", *o.CancellationReason)
			}
			m.Push = true
			out = append(out, m)
		}
		out = append(out, base(AudiencePharmacy, o.PharmacyID, KindOrderUpdated))
		if ch.Before != nil && ch.Before.HasCourier() && !o.HasCourier() {
			m := base(AudienceCourier, *ch.Before.CourierID, KindUnassigned)
			m.DedupeKey = dedupeKey(o.ID, "released")
			out = append(out, m)
		} else if o.HasCourier() {
			out = append(out, base(AudienceCourier, *o.CourierID, KindOrderUpdated))
		}

	case order.ChangeAssigned:
		if o.HasCourier() {
			m := base(AudienceCourier, *o.CourierID, KindAssigned)
			m.Title = "🚀 Nova Corrida!"
			m.Body = "Você recebeu uma nova entrega."
			m.Push = true
			m.DedupeKey = dedupeKey(o.ID, "assigned:"+string(*o.CourierID))
			out = append(out, m)
		}
		out = append(out, base(AudiencePharmacy, o.PharmacyID, KindOrderUpdated))
		out = append(out, base(AudienceCustomer, o.CustomerID, KindOrderUpdated))
	}
	return out
}

func proximityMessage(o *order.Order, at time.Time) Message {
	return Message{
		Audience:    AudienceCustomer,
		RecipientID: o.CustomerID,
		Kind:        KindProximity,
		OrderID:     o.ID,
		Status:      o.Status,
		Title:       "🛵 Seu pedido está chegando!",
		Body:        "O entregador está a menos de 1km de distância. Prepare-se!",
		Push:        true,
		DedupeKey:   dedupeKey(o.ID, KindProximity),
		Data:        map[string]string{"orderId": string(o.ID), "type": KindProximity},
		At:          at,
	}
}
