// README: HTTP webhook that tells the billing edge function an order was delivered.
package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTPWebhook notifies the billing edge function that an order was delivered.
type HTTPWebhook struct {
	client *resty.Client
	url    string
}

func NewHTTPWebhook(url string) *HTTPWebhook {
	client := resty.New().
		SetTimeout(5 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetHeader("Content-Type", "application/json")
	return &HTTPWebhook{client: client, url: url}
}

type webhookPayload struct {
	Event         string `json:"event"`
	OrderID       string `json:"order_id"`
	PharmacyID    string `json:"pharmacy_id"`
	CourierID     string `json:"courier_id,omitempty"`
	PaymentMethod string `json:"payment_method"`
	Subtotal      string `json:"subtotal"`
	DeliveryFee   string `json:"delivery_fee"`
	Total         string `json:"total"`
	DeliveredAt   string `json:"delivered_at"`
}

func (w *HTTPWebhook) Notify(ctx context.Context, e Entry) error {
	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(webhookPayload{
			Event:         "order.delivered",
			OrderID:       string(e.OrderID),
			PharmacyID:    string(e.PharmacyID),
			CourierID:     string(e.CourierID),
			PaymentMethod: e.PaymentMethod,
			Subtotal:      e.Subtotal.StringFixed(2),
			DeliveryFee:   e.DeliveryFee.StringFixed(2),
			Total:         e.Total.StringFixed(2),
			DeliveredAt:   e.DeliveredAt.UTC().Format(timeLayout),
		}).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("billing webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("billing webhook: status %d", resp.StatusCode())
	}
	return nil
}
