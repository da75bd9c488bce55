// Package events defines the messages published when an order's displayed
// status changes.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/salambundo/gasorder/internal/models"
	"github.com/salambundo/gasorder/internal/status"
)

type StatusChanged struct {
	EventID        string                `json:"event_id"`
	OrderID        string                `json:"order_id"`
	Old            status.Display        `json:"old"`
	New            status.Display        `json:"new"`
	PaymentStatus  models.PaymentStatus  `json:"payment_status"`
	DeliveryStatus models.DeliveryStatus `json:"delivery_status,omitempty"`
	OccurredAt     time.Time             `json:"occurred_at"`
}

func Decode(raw []byte) (StatusChanged, error) {
	var ev StatusChanged
	if err := json.Unmarshal(raw, &ev); err != nil {
		return StatusChanged{}, fmt.Errorf("decode status event: %w", err)
	}
	if ev.OrderID == "" {
		return StatusChanged{}, fmt.Errorf("decode status event: missing order_id")
	}
	return ev, nil
}
