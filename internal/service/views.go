package service

import (
	"github.com/salambundo/gasorder/internal/backend"
	"github.com/salambundo/gasorder/internal/dashboard"
	"github.com/salambundo/gasorder/internal/models"
	"github.com/salambundo/gasorder/internal/money"
	"github.com/salambundo/gasorder/internal/status"
)

// OrderView is an order with its display texts already decided.
type OrderView struct {
	Order     models.Order    `json:"order"`
	Status    status.Display  `json:"status"`
	Payment   status.Display  `json:"payment"`
	Delivery  *status.Display `json:"delivery,omitempty"`
	TotalText string          `json:"total_text"`
	Currency  string          `json:"currency"`
}

func newOrderView(o models.Order) OrderView {
	v := OrderView{
		Order:     o,
		Status:    status.Resolve(o),
		Payment:   status.PaymentBadge(o.PaymentStatus),
		TotalText: money.FormatIDR(o.TotalAmount),
		Currency:  money.Code(),
	}
	if o.Delivery != nil {
		d := status.DeliveryBadge(o.Delivery.Status)
		v.Delivery = &d
	}
	return v
}

func newOrderViews(orders []models.Order) []OrderView {
	out := make([]OrderView, 0, len(orders))
	for _, o := range orders {
		out = append(out, newOrderView(o))
	}
	return out
}

type DeliveryView struct {
	Delivery  models.Delivery `json:"delivery"`
	Badge     status.Display  `json:"badge"`
	Next      string          `json:"next,omitempty"`
	TotalText string          `json:"total_text,omitempty"`
}

func newDeliveryView(d models.Delivery) DeliveryView {
	v := DeliveryView{
		Delivery: d,
		Badge:    status.DeliveryBadge(d.Status),
	}
	if next, ok := status.Next(d.Status); ok {
		v.Next = string(next)
	}
	if d.Order != nil {
		v.TotalText = money.FormatIDR(d.Order.TotalAmount)
	}
	return v
}

func newDeliveryViews(list []models.Delivery) []DeliveryView {
	out := make([]DeliveryView, 0, len(list))
	for _, d := range list {
		out = append(out, newDeliveryView(d))
	}
	return out
}

type DeliveryPage struct {
	Deliveries []DeliveryView `json:"deliveries"`
	Meta       backend.Meta   `json:"meta"`
}

// Purchase is the result of Buy: what the client needs to open the payment
// popup.
type Purchase struct {
	OrderID      string         `json:"order_id"`
	PaymentToken string         `json:"payment_token"`
	RedirectURL  string         `json:"redirect_url,omitempty"`
	Quantity     int            `json:"quantity"`
	Total        int64          `json:"total"`
	TotalText    string         `json:"total_text"`
	Status       status.Display `json:"status"`
}

// Dashboard carries the block for the caller's role; the others stay nil.
type Dashboard struct {
	Role     models.Role             `json:"role"`
	Year     int                     `json:"year"`
	Years    []int                   `json:"years"`
	Admin    *dashboard.Admin        `json:"admin,omitempty"`
	Customer *dashboard.Customer     `json:"customer,omitempty"`
	Courier  *dashboard.Courier      `json:"courier,omitempty"`
	Monthly  []dashboard.MonthBucket `json:"monthly"`
}

type Resolved struct {
	OrderID string         `json:"order_id,omitempty"`
	Status  status.Display `json:"status"`
}
