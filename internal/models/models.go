package models

import (
	"strings"
	"time"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentSuccess   PaymentStatus = "SUCCESS"
	PaymentFailed    PaymentStatus = "FAILED"
	PaymentChallenge PaymentStatus = "CHALLENGE"
)

type DeliveryStatus string

const (
	DeliveryReady     DeliveryStatus = "READY"
	DeliveryOnTheRoad DeliveryStatus = "ON_THE_ROAD"
	DeliverySent      DeliveryStatus = "SENT"

	// deliveryOnDelivery is the older spelling of DeliveryOnTheRoad.
	deliveryOnDelivery DeliveryStatus = "ON_DELIVERY"
)

type Role string

const (
	RoleOwner    Role = "OWNER"
	RoleAdmin    Role = "ADMIN"
	RoleCourier  Role = "COURIER"
	RoleCustomer Role = "CUSTOMER"
)

type OrderItem struct {
	ProductID   string `json:"product_id"`
	ProductName string `json:"product_name,omitempty"`
	Quantity    int    `json:"quantity"`
	UnitPrice   int64  `json:"unit_price"`
}

// OrderRef is the slice of an order embedded in a delivery record.
type OrderRef struct {
	ID            string `json:"id"`
	TotalAmount   int64  `json:"total_amount"`
	CustomerName  string `json:"customer_name,omitempty"`
	CustomerPhone string `json:"customer_phone,omitempty"`
	Address       string `json:"address,omitempty"`
}

type Delivery struct {
	ID          string         `json:"id"`
	OrderID     string         `json:"order_id"`
	CourierID   string         `json:"courier_id,omitempty"`
	CourierName string         `json:"courier_name"`
	Status      DeliveryStatus `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	Order       *OrderRef      `json:"order,omitempty"`
}

// Order is a read-only snapshot of a backend order. Delivery is nil when no
// courier has been assigned yet.
type Order struct {
	ID              string        `json:"id"`
	UserID          string        `json:"user_id"`
	CustomerName    string        `json:"customer_name,omitempty"`
	CustomerPhone   string        `json:"customer_phone,omitempty"`
	PaymentStatus   PaymentStatus `json:"payment_status"`
	TotalAmount     int64         `json:"total_amount"`
	Items           []OrderItem   `json:"items"`
	Delivery        *Delivery     `json:"delivery,omitempty"`
	SnapRedirectURL string        `json:"snap_redirect_url,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}

type User struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Address string `json:"address,omitempty"`
	Role    Role   `json:"role"`
}

func NormalizePaymentStatus(s string) PaymentStatus {
	return PaymentStatus(strings.ToUpper(strings.TrimSpace(s)))
}

// NormalizeDeliveryStatus uppercases s and folds ON_DELIVERY into
// ON_THE_ROAD. Unknown values are returned uppercased, not rejected.
func NormalizeDeliveryStatus(s string) DeliveryStatus {
	st := DeliveryStatus(strings.ToUpper(strings.TrimSpace(s)))
	if st == deliveryOnDelivery {
		return DeliveryOnTheRoad
	}
	return st
}

// ParseRole maps backend role names onto Role. An empty role is a customer,
// which is what the backend omits on fresh registrations.
func ParseRole(s string) Role {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "OWNER":
		return RoleOwner
	case "ADMIN":
		return RoleAdmin
	case "COURIER", "COURIR", "DRIVER":
		return RoleCourier
	default:
		return RoleCustomer
	}
}

func (o *Order) HasDelivery() bool {
	return o.Delivery != nil
}

func (o *Order) DeliveryStatus() DeliveryStatus {
	if o.Delivery == nil {
		return ""
	}
	return o.Delivery.Status
}
