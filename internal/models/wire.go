package models

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// WireOrder is an order as the REST backend sends it. Field names drifted
// over time, so decoding is lenient and ToOrder is the only place that knows
// about the alternatives.
type WireOrder struct {
	OrderID         string          `json:"order_id"`
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	Status          string          `json:"status"`
	TotalAmount     flexInt         `json:"total_amount"`
	Items           []WireOrderItem `json:"order_items"`
	User            *WireUser       `json:"user"`
	Delivery        wireDeliveries  `json:"delivery"`
	SnapRedirectURL string          `json:"snap_redirect_url"`
	CreatedAt       flexTime        `json:"created_at"`
}

type WireOrderItem struct {
	ProductID string  `json:"product_id"`
	Quantity  flexInt `json:"quantity"`
	Price     flexInt `json:"price"`
	Product   *struct {
		Name string `json:"name"`
	} `json:"product"`
}

type WireDelivery struct {
	DeliveryID      string     `json:"delivery_id"`
	ID              string     `json:"id"`
	OrderID         string     `json:"order_id"`
	CourierID       string     `json:"courier_id"`
	CourirName      string     `json:"courir_name"`
	CourierName     string     `json:"courier_name"`
	DeliveryStatus  string     `json:"delivery_status"`
	DeliveryStatusC string     `json:"deliveryStatus"`
	CreatedAt       flexTime   `json:"created_at"`
	Order           *WireOrder `json:"order"`
}

type WireUser struct {
	UserID  string `json:"user_id"`
	ID      string `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Phone   string `json:"phone"`
	Address string `json:"addres"`
	Addr    string `json:"address"`
	Role    string `json:"role"`
}

// UnmarshalJSON does not fail on a malformed order. An order whose fields do
// not decode keeps only the ids that could be read, so it resolves to Unknown
// and does not take the rest of a list down with it.
func (w *WireOrder) UnmarshalJSON(data []byte) error {
	type plain WireOrder
	var p plain
	if err := json.Unmarshal(data, &p); err == nil {
		*w = WireOrder(p)
		return nil
	}
	var ids struct {
		OrderID flexString `json:"order_id"`
		ID      flexString `json:"id"`
	}
	_ = json.Unmarshal(data, &ids)
	*w = WireOrder{OrderID: string(ids.OrderID), ID: string(ids.ID)}
	return nil
}

func (w WireOrder) ToOrder() Order {
	o := Order{
		ID:              firstNonEmpty(w.OrderID, w.ID),
		UserID:          w.UserID,
		PaymentStatus:   NormalizePaymentStatus(w.Status),
		TotalAmount:     int64(w.TotalAmount),
		SnapRedirectURL: w.SnapRedirectURL,
		CreatedAt:       time.Time(w.CreatedAt),
	}
	if w.User != nil {
		o.CustomerName = w.User.Name
		o.CustomerPhone = w.User.Phone
		if o.UserID == "" {
			o.UserID = firstNonEmpty(w.User.UserID, w.User.ID)
		}
	}
	for _, it := range w.Items {
		item := OrderItem{
			ProductID: it.ProductID,
			Quantity:  int(it.Quantity),
			UnitPrice: int64(it.Price),
		}
		if it.Product != nil {
			item.ProductName = it.Product.Name
		}
		o.Items = append(o.Items, item)
	}
	// Only the first delivery is authoritative.
	if len(w.Delivery) > 0 {
		d := w.Delivery[0].ToDelivery()
		if d.OrderID == "" {
			d.OrderID = o.ID
		}
		o.Delivery = &d
	}
	return o
}

func (w WireDelivery) ToDelivery() Delivery {
	d := Delivery{
		ID:          firstNonEmpty(w.DeliveryID, w.ID),
		OrderID:     w.OrderID,
		CourierID:   w.CourierID,
		CourierName: firstNonEmpty(w.CourirName, w.CourierName),
		Status:      NormalizeDeliveryStatus(firstNonEmpty(w.DeliveryStatus, w.DeliveryStatusC)),
		CreatedAt:   time.Time(w.CreatedAt),
	}
	if w.Order != nil {
		ref := &OrderRef{
			ID:          firstNonEmpty(w.Order.OrderID, w.Order.ID),
			TotalAmount: int64(w.Order.TotalAmount),
		}
		if w.Order.User != nil {
			ref.CustomerName = w.Order.User.Name
			ref.CustomerPhone = w.Order.User.Phone
			ref.Address = firstNonEmpty(w.Order.User.Address, w.Order.User.Addr)
		}
		if d.OrderID == "" {
			d.OrderID = ref.ID
		}
		d.Order = ref
	}
	return d
}

func (w WireUser) ToUser() User {
	return User{
		ID:      firstNonEmpty(w.UserID, w.ID),
		Name:    w.Name,
		Email:   w.Email,
		Phone:   w.Phone,
		Address: firstNonEmpty(w.Address, w.Addr),
		Role:    ParseRole(w.Role),
	}
}

// wireDeliveries accepts a list, a single object, null or an absent key.
// Anything else decodes as no delivery.
type wireDeliveries []WireDelivery

func (d *wireDeliveries) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*d = nil
		return nil
	}
	if data[0] == '{' {
		var one WireDelivery
		if err := json.Unmarshal(data, &one); err != nil {
			*d = nil
			return nil
		}
		*d = wireDeliveries{one}
		return nil
	}
	var many []WireDelivery
	if err := json.Unmarshal(data, &many); err != nil {
		// A malformed delivery must not hide the order itself.
		*d = nil
		return nil
	}
	*d = many
	return nil
}

// flexInt reads a JSON number or a numeric string. Fractions are truncated;
// Rupiah amounts have no subunits.
type flexInt int64

func (n *flexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(data)), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		*n = flexInt(v)
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		*n = 0
		return nil
	}
	*n = flexInt(int64(f))
	return nil
}

// flexString reads a JSON string or number.
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = flexString(str)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*s = flexString(n.String())
		return nil
	}
	*s = ""
	return nil
}

// timeLayouts are tried in order. Layouts without a zone are read as UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// flexTime leaves the zero time on anything none of timeLayouts accepts.
type flexTime time.Time

func (t *flexTime) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(data)), `"`)
	*t = flexTime{}
	if s == "" || s == "null" {
		return nil
	}
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			*t = flexTime(parsed)
			return nil
		}
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
