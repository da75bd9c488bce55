package backend

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/salambundo/gasorder/internal/models"
)

type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type Registration struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Phone    string `json:"phone,omitempty"`
	Address  string `json:"address,omitempty"`
}

type Session struct {
	Token        string      `json:"token"`
	RefreshToken string      `json:"refresh_token,omitempty"`
	User         models.User `json:"user"`
}

type ItemRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type Checkout struct {
	Order        models.Order `json:"order"`
	PaymentToken string       `json:"payment_token"`
	RedirectURL  string       `json:"redirect_url,omitempty"`
}

type DeliveryPage struct {
	Deliveries []models.Delivery `json:"deliveries"`
	Meta       Meta              `json:"meta"`
}

func (c *Client) Login(ctx context.Context, creds Credentials) (Session, error) {
	var data struct {
		AccessToken  string          `json:"accessToken"`
		RefreshToken string          `json:"refreshToken"`
		UserData     models.WireUser `json:"userData"`
	}
	if err := c.call(ctx, http.MethodPost, "/auth/login", "", creds, &data); err != nil {
		return Session{}, fmt.Errorf("login: %w", err)
	}
	return Session{
		Token:        data.AccessToken,
		RefreshToken: data.RefreshToken,
		User:         data.UserData.ToUser(),
	}, nil
}

// Register returns the session of the new account. The backend sends the
// user fields next to the tokens and usually omits the role.
func (c *Client) Register(ctx context.Context, reg Registration) (Session, error) {
	var data struct {
		models.WireUser
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
	}
	if err := c.call(ctx, http.MethodPost, "/auth/register", "", reg, &data); err != nil {
		return Session{}, fmt.Errorf("register: %w", err)
	}
	return Session{
		Token:        data.AccessToken,
		RefreshToken: data.RefreshToken,
		User:         data.WireUser.ToUser(),
	}, nil
}

func (c *Client) Couriers(ctx context.Context, token string) ([]models.User, error) {
	raw, err := c.do(ctx, http.MethodGet, "/auth/courirs", token, nil)
	if err != nil {
		return nil, fmt.Errorf("couriers: %w", err)
	}
	wire, _, err := decodeList[models.WireUser](raw, c.skipBad("couriers"))
	if err != nil {
		return nil, fmt.Errorf("decode couriers: %w", err)
	}
	users := make([]models.User, 0, len(wire))
	for _, w := range wire {
		u := w.ToUser()
		u.Role = models.RoleCourier
		users = append(users, u)
	}
	return users, nil
}

func (c *Client) ListOrders(ctx context.Context, token string) ([]models.Order, error) {
	raw, err := c.do(ctx, http.MethodGet, "/orders", token, nil)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	wire, _, err := decodeList[models.WireOrder](raw, c.skipBad("orders"))
	if err != nil {
		return nil, fmt.Errorf("decode orders: %w", err)
	}
	orders := make([]models.Order, 0, len(wire))
	for _, w := range wire {
		orders = append(orders, w.ToOrder())
	}
	return orders, nil
}

func (c *Client) GetOrder(ctx context.Context, token, orderID string) (models.Order, error) {
	var w models.WireOrder
	if err := c.call(ctx, http.MethodGet, "/orders/"+url.PathEscape(orderID), token, nil, &w); err != nil {
		return models.Order{}, fmt.Errorf("get order %s: %w", orderID, err)
	}
	return w.ToOrder(), nil
}

func (c *Client) CreateOrder(ctx context.Context, token string, items []ItemRequest) (Checkout, error) {
	body := struct {
		Items []ItemRequest `json:"items"`
	}{Items: items}

	var data struct {
		models.WireOrder
		Midtrans struct {
			Token       string `json:"token"`
			RedirectURL string `json:"redirect_url"`
		} `json:"midtrans"`
	}
	if err := c.call(ctx, http.MethodPost, "/orders", token, body, &data); err != nil {
		return Checkout{}, fmt.Errorf("create order: %w", err)
	}

	order := data.WireOrder.ToOrder()
	if order.PaymentStatus == "" {
		order.PaymentStatus = models.PaymentPending
	}
	return Checkout{
		Order:        order,
		PaymentToken: data.Midtrans.Token,
		RedirectURL:  data.Midtrans.RedirectURL,
	}, nil
}

func (c *Client) ListDeliveries(ctx context.Context, token string, page, limit int) (DeliveryPage, error) {
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/deliveries"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	raw, err := c.do(ctx, http.MethodGet, path, token, nil)
	if err != nil {
		return DeliveryPage{}, fmt.Errorf("list deliveries: %w", err)
	}
	wire, meta, err := decodeList[models.WireDelivery](raw, c.skipBad("deliveries"))
	if err != nil {
		return DeliveryPage{}, fmt.Errorf("decode deliveries: %w", err)
	}
	res := DeliveryPage{Deliveries: make([]models.Delivery, 0, len(wire)), Meta: meta}
	for _, w := range wire {
		res.Deliveries = append(res.Deliveries, w.ToDelivery())
	}
	if res.Meta.Total == 0 {
		res.Meta.Total = len(res.Deliveries)
	}
	return res, nil
}

func (c *Client) CreateDelivery(ctx context.Context, token, orderID, courierName string) (models.Delivery, error) {
	body := map[string]string{
		"order_id":    orderID,
		"courir_name": courierName,
	}
	var w models.WireDelivery
	if err := c.call(ctx, http.MethodPost, "/deliveries", token, body, &w); err != nil {
		return models.Delivery{}, fmt.Errorf("create delivery: %w", err)
	}
	d := w.ToDelivery()
	if d.OrderID == "" {
		d.OrderID = orderID
	}
	if d.CourierName == "" {
		d.CourierName = courierName
	}
	if d.Status == "" {
		d.Status = models.DeliveryReady
	}
	return d, nil
}

func (c *Client) UpdateDeliveryStatus(ctx context.Context, token, deliveryID string, to models.DeliveryStatus) error {
	body := map[string]string{"delivery_status": string(to)}
	if err := c.call(ctx, http.MethodPut, "/deliveries/status/"+url.PathEscape(deliveryID), token, body, nil); err != nil {
		return fmt.Errorf("update delivery %s: %w", deliveryID, err)
	}
	return nil
}

func (c *Client) PaymentStatus(ctx context.Context, token, orderID string) (models.PaymentStatus, error) {
	var data struct {
		Status            string `json:"status"`
		TransactionStatus string `json:"transaction_status"`
	}
	if err := c.call(ctx, http.MethodGet, "/payments/status/"+url.PathEscape(orderID), token, nil, &data); err != nil {
		return "", fmt.Errorf("payment status %s: %w", orderID, err)
	}
	if data.Status != "" {
		return models.NormalizePaymentStatus(data.Status), nil
	}
	return models.NormalizePaymentStatus(data.TransactionStatus), nil
}
