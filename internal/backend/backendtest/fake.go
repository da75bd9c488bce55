// Package backendtest provides an in-memory stand-in for the storefront REST
// backend, speaking the same envelopes and field spellings.
package backendtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type User struct {
	ID       string
	Name     string
	Email    string
	Password string
	Role     string
	Token    string
}

type Order struct {
	ID        string
	UserID    string
	Status    string
	Total     int64
	Quantity  int
	CreatedAt time.Time
}

type Delivery struct {
	ID          string
	OrderID     string
	CourierName string
	Status      string
	// CamelCase renders the status under deliveryStatus instead of
	// delivery_status, like older backend builds did.
	CamelCase bool
	CreatedAt time.Time
}

type Fake struct {
	*httptest.Server

	mu         sync.Mutex
	users      map[string]*User
	orders     map[string]*Order
	deliveries map[string]*Delivery
	requests   []string
}

func New() *Fake {
	f := &Fake{
		users:      make(map[string]*User),
		orders:     make(map[string]*Order),
		deliveries: make(map[string]*Delivery),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, _ *http.Request) {
		writeEnvelope(w, http.StatusOK, true, "ok", nil)
	})
	mux.HandleFunc("POST /auth/login", f.login)
	mux.HandleFunc("POST /auth/register", f.register)
	mux.HandleFunc("GET /auth/courirs", f.auth(f.couriers))
	mux.HandleFunc("GET /orders", f.auth(f.listOrders))
	mux.HandleFunc("GET /orders/{id}", f.auth(f.getOrder))
	mux.HandleFunc("POST /orders", f.auth(f.createOrder))
	mux.HandleFunc("GET /deliveries", f.auth(f.listDeliveries))
	mux.HandleFunc("POST /deliveries", f.auth(f.createDelivery))
	mux.HandleFunc("PUT /deliveries/status/{id}", f.auth(f.updateDelivery))
	mux.HandleFunc("GET /payments/status/{id}", f.auth(f.paymentStatus))

	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.requests = append(f.requests, r.Method+" "+r.URL.Path)
		f.mu.Unlock()
		mux.ServeHTTP(w, r)
	}))
	return f
}

// AddUser registers u and returns its bearer token.
func (f *Fake) AddUser(u User) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Token == "" {
		u.Token = "tok-" + u.ID
	}
	f.users[u.Token] = &u
	return u.Token
}

func (f *Fake) AddOrder(o Order) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	f.orders[o.ID] = &o
}

func (f *Fake) AddDelivery(d Delivery) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	f.deliveries[d.ID] = &d
}

func (f *Fake) SetOrderStatus(orderID, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.orders[orderID]; ok {
		o.Status = status
	}
}

func (f *Fake) DeliveryStatus(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.deliveries[id]; ok {
		return d.Status
	}
	return ""
}

// Requests returns "METHOD /path" for every request served so far.
func (f *Fake) Requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

type authedHandler func(w http.ResponseWriter, r *http.Request, u *User)

func (f *Fake) auth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		f.mu.Lock()
		u, ok := f.users[token]
		f.mu.Unlock()
		if !ok {
			writeEnvelope(w, http.StatusUnauthorized, false, "unauthorized", nil)
			return
		}
		next(w, r, u)
	}
}

func (f *Fake) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeEnvelope(w, http.StatusBadRequest, false, "bad json", nil)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Email == req.Email && u.Password == req.Password {
			writeEnvelope(w, http.StatusOK, true, "ok", map[string]any{
				"accessToken": u.Token,
				"userData":    userJSON(u),
			})
			return
		}
	}
	writeEnvelope(w, http.StatusOK, false, "invalid email or password", nil)
}

func (f *Fake) register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		writeEnvelope(w, http.StatusBadRequest, false, "email is required", nil)
		return
	}
	u := &User{ID: uuid.NewString(), Name: req.Name, Email: req.Email, Password: req.Password}
	u.Token = "tok-" + u.ID
	f.mu.Lock()
	f.users[u.Token] = u
	f.mu.Unlock()

	writeEnvelope(w, http.StatusCreated, true, "registered", map[string]any{
		"accessToken":  u.Token,
		"refreshToken": "refresh-" + u.ID,
		"user_id":      u.ID,
		"name":         u.Name,
		"email":        u.Email,
	})
}

func (f *Fake) couriers(w http.ResponseWriter, _ *http.Request, _ *User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var list []map[string]any
	for _, u := range f.users {
		if strings.EqualFold(u.Role, "COURIR") {
			list = append(list, userJSON(u))
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i]["name"].(string) < list[j]["name"].(string) })
	writeEnvelope(w, http.StatusOK, true, "ok", map[string]any{"data": list})
}

func (f *Fake) listOrders(w http.ResponseWriter, _ *http.Request, u *User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var list []map[string]any
	for _, o := range f.sortedOrders() {
		if strings.EqualFold(u.Role, "CUSTOMER") || u.Role == "" {
			if o.UserID != u.ID {
				continue
			}
		}
		list = append(list, f.orderJSON(o))
	}
	writeEnvelope(w, http.StatusOK, true, "ok", map[string]any{"data": list})
}

func (f *Fake) getOrder(w http.ResponseWriter, r *http.Request, _ *User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[r.PathValue("id")]
	if !ok {
		writeEnvelope(w, http.StatusNotFound, false, "order not found", nil)
		return
	}
	writeEnvelope(w, http.StatusOK, true, "ok", f.orderJSON(o))
}

func (f *Fake) createOrder(w http.ResponseWriter, r *http.Request, u *User) {
	var req struct {
		Items []struct {
			ProductID string `json:"product_id"`
			Quantity  int    `json:"quantity"`
		} `json:"items"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Items) == 0 {
		writeEnvelope(w, http.StatusBadRequest, false, "items are required", nil)
		return
	}
	o := &Order{
		ID:        uuid.NewString(),
		UserID:    u.ID,
		Status:    "PENDING",
		Quantity:  req.Items[0].Quantity,
		Total:     int64(req.Items[0].Quantity) * 20000,
		CreatedAt: time.Now().UTC(),
	}
	f.mu.Lock()
	f.orders[o.ID] = o
	body := f.orderJSON(o)
	f.mu.Unlock()

	body["midtrans"] = map[string]any{
		"token":        "snap-" + o.ID,
		"redirect_url": "https://pay.example/" + o.ID,
	}
	writeEnvelope(w, http.StatusCreated, true, "created", body)
}

func (f *Fake) listDeliveries(w http.ResponseWriter, r *http.Request, _ *User) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 10
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.sortedDeliveries()
	start := (page - 1) * limit
	if start > len(all) {
		start = len(all)
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	list := make([]map[string]any, 0, end-start)
	for _, d := range all[start:end] {
		list = append(list, f.deliveryJSON(d, true))
	}
	writeEnvelope(w, http.StatusOK, true, "ok", map[string]any{
		"data": list,
		"meta": map[string]any{
			"total":       len(all),
			"page":        page,
			"limit":       limit,
			"hasNextPage": end < len(all),
			"hasPrevPage": page > 1,
		},
	})
}

func (f *Fake) createDelivery(w http.ResponseWriter, r *http.Request, _ *User) {
	var req struct {
		OrderID    string `json:"order_id"`
		CourirName string `json:"courir_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OrderID == "" {
		writeEnvelope(w, http.StatusBadRequest, false, "order_id is required", nil)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.orders[req.OrderID]; !ok {
		writeEnvelope(w, http.StatusNotFound, false, "order not found", nil)
		return
	}
	d := &Delivery{
		ID:          uuid.NewString(),
		OrderID:     req.OrderID,
		CourierName: req.CourirName,
		Status:      "READY",
		CreatedAt:   time.Now().UTC(),
	}
	f.deliveries[d.ID] = d
	writeEnvelope(w, http.StatusCreated, true, "created", f.deliveryJSON(d, false))
}

func (f *Fake) updateDelivery(w http.ResponseWriter, r *http.Request, _ *User) {
	var req struct {
		DeliveryStatus string `json:"delivery_status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeEnvelope(w, http.StatusBadRequest, false, "bad json", nil)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.deliveries[r.PathValue("id")]
	if !ok {
		writeEnvelope(w, http.StatusNotFound, false, "delivery not found", nil)
		return
	}
	d.Status = req.DeliveryStatus
	writeEnvelope(w, http.StatusOK, true, "updated", f.deliveryJSON(d, false))
}

func (f *Fake) paymentStatus(w http.ResponseWriter, r *http.Request, _ *User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[r.PathValue("id")]
	if !ok {
		writeEnvelope(w, http.StatusNotFound, false, "order not found", nil)
		return
	}
	writeEnvelope(w, http.StatusOK, true, "ok", map[string]any{"transaction_status": strings.ToLower(o.Status)})
}

func (f *Fake) sortedOrders() []*Order {
	list := make([]*Order, 0, len(f.orders))
	for _, o := range f.orders {
		list = append(list, o)
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.After(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
	return list
}

func (f *Fake) sortedDeliveries() []*Delivery {
	list := make([]*Delivery, 0, len(f.deliveries))
	for _, d := range f.deliveries {
		list = append(list, d)
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.After(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
	return list
}

func (f *Fake) orderJSON(o *Order) map[string]any {
	m := map[string]any{
		"order_id":     o.ID,
		"user_id":      o.UserID,
		"status":       o.Status,
		"total_amount": o.Total,
		"created_at":   o.CreatedAt.Format(time.RFC3339),
		"order_items": []map[string]any{{
			"product_id": "cmieed8ul0000llezcr4lm4qt",
			"quantity":   o.Quantity,
			"price":      20000,
			"product":    map[string]any{"name": "Gas 3Kg"},
		}},
	}
	for _, u := range f.users {
		if u.ID == o.UserID {
			m["user"] = map[string]any{"name": u.Name}
		}
	}
	var ds []map[string]any
	for _, d := range f.sortedDeliveries() {
		if d.OrderID == o.ID {
			ds = append(ds, f.deliveryJSON(d, false))
		}
	}
	m["delivery"] = ds
	return m
}

func (f *Fake) deliveryJSON(d *Delivery, withOrder bool) map[string]any {
	m := map[string]any{
		"delivery_id": d.ID,
		"order_id":    d.OrderID,
		"courir_name": d.CourierName,
		"created_at":  d.CreatedAt.Format(time.RFC3339),
	}
	if d.CamelCase {
		m["deliveryStatus"] = d.Status
	} else {
		m["delivery_status"] = d.Status
	}
	if withOrder {
		if o, ok := f.orders[d.OrderID]; ok {
			m["order"] = map[string]any{"order_id": o.ID, "total_amount": o.Total}
		}
	}
	return m
}

func userJSON(u *User) map[string]any {
	return map[string]any{
		"user_id": u.ID,
		"name":    u.Name,
		"email":   u.Email,
		"role":    u.Role,
	}
}

func writeEnvelope(w http.ResponseWriter, code int, ok bool, msg string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  ok,
		"message": msg,
		"data":    data,
	})
}
