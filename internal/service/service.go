package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/salambundo/gasorder/internal/audit"
	"github.com/salambundo/gasorder/internal/backend"
	"github.com/salambundo/gasorder/internal/cache"
	"github.com/salambundo/gasorder/internal/catalog"
	"github.com/salambundo/gasorder/internal/dashboard"
	"github.com/salambundo/gasorder/internal/events"
	"github.com/salambundo/gasorder/internal/models"
	"github.com/salambundo/gasorder/internal/money"
	"github.com/salambundo/gasorder/internal/status"
)

var (
	ErrForbidden         = errors.New("forbidden")
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidTransition = errors.New("invalid delivery status transition")
	ErrConflict          = errors.New("conflict")
)

// Backend is the subset of the REST backend the service needs.
type Backend interface {
	Login(ctx context.Context, creds backend.Credentials) (backend.Session, error)
	Register(ctx context.Context, reg backend.Registration) (backend.Session, error)
	Couriers(ctx context.Context, token string) ([]models.User, error)
	ListOrders(ctx context.Context, token string) ([]models.Order, error)
	GetOrder(ctx context.Context, token, orderID string) (models.Order, error)
	CreateOrder(ctx context.Context, token string, items []backend.ItemRequest) (backend.Checkout, error)
	ListDeliveries(ctx context.Context, token string, page, limit int) (backend.DeliveryPage, error)
	CreateDelivery(ctx context.Context, token, orderID, courierName string) (models.Delivery, error)
	UpdateDeliveryStatus(ctx context.Context, token, deliveryID string, to models.DeliveryStatus) error
	Ping(ctx context.Context) error
}

type Observer interface {
	Observe(ctx context.Context, orders []models.Order) ([]events.StatusChanged, error)
}

type Auditor interface {
	Log(record audit.AuditLog)
}

// Session is an authenticated caller.
type Session struct {
	Token string
	User  models.User
}

const (
	deliveryPageSize = 100
	maxDeliveryPages = 50
)

type Service struct {
	backend      Backend
	sessions     *cache.SessionCache
	orders       *cache.OrderListCache
	catalog      catalog.Catalog
	observer     Observer
	auditor      Auditor
	serviceToken string
	logger       *slog.Logger
	now          func() time.Time
}

type Option func(*Service)

func WithObserver(o Observer) Option {
	return func(s *Service) { s.observer = o }
}

func WithAuditor(a Auditor) Option {
	return func(s *Service) { s.auditor = a }
}

// WithServiceToken enables RefreshAll, which lists every order with an
// admin token of the service's own.
func WithServiceToken(token string) Option {
	return func(s *Service) { s.serviceToken = token }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(b Backend, sessions *cache.SessionCache, orders *cache.OrderListCache, c catalog.Catalog, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		backend:  b,
		sessions: sessions,
		orders:   orders,
		catalog:  c,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// backendErr drops the session when the backend no longer accepts its token.
func (s *Service) backendErr(token string, err error) error {
	if errors.Is(err, backend.ErrUnauthorized) {
		s.sessions.Delete(token)
	}
	if errors.Is(err, backend.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}

func (s *Service) audit(rec audit.AuditLog) {
	if s.auditor != nil {
		s.auditor.Log(rec)
	}
}

// observe hands the orders read under ticket seq to the observer, minus the
// ones a later read has already reported.
func (s *Service) observe(ctx context.Context, seq uint64, orders []models.Order) {
	if s.observer == nil {
		return
	}
	orders = s.orders.Newest(seq, orders)
	if len(orders) == 0 {
		return
	}
	if _, err := s.observer.Observe(ctx, orders); err != nil {
		s.logger.Warn("observe order status", "err", err)
	}
}

func (s *Service) Login(ctx context.Context, creds backend.Credentials) (backend.Session, error) {
	creds.Email = strings.TrimSpace(creds.Email)
	if creds.Email == "" || creds.Password == "" {
		return backend.Session{}, fmt.Errorf("%w: email and password are required", ErrInvalidInput)
	}
	sess, err := s.backend.Login(ctx, creds)
	if err != nil {
		return backend.Session{}, err
	}
	if sess.Token == "" {
		return backend.Session{}, errors.New("login: backend returned no token")
	}
	s.sessions.Put(sess.Token, sess.User)
	s.logger.Info("user logged in", "user_id", sess.User.ID, "role", sess.User.Role)
	return sess, nil
}

// Register creates a customer account. The session is stored only when the
// backend hands out a token right away.
func (s *Service) Register(ctx context.Context, reg backend.Registration) (backend.Session, error) {
	reg.Email = strings.TrimSpace(reg.Email)
	reg.Name = strings.TrimSpace(reg.Name)
	if reg.Email == "" || reg.Password == "" || reg.Name == "" {
		return backend.Session{}, fmt.Errorf("%w: name, email and password are required", ErrInvalidInput)
	}
	sess, err := s.backend.Register(ctx, reg)
	if err != nil {
		return backend.Session{}, err
	}
	if sess.User.Name == "" {
		sess.User.Name = reg.Name
	}
	if sess.User.Email == "" {
		sess.User.Email = reg.Email
	}
	if sess.Token != "" {
		s.sessions.Put(sess.Token, sess.User)
	}
	return sess, nil
}

func (s *Service) Logout(token string) {
	s.sessions.Delete(token)
}

func (s *Service) Authenticate(token string) (models.User, bool) {
	if token == "" {
		return models.User{}, false
	}
	return s.sessions.Get(token)
}

func isStaff(u models.User) bool {
	return u.Role == models.RoleAdmin || u.Role == models.RoleOwner
}

func scopeOf(u models.User) string {
	if isStaff(u) {
		return "all"
	}
	return "user:" + u.ID
}

// ownedBy reports whether a customer may see o. Orders without a user id
// come from endpoints that already filter by caller.
func ownedBy(o models.Order, u models.User) bool {
	return o.UserID == "" || o.UserID == u.ID
}

// listOrders fetches and observes the caller's orders. When a fetch that
// started later has already stored its list, that newer list is returned and
// nothing is observed.
func (s *Service) listOrders(ctx context.Context, sess Session) ([]models.Order, error) {
	seq := s.orders.Begin()
	orders, err := s.backend.ListOrders(ctx, sess.Token)
	if err != nil {
		return nil, s.backendErr(sess.Token, err)
	}
	if !isStaff(sess.User) {
		orders = lo.Filter(orders, func(o models.Order, _ int) bool { return ownedBy(o, sess.User) })
	}
	scope := scopeOf(sess.User)
	if !s.orders.Store(scope, seq, orders) {
		s.logger.Debug("stale order list discarded", "user_id", sess.User.ID)
		if newer, ok := s.orders.Get(scope); ok {
			return newer, nil
		}
		return orders, nil
	}
	s.observe(ctx, seq, orders)
	return orders, nil
}

// Orders lists what the caller may see: everything for staff, their own
// orders for customers. When the backend fails for any reason other than the caller's token, the
// last list fetched for the same scope is served instead.
func (s *Service) Orders(ctx context.Context, sess Session) ([]OrderView, error) {
	orders, err := s.listOrders(ctx, sess)
	if err != nil {
		if errors.Is(err, backend.ErrUnauthorized) {
			return nil, err
		}
		cached, ok := s.orders.Get(scopeOf(sess.User))
		if !ok {
			return nil, err
		}
		s.logger.Warn("serving cached orders", "user_id", sess.User.ID, "err", err)
		return newOrderViews(cached), nil
	}
	return newOrderViews(orders), nil
}

func (s *Service) Order(ctx context.Context, sess Session, orderID string) (OrderView, error) {
	seq := s.orders.Begin()
	o, err := s.order(ctx, sess, orderID)
	if err != nil {
		return OrderView{}, err
	}
	s.observe(ctx, seq, []models.Order{o})
	return newOrderView(o), nil
}

func (s *Service) order(ctx context.Context, sess Session, orderID string) (models.Order, error) {
	if strings.TrimSpace(orderID) == "" {
		return models.Order{}, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}
	o, err := s.backend.GetOrder(ctx, sess.Token, orderID)
	if err != nil {
		return models.Order{}, s.backendErr(sess.Token, err)
	}
	if sess.User.Role == models.RoleCustomer && !ownedBy(o, sess.User) {
		return models.Order{}, fmt.Errorf("%w: order %s belongs to another customer", ErrForbidden, orderID)
	}
	return o, nil
}

// OrderStatus is the current resolved status of one order, for live
// subscriptions.
func (s *Service) OrderStatus(ctx context.Context, sess Session, orderID string) (status.Display, error) {
	if sess.User.Role == models.RoleCourier {
		tasks, err := s.courierTasks(ctx, sess)
		if err != nil {
			return status.Display{}, err
		}
		for _, d := range tasks {
			if d.OrderID == orderID {
				return status.Resolve(models.Order{ID: orderID, PaymentStatus: models.PaymentSuccess, Delivery: &d}), nil
			}
		}
		return status.Display{}, fmt.Errorf("%w: order %s is not assigned to you", ErrForbidden, orderID)
	}
	o, err := s.order(ctx, sess, orderID)
	if err != nil {
		return status.Display{}, err
	}
	return status.Resolve(o), nil
}

// Buy orders quantity units of the default product. The backend prices the
// order; the local quote is only a sanity check.
func (s *Service) Buy(ctx context.Context, sess Session, quantity int) (Purchase, error) {
	product := s.catalog.Default()
	total, err := catalog.Quote(product, quantity)
	if err != nil {
		return Purchase{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	seq := s.orders.Begin()
	checkout, err := s.backend.CreateOrder(ctx, sess.Token, []backend.ItemRequest{{
		ProductID: product.ID(),
		Quantity:  quantity,
	}})
	if err != nil {
		return Purchase{}, s.backendErr(sess.Token, err)
	}
	if checkout.Order.TotalAmount != 0 && checkout.Order.TotalAmount != total {
		s.logger.Warn("backend total differs from quote", "order_id", checkout.Order.ID,
			"backend", checkout.Order.TotalAmount, "quote", total)
		total = checkout.Order.TotalAmount
	}
	if checkout.Order.UserID == "" {
		checkout.Order.UserID = sess.User.ID
	}

	s.audit(audit.AuditLog{
		OrderID:   checkout.Order.ID,
		NewStatus: string(checkout.Order.PaymentStatus),
		Actor:     sess.User.ID,
		Message:   fmt.Sprintf("order created: %d x %s", quantity, product.Name()),
	})
	s.observe(ctx, seq, []models.Order{checkout.Order})

	return Purchase{
		OrderID:      checkout.Order.ID,
		PaymentToken: checkout.PaymentToken,
		RedirectURL:  checkout.RedirectURL,
		Quantity:     quantity,
		Total:        total,
		TotalText:    money.FormatIDR(total),
		Status:       status.Resolve(checkout.Order),
	}, nil
}

func (s *Service) Deliveries(ctx context.Context, sess Session, page, limit int) (DeliveryPage, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > deliveryPageSize {
		limit = 10
	}
	res, err := s.backend.ListDeliveries(ctx, sess.Token, page, limit)
	if err != nil {
		return DeliveryPage{}, s.backendErr(sess.Token, err)
	}
	return DeliveryPage{Deliveries: newDeliveryViews(res.Deliveries), Meta: res.Meta}, nil
}

// allDeliveries walks every page of the delivery list.
func (s *Service) allDeliveries(ctx context.Context, token string) ([]models.Delivery, error) {
	var all []models.Delivery
	for page := 1; page <= maxDeliveryPages; page++ {
		res, err := s.backend.ListDeliveries(ctx, token, page, deliveryPageSize)
		if err != nil {
			return nil, s.backendErr(token, err)
		}
		all = append(all, res.Deliveries...)
		if !res.Meta.HasNextPage || len(res.Deliveries) == 0 {
			break
		}
	}
	return all, nil
}

func (s *Service) Couriers(ctx context.Context, sess Session) ([]models.User, error) {
	list, err := s.backend.Couriers(ctx, sess.Token)
	if err != nil {
		return nil, s.backendErr(sess.Token, err)
	}
	return list, nil
}

// AssignCourier creates the delivery of a paid order that has none yet.
func (s *Service) AssignCourier(ctx context.Context, sess Session, orderID, courierName string) (DeliveryView, error) {
	courierName = strings.TrimSpace(courierName)
	if courierName == "" {
		return DeliveryView{}, fmt.Errorf("%w: courier name is required", ErrInvalidInput)
	}
	o, err := s.order(ctx, sess, orderID)
	if err != nil {
		return DeliveryView{}, err
	}
	if o.PaymentStatus != models.PaymentSuccess {
		return DeliveryView{}, fmt.Errorf("%w: order %s is not paid (%s)", ErrConflict, orderID, o.PaymentStatus)
	}
	if o.HasDelivery() {
		return DeliveryView{}, fmt.Errorf("%w: order %s already has a delivery", ErrConflict, orderID)
	}

	d, err := s.backend.CreateDelivery(ctx, sess.Token, orderID, courierName)
	if err != nil {
		return DeliveryView{}, s.backendErr(sess.Token, err)
	}
	seq := s.orders.Begin()
	if d.Order == nil {
		d.Order = &models.OrderRef{ID: o.ID, TotalAmount: o.TotalAmount, CustomerName: o.CustomerName}
	}

	s.audit(audit.AuditLog{
		OrderID:    orderID,
		DeliveryID: d.ID,
		NewStatus:  string(d.Status),
		Actor:      sess.User.ID,
		Message:    "courier assigned: " + courierName,
	})
	o.Delivery = &d
	s.observe(ctx, seq, []models.Order{o})
	return newDeliveryView(d), nil
}

func (s *Service) courierTasks(ctx context.Context, sess Session) ([]models.Delivery, error) {
	all, err := s.allDeliveries(ctx, sess.Token)
	if err != nil {
		return nil, err
	}
	return dashboard.TasksFor(all, sess.User), nil
}

// MyTasks lists the deliveries assigned to the calling courier.
func (s *Service) MyTasks(ctx context.Context, sess Session) ([]DeliveryView, error) {
	tasks, err := s.courierTasks(ctx, sess)
	if err != nil {
		return nil, err
	}
	return newDeliveryViews(tasks), nil
}

// UpdateDeliveryStatus moves a delivery one step forward. Couriers may only
// touch their own tasks.
func (s *Service) UpdateDeliveryStatus(ctx context.Context, sess Session, deliveryID string, to models.DeliveryStatus) (DeliveryView, error) {
	to = models.NormalizeDeliveryStatus(string(to))
	all, err := s.allDeliveries(ctx, sess.Token)
	if err != nil {
		return DeliveryView{}, err
	}
	d, ok := lo.Find(all, func(d models.Delivery) bool { return d.ID == deliveryID })
	if !ok {
		return DeliveryView{}, fmt.Errorf("%w: delivery %s", ErrNotFound, deliveryID)
	}
	if sess.User.Role == models.RoleCourier && len(dashboard.TasksFor([]models.Delivery{d}, sess.User)) == 0 {
		return DeliveryView{}, fmt.Errorf("%w: delivery %s is assigned to %s", ErrForbidden, deliveryID, d.CourierName)
	}
	if !status.CanTransition(d.Status, to) {
		return DeliveryView{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.Status, to)
	}

	if err := s.backend.UpdateDeliveryStatus(ctx, sess.Token, deliveryID, to); err != nil {
		return DeliveryView{}, s.backendErr(sess.Token, err)
	}
	seq := s.orders.Begin()

	old := d.Status
	d.Status = to
	s.audit(audit.AuditLog{
		OrderID:    d.OrderID,
		DeliveryID: d.ID,
		OldStatus:  string(old),
		NewStatus:  string(to),
		Actor:      sess.User.ID,
		Message:    "delivery status changed",
	})
	// A delivery only exists for a paid order, so this resolves the same
	// way the full order would.
	s.observe(ctx, seq, []models.Order{{ID: d.OrderID, PaymentStatus: models.PaymentSuccess, Delivery: &d}})
	return newDeliveryView(d), nil
}

// Dashboard returns the statistics block of the caller's role. A zero year
// selects the newest year with data.
func (s *Service) Dashboard(ctx context.Context, sess Session, year int) (Dashboard, error) {
	out := Dashboard{Role: sess.User.Role}
	now := s.now()

	switch sess.User.Role {
	case models.RoleAdmin, models.RoleOwner:
		var (
			orders     []models.Order
			deliveries []models.Delivery
		)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var err error
			orders, err = s.listOrders(gctx, sess)
			return err
		})
		g.Go(func() error {
			var err error
			deliveries, err = s.allDeliveries(gctx, sess.Token)
			return err
		})
		if err := g.Wait(); err != nil {
			return Dashboard{}, err
		}
		stats := dashboard.AdminStats(orders, deliveries)
		out.Admin = &stats
		out.Years = dashboard.Years(orders, now)
		out.Year = pickYear(year, out.Years)
		out.Monthly = dashboard.MonthlyRevenue(orders, out.Year)

	case models.RoleCourier:
		tasks, err := s.courierTasks(ctx, sess)
		if err != nil {
			return Dashboard{}, err
		}
		stats := dashboard.CourierStats(tasks)
		out.Courier = &stats
		out.Years = dashboard.CourierYears(tasks, now)
		out.Year = pickYear(year, out.Years)
		out.Monthly = dashboard.CourierMonthly(tasks, out.Year)

	default:
		orders, err := s.listOrders(ctx, sess)
		if err != nil {
			return Dashboard{}, err
		}
		stats := dashboard.CustomerStats(orders)
		out.Customer = &stats
		out.Years = dashboard.Years(orders, now)
		out.Year = pickYear(year, out.Years)
		out.Monthly = dashboard.MonthlyRevenue(orders, out.Year)
	}
	return out, nil
}

func pickYear(year int, years []int) int {
	if year > 0 {
		return year
	}
	return years[0]
}

// Resolve applies the status rule to raw backend order JSON: one object or
// an array of them.
func (s *Service) Resolve(raw []byte) ([]Resolved, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrInvalidInput)
	}
	var wire []models.WireOrder
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &wire); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
	} else {
		var one models.WireOrder
		if err := json.Unmarshal(raw, &one); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
		wire = append(wire, one)
	}

	out := make([]Resolved, 0, len(wire))
	for _, w := range wire {
		o := w.ToOrder()
		out = append(out, Resolved{OrderID: o.ID, Status: status.Resolve(o)})
	}
	return out, nil
}

// RefreshAll lists every order with the service token and observes it, so
// status changes are noticed even when nobody is looking.
func (s *Service) RefreshAll(ctx context.Context) error {
	if s.serviceToken == "" {
		return nil
	}
	sess := Session{Token: s.serviceToken, User: models.User{ID: "service", Role: models.RoleAdmin}}
	if _, err := s.listOrders(ctx, sess); err != nil {
		return fmt.Errorf("refresh orders: %w", err)
	}
	return nil
}

func (s *Service) Ready(ctx context.Context) error {
	return s.backend.Ping(ctx)
}
