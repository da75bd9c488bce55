package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/salambundo/gasorder/internal/backend"
	"github.com/salambundo/gasorder/internal/catalog"
	"github.com/salambundo/gasorder/internal/config"
	"github.com/salambundo/gasorder/internal/middleware"
	"github.com/salambundo/gasorder/internal/models"
	"github.com/salambundo/gasorder/internal/service"
	"github.com/salambundo/gasorder/internal/status"
	"github.com/salambundo/gasorder/internal/websocket"
)

const maxBodyBytes = 1 << 20

var (
	staff     = []models.Role{models.RoleAdmin, models.RoleOwner}
	shoppers  = []models.Role{models.RoleCustomer, models.RoleAdmin, models.RoleOwner}
	couriers  = []models.Role{models.RoleCourier}
	movers    = []models.Role{models.RoleCourier, models.RoleAdmin, models.RoleOwner}
	mutations = []string{http.MethodPost, http.MethodPut, http.MethodDelete}
)

type Server struct {
	svc             *service.Service
	ws              *websocket.Handler
	auditor         middleware.Auditor
	logger          *slog.Logger
	addr            string
	shutdownTimeout time.Duration
}

// NewServer builds the HTTP API. hub may be nil, which leaves out the
// websocket route; auditor may be nil too.
func NewServer(svc *service.Service, hub *websocket.Hub, auditor middleware.Auditor, cfg *config.Config, logger *slog.Logger) *Server {
	s := &Server{
		svc:             svc,
		auditor:         auditor,
		logger:          logger,
		addr:            cfg.Addr(),
		shutdownTimeout: cfg.ShutdownTimeout,
	}
	if hub != nil {
		s.ws = websocket.NewHandler(hub, s.lookupStatus, s.writeError, logger)
	}
	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	s.public(mux, "POST /auth/login", s.handleLogin)
	s.public(mux, "POST /auth/register", s.handleRegister)
	s.protected(mux, "POST /auth/logout", s.handleLogout)
	s.public(mux, "POST /status/resolve", s.handleResolve)

	s.protected(mux, "GET /orders", s.handleListOrders, shoppers...)
	s.protected(mux, "GET /orders/{id}", s.handleGetOrder, shoppers...)
	s.protected(mux, "POST /orders", s.handleBuy, models.RoleCustomer)

	s.protected(mux, "GET /deliveries", s.handleListDeliveries, staff...)
	s.protected(mux, "POST /deliveries", s.handleAssignCourier, staff...)
	s.protected(mux, "GET /couriers", s.handleCouriers, staff...)
	s.protected(mux, "GET /tasks", s.handleTasks, couriers...)
	s.protected(mux, "PUT /deliveries/{id}/status", s.handleUpdateDelivery, movers...)

	s.protected(mux, "GET /dashboard", s.handleDashboard)

	if s.ws != nil {
		mux.Handle("GET /ws/orders/{id}", middleware.AuthMiddleware(s.svc)(http.HandlerFunc(s.ws.ServeWS)))
	}
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// Run serves until ctx is done, then gives in-flight requests the shutdown
// timeout to finish.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func (s *Server) public(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.Handle(pattern, middleware.LogMiddleware(s.logger, s.auditor, mutations...)(h))
}

func (s *Server) protected(mux *http.ServeMux, pattern string, h http.HandlerFunc, roles ...models.Role) {
	mux.Handle(pattern, middleware.AuthMiddleware(s.svc, roles...)(
		middleware.LogMiddleware(s.logger, s.auditor, mutations...)(h),
	))
}

func sessionFrom(r *http.Request) service.Session {
	id, _ := middleware.IdentityFrom(r.Context())
	return service.Session{Token: id.Token, User: id.User}
}

func (s *Server) lookupStatus(r *http.Request, orderID string) (status.Display, error) {
	return s.svc.OrderStatus(r.Context(), sessionFrom(r), orderID)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds backend.Credentials
	if err := decodeJSON(w, r, &creds); err != nil {
		s.writeError(w, err)
		return
	}
	sess, err := s.svc.Login(r.Context(), creds)
	var apiErr *backend.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode < http.StatusInternalServerError {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid email or password"})
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var reg backend.Registration
	if err := decodeJSON(w, r, &reg); err != nil {
		s.writeError(w, err)
		return
	}
	sess, err := s.svc.Register(r.Context(), reg)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.svc.Logout(sessionFrom(r).Token)
	w.WriteHeader(http.StatusNoContent)
}

// handleResolve answers an object with an object and an array with an array.
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: %w", service.ErrInvalidInput, err))
		return
	}
	resolved, err := s.svc.Resolve(raw)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if bytes.HasPrefix(bytes.TrimSpace(raw), []byte("[")) {
		writeJSON(w, http.StatusOK, resolved)
		return
	}
	writeJSON(w, http.StatusOK, resolved[0])
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	views, err := s.svc.Orders(r.Context(), sessionFrom(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	view, err := s.svc.Order(r.Context(), sessionFrom(r), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type buyRequest struct {
	Quantity int `json:"quantity"`
}

func (s *Server) handleBuy(w http.ResponseWriter, r *http.Request) {
	var req buyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	p, err := s.svc.Buy(r.Context(), sessionFrom(r), req.Quantity)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	res, err := s.svc.Deliveries(r.Context(), sessionFrom(r), page, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type assignRequest struct {
	OrderID     string `json:"order_id"`
	CourierName string `json:"courier_name"`
}

func (s *Server) handleAssignCourier(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	view, err := s.svc.AssignCourier(r.Context(), sessionFrom(r), req.OrderID, req.CourierName)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleCouriers(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.Couriers(r.Context(), sessionFrom(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.svc.MyTasks(r.Context(), sessionFrom(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

type statusRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleUpdateDelivery(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	view, err := s.svc.UpdateDeliveryStatus(r.Context(), sessionFrom(r), r.PathValue("id"), models.DeliveryStatus(req.Status))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	year := 0
	if raw := r.URL.Query().Get("year"); raw != "" {
		y, err := strconv.Atoi(raw)
		if err != nil || y < 1 {
			s.writeError(w, fmt.Errorf("%w: year %q", service.ErrInvalidInput, raw))
			return
		}
		year = y
	}
	d, err := s.svc.Dashboard(r.Context(), sessionFrom(r), year)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Ready(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		return fmt.Errorf("%w: bad JSON: %w", service.ErrInvalidInput, err)
	}
	return nil
}

type errorBody struct {
	Error string `json:"error"`
}

// statusFor maps domain and backend errors onto HTTP codes. Backend refusals
// in the 4xx range keep their code; everything else from the backend is a
// bad gateway.
func statusFor(err error) int {
	var apiErr *backend.APIError
	switch {
	case errors.Is(err, service.ErrInvalidInput), errors.Is(err, catalog.ErrInvalidQuantity):
		return http.StatusBadRequest
	case errors.Is(err, backend.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, service.ErrNotFound), errors.Is(err, backend.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrConflict), errors.Is(err, service.ErrInvalidTransition):
		return http.StatusConflict
	case errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500:
		return apiErr.StatusCode
	}
	return http.StatusBadGateway
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", "err", err)
	}
	writeJSON(w, code, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}
