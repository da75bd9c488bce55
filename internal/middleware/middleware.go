package middleware

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/salambundo/gasorder/internal/audit"
	"github.com/salambundo/gasorder/internal/models"
)

// Authenticator maps a bearer token to the user that owns it.
type Authenticator interface {
	Authenticate(token string) (models.User, bool)
}

type Auditor interface {
	Log(record audit.AuditLog)
}

// Identity is the authenticated caller of a request.
type Identity struct {
	Token string
	User  models.User
}

type identityKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// TokenFrom reads the bearer token from the Authorization header. Browsers
// cannot set headers on websocket handshakes, so the access_token query
// parameter is accepted as well.
func TokenFrom(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}

// AuthMiddleware rejects requests without a known session with 401 and
// callers whose role is not listed with 403. No roles means any role.
func AuthMiddleware(auth Authenticator, roles ...models.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := TokenFrom(r)
			u, ok := auth.Authenticate(token)
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer realm="gasorder"`)
				writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
				return
			}
			if len(roles) > 0 && !slices.Contains(roles, u.Role) {
				writeError(w, http.StatusForbidden, errors.New("forbidden for role "+string(u.Role)))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), Identity{Token: token, User: u})))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Hijack keeps websocket upgrades working behind the recorder.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	return h.Hijack()
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// LogMiddleware logs every request and sends one audit record per request
// whose method is listed.
func LogMiddleware(logger *slog.Logger, auditor Auditor, methods ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration", time.Since(start),
			)
			if auditor == nil || !slices.Contains(methods, r.Method) {
				return
			}
			orderID, deliveryID := subjectOf(r)
			auditor.Log(audit.AuditLog{
				Timestamp:  start.UTC(),
				OrderID:    orderID,
				DeliveryID: deliveryID,
				Actor:      actorOf(r),
				Endpoint:   r.URL.Path,
				Request:    r.Method + " " + r.URL.Path,
				Message:    http.StatusText(rec.status),
			})
		})
	}
}

// subjectOf files the {id} wildcard under the record the route names.
func subjectOf(r *http.Request) (orderID, deliveryID string) {
	id := r.PathValue("id")
	switch {
	case id == "":
	case strings.Contains(r.Pattern, "/deliveries/"):
		deliveryID = id
	case strings.Contains(r.Pattern, "/orders/"):
		orderID = id
	}
	return orderID, deliveryID
}

// actorOf is empty unless LogMiddleware runs inside AuthMiddleware.
func actorOf(r *http.Request) string {
	if id, ok := IdentityFrom(r.Context()); ok {
		return id.User.ID
	}
	return ""
}

func writeError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
