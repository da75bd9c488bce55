package backend_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salambundo/gasorder/internal/backend"
	"github.com/salambundo/gasorder/internal/backend/backendtest"
	"github.com/salambundo/gasorder/internal/models"
)

func rawServer(t *testing.T, code int, body string) *backend.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(code)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return backend.New(srv.URL, time.Second)
}

func TestListOrdersShapes(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bare array", `[{"order_id":"o1","status":"SUCCESS"}]`},
		{"data array", `{"status":true,"data":[{"order_id":"o1","status":"SUCCESS"}]}`},
		{"paged", `{"status":true,"data":{"data":[{"order_id":"o1","status":"SUCCESS"}],"meta":{"total":1}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := rawServer(t, http.StatusOK, tt.body)
			orders, err := c.ListOrders(context.Background(), "tok")
			require.NoError(t, err)
			require.Len(t, orders, 1)
			assert.Equal(t, "o1", orders[0].ID)
			assert.Equal(t, models.PaymentSuccess, orders[0].PaymentStatus)
		})
	}
}

func TestListOrdersKeepsMalformedRecords(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"numeric status", `[{"order_id":"a","status":"SUCCESS"},{"order_id":"b","status":1},{"order_id":"c","status":"PENDING"}]`},
		{"user as string", `{"status":true,"data":[{"order_id":"a","status":"SUCCESS"},{"order_id":"b","status":"SUCCESS","user":"x"},{"order_id":"c","status":"PENDING"}]}`},
		{"paged", `{"status":true,"data":{"data":[{"order_id":"a","status":"SUCCESS"},{"order_id":"b","order_items":"x"},{"order_id":"c","status":"PENDING"}]}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := rawServer(t, http.StatusOK, tt.body)
			orders, err := c.ListOrders(context.Background(), "tok")
			require.NoError(t, err)
			require.Len(t, orders, 3)
			assert.Equal(t, models.PaymentSuccess, orders[0].PaymentStatus)
			assert.Equal(t, "b", orders[1].ID)
			assert.Empty(t, orders[1].PaymentStatus)
			assert.Equal(t, models.PaymentPending, orders[2].PaymentStatus)
		})
	}
}

func TestListSkipsUndecodableElements(t *testing.T) {
	var logs strings.Builder
	c := rawServer(t, http.StatusOK, `{"status":true,"data":{"data":[{"delivery_id":"d1","delivery_status":"READY"},{"delivery_id":"d2","delivery_status":5}],"meta":{"total":2}}}`).
		WithLogger(slog.New(slog.NewTextHandler(&logs, nil)))

	page, err := c.ListDeliveries(context.Background(), "tok", 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Deliveries, 1)
	assert.Equal(t, "d1", page.Deliveries[0].ID)
	assert.Equal(t, 2, page.Meta.Total)
	assert.Contains(t, logs.String(), "skipping malformed record")
	assert.Contains(t, logs.String(), "list=deliveries")
}

func TestListOrdersEmptyData(t *testing.T) {
	c := rawServer(t, http.StatusOK, `{"status":true,"data":null}`)
	orders, err := c.ListOrders(context.Background(), "tok")
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestErrorMapping(t *testing.T) {
	ctx := context.Background()

	c := rawServer(t, http.StatusUnauthorized, `{"status":false,"message":"expired"}`)
	_, err := c.ListOrders(ctx, "tok")
	assert.ErrorIs(t, err, backend.ErrUnauthorized)

	c = rawServer(t, http.StatusNotFound, `{"status":false,"message":"nope"}`)
	_, err = c.GetOrder(ctx, "tok", "missing")
	assert.ErrorIs(t, err, backend.ErrNotFound)

	c = rawServer(t, http.StatusBadRequest, `{"status":false,"message":"quantity too large"}`)
	_, err = c.CreateOrder(ctx, "tok", []backend.ItemRequest{{ProductID: "p", Quantity: 500}})
	var apiErr *backend.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "quantity too large", apiErr.Message)

	c = rawServer(t, http.StatusOK, `{"status":false,"message":"invalid email or password"}`)
	_, err = c.Login(ctx, backend.Credentials{Email: "a@b.c", Password: "x"})
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "invalid email or password", apiErr.Message)
}

func TestLoginAndRegister(t *testing.T) {
	fake := backendtest.New()
	defer fake.Close()
	fake.AddUser(backendtest.User{ID: "u1", Name: "Budi", Email: "budi@example.com", Password: "secret", Role: "COURIR"})

	c := backend.New(fake.URL, time.Second)
	sess, err := c.Login(context.Background(), backend.Credentials{Email: "budi@example.com", Password: "secret"})
	require.NoError(t, err)
	assert.Equal(t, "tok-u1", sess.Token)
	assert.Equal(t, "u1", sess.User.ID)
	assert.Equal(t, models.RoleCourier, sess.User.Role)

	reg, err := c.Register(context.Background(), backend.Registration{Name: "Sari", Email: "sari@example.com", Password: "pw"})
	require.NoError(t, err)
	assert.NotEmpty(t, reg.Token)
	assert.NotEmpty(t, reg.RefreshToken)
	assert.Equal(t, "Sari", reg.User.Name)
	assert.Equal(t, models.RoleCustomer, reg.User.Role)
}

func TestCreateOrderReturnsPaymentToken(t *testing.T) {
	fake := backendtest.New()
	defer fake.Close()
	token := fake.AddUser(backendtest.User{ID: "c1", Name: "Ani", Role: "CUSTOMER"})

	c := backend.New(fake.URL, time.Second)
	out, err := c.CreateOrder(context.Background(), token, []backend.ItemRequest{{ProductID: "cmieed8ul0000llezcr4lm4qt", Quantity: 3}})
	require.NoError(t, err)
	assert.Equal(t, "snap-"+out.Order.ID, out.PaymentToken)
	assert.Equal(t, models.PaymentPending, out.Order.PaymentStatus)
	assert.Equal(t, int64(60000), out.Order.TotalAmount)
	assert.False(t, out.Order.HasDelivery())
}

func TestListDeliveriesPaging(t *testing.T) {
	fake := backendtest.New()
	defer fake.Close()
	token := fake.AddUser(backendtest.User{ID: "a1", Role: "ADMIN"})
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"d1", "d2", "d3"} {
		fake.AddOrder(backendtest.Order{ID: "o" + id, Status: "SUCCESS", Total: 20000})
		fake.AddDelivery(backendtest.Delivery{ID: id, OrderID: "o" + id, CourierName: "Joko", Status: "READY", CreatedAt: base.Add(time.Duration(i) * time.Hour)})
	}

	c := backend.New(fake.URL, time.Second)
	page, err := c.ListDeliveries(context.Background(), token, 1, 2)
	require.NoError(t, err)
	require.Len(t, page.Deliveries, 2)
	assert.Equal(t, "d3", page.Deliveries[0].ID)
	assert.Equal(t, 3, page.Meta.Total)
	assert.True(t, page.Meta.HasNextPage)
	require.NotNil(t, page.Deliveries[0].Order)
	assert.Equal(t, "od3", page.Deliveries[0].Order.ID)
}

func TestUpdateDeliveryStatusBody(t *testing.T) {
	var gotPath string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = io.WriteString(w, `{"status":true}`)
	}))
	defer srv.Close()

	c := backend.New(srv.URL, time.Second)
	require.NoError(t, c.UpdateDeliveryStatus(context.Background(), "tok", "d1", models.DeliveryOnTheRoad))
	assert.Equal(t, "PUT /deliveries/status/d1", gotPath)
	assert.Equal(t, map[string]string{"delivery_status": "ON_THE_ROAD"}, gotBody)
}

func TestCreateDeliveryDefaults(t *testing.T) {
	c := rawServer(t, http.StatusCreated, `{"status":true,"data":{"delivery_id":"d9"}}`)
	d, err := c.CreateDelivery(context.Background(), "tok", "o1", "Joko")
	require.NoError(t, err)
	assert.Equal(t, "d9", d.ID)
	assert.Equal(t, "o1", d.OrderID)
	assert.Equal(t, "Joko", d.CourierName)
	assert.Equal(t, models.DeliveryReady, d.Status)
}

func TestPaymentStatusNormalized(t *testing.T) {
	c := rawServer(t, http.StatusOK, `{"status":true,"data":{"transaction_status":"success"}}`)
	st, err := c.PaymentStatus(context.Background(), "tok", "o1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentSuccess, st)
}

func TestCouriersForceCourierRole(t *testing.T) {
	c := rawServer(t, http.StatusOK, `{"status":true,"data":{"data":[{"user_id":"k1","name":"Joko","role":"DRIVER"},{"id":"k2","name":"Rudi"}]}}`)
	list, err := c.Couriers(context.Background(), "tok")
	require.NoError(t, err)
	require.Len(t, list, 2)
	for _, u := range list {
		assert.Equal(t, models.RoleCourier, u.Role)
	}
	assert.Equal(t, "k2", list[1].ID)
}

func TestPing(t *testing.T) {
	assert.NoError(t, rawServer(t, http.StatusNotFound, "").Ping(context.Background()))
	assert.Error(t, rawServer(t, http.StatusBadGateway, "").Ping(context.Background()))
}
