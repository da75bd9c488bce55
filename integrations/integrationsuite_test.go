package integrations

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	gw "github.com/gorilla/websocket"
	"github.com/stretchr/testify/suite"

	"github.com/salambundo/gasorder/internal/audit"
	"github.com/salambundo/gasorder/internal/backend"
	"github.com/salambundo/gasorder/internal/backend/backendtest"
	"github.com/salambundo/gasorder/internal/cache"
	"github.com/salambundo/gasorder/internal/catalog"
	"github.com/salambundo/gasorder/internal/config"
	"github.com/salambundo/gasorder/internal/db"
	"github.com/salambundo/gasorder/internal/notifier"
	taskprocessor "github.com/salambundo/gasorder/internal/processor"
	"github.com/salambundo/gasorder/internal/repository"
	"github.com/salambundo/gasorder/internal/server"
	"github.com/salambundo/gasorder/internal/service"
	"github.com/salambundo/gasorder/internal/status"
	"github.com/salambundo/gasorder/internal/websocket"
	"github.com/salambundo/gasorder/migrations"
)

const statusTopic = "order-status"

type IntegrationSuite struct {
	suite.Suite

	db         *sql.DB
	fake       *backendtest.Fake
	testServer *httptest.Server
	snapshots  *repository.PostgresSnapshotRepository
	outbox     *taskprocessor.TaskProcessor
	pool       *audit.AuditWorkerPool
	poolCancel context.CancelFunc
	hubCancel  context.CancelFunc
	hubDone    chan struct{}
}

func (suite *IntegrationSuite) SetupSuite() {
	ctx := context.Background()
	var err error
	suite.db, err = db.NewDB(ctx, os.Getenv("TEST_DSN"), migrations.FS)
	suite.Require().NoError(err)
}

func (suite *IntegrationSuite) TearDownSuite() {
	_ = suite.db.Close()
}

func (suite *IntegrationSuite) SetupTest() {
	_, err := suite.db.Exec("TRUNCATE order_status_snapshots, audit_logs, tasks RESTART IDENTITY")
	suite.Require().NoError(err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	suite.fake = backendtest.New()

	var poolCtx context.Context
	poolCtx, suite.poolCancel = context.WithCancel(context.Background())
	suite.pool = audit.NewAuditWorkerPool(audit.AuditPoolConfig{BatchSize: 5, Timeout: 50 * time.Millisecond, ChannelSize: 100},
		logger, audit.NewDBProcessor(suite.db))
	suite.pool.Start(poolCtx, 1)

	hub := websocket.NewHub()
	var hubCtx context.Context
	hubCtx, suite.hubCancel = context.WithCancel(context.Background())
	suite.hubDone = make(chan struct{})
	go func() {
		defer close(suite.hubDone)
		hub.Run(hubCtx)
	}()

	suite.snapshots = repository.NewPostgresSnapshotRepository(suite.db)
	tasks := repository.NewPostgresTaskRepository(suite.db)
	watcher := notifier.New(suite.snapshots, tasks, suite.pool, statusTopic, logger)
	svc := service.New(backend.New(suite.fake.URL, time.Second), cache.NewSessionCache(), cache.NewOrderListCache(),
		catalog.New(), logger, service.WithObserver(watcher), service.WithAuditor(suite.pool))
	suite.outbox = taskprocessor.NewTaskProcessor(tasks, websocket.NewLocalPublisher(hub, statusTopic), statusTopic, time.Hour, 10, logger)

	srv := server.NewServer(svc, hub, suite.pool, &config.Config{HTTPPort: "0", ShutdownTimeout: time.Second}, logger)
	suite.testServer = httptest.NewServer(srv.Handler())
}

func (suite *IntegrationSuite) TearDownTest() {
	suite.testServer.Close()
	suite.hubCancel()
	<-suite.hubDone
	suite.pool.Shutdown(suite.poolCancel)
	suite.fake.Close()
}

func (suite *IntegrationSuite) TestOrderLifecycleIsTracked() {
	ctx := context.Background()
	customer := suite.login(backendtest.User{ID: "c1", Name: "Ani", Role: "CUSTOMER"})
	admin := suite.login(backendtest.User{ID: "a1", Name: "Admin", Role: "ADMIN"})
	courier := suite.login(backendtest.User{ID: "k1", Name: "Joko", Role: "COURIR"})

	resp, body := suite.doRequest(http.MethodPost, "/orders", customer, map[string]int{"quantity": 3})
	suite.Require().Equal(http.StatusCreated, resp.StatusCode, string(body))
	var purchase service.Purchase
	suite.Require().NoError(json.Unmarshal(body, &purchase))
	suite.Equal(int64(60000), purchase.Total)

	snap, err := suite.snapshots.Get(ctx, purchase.OrderID)
	suite.Require().NoError(err)
	suite.Equal(status.AwaitingPayment, snap.Display)

	suite.fake.SetOrderStatus(purchase.OrderID, "SUCCESS")
	resp, _ = suite.doRequest(http.MethodGet, "/orders", admin, nil)
	suite.Require().Equal(http.StatusOK, resp.StatusCode)

	snap, err = suite.snapshots.Get(ctx, purchase.OrderID)
	suite.Require().NoError(err)
	suite.Equal(status.Processing, snap.Display)
	suite.Equal(1, suite.count("tasks"))

	wsURL := "ws" + strings.TrimPrefix(suite.testServer.URL, "http") + "/ws/orders/" + purchase.OrderID + "?access_token=" + customer
	conn, _, err := gw.DefaultDialer.Dial(wsURL, nil)
	suite.Require().NoError(err)
	defer conn.Close()
	suite.Require().NoError(conn.SetReadDeadline(time.Now().Add(3 * time.Second)))
	var current websocket.Update
	suite.Require().NoError(conn.ReadJSON(&current))
	suite.Equal(status.Processing, current.Status)

	resp, body = suite.doRequest(http.MethodPost, "/deliveries", admin, map[string]string{"order_id": purchase.OrderID, "courier_name": "Joko"})
	suite.Require().Equal(http.StatusCreated, resp.StatusCode, string(body))

	resp, body = suite.doRequest(http.MethodGet, "/tasks", courier, nil)
	suite.Require().Equal(http.StatusOK, resp.StatusCode)
	var tasks []service.DeliveryView
	suite.Require().NoError(json.Unmarshal(body, &tasks))
	suite.Require().Len(tasks, 1)

	resp, body = suite.doRequest(http.MethodPut, "/deliveries/"+tasks[0].Delivery.ID+"/status", courier, map[string]string{"status": "ON_THE_ROAD"})
	suite.Require().Equal(http.StatusOK, resp.StatusCode, string(body))

	suite.Equal(3, suite.outbox.ProcessPending(ctx))
	suite.Equal(0, suite.count("tasks"))

	var labels []string
	for len(labels) < 3 {
		var u websocket.Update
		suite.Require().NoError(conn.ReadJSON(&u))
		labels = append(labels, u.Status.Label)
	}
	suite.Equal([]string{"Processing", "Ready to Ship", "Out for Delivery"}, labels)

	suite.Eventually(func() bool { return suite.count("audit_logs") > 0 }, 2*time.Second, 20*time.Millisecond)
}

func (suite *IntegrationSuite) TestRefusedCustomerDoesNotTouchStorage() {
	customer := suite.login(backendtest.User{ID: "c1", Role: "CUSTOMER"})
	suite.fake.AddOrder(backendtest.Order{ID: "foreign", UserID: "c2", Status: "SUCCESS"})

	resp, _ := suite.doRequest(http.MethodGet, "/orders/foreign", customer, nil)
	suite.Equal(http.StatusForbidden, resp.StatusCode)

	_, err := suite.snapshots.Get(context.Background(), "foreign")
	suite.ErrorIs(err, repository.ErrSnapshotNotFound)
}

func (suite *IntegrationSuite) login(u backendtest.User) string {
	u.Email = u.ID + "@example.com"
	u.Password = "pw"
	suite.fake.AddUser(u)
	resp, body := suite.doRequest(http.MethodPost, "/auth/login", "", map[string]string{"email": u.Email, "password": "pw"})
	suite.Require().Equal(http.StatusOK, resp.StatusCode, string(body))
	var sess backend.Session
	suite.Require().NoError(json.Unmarshal(body, &sess))
	return sess.Token
}

func (suite *IntegrationSuite) count(table string) int {
	var n int
	suite.Require().NoError(suite.db.QueryRow("SELECT count(*) FROM " + table).Scan(&n))
	return n
}

func (suite *IntegrationSuite) doRequest(method, path, token string, body interface{}) (*http.Response, []byte) {
	var reqBody []byte
	var err error
	if body != nil {
		reqBody, err = json.Marshal(body)
		suite.Require().NoError(err)
	}

	req, err := http.NewRequest(method, suite.testServer.URL+path, bytes.NewReader(reqBody))
	suite.Require().NoError(err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	suite.Require().NoError(err)
	respBody, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	suite.Require().NoError(err)
	return resp, respBody
}

func TestIntegrationSuite(t *testing.T) {
	if os.Getenv("TEST_DSN") == "" {
		t.Skip("TEST_DSN is not set")
	}
	suite.Run(t, new(IntegrationSuite))
}
