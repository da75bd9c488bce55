package repository_test

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salambundo/gasorder/internal/db"
	"github.com/salambundo/gasorder/internal/models"
	"github.com/salambundo/gasorder/internal/repository"
	"github.com/salambundo/gasorder/internal/status"
	"github.com/salambundo/gasorder/migrations"
)

var conn *sql.DB

func TestMain(m *testing.M) {
	dsn := os.Getenv("TEST_DSN")
	if dsn == "" {
		log.Print("TEST_DSN not set, skipping repository tests")
		os.Exit(0)
	}
	var err error
	conn, err = db.NewDB(context.Background(), dsn, migrations.FS)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}

	code := m.Run()

	_, _ = conn.Exec("DELETE FROM order_status_snapshots")
	_, _ = conn.Exec("DELETE FROM tasks")
	_ = conn.Close()
	os.Exit(code)
}

func TestSnapshotUpsertGet(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewPostgresSnapshotRepository(conn)

	_, err := repo.Get(ctx, "snap-missing")
	assert.True(t, errors.Is(err, repository.ErrSnapshotNotFound))

	s := repository.Snapshot{
		OrderID:       "snap-1",
		PaymentStatus: models.PaymentPending,
		Display:       status.AwaitingPayment,
	}
	require.NoError(t, repo.Upsert(ctx, s))

	got, err := repo.Get(ctx, "snap-1")
	require.NoError(t, err)
	assert.Equal(t, status.AwaitingPayment, got.Display)
	assert.Equal(t, models.DeliveryStatus(""), got.DeliveryStatus)

	s.PaymentStatus = models.PaymentSuccess
	s.DeliveryStatus = models.DeliverySent
	s.Display = status.Delivered
	s.UpdatedAt = time.Now().Add(time.Minute)
	require.NoError(t, repo.Upsert(ctx, s))

	got, err = repo.Get(ctx, "snap-1")
	require.NoError(t, err)
	assert.Equal(t, status.Delivered, got.Display)
	assert.Equal(t, models.DeliverySent, got.DeliveryStatus)

	list, err := repo.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "snap-1", list[0].OrderID)
}

func TestTaskLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewPostgresTaskRepository(conn)
	_, _ = conn.Exec("DELETE FROM tasks")

	require.NoError(t, repo.CreateTask(ctx, "", "order-1", []byte(`{"order_id":"order-1"}`)))

	tasks, err := repo.GetPendingTasks(ctx, 10, 3, time.Minute)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	task := tasks[0]
	assert.Equal(t, "order-1", task.Key)
	assert.Equal(t, repository.TaskStatusCreated, task.Status)

	require.NoError(t, repo.MarkTaskProcessing(ctx, task.ID))
	tasks, err = repo.GetPendingTasks(ctx, 10, 3, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, tasks, "fresh PROCESSING task must not be picked up")

	require.NoError(t, repo.UpdateTaskFailure(ctx, task.ID, 1, repository.TaskStatusFailed, time.Now().Add(-time.Second)))
	tasks, err = repo.GetPendingTasks(ctx, 10, 3, time.Minute)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, 1, tasks[0].AttemptCount)

	require.NoError(t, repo.UpdateTaskFailure(ctx, task.ID, 3, repository.TaskStatusNoAttemptsLeft, time.Now()))
	tasks, err = repo.GetPendingTasks(ctx, 10, 3, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	require.NoError(t, repo.DeleteTask(ctx, task.ID))
}
