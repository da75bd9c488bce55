package notifier_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salambundo/gasorder/internal/audit"
	"github.com/salambundo/gasorder/internal/events"
	"github.com/salambundo/gasorder/internal/models"
	"github.com/salambundo/gasorder/internal/notifier"
	"github.com/salambundo/gasorder/internal/repository"
	"github.com/salambundo/gasorder/internal/status"
	"github.com/salambundo/gasorder/internal/storage"
)

type auditSpy struct{ logs []audit.AuditLog }

func (a *auditSpy) Log(r audit.AuditLog) { a.logs = append(a.logs, r) }

func setup(t *testing.T, opts ...notifier.Option) (*notifier.Notifier, *storage.SnapshotStore, *storage.TaskStore, *auditSpy) {
	t.Helper()
	snaps, err := storage.NewSnapshotStore("")
	require.NoError(t, err)
	tasks := storage.NewTaskStore()
	spy := &auditSpy{}
	n := notifier.New(snaps, tasks, spy, "order-status", slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
	return n, snaps, tasks, spy
}

func paidWith(id string, st models.DeliveryStatus) models.Order {
	o := models.Order{ID: id, PaymentStatus: models.PaymentSuccess}
	if st != "" {
		o.Delivery = &models.Delivery{ID: "d-" + id, OrderID: id, Status: st}
	}
	return o
}

func TestFirstSightingOnlyRecords(t *testing.T) {
	n, snaps, tasks, spy := setup(t)
	ctx := context.Background()

	changed, err := n.Observe(ctx, []models.Order{paidWith("o1", "")})
	require.NoError(t, err)
	assert.Empty(t, changed)
	assert.Empty(t, tasks.Tasks())
	assert.Empty(t, spy.logs)

	s, err := snaps.Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, status.Processing, s.Display)
}

func TestChangeWritesOutboxAndAudit(t *testing.T) {
	var heard []events.StatusChanged
	n, snaps, tasks, spy := setup(t, notifier.WithListener(func(ev events.StatusChanged) { heard = append(heard, ev) }))
	ctx := context.Background()

	_, err := n.Observe(ctx, []models.Order{paidWith("o1", "")})
	require.NoError(t, err)

	changed, err := n.Observe(ctx, []models.Order{paidWith("o1", models.DeliveryReady)})
	require.NoError(t, err)
	require.Len(t, changed, 1)
	ev := changed[0]
	assert.Equal(t, status.Processing, ev.Old)
	assert.Equal(t, status.ReadyToShip, ev.New)
	assert.NotEmpty(t, ev.EventID)
	assert.Equal(t, []events.StatusChanged{ev}, heard)

	stored := tasks.Tasks()
	require.Len(t, stored, 1)
	assert.Equal(t, "order-status", stored[0].Topic)
	assert.Equal(t, "o1", stored[0].Key)
	decoded, err := events.Decode(stored[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, ev.EventID, decoded.EventID)

	require.Len(t, spy.logs, 1)
	assert.Equal(t, "Processing", spy.logs[0].OldStatus)
	assert.Equal(t, "Ready to Ship", spy.logs[0].NewStatus)

	s, err := snaps.Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, status.ReadyToShip, s.Display)
}

func TestUnchangedDisplayEmitsNothing(t *testing.T) {
	n, snaps, tasks, _ := setup(t)
	ctx := context.Background()

	failed := models.Order{ID: "o1", PaymentStatus: models.PaymentFailed}
	challenge := models.Order{ID: "o1", PaymentStatus: models.PaymentChallenge}
	_, err := n.Observe(ctx, []models.Order{failed})
	require.NoError(t, err)

	changed, err := n.Observe(ctx, []models.Order{challenge, {}})
	require.NoError(t, err)
	assert.Empty(t, changed)
	assert.Empty(t, tasks.Tasks())

	s, err := snaps.Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentChallenge, s.PaymentStatus, "raw status still tracked")
}

func TestOnTheRoadSpellingsAreOneState(t *testing.T) {
	n, _, tasks, _ := setup(t)
	ctx := context.Background()

	_, err := n.Observe(ctx, []models.Order{paidWith("o1", "ON_DELIVERY")})
	require.NoError(t, err)
	changed, err := n.Observe(ctx, []models.Order{paidWith("o1", models.DeliveryOnTheRoad)})
	require.NoError(t, err)
	assert.Empty(t, changed)
	assert.Empty(t, tasks.Tasks())
}

type failingTasks struct{ *storage.TaskStore }

func (failingTasks) CreateTask(context.Context, string, string, []byte) error {
	return errors.New("db down")
}

func TestOutboxFailureKeepsOldSnapshot(t *testing.T) {
	snaps, err := storage.NewSnapshotStore("")
	require.NoError(t, err)
	n := notifier.New(snaps, failingTasks{storage.NewTaskStore()}, nil, "order-status", slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	require.NoError(t, snaps.Upsert(ctx, repository.Snapshot{OrderID: "o1", PaymentStatus: models.PaymentPending, Display: status.AwaitingPayment}))

	changed, err := n.Observe(ctx, []models.Order{paidWith("o1", ""), paidWith("o2", "")})
	assert.Error(t, err)
	assert.Empty(t, changed)

	s, err := snaps.Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, status.AwaitingPayment, s.Display)

	_, err = snaps.Get(ctx, "o2")
	assert.NoError(t, err, "other orders are still observed")
}

// slowSnapshots widens the gap between reading and writing a snapshot.
type slowSnapshots struct {
	*storage.SnapshotStore
	delay time.Duration
}

func (s slowSnapshots) Get(ctx context.Context, orderID string) (repository.Snapshot, error) {
	time.Sleep(s.delay)
	return s.SnapshotStore.Get(ctx, orderID)
}

func TestConcurrentObserversEmitOneEvent(t *testing.T) {
	snaps, err := storage.NewSnapshotStore("")
	require.NoError(t, err)
	tasks := storage.NewTaskStore()
	n := notifier.New(slowSnapshots{SnapshotStore: snaps, delay: 20 * time.Millisecond}, tasks, nil, "order-status",
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	_, err = n.Observe(ctx, []models.Order{paidWith("o1", "")})
	require.NoError(t, err)

	const observers = 4
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < observers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			changed, err := n.Observe(ctx, []models.Order{paidWith("o1", models.DeliveryReady)})
			assert.NoError(t, err)
			mu.Lock()
			total += len(changed)
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, total)
	assert.Len(t, tasks.Tasks(), 1)
	s, err := snaps.Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, status.ReadyToShip, s.Display)
}
