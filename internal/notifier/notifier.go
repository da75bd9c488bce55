// Package notifier detects changes in the resolved status of orders between
// two observations and turns them into outbox events.
package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/salambundo/gasorder/internal/audit"
	"github.com/salambundo/gasorder/internal/events"
	"github.com/salambundo/gasorder/internal/models"
	"github.com/salambundo/gasorder/internal/repository"
	"github.com/salambundo/gasorder/internal/status"
)

type Auditor interface {
	Log(record audit.AuditLog)
}

// lockStripes bounds the number of order locks; orders hashing to the same
// stripe are observed one at a time.
const lockStripes = 64

type Notifier struct {
	locks     [lockStripes]sync.Mutex
	snapshots repository.SnapshotRepository
	tasks     repository.TaskRepository
	auditor   Auditor
	topic     string
	logger    *slog.Logger
	onChange  []func(events.StatusChanged)
	now       func() time.Time
}

type Option func(*Notifier)

// WithListener registers fn to be called synchronously for every change.
func WithListener(fn func(events.StatusChanged)) Option {
	return func(n *Notifier) { n.onChange = append(n.onChange, fn) }
}

func WithClock(now func() time.Time) Option {
	return func(n *Notifier) { n.now = now }
}

func New(snapshots repository.SnapshotRepository, tasks repository.TaskRepository, auditor Auditor, topic string, logger *slog.Logger, opts ...Option) *Notifier {
	n := &Notifier{
		snapshots: snapshots,
		tasks:     tasks,
		auditor:   auditor,
		topic:     topic,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Observe compares every order with its stored snapshot. The first sighting
// of an order only records the snapshot. A change of the displayed status
// writes an outbox event before the snapshot moves, so a failed write is
// retried on the next observation.
func (n *Notifier) Observe(ctx context.Context, orders []models.Order) ([]events.StatusChanged, error) {
	var (
		changed []events.StatusChanged
		errs    []error
	)
	for _, o := range orders {
		if o.ID == "" {
			continue
		}
		ev, ok, err := n.observe(ctx, o)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			changed = append(changed, ev)
		}
	}
	return changed, errors.Join(errs...)
}

// lockFor returns the stripe guarding orderID. Get, compare, outbox write
// and Upsert of one order run under it, so one change yields one event.
func (n *Notifier) lockFor(orderID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(orderID))
	return &n.locks[h.Sum32()%lockStripes]
}

func (n *Notifier) observe(ctx context.Context, o models.Order) (events.StatusChanged, bool, error) {
	mu := n.lockFor(o.ID)
	mu.Lock()
	defer mu.Unlock()

	cur := repository.Snapshot{
		OrderID:        o.ID,
		PaymentStatus:  models.NormalizePaymentStatus(string(o.PaymentStatus)),
		DeliveryStatus: models.NormalizeDeliveryStatus(string(o.DeliveryStatus())),
		Display:        status.Resolve(o),
		UpdatedAt:      n.now(),
	}

	prev, err := n.snapshots.Get(ctx, o.ID)
	if errors.Is(err, repository.ErrSnapshotNotFound) {
		return events.StatusChanged{}, false, n.snapshots.Upsert(ctx, cur)
	}
	if err != nil {
		return events.StatusChanged{}, false, err
	}

	if prev.Display == cur.Display {
		if prev.PaymentStatus != cur.PaymentStatus || prev.DeliveryStatus != cur.DeliveryStatus {
			return events.StatusChanged{}, false, n.snapshots.Upsert(ctx, cur)
		}
		return events.StatusChanged{}, false, nil
	}

	ev := events.StatusChanged{
		EventID:        uuid.NewString(),
		OrderID:        o.ID,
		Old:            prev.Display,
		New:            cur.Display,
		PaymentStatus:  cur.PaymentStatus,
		DeliveryStatus: cur.DeliveryStatus,
		OccurredAt:     cur.UpdatedAt,
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return events.StatusChanged{}, false, fmt.Errorf("marshal event %s: %w", o.ID, err)
	}
	if err := n.tasks.CreateTask(ctx, n.topic, o.ID, payload); err != nil {
		return events.StatusChanged{}, false, fmt.Errorf("outbox event %s: %w", o.ID, err)
	}
	if err := n.snapshots.Upsert(ctx, cur); err != nil {
		return events.StatusChanged{}, false, err
	}

	n.logger.Info("order status changed", "order_id", o.ID, "old", prev.Display.Label, "new", cur.Display.Label)
	if n.auditor != nil {
		n.auditor.Log(audit.AuditLog{
			Timestamp: ev.OccurredAt,
			OrderID:   o.ID,
			OldStatus: prev.Display.Label,
			NewStatus: cur.Display.Label,
			Actor:     "notifier",
			Message:   "order status changed",
		})
	}
	for _, fn := range n.onChange {
		fn(ev)
	}
	return ev, true, nil
}
