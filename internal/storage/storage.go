// Package storage keeps status snapshots and outbox tasks in memory, for
// running without Postgres. Snapshots can be persisted to a JSON file.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/salambundo/gasorder/internal/models"
	"github.com/salambundo/gasorder/internal/repository"
	"github.com/salambundo/gasorder/internal/status"
)

type snapshotRecord struct {
	OrderID        string                `json:"order_id"`
	PaymentStatus  models.PaymentStatus  `json:"payment_status"`
	DeliveryStatus models.DeliveryStatus `json:"delivery_status"`
	Display        status.Display        `json:"display"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

type SnapshotStore struct {
	mu        sync.RWMutex
	snapshots map[string]repository.Snapshot
	dataFile  string
}

// NewSnapshotStore loads dataFile when it exists. An empty dataFile keeps
// everything in memory.
func NewSnapshotStore(dataFile string) (*SnapshotStore, error) {
	st := &SnapshotStore{
		snapshots: make(map[string]repository.Snapshot),
		dataFile:  dataFile,
	}
	if dataFile == "" {
		return st, nil
	}
	if err := st.loadFromFile(); err != nil {
		return nil, err
	}
	return st, nil
}

func (st *SnapshotStore) loadFromFile() error {
	file, err := os.Open(st.dataFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", st.dataFile, err)
	}
	defer file.Close()

	var list []snapshotRecord
	if err := json.NewDecoder(file).Decode(&list); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode %s: %w", st.dataFile, err)
	}
	for _, r := range list {
		st.snapshots[r.OrderID] = repository.Snapshot(r)
	}
	return nil
}

// saveToFile writes a temp file and renames it over the old one.
func (st *SnapshotStore) saveToFile() error {
	if st.dataFile == "" {
		return nil
	}
	list := make([]snapshotRecord, 0, len(st.snapshots))
	for _, s := range st.sorted() {
		list = append(list, snapshotRecord(s))
	}
	b, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	tmp := st.dataFile + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	return os.Rename(tmp, st.dataFile)
}

func (st *SnapshotStore) sorted() []repository.Snapshot {
	list := make([]repository.Snapshot, 0, len(st.snapshots))
	for _, s := range st.snapshots {
		list = append(list, s)
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].UpdatedAt.Equal(list[j].UpdatedAt) {
			return list[i].UpdatedAt.After(list[j].UpdatedAt)
		}
		return list[i].OrderID < list[j].OrderID
	})
	return list
}

func (st *SnapshotStore) Get(_ context.Context, orderID string) (repository.Snapshot, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.snapshots[orderID]
	if !ok {
		return repository.Snapshot{}, fmt.Errorf("get snapshot %s: %w", orderID, repository.ErrSnapshotNotFound)
	}
	return s, nil
}

func (st *SnapshotStore) Upsert(_ context.Context, s repository.Snapshot) error {
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now().UTC()
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.snapshots[s.OrderID] = s
	if err := st.saveToFile(); err != nil {
		return fmt.Errorf("save snapshots: %w", err)
	}
	return nil
}

func (st *SnapshotStore) List(_ context.Context, limit int) ([]repository.Snapshot, error) {
	if limit <= 0 {
		limit = 10
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	list := st.sorted()
	if len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

// TaskStore is an in-memory outbox with the same retry rules as the
// Postgres one.
type TaskStore struct {
	mu     sync.Mutex
	nextID int
	tasks  map[int]*repository.Task
	now    func() time.Time
}

func NewTaskStore() *TaskStore {
	return &TaskStore{
		tasks: make(map[int]*repository.Task),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (st *TaskStore) CreateTask(_ context.Context, topic, key string, payload []byte) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.nextID++
	t := st.now()
	st.tasks[st.nextID] = &repository.Task{
		ID:        st.nextID,
		CreatedAt: t,
		UpdatedAt: t,
		Topic:     topic,
		Key:       key,
		Payload:   append([]byte(nil), payload...),
		Status:    repository.TaskStatusCreated,
	}
	return nil
}

func (st *TaskStore) GetPendingTasks(_ context.Context, limit, maxAttempts int, retryDelay time.Duration) ([]*repository.Task, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	now := st.now()

	var res []*repository.Task
	for _, t := range st.tasks {
		if t.AttemptCount >= maxAttempts {
			continue
		}
		switch t.Status {
		case repository.TaskStatusCreated, repository.TaskStatusFailed:
			if t.NextAttemptAt.Valid && t.NextAttemptAt.Time.After(now) {
				continue
			}
		case repository.TaskStatusProcessing:
			if now.Sub(t.UpdatedAt) < retryDelay {
				continue
			}
		default:
			continue
		}
		cp := *t
		res = append(res, &cp)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (st *TaskStore) MarkTaskProcessing(_ context.Context, taskID int) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	t, ok := st.tasks[taskID]
	if !ok {
		return fmt.Errorf("mark task %d: not found", taskID)
	}
	t.Status = repository.TaskStatusProcessing
	t.UpdatedAt = st.now()
	return nil
}

func (st *TaskStore) DeleteTask(_ context.Context, taskID int) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.tasks, taskID)
	return nil
}

func (st *TaskStore) UpdateTaskFailure(_ context.Context, taskID int, attemptCount int, newStatus repository.TaskStatus, nextAttemptAt time.Time) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	t, ok := st.tasks[taskID]
	if !ok {
		return fmt.Errorf("update task %d: not found", taskID)
	}
	t.Status = newStatus
	t.AttemptCount = attemptCount
	t.UpdatedAt = st.now()
	t.NextAttemptAt.Time, t.NextAttemptAt.Valid = nextAttemptAt, true
	if newStatus == repository.TaskStatusNoAttemptsLeft {
		t.FinishedAt.Time, t.FinishedAt.Valid = t.UpdatedAt, true
	}
	return nil
}

// Tasks returns copies of every stored task ordered by id.
func (st *TaskStore) Tasks() []repository.Task {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]repository.Task, 0, len(st.tasks))
	for _, t := range st.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

var (
	_ repository.SnapshotRepository = (*SnapshotStore)(nil)
	_ repository.TaskRepository     = (*TaskStore)(nil)
)
