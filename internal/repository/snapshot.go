package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/salambundo/gasorder/internal/models"
	"github.com/salambundo/gasorder/internal/status"
)

var ErrSnapshotNotFound = errors.New("snapshot not found")

// Snapshot is the last resolved status seen for an order.
type Snapshot struct {
	OrderID        string
	PaymentStatus  models.PaymentStatus
	DeliveryStatus models.DeliveryStatus
	Display        status.Display
	UpdatedAt      time.Time
}

type SnapshotRepository interface {
	Get(ctx context.Context, orderID string) (Snapshot, error)
	Upsert(ctx context.Context, s Snapshot) error
	List(ctx context.Context, limit int) ([]Snapshot, error)
}

type PostgresSnapshotRepository struct {
	db *sql.DB
}

func NewPostgresSnapshotRepository(db *sql.DB) *PostgresSnapshotRepository {
	return &PostgresSnapshotRepository{db: db}
}

func (r *PostgresSnapshotRepository) Get(ctx context.Context, orderID string) (Snapshot, error) {
	query := `
		SELECT order_id, payment_status, delivery_status, label, color_tag, updated_at
		FROM order_status_snapshots
		WHERE order_id = $1
	`
	s, err := scanSnapshot(r.db.QueryRowContext(ctx, query, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, fmt.Errorf("get snapshot %s: %w", orderID, ErrSnapshotNotFound)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("get snapshot %s: %w", orderID, err)
	}
	return s, nil
}

func (r *PostgresSnapshotRepository) Upsert(ctx context.Context, s Snapshot) error {
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO order_status_snapshots (order_id, payment_status, delivery_status, label, color_tag, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (order_id) DO UPDATE
		SET payment_status = EXCLUDED.payment_status,
		    delivery_status = EXCLUDED.delivery_status,
		    label = EXCLUDED.label,
		    color_tag = EXCLUDED.color_tag,
		    updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.ExecContext(ctx, query,
		s.OrderID, string(s.PaymentStatus), string(s.DeliveryStatus),
		s.Display.Label, string(s.Display.ColorTag), s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert snapshot %s: %w", s.OrderID, err)
	}
	return nil
}

// List returns the most recently changed snapshots first.
func (r *PostgresSnapshotRepository) List(ctx context.Context, limit int) ([]Snapshot, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `
		SELECT order_id, payment_status, delivery_status, label, color_tag, updated_at
		FROM order_status_snapshots
		ORDER BY updated_at DESC, order_id
		LIMIT $1
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var res []Snapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		res = append(res, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return res, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row scanner) (Snapshot, error) {
	var (
		s        Snapshot
		pay, dlv string
		colorTag string
	)
	if err := row.Scan(&s.OrderID, &pay, &dlv, &s.Display.Label, &colorTag, &s.UpdatedAt); err != nil {
		return Snapshot{}, err
	}
	s.PaymentStatus = models.PaymentStatus(pay)
	s.DeliveryStatus = models.DeliveryStatus(dlv)
	s.Display.ColorTag = status.Severity(colorTag)
	return s, nil
}
