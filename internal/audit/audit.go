package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/salambundo/gasorder/internal/repository"
)

type AuditLog struct {
	Timestamp  time.Time `json:"timestamp"`
	OrderID    string    `json:"order_id,omitempty"`
	DeliveryID string    `json:"delivery_id,omitempty"`
	OldStatus  string    `json:"old_status,omitempty"`
	NewStatus  string    `json:"new_status,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	Endpoint   string    `json:"endpoint,omitempty"`
	Request    string    `json:"request,omitempty"`
	Message    string    `json:"message"`
}

type AuditPoolConfig struct {
	BatchSize   int
	Timeout     time.Duration
	ChannelSize int
}

type AuditLogProcessor interface {
	Process(ctx context.Context, batch []AuditLog) error
}

type DBProcessor struct {
	db *sql.DB
}

func NewDBProcessor(db *sql.DB) *DBProcessor {
	return &DBProcessor{db: db}
}

const auditColumns = 9

func (p *DBProcessor) Process(ctx context.Context, batch []AuditLog) error {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO audit_logs (created_at, order_id, delivery_id, old_status, new_status, actor, endpoint, request, message) VALUES `)

	params := make([]any, 0, len(batch)*auditColumns)
	for i, rec := range batch {
		if i > 0 {
			sb.WriteString(",")
		}
		n := len(params)
		fmt.Fprintf(&sb, "($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)", n+1, n+2, n+3, n+4, n+5, n+6, n+7, n+8, n+9)
		params = append(params, rec.Timestamp, rec.OrderID, rec.DeliveryID, rec.OldStatus, rec.NewStatus,
			rec.Actor, rec.Endpoint, rec.Request, rec.Message)
	}
	if _, err := p.db.ExecContext(ctx, sb.String(), params...); err != nil {
		return fmt.Errorf("insert audit logs: %w", err)
	}
	return nil
}

// StdoutProcessor prints a human readable line per record. With a Filter set
// only records whose message contains it (case-insensitive) are printed.
type StdoutProcessor struct {
	Filter string
	Out    io.Writer
}

func (p *StdoutProcessor) Process(_ context.Context, batch []AuditLog) error {
	out := p.Out
	if out == nil {
		out = os.Stdout
	}
	filter := strings.ToLower(p.Filter)
	for _, rec := range batch {
		if filter != "" && !strings.Contains(strings.ToLower(rec.Message), filter) {
			continue
		}
		_, err := fmt.Fprintf(out, "AUDIT: %s | order=%s delivery=%s | %s -> %s | actor=%s | %s\n",
			rec.Timestamp.Format(time.RFC3339), rec.OrderID, rec.DeliveryID,
			rec.OldStatus, rec.NewStatus, rec.Actor, rec.Message)
		if err != nil {
			return err
		}
	}
	return nil
}

// OutboxProcessor stores each batch as one outbox task so it reaches Kafka
// through the same retrying publisher as status events.
type OutboxProcessor struct {
	tasks repository.TaskRepository
	topic string
}

func NewOutboxProcessor(tasks repository.TaskRepository, topic string) *OutboxProcessor {
	return &OutboxProcessor{tasks: tasks, topic: topic}
}

func (p *OutboxProcessor) Process(ctx context.Context, batch []AuditLog) error {
	payload, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal audit batch: %w", err)
	}
	if err := p.tasks.CreateTask(ctx, p.topic, "audit-"+uuid.NewString(), payload); err != nil {
		return fmt.Errorf("outbox audit batch: %w", err)
	}
	return nil
}

type AuditWorkerPool struct {
	inputCh    chan AuditLog
	processors []AuditLogProcessor
	batchSize  int
	timeout    time.Duration
	logger     *slog.Logger

	wg sync.WaitGroup
}

func NewAuditWorkerPool(cfg AuditPoolConfig, logger *slog.Logger, processors ...AuditLogProcessor) *AuditWorkerPool {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}
	return &AuditWorkerPool{
		inputCh:    make(chan AuditLog, cfg.ChannelSize),
		processors: processors,
		batchSize:  cfg.BatchSize,
		timeout:    cfg.Timeout,
		logger:     logger,
	}
}

func (p *AuditWorkerPool) Start(ctx context.Context, numWorkers int) {
	for i := 0; i < numWorkers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.worker(ctx)
		}()
	}
}

func (p *AuditWorkerPool) worker(ctx context.Context) {
	var batch []AuditLog
	ticker := time.NewTicker(p.timeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.flush(p.drain(batch))
			return
		case rec := <-p.inputCh:
			batch = append(batch, rec)
			if len(batch) >= p.batchSize {
				p.processBatch(ctx, batch)
				batch = nil
				ticker.Reset(p.timeout)
			}
		case <-ticker.C:
			if len(batch) > 0 {
				p.processBatch(ctx, batch)
				batch = nil
			}
		}
	}
}

// drain takes whatever is still queued without blocking.
func (p *AuditWorkerPool) drain(batch []AuditLog) []AuditLog {
	for {
		select {
		case rec := <-p.inputCh:
			batch = append(batch, rec)
		default:
			return batch
		}
	}
}

// flush runs after the pool context is gone, so it gets its own deadline.
func (p *AuditWorkerPool) flush(batch []AuditLog) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for len(batch) > 0 {
		n := min(len(batch), p.batchSize)
		p.processBatch(ctx, batch[:n])
		batch = batch[n:]
	}
}

func (p *AuditWorkerPool) processBatch(ctx context.Context, batch []AuditLog) {
	for _, proc := range p.processors {
		if err := proc.Process(ctx, batch); err != nil {
			p.logger.Error("audit batch failed", "size", len(batch), "err", err)
		}
	}
}

// Log never blocks; records are dropped when the queue is full.
func (p *AuditWorkerPool) Log(record AuditLog) {
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}
	select {
	case p.inputCh <- record:
	default:
		p.logger.Warn("audit queue full, dropping record", "order_id", record.OrderID)
	}
}

func (p *AuditWorkerPool) Shutdown(cancelFunc context.CancelFunc) {
	cancelFunc()
	p.wg.Wait()
}
