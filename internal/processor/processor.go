package taskprocessor

import (
	"context"
	"log/slog"
	"time"

	"github.com/salambundo/gasorder/internal/repository"
)

type Publisher interface {
	Publish(topic, key string, value []byte) error
}

type TaskProcessor struct {
	repo         repository.TaskRepository
	producer     Publisher
	topic        string
	pollInterval time.Duration
	limit        int
	maxAttempts  int
	retryDelay   time.Duration
	logger       *slog.Logger
}

// NewTaskProcessor publishes tasks without a topic of their own to topic.
func NewTaskProcessor(repo repository.TaskRepository, producer Publisher, topic string, pollInterval time.Duration, limit int, logger *slog.Logger) *TaskProcessor {
	return &TaskProcessor{
		repo:         repo,
		producer:     producer,
		topic:        topic,
		pollInterval: pollInterval,
		limit:        limit,
		maxAttempts:  3,
		retryDelay:   2 * time.Second,
		logger:       logger,
	}
}

func (p *TaskProcessor) Start(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ProcessPending(ctx)
			ticker.Reset(p.pollInterval)
		}
	}
}

// ProcessPending runs one polling round and returns how many tasks were
// published.
func (p *TaskProcessor) ProcessPending(ctx context.Context) int {
	tasks, err := p.repo.GetPendingTasks(ctx, p.limit, p.maxAttempts, p.retryDelay)
	if err != nil {
		p.logger.Error("fetch pending tasks", "err", err)
		return 0
	}
	published := 0
	for _, task := range tasks {
		if err := p.repo.MarkTaskProcessing(ctx, task.ID); err != nil {
			p.logger.Error("mark task processing", "task_id", task.ID, "err", err)
			continue
		}

		topic := task.Topic
		if topic == "" {
			topic = p.topic
		}
		if err := p.producer.Publish(topic, task.Key, task.Payload); err != nil {
			p.update(ctx, task, err)
			continue
		}
		published++
		p.logger.Debug("task published", "task_id", task.ID, "topic", topic)
		if err := p.repo.DeleteTask(ctx, task.ID); err != nil {
			p.logger.Error("delete published task", "task_id", task.ID, "err", err)
		}
	}
	return published
}

func (p *TaskProcessor) update(ctx context.Context, task *repository.Task, err error) {
	newAttempt := task.AttemptCount + 1
	newStatus := repository.TaskStatusFailed
	if newAttempt >= p.maxAttempts {
		newStatus = repository.TaskStatusNoAttemptsLeft
	}
	nextAttempt := time.Now().Add(p.retryDelay)
	if errUpd := p.repo.UpdateTaskFailure(ctx, task.ID, newAttempt, newStatus, nextAttempt); errUpd != nil {
		p.logger.Error("update failed task", "task_id", task.ID, "err", errUpd)
	}
	p.logger.Warn("publish task failed", "task_id", task.ID, "attempt", newAttempt, "status", newStatus, "err", err)
}
