package taskprocessor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salambundo/gasorder/internal/repository"
	"github.com/salambundo/gasorder/internal/storage"
)

type message struct {
	topic, key string
	value      []byte
}

type fakeProducer struct {
	fail bool
	sent []message
}

func (f *fakeProducer) Publish(topic, key string, value []byte) error {
	if f.fail {
		return errors.New("broker unavailable")
	}
	f.sent = append(f.sent, message{topic, key, value})
	return nil
}

func newProcessor(tasks repository.TaskRepository, prod Publisher) *TaskProcessor {
	p := NewTaskProcessor(tasks, prod, "order-status", time.Millisecond, 10, slog.New(slog.NewTextHandler(io.Discard, nil)))
	p.retryDelay = 0
	return p
}

func TestPublishesAndDeletes(t *testing.T) {
	ctx := context.Background()
	tasks := storage.NewTaskStore()
	require.NoError(t, tasks.CreateTask(ctx, "", "o1", []byte(`{"a":1}`)))
	require.NoError(t, tasks.CreateTask(ctx, "order-audit", "audit-1", []byte(`[]`)))

	prod := &fakeProducer{}
	assert.Equal(t, 2, newProcessor(tasks, prod).ProcessPending(ctx))

	require.Len(t, prod.sent, 2)
	assert.Equal(t, message{"order-status", "o1", []byte(`{"a":1}`)}, prod.sent[0])
	assert.Equal(t, "order-audit", prod.sent[1].topic)
	assert.Empty(t, tasks.Tasks())
}

func TestFailureRetriesThenGivesUp(t *testing.T) {
	ctx := context.Background()
	tasks := storage.NewTaskStore()
	require.NoError(t, tasks.CreateTask(ctx, "", "o1", []byte("x")))

	prod := &fakeProducer{fail: true}
	p := newProcessor(tasks, prod)

	for attempt := 1; attempt <= 3; attempt++ {
		assert.Equal(t, 0, p.ProcessPending(ctx))
		stored := tasks.Tasks()
		require.Len(t, stored, 1)
		assert.Equal(t, attempt, stored[0].AttemptCount)
	}
	assert.Equal(t, repository.TaskStatusNoAttemptsLeft, tasks.Tasks()[0].Status)

	prod.fail = false
	assert.Equal(t, 0, p.ProcessPending(ctx), "exhausted task is not retried")
	assert.Empty(t, prod.sent)
}

func TestStartStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tasks := storage.NewTaskStore()
	require.NoError(t, tasks.CreateTask(ctx, "", "o1", []byte("x")))

	done := make(chan struct{})
	go func() {
		defer close(done)
		newProcessor(tasks, &fakeProducer{}).Start(ctx)
	}()

	assert.Eventually(t, func() bool { return len(tasks.Tasks()) == 0 }, time.Second, time.Millisecond)
	cancel()
	<-done
}
