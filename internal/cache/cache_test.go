package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/salambundo/gasorder/internal/models"
)

func TestSessionCache(t *testing.T) {
	c := NewSessionCache()
	c.Put("t1", models.User{ID: "u1", Role: models.RoleAdmin})

	u, ok := c.Get("t1")
	require.True(t, ok)
	assert.Equal(t, models.RoleAdmin, u.Role)
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, []string{"t1"}, c.Tokens())

	c.Delete("t1")
	_, ok = c.Get("t1")
	assert.False(t, ok)
}

func TestOrderListCacheLaterFetchWins(t *testing.T) {
	c := NewOrderListCache()
	first := c.Begin()
	second := c.Begin()

	assert.True(t, c.Store("all", second, []models.Order{{ID: "new"}}))
	assert.False(t, c.Store("all", first, []models.Order{{ID: "old"}}))

	got, ok := c.Get("all")
	require.True(t, ok)
	assert.Equal(t, "new", got[0].ID)
}

func TestOrderListCacheNewestSkipsOrdersClaimedLater(t *testing.T) {
	c := NewOrderListCache()
	slow := c.Begin()
	fast := c.Begin()

	got := c.Newest(fast, []models.Order{{ID: "o1", PaymentStatus: models.PaymentSuccess}})
	require.Len(t, got, 1)

	got = c.Newest(slow, []models.Order{
		{ID: "o1", PaymentStatus: models.PaymentPending},
		{ID: "o2"},
		{ID: ""},
	})
	require.Len(t, got, 1)
	assert.Equal(t, "o2", got[0].ID)

	again := c.Begin()
	got = c.Newest(again, []models.Order{{ID: "o1"}})
	assert.Len(t, got, 1)
}

func TestOrderListCacheScopesAreIndependent(t *testing.T) {
	c := NewOrderListCache()
	a := c.Begin()
	b := c.Begin()
	assert.True(t, c.Store("user:b", b, []models.Order{{ID: "o2"}}))
	assert.True(t, c.Store("user:a", a, []models.Order{{ID: "o1"}}))

	_, ok := c.Get("user:c")
	assert.False(t, ok)
	got, ok := c.Get("user:a")
	require.True(t, ok)
	assert.Equal(t, "o1", got[0].ID)
}

func TestStartAutoRefresh(t *testing.T) {
	defer goleak.VerifyNone(t)

	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		StartAutoRefresh(ctx, slog.New(slog.NewTextHandler(io.Discard, nil)), func(context.Context) error {
			if calls.Add(1) == 1 {
				return errors.New("backend down")
			}
			return nil
		}, 5*time.Millisecond)
	}()

	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
