package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/salambundo/gasorder/internal/models"
)

// SessionCache maps bearer tokens to the user that logged in with them.
type SessionCache struct {
	mu       sync.RWMutex
	sessions map[string]models.User
}

func NewSessionCache() *SessionCache {
	return &SessionCache{
		sessions: make(map[string]models.User),
	}
}

func (c *SessionCache) Put(token string, u models.User) {
	c.mu.Lock()
	c.sessions[token] = u
	c.mu.Unlock()
}

func (c *SessionCache) Get(token string) (models.User, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.sessions[token]
	return u, ok
}

func (c *SessionCache) Delete(token string) {
	c.mu.Lock()
	delete(c.sessions, token)
	c.mu.Unlock()
}

func (c *SessionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

// Tokens returns a snapshot of the stored tokens.
func (c *SessionCache) Tokens() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.sessions))
	for t := range c.sessions {
		out = append(out, t)
	}
	return out
}

type entry struct {
	seq    uint64
	orders []models.Order
	at     time.Time
}

// OrderListCache keeps the last fetched order list per scope. A fetch takes a
// ticket with Begin before calling the backend; Store drops the result if a
// fetch that started later already stored its own.
//
// Across scopes the cache also remembers, per order, the newest ticket whose
// result was observed, so a slow fetch cannot report an older state of an
// order than one already seen.
type OrderListCache struct {
	mu      sync.RWMutex
	next    uint64
	entries map[string]entry
	seen    map[string]uint64
}

func NewOrderListCache() *OrderListCache {
	return &OrderListCache{
		entries: make(map[string]entry),
		seen:    make(map[string]uint64),
	}
}

func (c *OrderListCache) Begin() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	return c.next
}

// Store reports whether orders replaced the cached list for scope.
func (c *OrderListCache) Store(scope string, seq uint64, orders []models.Order) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.entries[scope]; ok && cur.seq > seq {
		return false
	}
	c.entries[scope] = entry{seq: seq, orders: orders, at: time.Now()}
	return true
}

// Newest returns the orders no later ticket has claimed yet and claims them
// for seq.
func (c *OrderListCache) Newest(seq uint64, orders []models.Order) []models.Order {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Order, 0, len(orders))
	for _, o := range orders {
		if o.ID == "" {
			continue
		}
		if c.seen[o.ID] > seq {
			continue
		}
		c.seen[o.ID] = seq
		out = append(out, o)
	}
	return out
}

func (c *OrderListCache) Get(scope string) ([]models.Order, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[scope]
	return e.orders, ok
}

type RefreshFunc func(ctx context.Context) error

// StartAutoRefresh calls refresh every interval until ctx is done. Failures
// are logged and the loop keeps going.
func StartAutoRefresh(ctx context.Context, logger *slog.Logger, refresh RefreshFunc, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := refresh(ctx); err != nil {
				logger.Warn("auto refresh failed", "err", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
