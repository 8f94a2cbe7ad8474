package sync

import (
	stdsync "sync"
	"time"
)

// Clock источник серверного времени для маркеров modifiedAt
type Clock interface {
	Now() time.Time
}

// MonotonicClock строго возрастающие метки с микросекундной точностью,
// как их хранит PostgreSQL
type MonotonicClock struct {
	mu   stdsync.Mutex
	last time.Time
	now  func() time.Time
}

func NewMonotonicClock(now func() time.Time) *MonotonicClock {
	if now == nil {
		now = time.Now
	}
	return &MonotonicClock{now: now}
}

func (c *MonotonicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now().UTC().Truncate(time.Microsecond)
	if !t.After(c.last) {
		t = c.last.Add(time.Microsecond)
	}
	c.last = t
	return t
}
