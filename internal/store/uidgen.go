package store

import (
	"sync"
	"time"
)

// tempUIDGenerator mints negative placeholder UIDs for emails moved locally
// before the server has assigned a real UID. Values are seeded from the
// current time and strictly decreasing, so no two batches can collide.
type tempUIDGenerator struct {
	mu   sync.Mutex
	last int64
}

// Next returns the next unique temporary UID (always negative)
func (g *tempUIDGenerator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	uid := -time.Now().UnixMilli()
	if uid >= g.last {
		uid = g.last - 1
	}
	g.last = uid
	return uid
}
