package mesh

import (
	"sync"
	"time"
)

// Gate enforces a minimum gap between job starts. Foreground requests and
// the collector share a gate so a refresh is not started twice in a row.
type Gate struct {
	mu   sync.Mutex
	last time.Time
	gap  time.Duration
	now  func() time.Time
}

// NewGate creates a gate allowing one start per gap.
func NewGate(gap time.Duration) *Gate {
	return &Gate{gap: gap, now: time.Now}
}

// Allow reports whether a job may start now, and if so records the start.
func (g *Gate) Allow() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if !g.last.IsZero() && now.Sub(g.last) < g.gap {
		return false
	}
	g.last = now
	return true
}

// Reset forgets the last start
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.last = time.Time{}
}
