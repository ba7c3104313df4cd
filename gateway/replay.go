package gateway

import (
	"sync"
	"time"
)

// replayGuard remembers transaction ids already accepted as payment so a
// second resubmission of the same transfer is rejected. Entries age out
// after the dedup window; a transaction that old is assumed to be spent
// against a long-expired challenge.
type replayGuard struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration

	stop chan struct{}
	done chan struct{}
}

func newReplayGuard(ttl time.Duration) *replayGuard {
	g := &replayGuard{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go g.sweep()
	return g
}

// mark records txHash as used. Returns false if it was already used,
// atomically with respect to concurrent resubmissions.
func (g *replayGuard) mark(txHash string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if used, ok := g.seen[txHash]; ok && time.Since(used) < g.ttl {
		return false
	}
	g.seen[txHash] = time.Now()
	return true
}

func (g *replayGuard) sweep() {
	defer close(g.done)
	interval := g.ttl / 10
	if interval > 10*time.Minute {
		interval = 10 * time.Minute
	}
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.mu.Lock()
			for tx, used := range g.seen {
				if time.Since(used) >= g.ttl {
					delete(g.seen, tx)
				}
			}
			g.mu.Unlock()
		case <-g.stop:
			return
		}
	}
}

func (g *replayGuard) close() {
	close(g.stop)
	<-g.done
}
