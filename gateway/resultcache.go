package gateway

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agent402/agentpay"
)

// Claim outcomes. ErrResultExpired maps to 410 Gone; ErrClaimInFlight
// means another claim on the same resultId is mid-verification and the
// caller should retry.
var (
	ErrResultExpired = errors.New("result expired or already claimed")
	ErrClaimInFlight = errors.New("claim already in flight")
)

// PendingResult is a tool output executed before payment, held until the
// matching payment claim or expiry. Delivered to at most one caller.
type PendingResult struct {
	ID        string
	Payload   interface{}
	Price     agentpay.Satoshis
	PriceUSD  float64
	CreatedAt time.Time
	ExpiresAt time.Time
}

type resultEntry struct {
	result   PendingResult
	claiming bool
}

// ResultCache holds pending results with a TTL. Claims are two-phase:
// Begin reserves the entry, then Commit deletes it or Abandon returns it
// to a claimable state, so a failed verification never burns the result
// and a successful one removes it before the payload is written.
type ResultCache struct {
	mu      sync.Mutex
	entries map[string]*resultEntry
	ttl     time.Duration

	stop chan struct{}
	done chan struct{}
}

// NewResultCache creates a cache whose entries expire after ttl. Expired
// entries are swept once a minute or every ttl, whichever is shorter.
func NewResultCache(ttl time.Duration) *ResultCache {
	c := &ResultCache{
		entries: make(map[string]*resultEntry),
		ttl:     ttl,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Put stores a freshly executed payload and returns its pending result
// with a new resultId.
func (c *ResultCache) Put(payload interface{}, price agentpay.Satoshis, priceUSD float64) PendingResult {
	now := time.Now()
	result := PendingResult{
		ID:        uuid.NewString(),
		Payload:   payload,
		Price:     price,
		PriceUSD:  priceUSD,
		CreatedAt: now,
		ExpiresAt: now.Add(c.ttl),
	}
	c.mu.Lock()
	c.entries[result.ID] = &resultEntry{result: result}
	c.mu.Unlock()
	return result
}

// BeginClaim reserves the entry for one claim attempt. The caller must
// follow with Commit or Abandon.
func (c *ResultCache) BeginClaim(id string) (PendingResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[id]
	if !ok || time.Now().After(entry.result.ExpiresAt) {
		delete(c.entries, id)
		return PendingResult{}, ErrResultExpired
	}
	if entry.claiming {
		return PendingResult{}, ErrClaimInFlight
	}
	entry.claiming = true
	return entry.result, nil
}

// Commit removes a successfully claimed entry.
func (c *ResultCache) Commit(id string) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}

// Abandon releases the claim reservation, leaving the entry claimable
// until its TTL.
func (c *ResultCache) Abandon(id string) {
	c.mu.Lock()
	if entry, ok := c.entries[id]; ok {
		entry.claiming = false
	}
	c.mu.Unlock()
}

// Len returns the number of live entries.
func (c *ResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *ResultCache) sweep() {
	defer close(c.done)
	interval := time.Minute
	if c.ttl < interval {
		interval = c.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for id, entry := range c.entries {
				if now.After(entry.result.ExpiresAt) && !entry.claiming {
					delete(c.entries, id)
				}
			}
			c.mu.Unlock()
		case <-c.stop:
			return
		}
	}
}

// Close stops the background sweep.
func (c *ResultCache) Close() {
	close(c.stop)
	<-c.done
}
