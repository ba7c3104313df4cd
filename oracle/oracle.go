// Package oracle converts USD tool prices to native-currency amounts using
// an upstream spot-price feed with a TTL cache and a fixed fallback rate.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

// RateSource yields the current USD-per-coin rate. The gateway and the
// payment client both consume this interface.
type RateSource interface {
	Rate(ctx context.Context) (float64, error)
}

const defaultEndpoint = "https://api.coingecko.com/api/v3/simple/price?ids=bitcoin-cash&vs_currencies=usd"

// Config tunes the oracle. Zero values select the defaults below.
type Config struct {
	Endpoint      string
	FallbackRate  float64       // used when the upstream is unreachable (default 330)
	TTL           time.Duration // cache lifetime (default 5m)
	FallbackRetry time.Duration // retry window after serving the fallback (default 30s)
	HTTPTimeout   time.Duration // per-fetch deadline (default 4s)
	Logger        *slog.Logger
}

type call struct {
	done chan struct{}
	rate float64
}

// Oracle caches the upstream rate and dedups concurrent fetches. A fetch
// failure serves the fallback rate with a shortened cache window so the
// upstream is retried soon.
type Oracle struct {
	cfg     Config
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[float64]
	log     *slog.Logger

	mu        sync.Mutex
	cached    float64
	fetchedAt time.Time
	inFlight  *call
}

// New creates an oracle with the given configuration.
func New(cfg Config) *Oracle {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	if cfg.FallbackRate == 0 {
		cfg.FallbackRate = 330
	}
	if cfg.TTL == 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.FallbackRetry == 0 {
		cfg.FallbackRetry = 30 * time.Second
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 4 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	breaker := gobreaker.NewCircuitBreaker[float64](gobreaker.Settings{
		Name:    "price-oracle",
		Timeout: 30 * time.Second,
	})

	return &Oracle{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.HTTPTimeout},
		breaker: breaker,
		log:     log,
	}
}

// Rate returns the cached USD-per-coin rate, fetching if the cache has
// expired. Concurrent callers share one in-flight fetch. Never fails:
// when the upstream is down the fallback rate is served.
func (o *Oracle) Rate(ctx context.Context) (float64, error) {
	o.mu.Lock()
	if o.cached != 0 && time.Since(o.fetchedAt) < o.cfg.TTL {
		rate := o.cached
		o.mu.Unlock()
		return rate, nil
	}
	if o.inFlight != nil {
		c := o.inFlight
		o.mu.Unlock()
		select {
		case <-c.done:
			return c.rate, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	c := &call{done: make(chan struct{})}
	o.inFlight = c
	o.mu.Unlock()

	rate, err := o.breaker.Execute(func() (float64, error) {
		return o.fetch(ctx)
	})

	o.mu.Lock()
	if err != nil {
		// Serve the fallback, but shorten the cache window so the
		// upstream is retried soon.
		o.log.Warn("price fetch failed, using fallback rate",
			"fallback", o.cfg.FallbackRate, "error", err)
		rate = o.cfg.FallbackRate
		o.fetchedAt = time.Now().Add(o.cfg.FallbackRetry - o.cfg.TTL)
	} else {
		o.fetchedAt = time.Now()
	}
	o.cached = rate
	o.inFlight = nil
	c.rate = rate
	close(c.done)
	o.mu.Unlock()

	return rate, nil
}

func (o *Oracle) fetch(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.cfg.Endpoint, nil)
	if err != nil {
		return 0, err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("price feed returned %d", resp.StatusCode)
	}

	var body map[string]map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("invalid price feed response: %w", err)
	}
	price := body["bitcoin-cash"]["usd"]
	if price <= 0 {
		return 0, fmt.Errorf("no price in response")
	}
	return price, nil
}

// Fixed is a RateSource pinned to one rate, for tests and offline use.
type Fixed float64

func (f Fixed) Rate(context.Context) (float64, error) { return float64(f), nil }
