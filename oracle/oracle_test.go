package oracle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func priceServer(t *testing.T, price float64, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"bitcoin-cash":{"usd":` + strconv.FormatFloat(price, 'f', -1, 64) + `}}`))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestRateFetchesAndCaches(t *testing.T) {
	var hits atomic.Int64
	server := priceServer(t, 412.5, &hits)

	o := New(Config{Endpoint: server.URL, TTL: time.Minute})
	ctx := context.Background()

	rate, err := o.Rate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 412.5, rate)

	// Cached: no second upstream hit within the TTL.
	rate, err = o.Rate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 412.5, rate)
	assert.Equal(t, int64(1), hits.Load())
}

func TestRateServesFallbackWhenUpstreamDown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(server.Close)

	o := New(Config{Endpoint: server.URL, FallbackRate: 330})
	rate, err := o.Rate(context.Background())
	require.NoError(t, err, "the oracle never fails, it falls back")
	assert.Equal(t, 330.0, rate)
}

func TestRateFallbackRetriesSooner(t *testing.T) {
	var healthy atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"bitcoin-cash":{"usd":500}}`))
	}))
	t.Cleanup(server.Close)

	o := New(Config{
		Endpoint:      server.URL,
		FallbackRate:  330,
		TTL:           time.Hour,
		FallbackRetry: 10 * time.Millisecond,
	})
	ctx := context.Background()

	rate, _ := o.Rate(ctx)
	assert.Equal(t, 330.0, rate)

	// The fallback's shortened window expires well before the TTL.
	healthy.Store(true)
	time.Sleep(20 * time.Millisecond)
	rate, _ = o.Rate(ctx)
	assert.Equal(t, 500.0, rate)
}

func TestFixedRateSource(t *testing.T) {
	rate, err := Fixed(400).Rate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 400.0, rate)
}
