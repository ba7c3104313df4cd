package client

import (
	"context"

	"github.com/agent402/agentpay/wallet"
)

// Agent couples a payment client with a wallet pool: each call runs on a
// leased worker wallet that is released when the call finishes, so up to
// pool-size calls pay in parallel without nonce collisions.
type Agent struct {
	pool   *wallet.Pool
	client *Client
}

// NewAgent wraps a pool and a client.
func NewAgent(pool *wallet.Pool, client *Client) *Agent {
	return &Agent{pool: pool, client: client}
}

// Call acquires a wallet, runs the paid call, and releases the wallet.
// Fails with Busy when the pool is exhausted; no funds move in that case.
func (a *Agent) Call(ctx context.Context, url string, params interface{}) (*CallResult, error) {
	lease, err := a.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer lease.Release()
	return a.client.Call(ctx, lease, url, params)
}

// Subscribe exposes pool state changes, for dashboards and logs.
func (a *Agent) Subscribe(fn func([]wallet.Snapshot)) (unsubscribe func()) {
	return a.pool.Subscribe(fn)
}
