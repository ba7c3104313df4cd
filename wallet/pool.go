package wallet

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sourcegraph/conc"

	"github.com/agent402/agentpay"
	"github.com/agent402/agentpay/chain"
)

// PoolConfig tunes the worker pool. Zero values select the defaults
// noted on each field.
type PoolConfig struct {
	Size         int    // number of worker wallets (default 4)
	KeystorePath string // where worker keys persist (default "wallets.json")

	MinForTools agentpay.Satoshis // acquire tops up below this (default 0.0002 coins)
	MinForGas   agentpay.Satoshis // post-funding floor and sweep threshold (default 0.0001 coins)
	TopupAmount agentpay.Satoshis // per-topup transfer size (default 0.001 coins)

	FundingWait   time.Duration // bounded wait for the funding slot (default 10s)
	SettleWait    time.Duration // pause before re-reading balance after a topup (default 2s)
	SweepInterval time.Duration // background top-up cadence (default 30s)

	Logger *slog.Logger
}

func (cfg PoolConfig) withDefaults() PoolConfig {
	if cfg.Size == 0 {
		cfg.Size = 4
	}
	if cfg.KeystorePath == "" {
		cfg.KeystorePath = "wallets.json"
	}
	if cfg.MinForTools == 0 {
		cfg.MinForTools = agentpay.CoinsToSatoshis(0.0002)
	}
	if cfg.MinForGas == 0 {
		cfg.MinForGas = agentpay.CoinsToSatoshis(0.0001)
	}
	if cfg.TopupAmount == 0 {
		cfg.TopupAmount = agentpay.CoinsToSatoshis(0.001)
	}
	if cfg.FundingWait == 0 {
		cfg.FundingWait = 10 * time.Second
	}
	if cfg.SettleWait == 0 {
		cfg.SettleWait = 2 * time.Second
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// Pool owns a fixed set of worker wallets. Acquire hands out the least
// recently used free wallet with funds guaranteed above the tool
// threshold; Release returns it. All key material stays inside the pool.
type Pool struct {
	cfg      PoolConfig
	chain    chain.Client
	treasury *Treasury
	log      *slog.Logger

	mu      sync.Mutex
	workers []*worker

	// The treasury key has a single nonce sequence, so only one topup
	// may be outstanding at a time. Other funding requests wait on this
	// slot with a bounded timeout.
	fundingSlot chan struct{}

	obsMu     sync.Mutex
	observers map[int]func([]Snapshot)
	nextObs   int

	bg      conc.WaitGroup
	stop    chan struct{}
	stopped sync.Once
}

// NewPool loads or generates the worker keys and builds the pool. No
// network calls are made; balances are discovered lazily.
func NewPool(cfg PoolConfig, c chain.Client, treasury *Treasury) (*Pool, error) {
	cfg = cfg.withDefaults()

	keys, err := loadOrCreateKeys(cfg.KeystorePath, cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to load worker keys: %w", err)
	}

	workers := make([]*worker, len(keys))
	for i, key := range keys {
		workers[i] = &worker{
			id:      fmt.Sprintf("worker-%d", i),
			key:     key,
			address: crypto.PubkeyToAddress(key.PublicKey).Hex(),
		}
	}

	return &Pool{
		cfg:         cfg,
		chain:       c,
		treasury:    treasury,
		log:         cfg.Logger,
		workers:     workers,
		fundingSlot: make(chan struct{}, 1),
		observers:   make(map[int]func([]Snapshot)),
		stop:        make(chan struct{}),
	}, nil
}

// Start launches the background sweep that opportunistically tops up
// idle wallets below the gas floor. Sweep errors are logged, never
// surfaced.
func (p *Pool) Start() {
	p.bg.Go(func() {
		ticker := time.NewTicker(p.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.sweep()
			case <-p.stop:
				return
			}
		}
	})
}

// Close stops background maintenance and waits for it to finish.
func (p *Pool) Close() {
	p.stopped.Do(func() { close(p.stop) })
	p.bg.Wait()
}

// Acquire returns a lease on the least recently used free wallet,
// funding it first if its balance is below the tool threshold. Fails
// with Busy when every wallet is held.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	// Mark busy before any I/O so two callers can never hold the same
	// wallet while funding is in flight.
	p.mu.Lock()
	var w *worker
	for _, cand := range p.workers {
		if cand.busy {
			continue
		}
		if w == nil || cand.lastUsed.Before(w.lastUsed) {
			w = cand
		}
	}
	if w == nil {
		p.mu.Unlock()
		return nil, agentpay.NewPaymentError(agentpay.ErrCodeBusy,
			"all worker wallets are busy", nil)
	}
	w.busy = true
	w.lastUsed = time.Now()
	p.mu.Unlock()
	p.notify()

	if err := p.ensureFunds(ctx, w); err != nil {
		p.mu.Lock()
		w.busy = false
		p.mu.Unlock()
		p.notify()
		return nil, err
	}

	p.log.Debug("wallet acquired", "id", w.id, "address", w.address, "balance", w.balance)
	return &Lease{pool: p, worker: w}, nil
}

func (p *Pool) release(w *worker) {
	p.mu.Lock()
	w.busy = false
	p.mu.Unlock()
	p.notify()
	p.log.Debug("wallet released", "id", w.id)

	// Refresh the cached balance off the caller's path.
	p.bg.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		p.refreshBalance(ctx, w)
	})
}

// ensureFunds guarantees the wallet holds at least MinForTools, topping
// up from the treasury when it does not. Topups are serialized through
// the funding slot; waiting longer than FundingWait fails FundingTimeout.
func (p *Pool) ensureFunds(ctx context.Context, w *worker) error {
	balance, err := p.refreshBalance(ctx, w)
	if err != nil {
		return agentpay.NewPaymentError(agentpay.ErrCodeFundingFailed,
			"balance query failed", map[string]interface{}{"error": err.Error()})
	}
	if balance >= p.cfg.MinForTools {
		return nil
	}

	wait := time.NewTimer(p.cfg.FundingWait)
	defer wait.Stop()
	select {
	case p.fundingSlot <- struct{}{}:
	case <-wait.C:
		return agentpay.NewPaymentError(agentpay.ErrCodeFundingTimeout,
			"timed out waiting for the funding slot",
			map[string]interface{}{"wallet": w.address})
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-p.fundingSlot }()

	// Another funding pass (the sweep, or a racing acquire) may have
	// topped this wallet up while we waited for the slot; a wallet gets
	// one topup, not one per waiter.
	balance, err = p.refreshBalance(ctx, w)
	if err != nil {
		return agentpay.NewPaymentError(agentpay.ErrCodeFundingFailed,
			"balance query failed", map[string]interface{}{"error": err.Error()})
	}
	if balance >= p.cfg.MinForTools {
		return nil
	}

	sent, txHash, err := p.treasury.Send(ctx, w.address, p.cfg.TopupAmount)
	if err != nil {
		if agentpay.IsCode(err, agentpay.ErrCodeTreasuryLow) {
			return err
		}
		return agentpay.NewPaymentError(agentpay.ErrCodeFundingFailed,
			"treasury topup failed", map[string]interface{}{"error": err.Error()})
	}
	p.log.Info("worker wallet funded", "id", w.id, "amount", sent, "tx", txHash)

	select {
	case <-time.After(p.cfg.SettleWait):
	case <-ctx.Done():
		return ctx.Err()
	}

	balance, err = p.refreshBalance(ctx, w)
	if err != nil || balance < p.cfg.MinForGas {
		return agentpay.NewPaymentError(agentpay.ErrCodeFundingIncomplete,
			"wallet balance still below the gas floor after topup",
			map[string]interface{}{"wallet": w.address, "balance": int64(balance)})
	}
	return nil
}

func (p *Pool) refreshBalance(ctx context.Context, w *worker) (agentpay.Satoshis, error) {
	balance, err := p.chain.Balance(ctx, w.address)
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	w.balance = balance
	p.mu.Unlock()
	p.notify()
	return balance, nil
}

func (p *Pool) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.SweepInterval)
	defer cancel()

	p.mu.Lock()
	idle := make([]*worker, 0, len(p.workers))
	for _, w := range p.workers {
		if !w.busy {
			idle = append(idle, w)
		}
	}
	p.mu.Unlock()

	for _, w := range idle {
		balance, err := p.refreshBalance(ctx, w)
		if err != nil {
			p.log.Warn("sweep balance query failed", "id", w.id, "error", err)
			continue
		}
		if balance >= p.cfg.MinForGas {
			continue
		}

		// Skip the wallet if a caller took it while we were reading.
		p.mu.Lock()
		taken := w.busy
		p.mu.Unlock()
		if taken {
			continue
		}
		if err := p.ensureFunds(ctx, w); err != nil {
			p.log.Warn("sweep topup failed", "id", w.id, "error", err)
		}
	}
}

// Snapshot returns the current state of every worker wallet.
func (p *Pool) Snapshot() []Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Snapshot, len(p.workers))
	for i, w := range p.workers {
		out[i] = w.snapshot()
	}
	return out
}

// Subscribe registers fn to receive a snapshot on every state change,
// and immediately with the current state. The returned function
// unsubscribes.
func (p *Pool) Subscribe(fn func([]Snapshot)) (unsubscribe func()) {
	p.obsMu.Lock()
	id := p.nextObs
	p.nextObs++
	p.observers[id] = fn
	p.obsMu.Unlock()

	fn(p.Snapshot())

	return func() {
		p.obsMu.Lock()
		delete(p.observers, id)
		p.obsMu.Unlock()
	}
}

func (p *Pool) notify() {
	snap := p.Snapshot()
	p.obsMu.Lock()
	fns := make([]func([]Snapshot), 0, len(p.observers))
	for _, fn := range p.observers {
		fns = append(fns, fn)
	}
	p.obsMu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}

// Lease is a caller's hold on one worker wallet. It can sign transfers
// without exposing the key, and must be released exactly once.
type Lease struct {
	pool   *Pool
	worker *worker

	mu       sync.Mutex
	released bool
}

// Address returns the leased wallet's address.
func (l *Lease) Address() string { return l.worker.address }

// Send signs and broadcasts a transfer from the leased wallet.
func (l *Lease) Send(ctx context.Context, to string, amount agentpay.Satoshis) (string, error) {
	l.mu.Lock()
	released := l.released
	l.mu.Unlock()
	if released {
		return "", fmt.Errorf("lease on %s already released", l.worker.address)
	}
	return l.pool.chain.Send(ctx, l.worker.key, to, amount)
}

// Release returns the wallet to the pool. Safe to call more than once.
func (l *Lease) Release() {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	l.mu.Unlock()
	l.pool.release(l.worker)
}
