package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/agent402/agentpay"
)

// MemoryChain is an in-process ledger with instant settlement, used by
// tests and local examples. Transfers debit and credit synchronously; a
// configurable confirmation delay makes receipt polling observable.
type MemoryChain struct {
	mu        sync.Mutex
	balances  map[string]agentpay.Satoshis
	transfers map[string]*Transfer

	// lookups a transfer stays unconfirmed for after broadcast
	confirmAfter int
	seen         map[string]int

	sendErr error
	seq     int
}

// NewMemoryChain creates an empty in-process ledger.
func NewMemoryChain() *MemoryChain {
	return &MemoryChain{
		balances:  make(map[string]agentpay.Satoshis),
		transfers: make(map[string]*Transfer),
		seen:      make(map[string]int),
	}
}

// Credit adds funds to an address out of thin air.
func (c *MemoryChain) Credit(address string, amount agentpay.Satoshis) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[key(address)] += amount
}

// SetConfirmDelay makes every new transfer report unconfirmed for the
// first n Transfer lookups.
func (c *MemoryChain) SetConfirmDelay(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirmAfter = n
}

// FailSends makes every subsequent Send return err. Pass nil to restore.
func (c *MemoryChain) FailSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

func (c *MemoryChain) Balance(_ context.Context, address string) (agentpay.Satoshis, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balances[key(address)], nil
}

func (c *MemoryChain) Send(_ context.Context, senderKey *ecdsa.PrivateKey, to string, amount agentpay.Satoshis) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sendErr != nil {
		return "", c.sendErr
	}

	from := crypto.PubkeyToAddress(senderKey.PublicKey).Hex()
	if c.balances[key(from)] < amount {
		return "", fmt.Errorf("insufficient balance: %s has %d, needs %d", from, c.balances[key(from)], amount)
	}

	c.balances[key(from)] -= amount
	c.balances[key(to)] += amount

	c.seq++
	txHash := fmt.Sprintf("0x%064x", c.seq)
	c.transfers[txHash] = &Transfer{
		TxHash:    txHash,
		From:      from,
		To:        to,
		Amount:    amount,
		Confirmed: true,
	}
	if c.confirmAfter > 0 {
		c.seen[txHash] = c.confirmAfter
	}
	return txHash, nil
}

func (c *MemoryChain) Transfer(_ context.Context, txHash string) (*Transfer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.transfers[txHash]
	if !ok {
		return nil, ErrTxNotFound
	}

	out := *t
	if remaining := c.seen[txHash]; remaining > 0 {
		c.seen[txHash] = remaining - 1
		out.Confirmed = false
	}
	return &out, nil
}

// Transfers returns every broadcast transfer in order of broadcast.
func (c *MemoryChain) Transfers() []Transfer {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Transfer, 0, len(c.transfers))
	for i := 1; i <= c.seq; i++ {
		if t, ok := c.transfers[fmt.Sprintf("0x%064x", i)]; ok {
			out = append(out, *t)
		}
	}
	return out
}

func key(address string) string {
	// addresses compare case-insensitively
	return normalize(address)
}

func normalize(address string) string {
	b := []byte(address)
	for i, ch := range b {
		if ch >= 'A' && ch <= 'F' {
			b[i] = ch + 32
		}
	}
	return string(b)
}
