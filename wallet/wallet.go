// Package wallet manages the worker wallets that pay for tool calls and
// the treasury that funds them. The pool owns all key material; callers
// get a Lease that can sign sends without seeing the key.
package wallet

import (
	"crypto/ecdsa"
	"time"

	"github.com/agent402/agentpay"
)

type worker struct {
	id      string
	key     *ecdsa.PrivateKey
	address string

	busy     bool
	lastUsed time.Time
	balance  agentpay.Satoshis
}

// Snapshot is a read-only view of one worker wallet, published to
// subscribers whenever pool state changes.
type Snapshot struct {
	ID       string            `json:"id"`
	Address  string            `json:"address"`
	Busy     bool              `json:"busy"`
	LastUsed time.Time         `json:"lastUsed"`
	Balance  agentpay.Satoshis `json:"balance"`
}

func (w *worker) snapshot() Snapshot {
	return Snapshot{
		ID:       w.id,
		Address:  w.address,
		Busy:     w.busy,
		LastUsed: w.lastUsed,
		Balance:  w.balance,
	}
}
