// Package chain abstracts the ledger the payment protocol settles on.
// Amounts cross this boundary in satoshis; implementations convert to the
// node's base unit internally.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"strings"

	"github.com/agent402/agentpay"
)

// ErrTxNotFound is returned by Transfer when the transaction is not yet
// visible on the chain. Callers poll with bounded retries.
var ErrTxNotFound = errors.New("transaction not found")

// Transfer is the chain's authoritative view of one value transfer.
// From is recovered from the transaction itself, never from client input.
type Transfer struct {
	TxHash    string
	From      string
	To        string
	Amount    agentpay.Satoshis
	Confirmed bool
}

// Client is the ledger interface consumed by the wallet pool, the payment
// client and the gateway.
type Client interface {
	// Balance returns the spendable balance of an address.
	Balance(ctx context.Context, address string) (agentpay.Satoshis, error)

	// Send signs a transfer with the given key and broadcasts it,
	// returning the transaction id. Broadcast is not revocable: once this
	// returns, the transfer completes whether or not anyone awaits it.
	Send(ctx context.Context, key *ecdsa.PrivateKey, to string, amount agentpay.Satoshis) (string, error)

	// Transfer looks up a transaction by id. Returns ErrTxNotFound while
	// the transaction has not propagated.
	Transfer(ctx context.Context, txHash string) (*Transfer, error)
}

// EqualAddress compares two addresses case-insensitively.
func EqualAddress(a, b string) bool {
	return strings.EqualFold(a, b)
}
