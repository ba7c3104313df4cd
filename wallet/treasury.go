package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/agent402/agentpay"
	"github.com/agent402/agentpay/chain"
)

// Treasury is the funded account worker wallets are topped up from.
// Every send is capped so the post-send treasury balance stays at or
// above the reserve floor plus a fee buffer.
type Treasury struct {
	key     *ecdsa.PrivateKey
	address string

	chain        chain.Client
	reserveFloor agentpay.Satoshis
	feeBuffer    agentpay.Satoshis
	log          *slog.Logger
}

// NewTreasury wraps a funded key. The fee buffer covers transfer fees so
// the reserve floor is never eaten by gas.
func NewTreasury(keyHex string, c chain.Client, reserveFloor, feeBuffer agentpay.Satoshis, log *slog.Logger) (*Treasury, error) {
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid treasury key: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Treasury{
		key:          key,
		address:      crypto.PubkeyToAddress(key.PublicKey).Hex(),
		chain:        c,
		reserveFloor: reserveFloor,
		feeBuffer:    feeBuffer,
		log:          log,
	}, nil
}

// Address returns the treasury's address.
func (t *Treasury) Address() string { return t.address }

// Balance returns the treasury's current on-chain balance.
func (t *Treasury) Balance(ctx context.Context) (agentpay.Satoshis, error) {
	return t.chain.Balance(ctx, t.address)
}

// Send transfers up to amount to the given address, capped to the
// headroom above the reserve floor. Returns the amount actually sent.
// Fails with TreasuryLow when no headroom remains.
func (t *Treasury) Send(ctx context.Context, to string, amount agentpay.Satoshis) (agentpay.Satoshis, string, error) {
	balance, err := t.chain.Balance(ctx, t.address)
	if err != nil {
		return 0, "", fmt.Errorf("treasury balance query failed: %w", err)
	}

	headroom := balance - t.reserveFloor - t.feeBuffer
	if headroom <= 0 {
		return 0, "", agentpay.NewPaymentError(agentpay.ErrCodeTreasuryLow,
			"treasury balance is at the reserve floor",
			map[string]interface{}{
				"balance":      int64(balance),
				"reserveFloor": int64(t.reserveFloor),
			})
	}
	if amount > headroom {
		t.log.Warn("treasury topup capped to reserve headroom",
			"requested", amount, "capped", headroom)
		amount = headroom
	}

	txHash, err := t.chain.Send(ctx, t.key, to, amount)
	if err != nil {
		return 0, "", fmt.Errorf("treasury send failed: %w", err)
	}
	t.log.Info("treasury topup sent", "to", to, "amount", amount, "tx", txHash)
	return amount, txHash, nil
}
