package escrow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent402/agentpay"
	"github.com/agent402/agentpay/chain"
)

const testEscrowKey = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

func newTestQueue(t *testing.T) (*TxQueue, *chain.MemoryChain) {
	t.Helper()
	ledger := chain.NewMemoryChain()
	q, err := NewTxQueue(testEscrowKey, ledger, nil)
	require.NoError(t, err)
	t.Cleanup(q.Close)
	ledger.Credit(q.Address(), agentpay.CoinsToSatoshis(1))
	return q, ledger
}

func TestQueueExecutesInSubmissionOrder(t *testing.T) {
	q, ledger := newTestQueue(t)

	targets := []string{
		"0x1000000000000000000000000000000000000001",
		"0x1000000000000000000000000000000000000002",
		"0x1000000000000000000000000000000000000003",
	}
	replies := make([]<-chan Result, len(targets))
	for i, target := range targets {
		replies[i] = q.Enqueue(Task{SourceTx: "0xsrc", Target: target, Amount: 100, Kind: KindRelease})
	}
	for _, reply := range replies {
		res := <-reply
		require.NoError(t, res.Err)
		assert.NotEmpty(t, res.TxHash)
	}

	transfers := ledger.Transfers()
	require.Len(t, transfers, 3)
	for i, tr := range transfers {
		assert.True(t, chain.EqualAddress(targets[i], tr.To),
			"transfer %d broadcast out of order", i)
	}
}

func TestQueueFailureDoesNotBlockLaterTasks(t *testing.T) {
	q, ledger := newTestQueue(t)
	ctx := context.Background()

	ledger.FailSends(errors.New("node unavailable"))
	_, err := q.Submit(ctx, Task{SourceTx: "0xsrc", Target: "0x1000000000000000000000000000000000000001", Amount: 100, Kind: KindRefund})
	require.Error(t, err)
	assert.Equal(t, agentpay.ErrCodeRefundFailed, agentpay.CodeOf(err))

	ledger.FailSends(nil)
	txHash, err := q.Submit(ctx, Task{SourceTx: "0xsrc", Target: "0x1000000000000000000000000000000000000002", Amount: 100, Kind: KindRelease})
	require.NoError(t, err)
	assert.NotEmpty(t, txHash)
}

func TestQueueReleaseFailureCode(t *testing.T) {
	q, ledger := newTestQueue(t)
	ledger.FailSends(errors.New("node unavailable"))

	_, err := q.Submit(context.Background(), Task{Target: "0x1000000000000000000000000000000000000001", Amount: 100, Kind: KindRelease})
	assert.Equal(t, agentpay.ErrCodeReleaseFailed, agentpay.CodeOf(err))
}

func TestQueueCloseFailsPendingTasks(t *testing.T) {
	ledger := chain.NewMemoryChain()
	q, err := NewTxQueue(testEscrowKey, ledger, nil)
	require.NoError(t, err)
	q.Close()

	res := <-q.Enqueue(Task{Target: "0x1000000000000000000000000000000000000001", Amount: 1, Kind: KindRelease})
	assert.ErrorIs(t, res.Err, ErrQueueClosed)
}
