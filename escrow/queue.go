// Package escrow holds funds during tool execution and settles them
// afterwards. The escrow account has a single nonce sequence, so every
// release and refund goes through one FIFO queue with one signer.
package escrow

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/agent402/agentpay"
	"github.com/agent402/agentpay/chain"
)

// taskTimeout bounds one settlement broadcast.
const taskTimeout = 30 * time.Second

// Kind selects the settlement direction of a task.
type Kind string

const (
	// KindRelease pays the provider after a successful tool run.
	KindRelease Kind = "release"
	// KindRefund returns funds to the payer after a failed tool run.
	KindRefund Kind = "refund"
)

// Task is one settlement transfer awaiting broadcast.
type Task struct {
	// SourceTx is the escrow deposit this settlement resolves.
	SourceTx string
	// Target receives the funds: the provider on release, the verified
	// on-chain payer on refund.
	Target string
	Amount agentpay.Satoshis
	Kind   Kind
}

// Result reports the outcome of one task.
type Result struct {
	TxHash string
	Err    error
}

// ErrQueueClosed is returned for tasks still pending when the queue
// shuts down.
var ErrQueueClosed = errors.New("escrow queue closed")

type submission struct {
	task  Task
	reply chan Result
}

// TxQueue executes settlement transfers strictly in submission order
// from a single signer. A failed task reports to its submitter only;
// the queue keeps going.
type TxQueue struct {
	chain   chain.Client
	key     *ecdsa.PrivateKey
	address string
	log     *slog.Logger

	tasks chan submission
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// NewTxQueue wraps the escrow signing key and starts the worker.
func NewTxQueue(keyHex string, c chain.Client, log *slog.Logger) (*TxQueue, error) {
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid escrow key: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	q := &TxQueue{
		chain:   c,
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey).Hex(),
		log:     log,
		tasks:   make(chan submission, 64),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go q.run()
	return q, nil
}

// Address returns the escrow deposit address named in 402 challenges.
func (q *TxQueue) Address() string { return q.address }

// Close stops the worker. Pending tasks fail with ErrQueueClosed.
func (q *TxQueue) Close() {
	q.once.Do(func() { close(q.stop) })
	<-q.done
}

// Enqueue adds a task and returns a channel that yields its result.
// Tasks submitted from one goroutine execute in submission order.
func (q *TxQueue) Enqueue(task Task) <-chan Result {
	reply := make(chan Result, 1)
	select {
	case <-q.stop:
		reply <- Result{Err: ErrQueueClosed}
		return reply
	default:
	}
	select {
	case q.tasks <- submission{task: task, reply: reply}:
	case <-q.stop:
		reply <- Result{Err: ErrQueueClosed}
	}
	return reply
}

// Submit enqueues a task and waits for its result.
func (q *TxQueue) Submit(ctx context.Context, task Task) (string, error) {
	select {
	case res := <-q.Enqueue(task):
		return res.TxHash, res.Err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (q *TxQueue) run() {
	defer close(q.done)
	for {
		select {
		case sub := <-q.tasks:
			sub.reply <- q.execute(sub.task)
		case <-q.stop:
			for {
				select {
				case sub := <-q.tasks:
					sub.reply <- Result{Err: ErrQueueClosed}
				default:
					return
				}
			}
		}
	}
}

func (q *TxQueue) execute(task Task) Result {
	ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
	defer cancel()

	txHash, err := q.chain.Send(ctx, q.key, task.Target, task.Amount)
	if err != nil {
		q.log.Error("escrow settlement failed",
			"kind", task.Kind, "target", task.Target, "source", task.SourceTx, "error", err)
		code := agentpay.ErrCodeReleaseFailed
		if task.Kind == KindRefund {
			code = agentpay.ErrCodeRefundFailed
		}
		return Result{Err: agentpay.NewPaymentError(code,
			fmt.Sprintf("escrow %s failed", task.Kind),
			map[string]interface{}{"sourceTx": task.SourceTx, "error": err.Error()})}
	}

	q.log.Info("escrow settled",
		"kind", task.Kind, "target", task.Target, "amount", task.Amount, "tx", txHash)
	return Result{TxHash: txHash}
}
