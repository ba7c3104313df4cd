package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/agent402/agentpay"
	"github.com/agent402/agentpay/escrow"
)

// settleTimeout bounds the wait for one release or refund result.
const settleTimeout = 60 * time.Second

// serveEscrow runs the escrow settlement flow. The first call gets a 402
// naming the escrow deposit address; a resubmission with proof is
// verified, the tool runs, and the deposit is released to the provider or
// refunded to the verified on-chain payer before the response is sent.
func (g *Gateway) serveEscrow(w http.ResponseWriter, r *http.Request, tool Tool, params map[string]interface{}) {
	price, priceUSD, err := g.price(r, tool)
	if err != nil {
		g.log.Error("price conversion failed", "tool", tool.Name(), "error", err)
		writeJSON(w, http.StatusInternalServerError, agentpay.ToolError{Error: "price unavailable"})
		return
	}
	terms := agentpay.ChallengeTerms{
		Scheme:      agentpay.SchemeEscrow,
		PayTo:       g.cfg.Queue.Address(),
		Amount:      price,
		AmountUSD:   priceUSD,
		Unit:        agentpay.Unit,
		Satoshis:    price,
		Network:     g.cfg.Network,
		Description: "escrow payment for " + tool.Name(),
	}

	txHash, _ := paymentFrom(r)
	if txHash == "" {
		g.writeChallenge(w, "payment required", terms)
		return
	}

	transfer, err := g.verifyTransfer(r, txHash, g.cfg.Queue.Address(), price)
	if err != nil {
		g.log.Warn("escrow payment verification failed", "tool", tool.Name(), "tx", txHash, "error", err)
		g.writeChallenge(w, err.Error(), terms)
		return
	}
	if !g.replays.mark(txHash) {
		g.log.Warn("replayed payment transaction rejected", "tx", txHash)
		writeJSON(w, http.StatusForbidden, agentpay.NewPaymentError(
			agentpay.ErrCodeReplayRejected, "transaction already used for a previous call",
			map[string]interface{}{"txHash": txHash}))
		return
	}

	receipt := agentpay.PaymentReceipt{
		Verified:    true,
		Timestamp:   time.Now(),
		TxHash:      txHash,
		PayTo:       g.cfg.Queue.Address(),
		Payer:       transfer.From,
		Amount:      transfer.Amount,
		ExplorerURL: g.explorerLink(txHash),
	}

	data, execErr := tool.Execute(r.Context(), params)
	if execErr != nil {
		g.log.Error("tool failed after escrow deposit, refunding payer",
			"tool", tool.Name(), "payer", transfer.From, "error", execErr)
		receipt.Escrow = g.settle(escrow.Task{
			SourceTx: txHash,
			Target:   transfer.From,
			Amount:   transfer.Amount,
			Kind:     escrow.KindRefund,
		})
		g.setReceipt(w, receipt)
		writeJSON(w, http.StatusInternalServerError, agentpay.ToolError{Error: execErr.Error()})
		return
	}

	receipt.Escrow = g.settle(escrow.Task{
		SourceTx: txHash,
		Target:   g.cfg.ProviderAddress,
		Amount:   transfer.Amount,
		Kind:     escrow.KindRelease,
	})
	g.setReceipt(w, receipt)
	writeJSON(w, http.StatusOK, ToolResult{Success: true, Data: data})
}

// settle runs one release or refund through the queue and records the
// outcome. A settlement failure is logged and reported in the receipt,
// never turned into an HTTP failure: the tool outcome already committed.
// The wait runs on a detached context: the enqueued transfer broadcasts
// whether or not the client is still connected, and the receipt must
// reflect what actually happened on chain.
func (g *Gateway) settle(task escrow.Task) *agentpay.EscrowOutcome {
	outcome := &agentpay.EscrowOutcome{
		Target: task.Target,
		Amount: task.Amount,
	}
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	txHash, err := g.cfg.Queue.Submit(ctx, task)
	if err != nil {
		if task.Kind == escrow.KindRefund {
			outcome.Status = "refund-failed"
		} else {
			outcome.Status = "release-failed"
		}
		outcome.Error = err.Error()
		g.log.Error("escrow settlement failed, needs reconciliation",
			"kind", task.Kind, "source", task.SourceTx, "target", task.Target, "error", err)
		return outcome
	}
	if task.Kind == escrow.KindRefund {
		outcome.Status = "refunded"
	} else {
		outcome.Status = "released"
	}
	outcome.TxHash = txHash
	return outcome
}
