package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/agent402/agentpay"
)

// serveClaim runs the execute-first flow. A call without a resultId runs
// the tool immediately: failure costs nothing, success parks the output
// in the result cache behind a 402. A call with resultId and proof
// verifies the payment and delivers the cached payload exactly once.
//
// Verification only checks amount and destination; it does not bind the
// transaction to the resultId, so one payment can claim any same-priced
// result within the cache window. Kept as-is to match the deployed
// protocol.
func (g *Gateway) serveClaim(w http.ResponseWriter, r *http.Request, tool Tool, params map[string]interface{}) {
	resultID := r.Header.Get(agentpay.HeaderResultID)
	txHash, proof := paymentFrom(r)
	if resultID == "" {
		resultID = proof.ResultID
	}

	if resultID == "" {
		g.executeAndPark(w, r, tool, params)
		return
	}

	pending, err := g.results.BeginClaim(resultID)
	if errors.Is(err, ErrResultExpired) {
		writeJSON(w, http.StatusGone, agentpay.NewPaymentError(
			agentpay.ErrCodeResultExpired, "result expired or already claimed",
			map[string]interface{}{"resultId": resultID}))
		return
	}
	if err != nil {
		writeJSON(w, http.StatusConflict, agentpay.NewPaymentError(
			agentpay.ErrCodeVerificationFailed, "another claim for this result is being verified",
			map[string]interface{}{"resultId": resultID}))
		return
	}

	terms := g.claimTerms(tool, pending)
	if txHash == "" {
		g.results.Abandon(resultID)
		g.writeChallenge(w, "payment required", terms)
		return
	}

	transfer, err := g.verifyTransfer(r, txHash, g.cfg.ProviderAddress, pending.Price)
	if err != nil {
		// The entry stays claimable so the client can retry until TTL.
		g.results.Abandon(resultID)
		g.log.Warn("claim verification failed", "resultId", resultID, "tx", txHash, "error", err)
		g.writeChallenge(w, err.Error(), terms)
		return
	}

	g.results.Commit(resultID)
	g.log.Info("cached result claimed",
		"tool", tool.Name(), "resultId", resultID, "payer", transfer.From, "tx", txHash)

	g.setReceipt(w, agentpay.PaymentReceipt{
		Verified:    true,
		Timestamp:   time.Now(),
		TxHash:      txHash,
		PayTo:       g.cfg.ProviderAddress,
		Payer:       transfer.From,
		Amount:      transfer.Amount,
		ExplorerURL: g.explorerLink(txHash),
	})
	writeJSON(w, http.StatusOK, ToolResult{Success: true, Data: pending.Payload})
}

// executeAndPark runs the tool before any payment exists. An execution
// error is returned directly with noCost set: no challenge, no cache
// entry, nothing charged.
func (g *Gateway) executeAndPark(w http.ResponseWriter, r *http.Request, tool Tool, params map[string]interface{}) {
	data, err := tool.Execute(r.Context(), params)
	if err != nil {
		g.log.Error("pre-payment tool execution failed", "tool", tool.Name(), "error", err)
		writeJSON(w, http.StatusInternalServerError, agentpay.ToolError{
			Error:  err.Error(),
			NoCost: true,
		})
		return
	}

	price, priceUSD, err := g.price(r, tool)
	if err != nil {
		g.log.Error("price conversion failed", "tool", tool.Name(), "error", err)
		writeJSON(w, http.StatusInternalServerError, agentpay.ToolError{Error: "price unavailable", NoCost: true})
		return
	}

	pending := g.results.Put(data, price, priceUSD)
	g.log.Info("result parked pending payment",
		"tool", tool.Name(), "resultId", pending.ID, "price", pending.Price)
	g.writeChallenge(w, "payment required to claim the result", g.claimTerms(tool, pending))
}

func (g *Gateway) claimTerms(tool Tool, pending PendingResult) agentpay.ChallengeTerms {
	expires := pending.ExpiresAt
	return agentpay.ChallengeTerms{
		Scheme:      agentpay.SchemePayToClaim,
		PayTo:       g.cfg.ProviderAddress,
		Amount:      pending.Price,
		AmountUSD:   pending.PriceUSD,
		Unit:        agentpay.Unit,
		Satoshis:    pending.Price,
		ResultID:    pending.ID,
		ExpiresAt:   &expires,
		Network:     g.cfg.Network,
		Description: "claim payment for " + tool.Name(),
	}
}
