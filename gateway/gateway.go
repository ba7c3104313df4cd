// Package gateway intercepts tool requests server-side: it issues 402
// payment challenges, verifies payments on chain, and settles through
// escrow release/refund or one-shot cached-result delivery depending on
// the configured mode.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/agent402/agentpay"
	"github.com/agent402/agentpay/chain"
	"github.com/agent402/agentpay/escrow"
	"github.com/agent402/agentpay/oracle"
)

// Mode selects the settlement flow. It is fixed at gateway setup; a
// gateway never switches modes per request.
type Mode string

const (
	// ModeEscrow holds payment at an escrow address during execution and
	// releases or refunds it based on the tool outcome.
	ModeEscrow Mode = "escrow"
	// ModePayToClaim executes the tool before charging and delivers the
	// cached result against a later payment claim.
	ModePayToClaim Mode = "pay-to-claim"
)

// Config wires a gateway. Chain, Rates and Mode are required; escrow
// mode additionally requires Queue.
type Config struct {
	Mode Mode

	// ProviderAddress receives payment for served tools. When it is not
	// a valid address the gateway serves its tools for free; that is the
	// configured default for unmonetized deployments, not an error.
	ProviderAddress string

	Network     string // chain name advertised in challenges
	ExplorerURL string // base URL for transaction links, optional

	Chain chain.Client
	Rates oracle.RateSource
	Queue *escrow.TxQueue

	ResultTTL time.Duration // pending result lifetime (default 5m)
	ReplayTTL time.Duration // transaction dedup window (default 24h)

	VerifyAttempts int           // transaction lookup retries (default 5)
	VerifyDelay    time.Duration // pause between lookups (default 1s)

	Logger *slog.Logger
}

// Gateway wraps tools with the payment protocol.
type Gateway struct {
	cfg  Config
	log  *slog.Logger
	paid bool

	results *ResultCache
	replays *replayGuard
}

// New validates the configuration and builds a gateway.
func New(cfg Config) (*Gateway, error) {
	if cfg.Chain == nil {
		return nil, errors.New("chain client is required")
	}
	if cfg.Rates == nil {
		return nil, errors.New("rate source is required")
	}
	if cfg.Mode != ModeEscrow && cfg.Mode != ModePayToClaim {
		return nil, fmt.Errorf("unknown settlement mode %q", cfg.Mode)
	}
	if cfg.Mode == ModeEscrow && cfg.Queue == nil {
		return nil, errors.New("escrow mode requires a transaction queue")
	}
	if cfg.Network == "" {
		cfg.Network = "smartbch-testnet"
	}
	if cfg.ResultTTL == 0 {
		cfg.ResultTTL = 5 * time.Minute
	}
	if cfg.ReplayTTL == 0 {
		cfg.ReplayTTL = 24 * time.Hour
	}
	if cfg.VerifyAttempts == 0 {
		cfg.VerifyAttempts = 5
	}
	if cfg.VerifyDelay == 0 {
		cfg.VerifyDelay = time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	g := &Gateway{
		cfg:  cfg,
		log:  log,
		paid: common.IsHexAddress(cfg.ProviderAddress),
	}
	if !g.paid {
		log.Warn("provider address missing or invalid, tools will be served for free",
			"address", cfg.ProviderAddress)
	}
	switch cfg.Mode {
	case ModeEscrow:
		g.replays = newReplayGuard(cfg.ReplayTTL)
	case ModePayToClaim:
		g.results = NewResultCache(cfg.ResultTTL)
	}
	return g, nil
}

// Close stops the gateway's background sweeps.
func (g *Gateway) Close() {
	if g.results != nil {
		g.results.Close()
	}
	if g.replays != nil {
		g.replays.close()
	}
}

// Mode returns the configured settlement mode.
func (g *Gateway) Mode() Mode { return g.cfg.Mode }

// ToolResult is the body of a successful tool response.
type ToolResult struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data"`
}

// Handler returns the HTTP handler serving one tool through the payment
// protocol.
func (g *Gateway) Handler(tool Tool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		params, err := readParams(r)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, agentpay.ToolError{Error: err.Error()})
			return
		}
		if err := validateParams(tool, params); err != nil {
			writeJSON(w, http.StatusBadRequest, agentpay.ToolError{Error: err.Error()})
			return
		}

		if !g.paid || tool.PriceUSD() <= 0 {
			g.serveFree(w, r, tool, params)
			return
		}

		switch g.cfg.Mode {
		case ModeEscrow:
			g.serveEscrow(w, r, tool, params)
		default:
			g.serveClaim(w, r, tool, params)
		}
	})
}

func (g *Gateway) serveFree(w http.ResponseWriter, r *http.Request, tool Tool, params map[string]interface{}) {
	data, err := tool.Execute(r.Context(), params)
	if err != nil {
		g.log.Error("tool execution failed", "tool", tool.Name(), "error", err)
		writeJSON(w, http.StatusInternalServerError, agentpay.ToolError{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, ToolResult{Success: true, Data: data})
}

// price converts the tool's USD price to satoshis at the current rate.
func (g *Gateway) price(r *http.Request, tool Tool) (agentpay.Satoshis, float64, error) {
	rate, err := g.cfg.Rates.Rate(r.Context())
	if err != nil {
		return 0, 0, fmt.Errorf("rate lookup failed: %w", err)
	}
	usd := tool.PriceUSD()
	return agentpay.USDToSatoshis(usd, rate), usd, nil
}

// verifyTransfer polls the chain for txHash and checks that it is a
// confirmed transfer of at least amount to payTo. The sender returned is
// the one recovered from the transaction, regardless of what the client
// claimed.
func (g *Gateway) verifyTransfer(r *http.Request, txHash, payTo string, amount agentpay.Satoshis) (*chain.Transfer, error) {
	ctx := r.Context()
	for attempt := 0; attempt < g.cfg.VerifyAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(g.cfg.VerifyDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		transfer, err := g.cfg.Chain.Transfer(ctx, txHash)
		if errors.Is(err, chain.ErrTxNotFound) {
			continue
		}
		if err != nil {
			return nil, agentpay.NewPaymentError(agentpay.ErrCodeVerificationFailed,
				"transaction lookup failed", map[string]interface{}{"txHash": txHash, "error": err.Error()})
		}
		if !transfer.Confirmed {
			continue
		}

		if !chain.EqualAddress(transfer.To, payTo) {
			return nil, agentpay.NewPaymentError(agentpay.ErrCodeVerificationFailed,
				"payment sent to the wrong address",
				map[string]interface{}{"expected": payTo, "got": transfer.To})
		}
		if transfer.Amount < amount {
			return nil, agentpay.NewPaymentError(agentpay.ErrCodeVerificationFailed,
				"payment amount below the required price",
				map[string]interface{}{"required": int64(amount), "got": int64(transfer.Amount)})
		}
		return transfer, nil
	}
	return nil, agentpay.NewPaymentError(agentpay.ErrCodeVerificationFailed,
		"transaction not confirmed in time", map[string]interface{}{"txHash": txHash})
}

// paymentFrom extracts the transaction id from the resubmission headers.
// The base64 proof is preferred; the raw tx header is the fallback.
func paymentFrom(r *http.Request) (string, agentpay.PaymentProof) {
	if encoded := r.Header.Get(agentpay.HeaderPayment); encoded != "" {
		if proof, err := agentpay.DecodePaymentHeader(encoded); err == nil && proof.TxHash != "" {
			return proof.TxHash, proof
		}
	}
	return r.Header.Get(agentpay.HeaderPaymentTx), agentpay.PaymentProof{}
}

func (g *Gateway) writeChallenge(w http.ResponseWriter, errMsg string, terms agentpay.ChallengeTerms) {
	writeJSON(w, http.StatusPaymentRequired, agentpay.PaymentRequired{
		Error:   errMsg,
		Accepts: []agentpay.ChallengeTerms{terms},
	})
}

func (g *Gateway) setReceipt(w http.ResponseWriter, receipt agentpay.PaymentReceipt) {
	encoded, err := agentpay.EncodeReceiptHeader(receipt)
	if err != nil {
		g.log.Error("failed to encode receipt header", "error", err)
		return
	}
	w.Header().Set(agentpay.HeaderReceipt, encoded)
}

func (g *Gateway) explorerLink(txHash string) string {
	if g.cfg.ExplorerURL == "" || txHash == "" {
		return ""
	}
	return g.cfg.ExplorerURL + "/tx/" + txHash
}

func readParams(r *http.Request) (map[string]interface{}, error) {
	params := make(map[string]interface{})
	if r.Body == nil {
		return params, nil
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	if len(body) == 0 {
		return params, nil
	}
	if err := json.Unmarshal(body, &params); err != nil {
		return nil, fmt.Errorf("request body is not a JSON object: %w", err)
	}
	return params, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
