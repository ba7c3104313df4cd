// Package client drives tool calls through the payment protocol: it
// reads 402 challenges, pays from a leased worker wallet, and resubmits
// with proof until the result is delivered.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/agent402/agentpay"
	"github.com/agent402/agentpay/chain"
)

// Payer signs value transfers on the caller's behalf. A wallet pool
// lease satisfies this without exposing key material.
type Payer interface {
	Address() string
	Send(ctx context.Context, to string, amount agentpay.Satoshis) (string, error)
}

// Client executes paid tool calls. One Client is safe for concurrent use;
// each call runs its own protocol state machine.
type Client struct {
	http  *http.Client
	chain chain.Client
	log   *slog.Logger

	// maxPrice caps what a single call may pay. Zero means no cap.
	maxPrice        agentpay.Satoshis
	confirmAttempts int
	confirmDelay    time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithMaxPrice refuses challenges above the given amount.
func WithMaxPrice(max agentpay.Satoshis) Option {
	return func(c *Client) { c.maxPrice = max }
}

// WithConfirmPolicy tunes settlement confirmation polling.
func WithConfirmPolicy(attempts int, delay time.Duration) Option {
	return func(c *Client) {
		c.confirmAttempts = attempts
		c.confirmDelay = delay
	}
}

// WithLogger sets the client logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// New creates a payment client that confirms settlements against the
// given chain.
func New(ledger chain.Client, opts ...Option) *Client {
	c := &Client{
		http:            &http.Client{Timeout: 60 * time.Second},
		chain:           ledger,
		log:             slog.Default(),
		confirmAttempts: 8,
		confirmDelay:    time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CallResult is the outcome of one paid (or free) tool call.
type CallResult struct {
	// Data is the tool payload.
	Data json.RawMessage
	// Receipt is the client-side phase log of the call.
	Receipt *agentpay.CallReceipt
	// Payment is the gateway's receipt header, nil on a free call.
	Payment *agentpay.PaymentReceipt
	// Paid reports whether funds moved.
	Paid bool
	// TxHash is the settlement transaction, empty on a free call.
	TxHash string
}

// Call invokes the tool at url with the given params, paying from payer
// if the gateway demands it. The returned receipt records how far the
// call got; on error its failed phase names the abort point.
func (c *Client) Call(ctx context.Context, payer Payer, url string, params interface{}) (*CallResult, error) {
	receipt := agentpay.NewCallReceipt(url)
	result := &CallResult{Receipt: receipt}

	// INTENT: probe the tool unpaid and collect the challenge.
	_ = receipt.Begin(agentpay.PhaseIntent)
	resp, body, err := c.post(ctx, url, params, nil)
	if err != nil {
		_ = receipt.Fail(agentpay.PhaseIntent, err)
		return result, err
	}

	if resp.StatusCode != http.StatusPaymentRequired {
		// Free call, or a pre-payment execution failure that cost nothing.
		if err := checkToolResponse(resp, body); err != nil {
			_ = receipt.Fail(agentpay.PhaseIntent, err)
			return result, err
		}
		_ = receipt.Complete(agentpay.PhaseIntent, "")
		result.Data, err = extractData(body)
		if err != nil {
			return result, err
		}
		// No payment phases apply to a free call.
		for _, phase := range []agentpay.Phase{agentpay.PhaseAuthorization, agentpay.PhaseSettlement, agentpay.PhaseDelivery} {
			_ = receipt.Begin(phase)
			_ = receipt.Complete(phase, "")
		}
		return result, nil
	}

	terms, err := parseChallenge(body)
	if err != nil {
		_ = receipt.Fail(agentpay.PhaseIntent, err)
		return result, err
	}
	_ = receipt.Complete(agentpay.PhaseIntent, "")
	c.log.Debug("payment challenge received",
		"url", url, "scheme", terms.Scheme, "amount", terms.Amount, "resultId", terms.ResultID)

	// AUTHORIZATION: self-attestation by the held key, gated on the
	// price cap. No external signer round-trip happens here.
	_ = receipt.Begin(agentpay.PhaseAuthorization)
	if c.maxPrice > 0 && terms.Amount > c.maxPrice {
		err := fmt.Errorf("challenge demands %s, above the configured cap %s", terms.Amount, c.maxPrice)
		_ = receipt.Fail(agentpay.PhaseAuthorization, err)
		return result, err
	}
	_ = receipt.Complete(agentpay.PhaseAuthorization, "")

	// SETTLEMENT: transfer and await confirmation. A broadcast is not
	// revocable; it completes whether or not the rest of the call does.
	_ = receipt.Begin(agentpay.PhaseSettlement)
	txHash, err := payer.Send(ctx, terms.PayTo, terms.Amount)
	if err != nil {
		_ = receipt.Fail(agentpay.PhaseSettlement, err)
		return result, fmt.Errorf("payment broadcast failed: %w", err)
	}
	result.TxHash = txHash
	result.Paid = true
	if err := c.awaitConfirmation(ctx, txHash); err != nil {
		_ = receipt.Fail(agentpay.PhaseSettlement, err)
		return result, err
	}
	_ = receipt.Complete(agentpay.PhaseSettlement, txHash)
	c.log.Info("payment settled", "url", url, "amount", terms.Amount, "tx", txHash)

	// DELIVERY: resubmit with proof and collect the result.
	_ = receipt.Begin(agentpay.PhaseDelivery)
	headers, err := c.proofHeaders(payer, terms, txHash)
	if err != nil {
		_ = receipt.Fail(agentpay.PhaseDelivery, err)
		return result, err
	}
	resp, body, err = c.post(ctx, url, params, headers)
	if err != nil {
		_ = receipt.Fail(agentpay.PhaseDelivery, err)
		return result, err
	}
	if err := checkToolResponse(resp, body); err != nil {
		_ = receipt.Fail(agentpay.PhaseDelivery, err)
		return result, err
	}

	if header := resp.Header.Get(agentpay.HeaderReceipt); header != "" {
		if payment, err := agentpay.DecodeReceiptHeader(header); err == nil {
			result.Payment = &payment
		} else {
			c.log.Warn("unreadable receipt header", "error", err)
		}
	}
	result.Data, err = extractData(body)
	if err != nil {
		_ = receipt.Fail(agentpay.PhaseDelivery, err)
		return result, err
	}
	_ = receipt.Complete(agentpay.PhaseDelivery, "")
	return result, nil
}

// awaitConfirmation polls the settlement transaction with bounded fixed
// delay retries.
func (c *Client) awaitConfirmation(ctx context.Context, txHash string) error {
	for attempt := 0; attempt < c.confirmAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.confirmDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		transfer, err := c.chain.Transfer(ctx, txHash)
		if errors.Is(err, chain.ErrTxNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("confirmation lookup failed: %w", err)
		}
		if transfer.Confirmed {
			return nil
		}
	}
	return fmt.Errorf("transaction %s not confirmed after %d attempts", txHash, c.confirmAttempts)
}

func (c *Client) proofHeaders(payer Payer, terms agentpay.ChallengeTerms, txHash string) (map[string]string, error) {
	proof := agentpay.PaymentProof{
		Scheme:    terms.Scheme,
		TxHash:    txHash,
		From:      payer.Address(),
		To:        terms.PayTo,
		Amount:    terms.Amount,
		ResultID:  terms.ResultID,
		Network:   terms.Network,
		Timestamp: time.Now().Unix(),
	}
	encoded, err := agentpay.EncodePaymentHeader(proof)
	if err != nil {
		return nil, err
	}
	headers := map[string]string{
		agentpay.HeaderPayment:   encoded,
		agentpay.HeaderPaymentTx: txHash,
	}
	if terms.ResultID != "" {
		headers[agentpay.HeaderResultID] = terms.ResultID
	}
	return headers, nil
}

func (c *Client) post(ctx context.Context, url string, params interface{}, headers map[string]string) (*http.Response, []byte, error) {
	var payload []byte
	if params != nil {
		var err error
		payload, err = json.Marshal(params)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	return resp, body, nil
}

func parseChallenge(body []byte) (agentpay.ChallengeTerms, error) {
	var pr agentpay.PaymentRequired
	if err := json.Unmarshal(body, &pr); err != nil {
		return agentpay.ChallengeTerms{}, fmt.Errorf("unreadable 402 challenge: %w", err)
	}
	if len(pr.Accepts) == 0 {
		return agentpay.ChallengeTerms{}, errors.New("402 challenge offers no payment terms")
	}
	return pr.Accepts[0], nil
}

// checkToolResponse maps non-2xx responses to errors carrying the
// gateway's error code where one is present.
func checkToolResponse(resp *http.Response, body []byte) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	// A 402 on resubmission is a re-challenge: the gateway did not accept
	// the payment as settling this call.
	if resp.StatusCode == http.StatusPaymentRequired {
		var pr agentpay.PaymentRequired
		msg := "payment not accepted"
		if err := json.Unmarshal(body, &pr); err == nil && pr.Error != "" {
			msg = pr.Error
		}
		return agentpay.NewPaymentError(agentpay.ErrCodeVerificationFailed, msg, nil)
	}

	var pe agentpay.PaymentError
	if err := json.Unmarshal(body, &pe); err == nil && pe.Code != "" {
		return &pe
	}
	var toolErr agentpay.ToolError
	if err := json.Unmarshal(body, &toolErr); err == nil && toolErr.Error != "" {
		if toolErr.NoCost {
			return agentpay.NewPaymentError(agentpay.ErrCodeToolFailed, toolErr.Error,
				map[string]interface{}{"noCost": true})
		}
		return agentpay.NewPaymentError(agentpay.ErrCodeToolFailed, toolErr.Error, nil)
	}
	return fmt.Errorf("tool returned status %d", resp.StatusCode)
}

func extractData(body []byte) (json.RawMessage, error) {
	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("unreadable tool response: %w", err)
	}
	return envelope.Data, nil
}
