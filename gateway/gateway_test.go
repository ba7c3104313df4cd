package gateway

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent402/agentpay"
	"github.com/agent402/agentpay/chain"
	"github.com/agent402/agentpay/escrow"
	"github.com/agent402/agentpay/oracle"
)

const (
	testEscrowKey   = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
	testProviderKey = "5de4111afa1a4b94908f83103eb1f1706367c2e68ca870fc3fb9a804cdab365a"
	testPayerKey    = "7c852118294e51e653712a81e05800f419141751be58f605c371e15141b007a6"
)

// echoTool returns its params back; price one dollar.
func echoTool() Tool {
	return ToolFunc{
		ToolName:        "echo",
		ToolDescription: "returns its input",
		Price:           1.0,
		Fn: func(_ context.Context, params map[string]interface{}) (interface{}, error) {
			return params, nil
		},
	}
}

func failingTool() Tool {
	return ToolFunc{
		ToolName: "broken",
		Price:    1.0,
		Fn: func(context.Context, map[string]interface{}) (interface{}, error) {
			return nil, errors.New("upstream exploded")
		},
	}
}

type testRig struct {
	gateway  *Gateway
	ledger   *chain.MemoryChain
	server   *httptest.Server
	payer    *ecdsa.PrivateKey
	provider string
	queue    *escrow.TxQueue
}

// oneDollar is the satoshi price of a $1 tool at the fixed test rate of
// $400 per coin.
var oneDollar = agentpay.USDToSatoshis(1.0, 400)

func newTestRig(t *testing.T, mode Mode, tool Tool, tweak func(*Config)) *testRig {
	t.Helper()

	ledger := chain.NewMemoryChain()
	payer, err := crypto.HexToECDSA(testPayerKey)
	require.NoError(t, err)
	ledger.Credit(crypto.PubkeyToAddress(payer.PublicKey).Hex(), agentpay.CoinsToSatoshis(1))

	providerKey, err := crypto.HexToECDSA(testProviderKey)
	require.NoError(t, err)
	provider := crypto.PubkeyToAddress(providerKey.PublicKey).Hex()

	cfg := Config{
		Mode:            mode,
		ProviderAddress: provider,
		Chain:           ledger,
		Rates:           oracle.Fixed(400),
		VerifyAttempts:  3,
		VerifyDelay:     time.Millisecond,
	}
	var queue *escrow.TxQueue
	if mode == ModeEscrow {
		queue, err = escrow.NewTxQueue(testEscrowKey, ledger, nil)
		require.NoError(t, err)
		t.Cleanup(queue.Close)
		ledger.Credit(queue.Address(), agentpay.CoinsToSatoshis(1))
		cfg.Queue = queue
	}
	if tweak != nil {
		tweak(&cfg)
	}

	g, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(g.Close)

	server := httptest.NewServer(g.Handler(tool))
	t.Cleanup(server.Close)

	return &testRig{gateway: g, ledger: ledger, server: server, payer: payer, provider: provider, queue: queue}
}

func (rig *testRig) call(t *testing.T, headers map[string]string, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, rig.server.URL, bytes.NewReader([]byte(body)))
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func (rig *testRig) pay(t *testing.T, to string, amount agentpay.Satoshis) string {
	t.Helper()
	txHash, err := rig.ledger.Send(context.Background(), rig.payer, to, amount)
	require.NoError(t, err)
	return txHash
}

func challengeFrom(t *testing.T, body []byte) agentpay.ChallengeTerms {
	t.Helper()
	var pr agentpay.PaymentRequired
	require.NoError(t, json.Unmarshal(body, &pr))
	require.Len(t, pr.Accepts, 1)
	return pr.Accepts[0]
}

func proofHeader(t *testing.T, scheme, txHash, resultID string) string {
	t.Helper()
	encoded, err := agentpay.EncodePaymentHeader(agentpay.PaymentProof{
		Scheme:    scheme,
		TxHash:    txHash,
		ResultID:  resultID,
		Timestamp: time.Now().Unix(),
	})
	require.NoError(t, err)
	return encoded
}

func TestEscrowFullFlow(t *testing.T) {
	rig := newTestRig(t, ModeEscrow, echoTool(), nil)

	resp, body := rig.call(t, nil, `{"q":"hello"}`)
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	terms := challengeFrom(t, body)
	assert.Equal(t, agentpay.SchemeEscrow, terms.Scheme)
	assert.Equal(t, rig.queue.Address(), terms.PayTo)
	assert.Equal(t, oneDollar, terms.Amount)
	assert.Empty(t, terms.ResultID)

	txHash := rig.pay(t, terms.PayTo, terms.Amount)
	resp, body = rig.call(t, map[string]string{
		agentpay.HeaderPayment: proofHeader(t, terms.Scheme, txHash, ""),
	}, `{"q":"hello"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result ToolResult
	require.NoError(t, json.Unmarshal(body, &result))
	assert.True(t, result.Success)
	assert.Equal(t, map[string]interface{}{"q": "hello"}, result.Data)

	receipt, err := agentpay.DecodeReceiptHeader(resp.Header.Get(agentpay.HeaderReceipt))
	require.NoError(t, err)
	assert.True(t, receipt.Verified)
	assert.Equal(t, txHash, receipt.TxHash)
	assert.True(t, chain.EqualAddress(crypto.PubkeyToAddress(rig.payer.PublicKey).Hex(), receipt.Payer))
	require.NotNil(t, receipt.Escrow)
	assert.Equal(t, "released", receipt.Escrow.Status)
	assert.True(t, chain.EqualAddress(rig.provider, receipt.Escrow.Target))

	// Deposit then release must both be on the ledger.
	transfers := rig.ledger.Transfers()
	require.Len(t, transfers, 2)
	assert.True(t, chain.EqualAddress(rig.queue.Address(), transfers[1].From))
	assert.True(t, chain.EqualAddress(rig.provider, transfers[1].To))
	assert.Equal(t, terms.Amount, transfers[1].Amount)
}

func TestEscrowReplayRejected(t *testing.T) {
	rig := newTestRig(t, ModeEscrow, echoTool(), nil)

	_, body := rig.call(t, nil, `{}`)
	terms := challengeFrom(t, body)
	txHash := rig.pay(t, terms.PayTo, terms.Amount)
	headers := map[string]string{agentpay.HeaderPaymentTx: txHash}

	resp, _ := rig.call(t, headers, `{}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = rig.call(t, headers, `{}`)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	var pe agentpay.PaymentError
	require.NoError(t, json.Unmarshal(body, &pe))
	assert.Equal(t, agentpay.ErrCodeReplayRejected, pe.Code)
}

func TestEscrowRefundOnToolFailure(t *testing.T) {
	rig := newTestRig(t, ModeEscrow, failingTool(), nil)

	_, body := rig.call(t, nil, `{}`)
	terms := challengeFrom(t, body)
	txHash := rig.pay(t, terms.PayTo, terms.Amount)

	resp, _ := rig.call(t, map[string]string{agentpay.HeaderPaymentTx: txHash}, `{}`)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	receipt, err := agentpay.DecodeReceiptHeader(resp.Header.Get(agentpay.HeaderReceipt))
	require.NoError(t, err)
	require.NotNil(t, receipt.Escrow)
	assert.Equal(t, "refunded", receipt.Escrow.Status)

	payerAddr := crypto.PubkeyToAddress(rig.payer.PublicKey).Hex()
	transfers := rig.ledger.Transfers()
	require.Len(t, transfers, 2)
	assert.True(t, chain.EqualAddress(payerAddr, transfers[1].To),
		"refund must go to the verified on-chain sender")
	assert.Equal(t, terms.Amount, transfers[1].Amount)
}

func TestEscrowReleaseFailureDoesNotFailResponse(t *testing.T) {
	rig := newTestRig(t, ModeEscrow, echoTool(), nil)

	_, body := rig.call(t, nil, `{"q":"hello"}`)
	terms := challengeFrom(t, body)
	txHash := rig.pay(t, terms.PayTo, terms.Amount)

	// The node goes away between the deposit and the release.
	rig.ledger.FailSends(errors.New("node unavailable"))

	resp, body := rig.call(t, map[string]string{agentpay.HeaderPaymentTx: txHash}, `{"q":"hello"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode,
		"a failed release must not fail the already-committed response")

	var result ToolResult
	require.NoError(t, json.Unmarshal(body, &result))
	assert.True(t, result.Success)

	receipt, err := agentpay.DecodeReceiptHeader(resp.Header.Get(agentpay.HeaderReceipt))
	require.NoError(t, err)
	assert.True(t, receipt.Verified)
	require.NotNil(t, receipt.Escrow)
	assert.Equal(t, "release-failed", receipt.Escrow.Status)
	assert.NotEmpty(t, receipt.Escrow.Error)

	// Only the deposit reached the ledger.
	assert.Len(t, rig.ledger.Transfers(), 1)
}

func TestEscrowRefundFailureRecordedInReceipt(t *testing.T) {
	rig := newTestRig(t, ModeEscrow, failingTool(), nil)

	_, body := rig.call(t, nil, `{}`)
	terms := challengeFrom(t, body)
	txHash := rig.pay(t, terms.PayTo, terms.Amount)

	rig.ledger.FailSends(errors.New("node unavailable"))

	resp, _ := rig.call(t, map[string]string{agentpay.HeaderPaymentTx: txHash}, `{}`)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	receipt, err := agentpay.DecodeReceiptHeader(resp.Header.Get(agentpay.HeaderReceipt))
	require.NoError(t, err)
	require.NotNil(t, receipt.Escrow)
	assert.Equal(t, "refund-failed", receipt.Escrow.Status)
	assert.NotEmpty(t, receipt.Escrow.Error)
	payerAddr := crypto.PubkeyToAddress(rig.payer.PublicKey).Hex()
	assert.True(t, chain.EqualAddress(payerAddr, receipt.Escrow.Target),
		"the receipt must name the refund target for reconciliation")

	assert.Len(t, rig.ledger.Transfers(), 1)
}

func TestEscrowSettlementSurvivesClientDisconnect(t *testing.T) {
	rig := newTestRig(t, ModeEscrow, echoTool(), nil)

	_, body := rig.call(t, nil, `{}`)
	terms := challengeFrom(t, body)
	txHash := rig.pay(t, terms.PayTo, terms.Amount)

	// Resubmit with an already-canceled request context: the deposit is
	// on chain, so the release must run and the receipt must report it.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte(`{}`))).WithContext(ctx)
	req.Header.Set(agentpay.HeaderPaymentTx, txHash)
	rec := httptest.NewRecorder()
	rig.gateway.Handler(echoTool()).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	receipt, err := agentpay.DecodeReceiptHeader(rec.Header().Get(agentpay.HeaderReceipt))
	require.NoError(t, err)
	require.NotNil(t, receipt.Escrow)
	assert.Equal(t, "released", receipt.Escrow.Status)

	transfers := rig.ledger.Transfers()
	require.Len(t, transfers, 2)
	assert.True(t, chain.EqualAddress(rig.provider, transfers[1].To))
}

func TestEscrowInsufficientPaymentRechallenged(t *testing.T) {
	rig := newTestRig(t, ModeEscrow, echoTool(), nil)

	_, body := rig.call(t, nil, `{}`)
	terms := challengeFrom(t, body)
	txHash := rig.pay(t, terms.PayTo, terms.Amount/2)

	resp, body := rig.call(t, map[string]string{agentpay.HeaderPaymentTx: txHash}, `{}`)
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Equal(t, terms.PayTo, challengeFrom(t, body).PayTo)

	// The underpayment was not consumed by the replay guard, only
	// rejected; the ledger holds the lone deposit.
	assert.Len(t, rig.ledger.Transfers(), 1)
}

func TestEscrowMisdirectedPaymentRejected(t *testing.T) {
	rig := newTestRig(t, ModeEscrow, echoTool(), nil)

	_, body := rig.call(t, nil, `{}`)
	terms := challengeFrom(t, body)
	txHash := rig.pay(t, rig.provider, terms.Amount) // provider, not escrow

	resp, _ := rig.call(t, map[string]string{agentpay.HeaderPaymentTx: txHash}, `{}`)
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
}

func TestClaimFullFlow(t *testing.T) {
	rig := newTestRig(t, ModePayToClaim, echoTool(), nil)

	resp, body := rig.call(t, nil, `{"q":"cached"}`)
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	terms := challengeFrom(t, body)
	assert.Equal(t, agentpay.SchemePayToClaim, terms.Scheme)
	assert.True(t, chain.EqualAddress(rig.provider, terms.PayTo))
	require.NotEmpty(t, terms.ResultID)
	require.NotNil(t, terms.ExpiresAt)

	txHash := rig.pay(t, terms.PayTo, terms.Amount)
	headers := map[string]string{
		agentpay.HeaderPayment:  proofHeader(t, terms.Scheme, txHash, terms.ResultID),
		agentpay.HeaderResultID: terms.ResultID,
	}
	resp, body = rig.call(t, headers, `{}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result ToolResult
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, map[string]interface{}{"q": "cached"}, result.Data)

	receipt, err := agentpay.DecodeReceiptHeader(resp.Header.Get(agentpay.HeaderReceipt))
	require.NoError(t, err)
	assert.True(t, receipt.Verified)
	assert.Nil(t, receipt.Escrow)

	// Second claim of the same resultId is gone.
	resp, _ = rig.call(t, headers, `{}`)
	assert.Equal(t, http.StatusGone, resp.StatusCode)
}

func TestClaimToolFailureCostsNothing(t *testing.T) {
	rig := newTestRig(t, ModePayToClaim, failingTool(), nil)

	resp, body := rig.call(t, nil, `{}`)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var toolErr agentpay.ToolError
	require.NoError(t, json.Unmarshal(body, &toolErr))
	assert.True(t, toolErr.NoCost)
	assert.Equal(t, 0, rig.gateway.results.Len(), "a failed execution must not park a result")
}

func TestClaimExpiredResultGone(t *testing.T) {
	rig := newTestRig(t, ModePayToClaim, echoTool(), func(cfg *Config) {
		cfg.ResultTTL = 10 * time.Millisecond
	})

	_, body := rig.call(t, nil, `{}`)
	terms := challengeFrom(t, body)
	time.Sleep(30 * time.Millisecond)

	txHash := rig.pay(t, terms.PayTo, terms.Amount)
	resp, _ := rig.call(t, map[string]string{
		agentpay.HeaderPaymentTx: txHash,
		agentpay.HeaderResultID:  terms.ResultID,
	}, `{}`)
	assert.Equal(t, http.StatusGone, resp.StatusCode)
}

func TestClaimFailedVerificationLeavesResultClaimable(t *testing.T) {
	rig := newTestRig(t, ModePayToClaim, echoTool(), nil)

	_, body := rig.call(t, nil, `{}`)
	terms := challengeFrom(t, body)

	// Underpay: re-challenged, result still claimable.
	low := rig.pay(t, terms.PayTo, terms.Amount-1)
	resp, body := rig.call(t, map[string]string{
		agentpay.HeaderPaymentTx: low,
		agentpay.HeaderResultID:  terms.ResultID,
	}, `{}`)
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Equal(t, terms.ResultID, challengeFrom(t, body).ResultID)

	// Pay in full and claim.
	full := rig.pay(t, terms.PayTo, terms.Amount)
	resp, _ = rig.call(t, map[string]string{
		agentpay.HeaderPaymentTx: full,
		agentpay.HeaderResultID:  terms.ResultID,
	}, `{}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestFreeToolWithoutProviderAddress(t *testing.T) {
	rig := newTestRig(t, ModePayToClaim, echoTool(), func(cfg *Config) {
		cfg.ProviderAddress = "not-an-address"
	})

	resp, body := rig.call(t, nil, `{"q":"free"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result ToolResult
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, map[string]interface{}{"q": "free"}, result.Data)
}

func TestParamsValidatedAgainstSchema(t *testing.T) {
	tool := ToolFunc{
		ToolName: "typed",
		Price:    1.0,
		Schema: map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"city"},
			"properties": map[string]interface{}{
				"city": map[string]interface{}{"type": "string"},
			},
		},
		Fn: func(_ context.Context, params map[string]interface{}) (interface{}, error) {
			return params["city"], nil
		},
	}
	rig := newTestRig(t, ModePayToClaim, tool, nil)

	resp, _ := rig.call(t, nil, `{"city":42}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = rig.call(t, nil, `{"city":"Lisbon"}`)
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
}

func TestUnconfirmedTransactionEventuallyVerifies(t *testing.T) {
	rig := newTestRig(t, ModePayToClaim, echoTool(), nil)
	rig.ledger.SetConfirmDelay(2)

	_, body := rig.call(t, nil, `{}`)
	terms := challengeFrom(t, body)
	txHash := rig.pay(t, terms.PayTo, terms.Amount)

	resp, _ := rig.call(t, map[string]string{
		agentpay.HeaderPaymentTx: txHash,
		agentpay.HeaderResultID:  terms.ResultID,
	}, `{}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
