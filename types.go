package agentpay

import (
	"time"
)

// Protocol scheme identifiers. The scheme in a 402 challenge tells the
// client which settlement flow the gateway runs.
const (
	// SchemeEscrow settles through an intermediary escrow address that is
	// released to the provider or refunded to the payer after the tool runs.
	SchemeEscrow = "x402-escrow"
	// SchemePayToClaim is the execute-first flow: the tool has already run
	// and the challenge carries a resultId unlocking the cached output.
	SchemePayToClaim = "x402-claim"
)

// HTTP headers used by the payment flow.
const (
	HeaderPayment   = "X-Payment"    // base64 JSON PaymentProof
	HeaderPaymentTx = "X-Payment-Tx" // raw transaction id
	HeaderResultID  = "X-Result-Id"  // pay-to-claim only
	HeaderReceipt   = "X-Payment-Receipt"
)

// ChallengeTerms is one entry of a 402 challenge's accepts list.
// Immutable once issued to a client.
type ChallengeTerms struct {
	Scheme      string     `json:"scheme"`
	PayTo       string     `json:"payTo"`
	Amount      Satoshis   `json:"amount"`
	AmountUSD   float64    `json:"amountUSD"`
	Unit        string     `json:"unit"`
	Satoshis    Satoshis   `json:"satoshis,omitempty"`
	ResultID    string     `json:"resultId,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	Network     string     `json:"network"`
	Description string     `json:"description,omitempty"`
}

// PaymentRequired is the body of a 402 response.
type PaymentRequired struct {
	Error   string           `json:"error,omitempty"`
	Accepts []ChallengeTerms `json:"accepts"`
}

// PaymentProof is the client's self-attested payment record, carried
// base64-encoded in the X-Payment header on resubmission. The gateway
// treats only the transaction id as load-bearing; everything else is
// re-derived from the chain.
type PaymentProof struct {
	Scheme    string   `json:"scheme"`
	TxHash    string   `json:"txHash"`
	From      string   `json:"from"`
	To        string   `json:"to"`
	Amount    Satoshis `json:"amount"`
	ResultID  string   `json:"resultId,omitempty"`
	Network   string   `json:"network"`
	Timestamp int64    `json:"timestamp"`
}

// PaymentReceipt is attached by the gateway to a paid response in the
// X-Payment-Receipt header.
type PaymentReceipt struct {
	Verified    bool           `json:"verified"`
	Timestamp   time.Time      `json:"timestamp"`
	TxHash      string         `json:"txHash"`
	PayTo       string         `json:"payTo"`
	Payer       string         `json:"payer"`
	Amount      Satoshis       `json:"amount"`
	ExplorerURL string         `json:"explorerUrl,omitempty"`
	Escrow      *EscrowOutcome `json:"escrow,omitempty"`
}

// EscrowOutcome records what happened to escrowed funds after the tool ran.
// A failed release or refund is a reconciliation concern, never a reason to
// withhold an already-committed response.
type EscrowOutcome struct {
	Status string   `json:"status"` // released | refunded | release-failed | refund-failed
	TxHash string   `json:"txHash,omitempty"`
	Target string   `json:"target,omitempty"`
	Amount Satoshis `json:"amount,omitempty"`
	Error  string   `json:"error,omitempty"`
}

// ToolError is the body of a pre-payment execution failure in the
// execute-first flow. NoCost signals that no challenge was issued and
// nothing was charged.
type ToolError struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	NoCost  bool   `json:"noCost,omitempty"`
}
