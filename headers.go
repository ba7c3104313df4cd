package agentpay

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// EncodePaymentHeader encodes a payment proof for the X-Payment header.
func EncodePaymentHeader(proof PaymentProof) (string, error) {
	data, err := json.Marshal(proof)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment proof: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodePaymentHeader decodes a base64 X-Payment header value.
func DecodePaymentHeader(header string) (PaymentProof, error) {
	data, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return PaymentProof{}, fmt.Errorf("invalid base64 encoding: %w", err)
	}

	var proof PaymentProof
	if err := json.Unmarshal(data, &proof); err != nil {
		return PaymentProof{}, fmt.Errorf("invalid payment proof JSON: %w", err)
	}

	return proof, nil
}

// EncodeReceiptHeader encodes a payment receipt for the X-Payment-Receipt
// header. The receipt travels as plain JSON so browsers and curl can read it.
func EncodeReceiptHeader(receipt PaymentReceipt) (string, error) {
	data, err := json.Marshal(receipt)
	if err != nil {
		return "", fmt.Errorf("failed to marshal receipt: %w", err)
	}
	return string(data), nil
}

// DecodeReceiptHeader decodes an X-Payment-Receipt header value.
func DecodeReceiptHeader(header string) (PaymentReceipt, error) {
	var receipt PaymentReceipt
	if err := json.Unmarshal([]byte(header), &receipt); err != nil {
		return PaymentReceipt{}, fmt.Errorf("invalid receipt JSON: %w", err)
	}
	return receipt, nil
}
