package agentpay

import (
	"errors"
	"fmt"
)

// PaymentError represents a payment-specific error
type PaymentError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Common error codes
const (
	// Resource exhaustion: safe to retry, no funds moved.
	ErrCodeBusy              = "busy"
	ErrCodeFundingFailed     = "funding_failed"
	ErrCodeFundingTimeout    = "funding_timeout"
	ErrCodeFundingIncomplete = "funding_incomplete"
	ErrCodeTreasuryLow       = "treasury_low"

	// Verification: terminal for the attempt, retryable while the
	// challenge or resultId remains valid.
	ErrCodeVerificationFailed = "payment_verification_failed"
	ErrCodeReplayRejected     = "replay_rejected"
	ErrCodeResultExpired      = "result_expired"

	// Execution and settlement.
	ErrCodeToolFailed    = "tool_execution_failed"
	ErrCodeReleaseFailed = "escrow_release_failed"
	ErrCodeRefundFailed  = "escrow_refund_failed"
)

// NewPaymentError creates a new payment error
func NewPaymentError(code, message string, details map[string]interface{}) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// CodeOf returns the payment error code carried by err, or "" if err is
// not a PaymentError.
func CodeOf(err error) string {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsCode reports whether err is a PaymentError with the given code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}
