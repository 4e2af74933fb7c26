package protocol

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ValidationError reports a structurally malformed write intent. Such
// intents are rejected immediately and never queued or retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid intent: %s: %s", e.Field, e.Reason)
}

// SignatureError reports a signature that failed the chain's verification.
type SignatureError struct {
	Sender common.Address
	Reason string
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("signature verification failed for %s: %s", e.Sender.Hex(), e.Reason)
}

// InsufficientBalanceError reports a debit the sender's virtual balance
// cannot cover.
type InsufficientBalanceError struct {
	Address common.Address
	Need    *big.Int
	Have    *big.Int
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s: need %v, have %v", e.Address.Hex(), e.Need, e.Have)
}

// SourceUnavailableError reports a source that could not be reached or
// timed out. The fallback chain logs it and advances to the next source.
type SourceUnavailableError struct {
	Source string
	Err    error
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("source %s unavailable: %v", e.Source, e.Err)
}

func (e *SourceUnavailableError) Unwrap() error { return e.Err }

// SettlementError reports a batch submission failure. The batch stays
// queued in full and is eligible for a later settle call.
type SettlementError struct {
	SettlementID string
	BatchSize    int
	Err          error
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("settlement %s (%d ops) failed: %v", e.SettlementID, e.BatchSize, e.Err)
}

func (e *SettlementError) Unwrap() error { return e.Err }
