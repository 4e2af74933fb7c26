package protocol

import (
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// IntentKind separates reads (queries) from writes (mutations).
type IntentKind string

const (
	IntentRead  IntentKind = "read"
	IntentWrite IntentKind = "write"
)

// Well-known operation names understood by the ledger.
const (
	OpGetBalance = "get-balance"
	OpTransfer   = "transfer"
	OpDeposit    = "deposit"
	OpWithdraw   = "withdraw"
	OpBatch      = "batch"
)

// Constraint is an optional post-condition attached to a write intent,
// bounding the magnitude of the sender's balance change.
type Constraint struct {
	MaxAmount *big.Int `json:"max_amount"`
}

// Intent describes a single request against a named resource. Reads carry
// only resource/operation/args; writes additionally carry sender, nonce,
// timestamp and signature.
//
// An Intent is treated as immutable once built. Components that retain one
// across API boundaries call DeepCopy to avoid aliasing caller data.
type Intent struct {
	Kind      IntentKind `json:"kind"`
	Resource  string     `json:"resource"`
	Operation string     `json:"operation"`
	Args      []Arg      `json:"args,omitempty"`

	// Write-only fields.
	Sender     common.Address `json:"sender,omitempty"`
	Nonce      uint64         `json:"nonce,omitempty"`
	Timestamp  int64          `json:"timestamp,omitempty"` // unix milliseconds
	Signature  hexutil.Bytes  `json:"signature,omitempty"`
	Constraint *Constraint    `json:"constraint,omitempty"`
}

// NewRead builds a query intent.
func NewRead(resource, operation string, args ...Arg) *Intent {
	return &Intent{
		Kind:      IntentRead,
		Resource:  resource,
		Operation: operation,
		Args:      args,
	}
}

// NewWrite builds a mutation intent. Signature and timestamp are filled in
// by the caller (or a signing helper) before submission.
func NewWrite(resource, operation string, sender common.Address, nonce uint64, args ...Arg) *Intent {
	return &Intent{
		Kind:      IntentWrite,
		Resource:  resource,
		Operation: operation,
		Sender:    sender,
		Nonce:     nonce,
		Args:      args,
	}
}

// SigningPayload returns the canonical byte string covered by the intent's
// signature: resource, operation, sender, nonce and the encoded args.
func (in *Intent) SigningPayload() []byte {
	var sb strings.Builder
	sb.WriteString(in.Resource)
	sb.WriteByte('|')
	sb.WriteString(in.Operation)
	sb.WriteByte('|')
	sb.WriteString(strings.ToLower(in.Sender.Hex()))
	sb.WriteByte('|')
	sb.WriteString(strconv.FormatUint(in.Nonce, 10))
	sb.WriteByte('|')
	sb.WriteString(EncodeArgs(in.Args))
	return []byte(sb.String())
}

// SigningHash returns the keccak256 digest of the signing payload.
func (in *Intent) SigningHash() common.Hash {
	return crypto.Keccak256Hash(in.SigningPayload())
}

// Amount extracts the quantity argument of a transfer/deposit/withdraw
// intent, or nil if the intent carries none.
func (in *Intent) Amount() *big.Int {
	var idx int
	switch in.Operation {
	case OpTransfer:
		idx = 1 // args: [recipient, amount]
	case OpDeposit, OpWithdraw:
		idx = 0 // args: [amount]
	default:
		return nil
	}
	if idx >= len(in.Args) {
		return nil
	}
	amount, ok := in.Args[idx].AsInt()
	if !ok {
		return nil
	}
	return amount
}

// Recipient extracts the recipient of a transfer intent.
func (in *Intent) Recipient() (common.Address, bool) {
	if in.Operation != OpTransfer || len(in.Args) == 0 {
		return common.Address{}, false
	}
	return in.Args[0].AsAddress()
}

// Validate checks a write intent structurally. It does not verify the
// signature; that is the chain's job.
func (in *Intent) Validate() error {
	if in.Kind != IntentWrite {
		return &ValidationError{Field: "kind", Reason: "not a write intent"}
	}
	if in.Resource == "" {
		return &ValidationError{Field: "resource", Reason: "empty"}
	}
	if in.Sender == (common.Address{}) {
		return &ValidationError{Field: "sender", Reason: "empty"}
	}
	if in.Nonce == 0 {
		return &ValidationError{Field: "nonce", Reason: "must be positive"}
	}
	if len(in.Signature) == 0 {
		return &ValidationError{Field: "signature", Reason: "empty"}
	}

	switch in.Operation {
	case OpTransfer:
		to, ok := in.Recipient()
		if !ok || to == (common.Address{}) {
			return &ValidationError{Field: "args", Reason: "transfer requires a recipient address"}
		}
	case OpDeposit, OpWithdraw:
		// amount-only operations
	default:
		return &ValidationError{Field: "operation", Reason: "unknown operation " + strconv.Quote(in.Operation)}
	}

	amount := in.Amount()
	if amount == nil {
		return &ValidationError{Field: "args", Reason: "missing amount"}
	}
	if amount.Sign() <= 0 {
		return &ValidationError{Field: "args", Reason: "amount must be positive"}
	}

	if in.Constraint != nil {
		if in.Constraint.MaxAmount == nil || in.Constraint.MaxAmount.Sign() < 0 {
			return &ValidationError{Field: "constraint", Reason: "invalid max amount"}
		}
		if amount.Cmp(in.Constraint.MaxAmount) > 0 {
			return &ValidationError{Field: "constraint", Reason: "amount exceeds declared post-condition bound"}
		}
	}
	return nil
}

// DeepCopy returns a copy sharing no mutable state with the receiver.
func (in *Intent) DeepCopy() *Intent {
	if in == nil {
		return nil
	}
	cp := *in
	if in.Args != nil {
		cp.Args = make([]Arg, len(in.Args))
		for i, a := range in.Args {
			cp.Args[i] = a.DeepCopy()
		}
	}
	if in.Signature != nil {
		cp.Signature = append(hexutil.Bytes(nil), in.Signature...)
	}
	if in.Constraint != nil {
		c := Constraint{}
		if in.Constraint.MaxAmount != nil {
			c.MaxAmount = new(big.Int).Set(in.Constraint.MaxAmount)
		}
		cp.Constraint = &c
	}
	return &cp
}
