package source

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/settlement-experiment/offchain/internal/protocol"
)

// DevChain is an in-process ChainClient used by the dev node, the seed
// tool and tests. It keeps uint256 balances per resource, verifies
// secp256k1 signatures by recovery, and models confirmation latency
// explicitly: Broadcast only queues a transaction, ConfirmAll applies it.
type DevChain struct {
	mu       sync.RWMutex
	balances map[string]map[common.Address]*uint256.Int
	pending  []*devTx
}

// devTx is a broadcast-accepted transaction awaiting confirmation.
type devTx struct {
	id  string
	ops []devOp
}

// devOp is one decoded balance-affecting operation.
type devOp struct {
	resource  string
	operation string
	sender    common.Address
	recipient common.Address
	amount    *uint256.Int
}

func NewDevChain() *DevChain {
	return &DevChain{
		balances: make(map[string]map[common.Address]*uint256.Int),
	}
}

// SetBalance sets a confirmed balance directly. Used for seeding.
func (d *DevChain) SetBalance(resource string, addr common.Address, balance *big.Int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, overflow := uint256.FromBig(balance)
	if overflow {
		b = new(uint256.Int) // clamp; dev chain only
	}
	d.resourceBalances(resource)[addr] = b
}

// Balance returns the confirmed balance for an address.
func (d *DevChain) Balance(resource string, addr common.Address) *big.Int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if m, ok := d.balances[resource]; ok {
		if b, ok := m[addr]; ok {
			return b.ToBig()
		}
	}
	return new(big.Int)
}

// resourceBalances returns the balance map for a resource, creating it if
// needed. Caller must hold d.mu for writing.
func (d *DevChain) resourceBalances(resource string) map[common.Address]*uint256.Int {
	m, ok := d.balances[resource]
	if !ok {
		m = make(map[common.Address]*uint256.Int)
		d.balances[resource] = m
	}
	return m
}

// ReadOnlyCall serves read-only contract functions. Only get-balance is
// implemented; it is all the settlement layer reads.
func (d *DevChain) ReadOnlyCall(ctx context.Context, resource, function string, args []protocol.Arg) (protocol.Arg, error) {
	if err := ctx.Err(); err != nil {
		return protocol.Arg{}, err
	}
	switch function {
	case protocol.OpGetBalance:
		if len(args) != 1 {
			return protocol.Arg{}, fmt.Errorf("get-balance expects 1 arg, got %d", len(args))
		}
		addr, ok := args[0].AsAddress()
		if !ok {
			return protocol.Arg{}, fmt.Errorf("get-balance expects an address arg")
		}
		return protocol.IntArg(d.Balance(resource, addr)), nil
	default:
		return protocol.Arg{}, fmt.Errorf("unknown read-only function %q", function)
	}
}

// Broadcast accepts a write intent into the dev chain's own pending state
// and returns a transaction id. Balances do not move until ConfirmAll.
func (d *DevChain) Broadcast(ctx context.Context, intent *protocol.Intent) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if intent.Kind != protocol.IntentWrite {
		return "", fmt.Errorf("broadcast requires a write intent")
	}

	ops, err := decodeOps(intent)
	if err != nil {
		return "", fmt.Errorf("broadcast decode: %w", err)
	}

	tx := &devTx{id: uuid.New().String(), ops: ops}
	d.mu.Lock()
	d.pending = append(d.pending, tx)
	d.mu.Unlock()
	return tx.id, nil
}

// VerifySignature recovers the signing address from a 65-byte secp256k1
// signature and compares it to the claimed sender.
func (d *DevChain) VerifySignature(ctx context.Context, signature []byte, sender common.Address, digest common.Hash) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if len(signature) != crypto.SignatureLength {
		return false, nil
	}
	pub, err := crypto.SigToPub(digest.Bytes(), signature)
	if err != nil {
		return false, nil
	}
	return crypto.PubkeyToAddress(*pub) == sender, nil
}

// PendingTxCount returns the number of broadcast-accepted, unconfirmed
// transactions.
func (d *DevChain) PendingTxCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.pending)
}

// ConfirmAll applies every pending transaction to confirmed balances and
// returns how many were confirmed. Transfers and withdrawals that exceed
// the sender's confirmed balance are skipped with a log line, mirroring a
// chain rejecting an individual batch entry.
func (d *DevChain) ConfirmAll() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	confirmed := len(d.pending)
	for _, tx := range d.pending {
		for _, op := range tx.ops {
			d.applyOp(tx.id, op)
		}
	}
	d.pending = nil
	return confirmed
}

// applyOp moves balances for one operation. Caller must hold d.mu.
func (d *DevChain) applyOp(txID string, op devOp) {
	balances := d.resourceBalances(op.resource)
	get := func(addr common.Address) *uint256.Int {
		b, ok := balances[addr]
		if !ok {
			b = new(uint256.Int)
			balances[addr] = b
		}
		return b
	}

	switch op.operation {
	case protocol.OpTransfer:
		from := get(op.sender)
		if from.Lt(op.amount) {
			log.Printf("[DevChain] tx %s: transfer from %s exceeds confirmed balance, skipped", txID, op.sender.Hex())
			return
		}
		from.Sub(from, op.amount)
		to := get(op.recipient)
		to.Add(to, op.amount)
	case protocol.OpDeposit:
		b := get(op.sender)
		b.Add(b, op.amount)
	case protocol.OpWithdraw:
		b := get(op.sender)
		if b.Lt(op.amount) {
			log.Printf("[DevChain] tx %s: withdraw from %s exceeds confirmed balance, skipped", txID, op.sender.Hex())
			return
		}
		b.Sub(b, op.amount)
	default:
		log.Printf("[DevChain] tx %s: unknown operation %q, skipped", txID, op.operation)
	}
}

// decodeOps flattens a write intent into balance operations. A batch intent
// contributes one op per list entry; any other write intent is a single op.
func decodeOps(intent *protocol.Intent) ([]devOp, error) {
	if intent.Operation != protocol.OpBatch {
		return []devOp{singleOp(intent)}, nil
	}

	ops := make([]devOp, 0, len(intent.Args))
	for i, arg := range intent.Args {
		entry, ok := arg.AsList()
		if !ok || len(entry) < 4 {
			return nil, fmt.Errorf("batch entry %d malformed", i)
		}
		operation, ok := entry[0].AsString()
		if !ok {
			return nil, fmt.Errorf("batch entry %d: missing operation", i)
		}
		sender, ok := entry[1].AsAddress()
		if !ok {
			return nil, fmt.Errorf("batch entry %d: missing sender", i)
		}
		recipient, _ := entry[2].AsAddress() // none for deposit/withdraw
		amountBig, ok := entry[3].AsInt()
		if !ok {
			return nil, fmt.Errorf("batch entry %d: missing amount", i)
		}
		amount, overflow := uint256.FromBig(amountBig)
		if overflow {
			return nil, fmt.Errorf("batch entry %d: amount overflows", i)
		}
		ops = append(ops, devOp{
			resource:  intent.Resource,
			operation: operation,
			sender:    sender,
			recipient: recipient,
			amount:    amount,
		})
	}
	return ops, nil
}

func singleOp(intent *protocol.Intent) devOp {
	op := devOp{
		resource:  intent.Resource,
		operation: intent.Operation,
		sender:    intent.Sender,
		amount:    new(uint256.Int),
	}
	if to, ok := intent.Recipient(); ok {
		op.recipient = to
	}
	if amount := intent.Amount(); amount != nil {
		if a, overflow := uint256.FromBig(amount); !overflow {
			op.amount = a
		}
	}
	return op
}
