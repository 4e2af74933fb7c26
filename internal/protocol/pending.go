package protocol

import (
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// PendingOperation wraps a validated write intent admitted to the mempool
// but not yet settled on-chain.
type PendingOperation struct {
	ID        string  `json:"id"`
	Intent    *Intent `json:"intent"`
	Timestamp int64   `json:"timestamp"` // unix milliseconds, admission order tie-broken by nonce
}

// BalanceDelta returns the signed balance change per address this operation
// causes once applied:
//
//	transfer  sender -amount, recipient +amount
//	deposit   sender +amount (on-chain funds credited off-chain)
//	withdraw  sender -amount
func (op *PendingOperation) BalanceDelta() map[common.Address]*big.Int {
	deltas := make(map[common.Address]*big.Int)
	amount := op.Intent.Amount()
	if amount == nil {
		return deltas
	}

	add := func(addr common.Address, d *big.Int) {
		cur, ok := deltas[addr]
		if !ok {
			cur = new(big.Int)
			deltas[addr] = cur
		}
		cur.Add(cur, d)
	}

	switch op.Intent.Operation {
	case OpTransfer:
		to, ok := op.Intent.Recipient()
		if !ok {
			return deltas
		}
		add(op.Intent.Sender, new(big.Int).Neg(amount))
		add(to, amount)
	case OpDeposit:
		add(op.Intent.Sender, amount)
	case OpWithdraw:
		add(op.Intent.Sender, new(big.Int).Neg(amount))
	}
	return deltas
}

// AffectedAddresses returns the balance holders this operation touches.
func (op *PendingOperation) AffectedAddresses() []common.Address {
	deltas := op.BalanceDelta()
	addrs := make([]common.Address, 0, len(deltas))
	for addr := range deltas {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool {
		return addrs[i].Hex() < addrs[j].Hex()
	})
	return addrs
}

// DeepCopy returns a copy sharing no mutable state with the receiver.
func (op *PendingOperation) DeepCopy() *PendingOperation {
	if op == nil {
		return nil
	}
	return &PendingOperation{
		ID:        op.ID,
		Intent:    op.Intent.DeepCopy(),
		Timestamp: op.Timestamp,
	}
}

// SortByTimestamp orders operations by timestamp ascending, tie-breaking by
// nonce then ID so the order is total even under equal timestamps. Virtual
// balance computation and batch selection both rely on this ordering, which
// makes results independent of admission interleaving.
func SortByTimestamp(ops []*PendingOperation) {
	sort.SliceStable(ops, func(i, j int) bool {
		if ops[i].Timestamp != ops[j].Timestamp {
			return ops[i].Timestamp < ops[j].Timestamp
		}
		if ops[i].Intent.Nonce != ops[j].Intent.Nonce {
			return ops[i].Intent.Nonce < ops[j].Intent.Nonce
		}
		return ops[i].ID < ops[j].ID
	})
}

// BuildBatchIntent packs a settlement batch into a single write intent
// against the chain. Each operation becomes one list argument of the form
// [operation, sender, recipient-or-none, amount, nonce].
func BuildBatchIntent(resource string, ops []*PendingOperation) *Intent {
	args := make([]Arg, 0, len(ops))
	for _, op := range ops {
		recipient := NoneArg()
		if to, ok := op.Intent.Recipient(); ok {
			recipient = AddressArg(to)
		}
		amount := op.Intent.Amount()
		if amount == nil {
			amount = new(big.Int)
		}
		args = append(args, ListArg(
			StringArg(op.Intent.Operation),
			AddressArg(op.Intent.Sender),
			recipient,
			IntArg(amount),
			Uint64Arg(op.Intent.Nonce),
		))
	}
	return &Intent{
		Kind:      IntentWrite,
		Resource:  resource,
		Operation: OpBatch,
		Args:      args,
	}
}
