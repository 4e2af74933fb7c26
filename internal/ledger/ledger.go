// Package ledger implements admission control, virtual-balance accounting
// and batched settlement for one on-chain resource.
package ledger

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/settlement-experiment/offchain/internal/events"
	"github.com/settlement-experiment/offchain/internal/protocol"
	"github.com/settlement-experiment/offchain/internal/source"
)

const (
	// DefaultMaxBatchSize caps one settlement batch. Chosen as a practical
	// ceiling for a single on-chain batch call's argument-size and fee
	// limits.
	DefaultMaxBatchSize = 200

	// refreshConcurrency bounds parallel confirmed-balance re-reads.
	refreshConcurrency = 8
)

// Config assembles a Ledger. One ledger instance serves the client-side and
// server-side roles alike; the only difference is whether the admitting
// side verifies signatures itself (SkipSignatureVerify=false, the default)
// or trusts them because it produced them (SkipSignatureVerify=true).
type Config struct {
	Resource string
	Chain    source.ChainClient

	// Events receives admission and settlement notifications. Optional.
	Events *events.Emitter

	// Store persists the pending queue across restarts. Optional.
	Store *QueueStore

	// MaxBatchSize caps Settle batches; 0 uses DefaultMaxBatchSize.
	MaxBatchSize int

	// SkipSignatureVerify disables the chain signature check on admission.
	SkipSignatureVerify bool
}

// Settlement describes one submitted batch.
type Settlement struct {
	ID    string // settlement id assigned by this ledger
	TxID  string // transaction id assigned by the chain
	Count int    // operations included
}

// Ledger owns the confirmed-balance snapshot and the pending queue for one
// resource. Admission and settlement are serialized with respect to the
// queue; reads snapshot the queue and may run concurrently.
type Ledger struct {
	resource   string
	chain      source.ChainClient
	events     *events.Emitter
	store      *QueueStore
	maxBatch   int
	skipVerify bool
	now        func() time.Time

	mu        sync.RWMutex
	confirmed map[common.Address]*big.Int
	queue     []*protocol.PendingOperation

	// settleMu serializes Settle calls so two settlements can never submit
	// overlapping batches, without blocking admission during chain I/O.
	settleMu sync.Mutex

	// fetch deduplicates concurrent confirmed-balance reads per address.
	fetch singleflight.Group
}

func New(cfg Config) (*Ledger, error) {
	if cfg.Resource == "" {
		return nil, fmt.Errorf("ledger: resource must not be empty")
	}
	if cfg.Chain == nil {
		return nil, fmt.Errorf("ledger: chain client is required")
	}
	maxBatch := cfg.MaxBatchSize
	if maxBatch <= 0 {
		maxBatch = DefaultMaxBatchSize
	}

	l := &Ledger{
		resource:   cfg.Resource,
		chain:      cfg.Chain,
		events:     cfg.Events,
		store:      cfg.Store,
		maxBatch:   maxBatch,
		skipVerify: cfg.SkipSignatureVerify,
		now:        time.Now,
		confirmed:  make(map[common.Address]*big.Int),
	}

	if l.store != nil {
		ops, err := l.store.Load(cfg.Resource)
		if err != nil {
			return nil, fmt.Errorf("ledger: load pending queue: %w", err)
		}
		protocol.SortByTimestamp(ops)
		l.queue = ops
		if len(ops) > 0 {
			log.Printf("[Ledger] %s: recovered %d pending operations", cfg.Resource, len(ops))
		}
	}
	return l, nil
}

// Resource returns the resource this ledger settles for.
func (l *Ledger) Resource() string { return l.resource }

// ConfirmedBalance returns the last observed on-chain balance for an
// address, fetching and caching it on first access. A fetch failure is
// logged and reported as zero: balance queries are advisory until
// settlement, so "unknown" is treated as "assume none" rather than fatal.
func (l *Ledger) ConfirmedBalance(ctx context.Context, addr common.Address) *big.Int {
	l.mu.RLock()
	if bal, ok := l.confirmed[addr]; ok {
		l.mu.RUnlock()
		return new(big.Int).Set(bal)
	}
	l.mu.RUnlock()

	// Concurrent first reads for the same address share one chain call.
	val, err, _ := l.fetch.Do(addr.Hex(), func() (interface{}, error) {
		value, err := l.chain.ReadOnlyCall(ctx, l.resource, protocol.OpGetBalance,
			[]protocol.Arg{protocol.AddressArg(addr)})
		if err != nil {
			return nil, err
		}
		bal, ok := value.AsInt()
		if !ok {
			return nil, fmt.Errorf("get-balance returned %s, want int", value.String())
		}

		l.mu.Lock()
		l.confirmed[addr] = new(big.Int).Set(bal)
		l.mu.Unlock()
		return bal, nil
	})
	if err != nil {
		log.Printf("[Ledger] %s: confirmed balance fetch for %s failed: %v", l.resource, addr.Hex(), err)
		return new(big.Int)
	}
	return new(big.Int).Set(val.(*big.Int))
}

// VirtualBalance returns the confirmed balance adjusted by every pending
// operation's delta for the address. The pending queue is re-sorted by
// timestamp and re-summed on every call; no incremental memoization, so
// the result cannot go stale. Queue sizes are bounded by settlement, which
// keeps the recomputation cheap.
func (l *Ledger) VirtualBalance(ctx context.Context, addr common.Address) *big.Int {
	confirmed := l.ConfirmedBalance(ctx, addr)

	l.mu.RLock()
	snapshot := append([]*protocol.PendingOperation(nil), l.queue...)
	l.mu.RUnlock()

	return confirmed.Add(confirmed, pendingDelta(snapshot, addr))
}

// pendingDelta sums the signed deltas for addr over ops in timestamp order.
// Sorting before summing makes the result independent of admission
// interleaving.
func pendingDelta(ops []*protocol.PendingOperation, addr common.Address) *big.Int {
	protocol.SortByTimestamp(ops)
	sum := new(big.Int)
	for _, op := range ops {
		if d, ok := op.BalanceDelta()[addr]; ok {
			sum.Add(sum, d)
		}
	}
	return sum
}

// Admit validates a write intent and appends it to the pending queue,
// returning the queued operation (a copy) and its queue position. On any
// rejection the queue is untouched, no virtual balance changes, and a
// failed-status event is emitted alongside the returned error.
//
// Structural validation and signature verification run before the queue
// lock is taken; the lock covers only the balance check and the append.
func (l *Ledger) Admit(ctx context.Context, intent *protocol.Intent) (*protocol.PendingOperation, int, error) {
	if err := intent.Validate(); err != nil {
		l.emitOpEvent(intent, protocol.StatusFailed, err)
		return nil, 0, err
	}
	if intent.Resource != l.resource {
		err := &protocol.ValidationError{Field: "resource", Reason: fmt.Sprintf("ledger settles %q, got %q", l.resource, intent.Resource)}
		l.emitOpEvent(intent, protocol.StatusFailed, err)
		return nil, 0, err
	}

	if !l.skipVerify {
		valid, err := l.chain.VerifySignature(ctx, intent.Signature, intent.Sender, intent.SigningHash())
		if err != nil {
			err = fmt.Errorf("verify signature: %w", err)
			l.emitOpEvent(intent, protocol.StatusFailed, err)
			return nil, 0, err
		}
		if !valid {
			sigErr := &protocol.SignatureError{Sender: intent.Sender, Reason: "recovered signer does not match sender"}
			l.emitOpEvent(intent, protocol.StatusFailed, sigErr)
			return nil, 0, sigErr
		}
	}

	op := &protocol.PendingOperation{
		ID:        uuid.New().String(),
		Intent:    intent.DeepCopy(),
		Timestamp: intent.Timestamp,
	}
	if op.Timestamp == 0 {
		op.Timestamp = l.now().UnixMilli()
	}

	// Debit operations must be covered by the sender's virtual balance.
	// The confirmed snapshot is populated outside the queue lock; the
	// balance check and the append then happen atomically under it.
	debit := senderDebit(op)
	if debit.Sign() > 0 {
		l.ConfirmedBalance(ctx, intent.Sender)
	}

	l.mu.Lock()
	if debit.Sign() > 0 {
		have := new(big.Int)
		if bal, ok := l.confirmed[intent.Sender]; ok {
			have.Set(bal)
		}
		have.Add(have, pendingDelta(append([]*protocol.PendingOperation(nil), l.queue...), intent.Sender))
		if have.Cmp(debit) < 0 {
			l.mu.Unlock()
			balErr := &protocol.InsufficientBalanceError{Address: intent.Sender, Need: debit, Have: have}
			l.emitOpEvent(intent, protocol.StatusFailed, balErr)
			return nil, 0, balErr
		}
	}
	l.queue = append(l.queue, op)
	position := len(l.queue) - 1
	l.mu.Unlock()

	if l.store != nil {
		if err := l.store.Put(l.resource, op); err != nil {
			// Persistence is best-effort; the in-memory queue is authoritative.
			log.Printf("[Ledger] %s: persist pending op %s failed: %v", l.resource, op.ID, err)
		}
	}

	l.emitOpEvent(intent, protocol.StatusPending, nil)
	return op.DeepCopy(), position, nil
}

// senderDebit returns how much the operation debits its sender (zero for
// pure credits).
func senderDebit(op *protocol.PendingOperation) *big.Int {
	if d, ok := op.BalanceDelta()[op.Intent.Sender]; ok && d.Sign() < 0 {
		return new(big.Int).Neg(d)
	}
	return new(big.Int)
}

// Settle submits the oldest min(maxBatch, queueLength) pending operations
// as one batched chain transaction. maxBatch <= 0 uses the configured cap.
//
// Removal is optimistic: entries leave the queue as soon as the chain
// accepts the submission, not after on-chain confirmation, so virtual and
// confirmed balances can diverge for the confirmation latency window. If
// submission fails the whole batch stays queued and is eligible for a
// later call; entries are never retried individually.
func (l *Ledger) Settle(ctx context.Context, maxBatch int) (*Settlement, error) {
	l.settleMu.Lock()
	defer l.settleMu.Unlock()

	if maxBatch <= 0 || maxBatch > l.maxBatch {
		maxBatch = l.maxBatch
	}

	l.mu.RLock()
	if len(l.queue) == 0 {
		l.mu.RUnlock()
		return nil, nil
	}
	snapshot := append([]*protocol.PendingOperation(nil), l.queue...)
	l.mu.RUnlock()

	protocol.SortByTimestamp(snapshot)
	if maxBatch < len(snapshot) {
		snapshot = snapshot[:maxBatch]
	}

	settlementID := uuid.New().String()
	l.emitBatchEvent(settlementID, protocol.StatusProcessing, len(snapshot), nil)

	txID, err := l.chain.Broadcast(ctx, protocol.BuildBatchIntent(l.resource, snapshot))
	if err != nil {
		settleErr := &protocol.SettlementError{SettlementID: settlementID, BatchSize: len(snapshot), Err: err}
		l.emitBatchEvent(settlementID, protocol.StatusFailed, len(snapshot), settleErr)
		log.Printf("[Ledger] %s: settlement %s failed, batch of %d stays queued: %v",
			l.resource, settlementID, len(snapshot), err)
		return nil, settleErr
	}

	included := make(map[string]bool, len(snapshot))
	for _, op := range snapshot {
		included[op.ID] = true
	}

	l.mu.Lock()
	remaining := l.queue[:0]
	for _, op := range l.queue {
		if !included[op.ID] {
			remaining = append(remaining, op)
		}
	}
	l.queue = remaining
	l.mu.Unlock()

	if l.store != nil {
		for id := range included {
			if err := l.store.Delete(l.resource, id); err != nil {
				log.Printf("[Ledger] %s: drop persisted op %s failed: %v", l.resource, id, err)
			}
		}
	}

	log.Printf("[Ledger] %s: settlement %s submitted %d operations as chain tx %s",
		l.resource, settlementID, len(snapshot), txID)
	l.emitBatchEvent(settlementID, protocol.StatusCompleted, len(snapshot), nil)
	return &Settlement{ID: settlementID, TxID: txID, Count: len(snapshot)}, nil
}

// RefreshConfirmed re-reads confirmed balances from the chain for the
// given addresses, or for every known address when none are given. Callers
// invoke it once presumed confirmation latency has elapsed; Settle never
// does so itself, since confirmation is asynchronous and external.
func (l *Ledger) RefreshConfirmed(ctx context.Context, addrs ...common.Address) error {
	if len(addrs) == 0 {
		l.mu.RLock()
		for addr := range l.confirmed {
			addrs = append(addrs, addr)
		}
		l.mu.RUnlock()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(refreshConcurrency)
	for _, addr := range addrs {
		addr := addr
		g.Go(func() error {
			value, err := l.chain.ReadOnlyCall(ctx, l.resource, protocol.OpGetBalance,
				[]protocol.Arg{protocol.AddressArg(addr)})
			if err != nil {
				return fmt.Errorf("refresh %s: %w", addr.Hex(), err)
			}
			bal, ok := value.AsInt()
			if !ok {
				return fmt.Errorf("refresh %s: get-balance returned %s", addr.Hex(), value.String())
			}

			l.mu.Lock()
			l.confirmed[addr] = new(big.Int).Set(bal)
			l.mu.Unlock()

			l.emitBalanceEvent(addr, bal)
			return nil
		})
	}
	return g.Wait()
}

// Pending returns a timestamp-ordered copy of the queue.
func (l *Ledger) Pending() []*protocol.PendingOperation {
	l.mu.RLock()
	snapshot := append([]*protocol.PendingOperation(nil), l.queue...)
	l.mu.RUnlock()

	protocol.SortByTimestamp(snapshot)
	out := make([]*protocol.PendingOperation, len(snapshot))
	for i, op := range snapshot {
		out[i] = op.DeepCopy()
	}
	return out
}

// PendingCount returns the queue length.
func (l *Ledger) PendingCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.queue)
}

func operationEventType(operation string) protocol.EventType {
	switch operation {
	case protocol.OpDeposit:
		return protocol.EventDeposit
	case protocol.OpWithdraw:
		return protocol.EventWithdraw
	default:
		return protocol.EventTransfer
	}
}

func (l *Ledger) emitOpEvent(intent *protocol.Intent, status protocol.EventStatus, cause error) {
	if l.events == nil {
		return
	}
	sender := intent.Sender
	data := protocol.EventData{
		From:      &sender,
		Amount:    intent.Amount(),
		Status:    status,
		Timestamp: l.now().UnixMilli(),
	}
	if to, ok := intent.Recipient(); ok {
		data.To = &to
	}
	if cause != nil {
		data.Error = cause.Error()
	}
	l.events.Emit(&protocol.Event{
		Type:     operationEventType(intent.Operation),
		Resource: l.resource,
		Data:     data,
	})
}

func (l *Ledger) emitBatchEvent(settlementID string, status protocol.EventStatus, count int, cause error) {
	if l.events == nil {
		return
	}
	data := protocol.EventData{
		SettlementID: settlementID,
		Amount:       big.NewInt(int64(count)), // batch events report the operation count
		Status:       status,
		Timestamp:    l.now().UnixMilli(),
	}
	if cause != nil {
		data.Error = cause.Error()
	}
	l.events.Emit(&protocol.Event{
		Type:     protocol.EventBatch,
		Resource: l.resource,
		Data:     data,
	})
}

func (l *Ledger) emitBalanceEvent(addr common.Address, balance *big.Int) {
	if l.events == nil {
		return
	}
	l.events.Emit(&protocol.Event{
		Type:     protocol.EventBalance,
		Resource: l.resource,
		Data: protocol.EventData{
			From:      &addr,
			Balance:   new(big.Int).Set(balance),
			Status:    protocol.StatusCompleted,
			Timestamp: l.now().UnixMilli(),
		},
	})
}
