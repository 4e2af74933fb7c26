package ledger

import (
	"context"

	"github.com/settlement-experiment/offchain/internal/protocol"
	"github.com/settlement-experiment/offchain/internal/source"
)

// ledgerSource exposes a Ledger as the off-chain accelerator entry of a
// fallback chain: balance queries answer from the virtual view, writes are
// admitted into the mempool. Intents for other resources or operations
// miss so the chain (or a remote accelerator) can serve them.
type ledgerSource struct {
	ledger *Ledger
}

// Source returns the ledger wrapped as a fallback-chain source.
func (l *Ledger) Source() source.Source {
	return &ledgerSource{ledger: l}
}

func (s *ledgerSource) Name() string { return "ledger" }

func (s *ledgerSource) Resolve(ctx context.Context, intent *protocol.Intent) (protocol.Arg, error) {
	if intent.Kind != protocol.IntentRead ||
		intent.Resource != s.ledger.resource ||
		intent.Operation != protocol.OpGetBalance ||
		len(intent.Args) != 1 {
		return protocol.Arg{}, source.ErrMiss
	}
	addr, ok := intent.Args[0].AsAddress()
	if !ok {
		return protocol.Arg{}, source.ErrMiss
	}
	return protocol.IntArg(s.ledger.VirtualBalance(ctx, addr)), nil
}

func (s *ledgerSource) Submit(ctx context.Context, intent *protocol.Intent) (string, error) {
	if intent.Kind != protocol.IntentWrite || intent.Resource != s.ledger.resource {
		return "", source.ErrMiss
	}
	op, _, err := s.ledger.Admit(ctx, intent)
	if err != nil {
		return "", err
	}
	return op.ID, nil
}
