// Package source defines the polymorphic read/write backends that the
// fallback chain consults in priority order, plus the authoritative chain
// client contract they are built on.
package source

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/settlement-experiment/offchain/internal/protocol"
)

// ErrMiss signals that a source cannot serve an intent. The fallback chain
// treats it as "try the next source", not as a failure.
var ErrMiss = errors.New("source miss")

// Source is one backend capable of resolving queries and/or accepting
// mutations. Either method may return ErrMiss to fall through.
type Source interface {
	// Name identifies the source in logs and errors.
	Name() string

	// Resolve serves a read intent, returning the resulting value.
	Resolve(ctx context.Context, intent *protocol.Intent) (protocol.Arg, error)

	// Submit accepts a write intent and returns a pending identifier.
	Submit(ctx context.Context, intent *protocol.Intent) (string, error)
}

// ChainClient is the contract the authoritative chain must expose. The
// ledger and fallback chain depend only on this interface; a single
// instance is constructed per process and injected everywhere it is
// needed.
type ChainClient interface {
	// ReadOnlyCall executes a read-only contract function.
	ReadOnlyCall(ctx context.Context, resource, function string, args []protocol.Arg) (protocol.Arg, error)

	// Broadcast submits a signed write intent to the chain and returns the
	// chain-assigned transaction id once the chain accepts it into its own
	// pending state.
	Broadcast(ctx context.Context, intent *protocol.Intent) (string, error)

	// VerifySignature checks a signature against the sender and the signed
	// digest using the chain's authoritative verification rules.
	VerifySignature(ctx context.Context, signature []byte, sender common.Address, digest common.Hash) (bool, error)
}

// ChainSource adapts a ChainClient to the Source interface, making the
// authoritative chain the terminal entry of a fallback chain.
type ChainSource struct {
	client ChainClient
}

func NewChainSource(client ChainClient) *ChainSource {
	return &ChainSource{client: client}
}

func (s *ChainSource) Name() string { return "chain" }

func (s *ChainSource) Resolve(ctx context.Context, intent *protocol.Intent) (protocol.Arg, error) {
	if intent.Kind != protocol.IntentRead {
		return protocol.Arg{}, ErrMiss
	}
	return s.client.ReadOnlyCall(ctx, intent.Resource, intent.Operation, intent.Args)
}

func (s *ChainSource) Submit(ctx context.Context, intent *protocol.Intent) (string, error) {
	if intent.Kind != protocol.IntentWrite {
		return "", ErrMiss
	}
	return s.client.Broadcast(ctx, intent)
}
