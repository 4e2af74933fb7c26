package fallback

import (
	"context"
	"errors"
	"log"

	"github.com/settlement-experiment/offchain/internal/protocol"
	"github.com/settlement-experiment/offchain/internal/source"
)

// ErrNoSource is returned when every source missed without raising an
// error of its own.
var ErrNoSource = errors.New("fallback: no source available")

// Chain resolves intents against a cache and an ordered list of sources.
// Sources are tried cheapest-first and sequentially: a cheap source
// succeeding avoids paying for an expensive one, so sources are never
// raced in parallel. Independent intents may be resolved concurrently.
type Chain struct {
	cache   *Cache
	sources []source.Source
}

// NewChain builds a resolution chain. cache may be nil to disable caching;
// sources are consulted in the order given.
func NewChain(cache *Cache, sources ...source.Source) *Chain {
	return &Chain{cache: cache, sources: sources}
}

// Resolve runs one intent through the chain.
//
// Reads consult the cache first; a hit returns immediately without touching
// any source. Otherwise sources are tried in priority order: the first
// success wins, updates the cache (reads) or invalidates it (writes), and
// stops the iteration. A source miss or transient failure advances to the
// next source; only exhausting all sources is terminal.
func (f *Chain) Resolve(ctx context.Context, intent *protocol.Intent) (protocol.Arg, error) {
	if intent.Kind == protocol.IntentRead && f.cache != nil {
		if value, ok := f.cache.Get(intent.Resource, intent.Operation, intent.Args); ok {
			return value, nil
		}
	}

	var lastErr error
	for _, src := range f.sources {
		// A cancelled caller gets the cancellation error without cache
		// invalidation or partially applied writes.
		if err := ctx.Err(); err != nil {
			return protocol.Arg{}, err
		}

		switch intent.Kind {
		case protocol.IntentRead:
			value, err := src.Resolve(ctx, intent)
			if err == nil {
				if f.cache != nil {
					f.cache.Put(intent.Resource, intent.Operation, intent.Args, value)
				}
				return value, nil
			}
			if !errors.Is(err, source.ErrMiss) {
				log.Printf("[Fallback] source %s read failed: %v", src.Name(), err)
				lastErr = err
			}

		case protocol.IntentWrite:
			pendingID, err := src.Submit(ctx, intent)
			if err == nil {
				// Writes conservatively drop every cached read for the
				// operation: read and write args rarely line up 1:1.
				if f.cache != nil {
					f.cache.Invalidate(intent.Resource, intent.Operation, nil)
				}
				return protocol.StringArg(pendingID), nil
			}
			if !errors.Is(err, source.ErrMiss) {
				log.Printf("[Fallback] source %s submit failed: %v", src.Name(), err)
				lastErr = err
			}

		default:
			return protocol.Arg{}, errors.New("fallback: unknown intent kind")
		}
	}

	if lastErr != nil {
		return protocol.Arg{}, lastErr
	}
	return protocol.Arg{}, ErrNoSource
}

// InvalidateRead drops cached reads for a resource+operation. Exposed for
// callers that mutate state outside the chain (e.g. direct ledger
// admission) and need the cache to notice.
func (f *Chain) InvalidateRead(resource, operation string) {
	if f.cache != nil {
		f.cache.Invalidate(resource, operation, nil)
	}
}
