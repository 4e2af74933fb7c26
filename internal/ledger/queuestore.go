package ledger

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/ethdb/leveldb"

	"github.com/settlement-experiment/offchain/internal/protocol"
)

const (
	// QueueStoreCacheMB is the LevelDB block cache size in MB. Small value
	// (16 MB) since the pending queue is bounded by the settlement cap.
	QueueStoreCacheMB = 16

	// QueueStoreHandles is the maximum number of open file handles for
	// LevelDB.
	QueueStoreHandles = 16
)

// QueueStore persists admitted pending operations so a restarted node
// recovers its mempool. Entries are written on admission and dropped on
// settlement; the in-memory queue stays authoritative and persistence is
// best-effort.
type QueueStore struct {
	db     ethdb.Database
	mu     sync.RWMutex
	closed bool
}

// NewQueueStore opens a persistent store at path. If path is empty or
// storage fails, it falls back to in-memory storage.
func NewQueueStore(path string) (*QueueStore, error) {
	var db ethdb.Database

	if path != "" {
		if mkErr := os.MkdirAll(path, 0755); mkErr != nil {
			log.Printf("[QueueStore] Failed to create directory %s: %v, using in-memory", path, mkErr)
			db = rawdb.NewMemoryDatabase()
		} else {
			ldb, ldbErr := leveldb.New(path, QueueStoreCacheMB, QueueStoreHandles, "", false)
			if ldbErr != nil {
				log.Printf("[QueueStore] Failed to open LevelDB at %s: %v, using in-memory", path, ldbErr)
				db = rawdb.NewMemoryDatabase()
			} else {
				db = rawdb.NewDatabase(ldb)
				log.Printf("[QueueStore] Opened persistent storage at %s", path)
			}
		}
	} else {
		db = rawdb.NewMemoryDatabase()
	}

	return &QueueStore{db: db}, nil
}

// opPrefix returns the key prefix holding a resource's pending operations.
// The resource is length-prefixed so a name containing the separator (say
// "a" vs "a:b") can never shadow another resource's prefix scan.
func opPrefix(resource string) []byte {
	return []byte(fmt.Sprintf("pending:%d:%s:", len(resource), resource))
}

func opKey(resource, id string) []byte {
	return append(opPrefix(resource), id...)
}

// Put persists one pending operation.
func (s *QueueStore) Put(resource string, op *protocol.PendingOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("queue store is closed")
	}

	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("marshal pending op %s: %w", op.ID, err)
	}
	return s.db.Put(opKey(resource, op.ID), data)
}

// Delete drops a settled operation.
func (s *QueueStore) Delete(resource, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("queue store is closed")
	}
	return s.db.Delete(opKey(resource, id))
}

// Load returns every persisted pending operation for a resource. Corrupt
// entries are skipped with a log line rather than failing recovery.
func (s *QueueStore) Load(resource string) ([]*protocol.PendingOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("queue store is closed")
	}

	var ops []*protocol.PendingOperation
	it := s.db.NewIterator(opPrefix(resource), nil)
	defer it.Release()
	for it.Next() {
		var op protocol.PendingOperation
		if err := json.Unmarshal(it.Value(), &op); err != nil {
			log.Printf("[QueueStore] Skipping corrupt entry %s: %v", it.Key(), err)
			continue
		}
		ops = append(ops, &op)
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("iterate pending queue: %w", err)
	}
	return ops, nil
}

// Close releases the underlying database. Safe to call once.
func (s *QueueStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
