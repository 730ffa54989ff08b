// Package counters keeps sliding-window usage counters for rate and spend
// accounting. Each scope is an append-only series of timestamped amounts in
// the key-value store; sums are computed over a window on read and entries
// older than the retention horizon are evicted lazily as they are passed.
package counters

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/holiman/uint256"

	"github.com/relayforge/relay-node/db"
	"github.com/relayforge/relay-node/db/prefixeddb"
)

const (
	countersPrefix = "cnt/"

	// DefaultRetention is how long entries stay queryable. It must cover
	// the widest window any policy rule can ask for.
	DefaultRetention = 25 * time.Hour

	// evictBatchLimit bounds how many expired entries one write cleans up.
	evictBatchLimit = 256
)

// Store records and sums usage amounts per scope. A scope is an opaque
// string, typically "<dimension>:<identity>:<network>".
type Store struct {
	db        db.Database
	retention time.Duration
	seq       atomic.Uint32
	mtx       sync.Mutex // serializes writers so eviction batches do not collide
}

// NewStore creates a counter store on top of the given database. A
// non-positive retention selects DefaultRetention.
func NewStore(database db.Database, retention time.Duration) *Store {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Store{
		db:        prefixeddb.NewPrefixedDatabase(database, []byte(countersPrefix)),
		retention: retention,
	}
}

// entryKey is scope + 0x00 + big-endian unix-nano + sequence suffix. The
// separator keeps scopes from prefix-colliding, the timestamp keeps entries
// time-ordered, the sequence disambiguates same-nanosecond writes.
func entryKey(scope string, at time.Time, seq uint32) []byte {
	var nanos uint64
	// clamp pre-epoch times (notably the zero time) to the key space floor
	if n := at.UnixNano(); n > 0 {
		nanos = uint64(n)
	}
	key := make([]byte, 0, len(scope)+1+12)
	key = append(key, scope...)
	key = append(key, 0x00)
	key = binary.BigEndian.AppendUint64(key, nanos)
	key = binary.BigEndian.AppendUint32(key, seq)
	return key
}

func scopePrefix(scope string) []byte {
	return append([]byte(scope), 0x00)
}

// Record appends amount to the scope's series at the given time, evicting a
// batch of expired entries on the way.
func (s *Store) Record(scope string, amount *uint256.Int, at time.Time) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	wtx := s.db.WriteTx()
	defer wtx.Discard()

	horizon := at.Add(-s.retention)
	expired, err := s.expiredKeys(scope, horizon)
	if err != nil {
		return err
	}
	for _, key := range expired {
		if err := wtx.Delete(key); err != nil {
			return fmt.Errorf("evict counter entry: %w", err)
		}
	}

	key := entryKey(scope, at, s.seq.Add(1))
	if err := wtx.Set(key, amount.Bytes()); err != nil {
		return fmt.Errorf("record counter entry: %w", err)
	}
	return wtx.Commit()
}

// Sum returns the total amount recorded for the scope since the given time.
func (s *Store) Sum(scope string, since time.Time) (*uint256.Int, error) {
	cutoff := entryKey(scope, since, 0)
	total := new(uint256.Int)
	err := s.db.Iterate(scopePrefix(scope), func(key, value []byte) bool {
		if bytes.Compare(key, cutoff) < 0 {
			return true
		}
		total.Add(total, new(uint256.Int).SetBytes(value))
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("sum counters for %q: %w", scope, err)
	}
	return total, nil
}

// Count returns how many entries the scope has since the given time.
func (s *Store) Count(scope string, since time.Time) (uint64, error) {
	cutoff := entryKey(scope, since, 0)
	var n uint64
	err := s.db.Iterate(scopePrefix(scope), func(key, _ []byte) bool {
		if bytes.Compare(key, cutoff) >= 0 {
			n++
		}
		return true
	})
	if err != nil {
		return 0, fmt.Errorf("count counters for %q: %w", scope, err)
	}
	return n, nil
}

func (s *Store) expiredKeys(scope string, horizon time.Time) ([][]byte, error) {
	cutoff := entryKey(scope, horizon, 0)
	var expired [][]byte
	err := s.db.Iterate(scopePrefix(scope), func(key, _ []byte) bool {
		if bytes.Compare(key, cutoff) >= 0 {
			// entries are time-ordered, nothing older past this point
			return false
		}
		expired = append(expired, bytes.Clone(key))
		return len(expired) < evictBatchLimit
	})
	if err != nil {
		return nil, fmt.Errorf("scan expired counters for %q: %w", scope, err)
	}
	return expired, nil
}

// Scope builds the canonical scope string for a counter dimension.
func Scope(dimension, identity, network string) string {
	return dimension + ":" + identity + ":" + network
}
