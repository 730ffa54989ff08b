/*
Package storage provides the persistent storage layer of the relay node.

# Storage Organization

The storage uses a key-value database with prefixed namespaces:

## Transactions
  - tx/  : txHash → TxRecord (full relayed transaction record)
  - txa/ : address + inverse timestamp + txHash → nil (per-address index,
    one entry for each party of the transaction, newest first)
  - txp/ : timestamp + txHash → nil (pending index, oldest first)
  - txr/ : txHash → reservation timestamp (prevents concurrent tracking)

## Policy
  - pr/ : ruleID → PolicyRule

## Counters
  - cnt/ : sliding-window usage counters, managed by the counters package
    on top of the same backend

## Nonce cursors
  - nonce/ : persisted allocator cursor positions, managed by the nonce
    package on top of the same backend
*/
package storage

import (
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/relayforge/relay-node/db"
	"github.com/relayforge/relay-node/log"
)

var (
	ErrKeyAlreadyExists = errors.New("key already exists")
	ErrNotFound         = errors.New("not found")
	ErrBadTransition    = errors.New("transaction already terminal")

	// Prefixes
	txPrefix            = []byte("tx/")
	txAddressPrefix     = []byte("txa/")
	txPendingPrefix     = []byte("txp/")
	txReservationPrefix = []byte("txr/")
	rulePrefix          = []byte("pr/")
)

// reservationRecord stores metadata about a reservation.
type reservationRecord struct {
	Timestamp int64
}

// Storage manages relayed transaction records, policy rules and tracker
// reservations.
type Storage struct {
	db         db.Database
	globalLock sync.Mutex
	cache      *lru.Cache[string, any]
}

// New creates a new Storage instance on top of the given database.
func New(database db.Database) *Storage {
	cache, err := lru.New[string, any](1000)
	if err != nil {
		log.Fatalf("failed to create LRU cache: %v", err)
	}
	s := &Storage{
		db:    database,
		cache: cache,
	}

	// clear stale reservations left behind by a previous run
	if err := s.recover(); err != nil {
		log.Errorw(err, "failed to clear stale reservations")
	}

	return s
}

// Database returns the underlying key-value backend, for subsystems that
// share it under their own prefix.
func (s *Storage) Database() db.Database {
	return s.db
}

// recover clears all reservations so that after a crash no pending
// transaction stays blocked from tracking.
func (s *Storage) recover() error {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.cleanAllReservations(txReservationPrefix)
}

// Close closes the storage.
func (s *Storage) Close() {
	if err := s.db.Close(); err != nil {
		log.Errorw(err, "failed to close storage")
	}
}

func (s *Storage) cleanAllReservations(prefix []byte) error {
	// Iterate hands the callback the full key, prefix included.
	var keys [][]byte
	if err := s.db.Iterate(prefix, func(k, _ []byte) bool {
		keys = append(keys, append([]byte{}, k...))
		return true
	}); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	wtx := s.db.WriteTx()
	defer wtx.Discard()
	for _, key := range keys {
		if err := wtx.Delete(key); err != nil {
			return err
		}
	}
	return wtx.Commit()
}

// setReservation creates a reservation under the given prefix. Returns an
// error if the reservation already exists.
func (s *Storage) setReservation(wtx db.WriteTx, prefix, id []byte) error {
	key := append(prefix, id...)
	if _, err := wtx.Get(key); err == nil {
		return ErrKeyAlreadyExists
	}
	res := reservationRecord{Timestamp: time.Now().Unix()}
	data, err := EncodeArtifact(res)
	if err != nil {
		return err
	}
	return wtx.Set(key, data)
}

func (s *Storage) deleteReservation(wtx db.WriteTx, prefix, id []byte) error {
	return wtx.Delete(append(prefix, id...))
}

func (s *Storage) isReserved(prefix, id []byte) bool {
	_, err := s.db.Get(append(prefix, id...))
	return err == nil
}

// releaseStaleReservations frees reservations under prefix older than
// maxAge. Returns how many were released.
func (s *Storage) releaseStaleReservations(prefix []byte, maxAge time.Duration) (int, error) {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	now := time.Now().Unix()
	var stale [][]byte
	if err := s.db.Iterate(prefix, func(k, v []byte) bool {
		var res reservationRecord
		if err := DecodeArtifact(v, &res); err != nil {
			// unreadable reservation, drop it
			stale = append(stale, append([]byte{}, k...))
			return true
		}
		if now-res.Timestamp >= int64(maxAge.Seconds()) {
			stale = append(stale, append([]byte{}, k...))
		}
		return true
	}); err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}
	wtx := s.db.WriteTx()
	defer wtx.Discard()
	for _, k := range stale {
		if err := wtx.Delete(k); err != nil {
			return 0, err
		}
	}
	return len(stale), wtx.Commit()
}
