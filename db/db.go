// Package db defines the key-value database abstraction used by the relay
// node storage, counters and nonce cursors. Backends: pebbledb (embedded),
// mongodb (shared) and inmemory (tests).
package db

import "errors"

var (
	// ErrKeyNotFound is returned by Get when the key does not exist.
	ErrKeyNotFound = errors.New("key not found")
	// ErrConflict is returned by Commit when a concurrent write
	// invalidated the transaction.
	ErrConflict = errors.New("write transaction conflict")
	// ErrTxClosed is returned when using a committed or discarded tx.
	ErrTxClosed = errors.New("transaction already committed or discarded")
)

// Options configures the opening of a database backend.
type Options struct {
	Path string
	// URL is the connection string for networked backends (mongodb).
	URL string
}

// Database is a prefix-iterable key-value store with write transactions.
type Database interface {
	// Get retrieves the value for the given key, or ErrKeyNotFound.
	Get(key []byte) ([]byte, error)
	// Iterate calls callback on every key-value pair whose key has the
	// given prefix, until callback returns false. Keys are visited in
	// lexicographic order.
	Iterate(prefix []byte, callback func(key, value []byte) bool) error
	// WriteTx starts a new write transaction.
	WriteTx() WriteTx
	// Close releases the backend resources.
	Close() error
	// Compact triggers a backend compaction, where supported.
	Compact() error
}

// WriteTx is a read-write transaction. Writes are buffered until Commit.
// Whether Commit detects conflicts with concurrent transactions depends on
// the backend; pebble batches do not, inmemory does.
type WriteTx interface {
	Get(key []byte) ([]byte, error)
	Iterate(prefix []byte, callback func(key, value []byte) bool) error
	Set(key, value []byte) error
	Delete(key []byte) error
	// Apply copies the pending writes of another transaction into this one.
	Apply(other WriteTx) error
	Commit() error
	Discard()
}
