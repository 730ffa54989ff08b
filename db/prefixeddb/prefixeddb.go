// Package prefixeddb wraps a db.Database restricting it to a key prefix,
// so that independent subsystems can share one backend without key clashes.
package prefixeddb

import (
	"bytes"

	"github.com/relayforge/relay-node/db"
)

// PrefixedDatabase exposes the subset of keys of an underlying database that
// start with a fixed prefix, with the prefix stripped.
type PrefixedDatabase struct {
	db     db.Database
	prefix []byte
}

var _ db.Database = (*PrefixedDatabase)(nil)

// NewPrefixedDatabase returns a view of d restricted to the given prefix.
func NewPrefixedDatabase(d db.Database, prefix []byte) *PrefixedDatabase {
	return &PrefixedDatabase{db: d, prefix: bytes.Clone(prefix)}
}

func (d *PrefixedDatabase) prefixed(key []byte) []byte {
	out := make([]byte, 0, len(d.prefix)+len(key))
	out = append(out, d.prefix...)
	return append(out, key...)
}

func (d *PrefixedDatabase) Get(key []byte) ([]byte, error) {
	return d.db.Get(d.prefixed(key))
}

func (d *PrefixedDatabase) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	skip := len(d.prefix)
	return d.db.Iterate(d.prefixed(prefix), func(key, value []byte) bool {
		return callback(key[skip:], value)
	})
}

func (d *PrefixedDatabase) WriteTx() db.WriteTx {
	return &PrefixedWriteTx{tx: d.db.WriteTx(), prefix: d.prefix}
}

// Close is a no-op: the underlying database is owned by the caller.
func (d *PrefixedDatabase) Close() error {
	return nil
}

func (d *PrefixedDatabase) Compact() error {
	return d.db.Compact()
}

// PrefixedWriteTx prefixes every key of an underlying db.WriteTx.
type PrefixedWriteTx struct {
	tx     db.WriteTx
	prefix []byte
}

var _ db.WriteTx = (*PrefixedWriteTx)(nil)

func (tx *PrefixedWriteTx) prefixed(key []byte) []byte {
	out := make([]byte, 0, len(tx.prefix)+len(key))
	out = append(out, tx.prefix...)
	return append(out, key...)
}

func (tx *PrefixedWriteTx) Get(key []byte) ([]byte, error) {
	return tx.tx.Get(tx.prefixed(key))
}

func (tx *PrefixedWriteTx) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	skip := len(tx.prefix)
	return tx.tx.Iterate(tx.prefixed(prefix), func(key, value []byte) bool {
		return callback(key[skip:], value)
	})
}

func (tx *PrefixedWriteTx) Set(key, value []byte) error {
	return tx.tx.Set(tx.prefixed(key), value)
}

func (tx *PrefixedWriteTx) Delete(key []byte) error {
	return tx.tx.Delete(tx.prefixed(key))
}

func (tx *PrefixedWriteTx) Apply(other db.WriteTx) error {
	return other.Iterate(nil, func(k, v []byte) bool {
		return tx.Set(k, v) == nil
	})
}

func (tx *PrefixedWriteTx) Commit() error {
	return tx.tx.Commit()
}

func (tx *PrefixedWriteTx) Discard() {
	tx.tx.Discard()
}
