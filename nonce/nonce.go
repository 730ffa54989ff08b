// Package nonce allocates relayer account nonces per (relayer, network) so
// that the sequence broadcast to the chain stays gap-free. A caller acquires
// a lease, signs and broadcasts while holding it, and either commits the
// value or returns it. The lock is held for the whole sign-and-broadcast
// window: a returned nonce is always the highest outstanding one, so the
// cursor can safely step back.
package nonce

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"

	"github.com/relayforge/relay-node/db"
	"github.com/relayforge/relay-node/db/prefixeddb"
	"github.com/relayforge/relay-node/log"
)

var (
	// ErrSaturated is returned when too many requests are already queued
	// for the same relayer account.
	ErrSaturated = errors.New("relayer saturated")
	// ErrNotInitialized is returned when a lease is requested before the
	// cursor has been synced with the chain.
	ErrNotInitialized = errors.New("nonce cursor not initialized")
	// ErrStalled is returned by callers that cannot sync an uninitialized
	// cursor because the chain's pending count is unreadable.
	ErrStalled = errors.New("nonce allocator stalled")
)

// DefaultMaxWaiters bounds the queue behind one relayer account before new
// requests are turned away.
const DefaultMaxWaiters = 64

// noncePrefix namespaces the persisted cursor positions on a shared backend.
var noncePrefix = []byte("nonce/")

type cursor struct {
	lock        chan struct{} // 1-buffered, held across sign and broadcast
	waiters     atomic.Int64
	next        uint64
	initialized bool
}

// Allocator hands out gap-free nonce leases per (relayer, network).
type Allocator struct {
	mtx        sync.Mutex
	cursors    map[string]*cursor
	maxWaiters int64
	store      db.Database
}

// NewAllocator creates an in-memory Allocator. maxWaiters <= 0 selects
// DefaultMaxWaiters.
func NewAllocator(maxWaiters int64) *Allocator {
	if maxWaiters <= 0 {
		maxWaiters = DefaultMaxWaiters
	}
	return &Allocator{
		cursors:    make(map[string]*cursor),
		maxWaiters: maxWaiters,
	}
}

// NewPersistentAllocator creates an Allocator that writes committed cursor
// positions through to the given database under its own prefix, so positions
// survive a restart. Callers should still force a Resync per account on boot:
// the persisted position can lag transactions sent outside this process.
func NewPersistentAllocator(database db.Database, maxWaiters int64) *Allocator {
	a := NewAllocator(maxWaiters)
	a.store = prefixeddb.NewPrefixedDatabase(database, noncePrefix)
	return a
}

func key(network string, relayer common.Address) string {
	return network + "/" + relayer.Hex()
}

func (a *Allocator) cursorFor(network string, relayer common.Address) *cursor {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	k := key(network, relayer)
	cur, ok := a.cursors[k]
	if !ok {
		cur = &cursor{lock: make(chan struct{}, 1)}
		if a.store != nil {
			if v, err := a.store.Get([]byte(k)); err == nil && len(v) == 8 {
				cur.next = binary.BigEndian.Uint64(v)
				cur.initialized = true
			}
		}
		a.cursors[k] = cur
	}
	return cur
}

// persistCursor writes a cursor position through to the store, best effort:
// a lost write costs one extra resync after a restart, never a gap.
func (a *Allocator) persistCursor(k string, next uint64) {
	if a.store == nil {
		return
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], next)
	wtx := a.store.WriteTx()
	defer wtx.Discard()
	if err := wtx.Set([]byte(k), buf[:]); err != nil {
		log.Warnw("failed to persist nonce cursor", "key", k, "error", err.Error())
		return
	}
	if err := wtx.Commit(); err != nil {
		log.Warnw("failed to persist nonce cursor", "key", k, "error", err.Error())
	}
}

// Lease is one acquired nonce. Exactly one of Broadcast or Return must be
// called; both release the per-account lock.
type Lease struct {
	alloc *Allocator
	cur   *cursor
	key   string
	value uint64
	done  bool
}

// Value returns the leased nonce.
func (l *Lease) Value() uint64 { return l.value }

// Broadcast commits the lease: the cursor keeps the advanced position and,
// on a persistent allocator, the position is written through.
func (l *Lease) Broadcast() {
	if l.done {
		return
	}
	l.done = true
	l.alloc.persistCursor(l.key, l.cur.next)
	<-l.cur.lock
}

// Return gives an unused nonce back when nothing reached the chain. The
// leased value is always the top of the sequence while the lock is held, so
// stepping the cursor back cannot create a gap.
func (l *Lease) Return() {
	if l.done {
		return
	}
	l.done = true
	l.cur.next = l.value
	<-l.cur.lock
}

// Acquire leases the next nonce for the relayer on the given network. It
// blocks while another request holds the account lock, fails fast with
// ErrSaturated when the queue is full, and honors ctx cancellation.
func (a *Allocator) Acquire(ctx context.Context, network string, relayer common.Address) (*Lease, error) {
	cur := a.cursorFor(network, relayer)

	if cur.waiters.Add(1) > a.maxWaiters {
		cur.waiters.Add(-1)
		return nil, fmt.Errorf("%w: %d requests queued for %s on %s",
			ErrSaturated, a.maxWaiters, relayer.Hex(), network)
	}
	defer cur.waiters.Add(-1)

	select {
	case cur.lock <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if !cur.initialized {
		<-cur.lock
		return nil, fmt.Errorf("%w: %s on %s", ErrNotInitialized, relayer.Hex(), network)
	}
	lease := &Lease{alloc: a, cur: cur, key: key(network, relayer), value: cur.next}
	cur.next++
	return lease, nil
}

// Resync raises the cursor to the chain's pending nonce. It never lowers it:
// transactions broadcast through this allocator may not be visible in the
// node's pending state yet. Returns the cursor position after the sync.
func (a *Allocator) Resync(ctx context.Context, network string, relayer common.Address, pendingNonce uint64) (uint64, error) {
	cur := a.cursorFor(network, relayer)
	select {
	case cur.lock <- struct{}{}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	defer func() { <-cur.lock }()

	if !cur.initialized || pendingNonce > cur.next {
		cur.next = pendingNonce
		cur.initialized = true
		a.persistCursor(key(network, relayer), cur.next)
	}
	return cur.next, nil
}
