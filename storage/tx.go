package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/relayforge/relay-node/db"
	"github.com/relayforge/relay-node/types"
)

// MaxListLimit bounds one page of per-address transaction listings.
const MaxListLimit = 1000

func txKey(hash types.HexBytes) []byte {
	return append([]byte{}, hash...)
}

// txAddressKey orders entries per address newest first: the timestamp is
// stored inverted so a forward iteration walks recent transactions first.
func txAddressKey(addr types.HexBytes, submittedAt time.Time, hash types.HexBytes) []byte {
	key := make([]byte, 0, len(addr)+8+len(hash))
	key = append(key, addr...)
	key = binary.BigEndian.AppendUint64(key, ^uint64(submittedAt.UnixNano()))
	return append(key, hash...)
}

// txPendingKey orders pending entries oldest first.
func txPendingKey(submittedAt time.Time, hash types.HexBytes) []byte {
	key := make([]byte, 0, 8+len(hash))
	key = binary.BigEndian.AppendUint64(key, uint64(submittedAt.UnixNano()))
	return append(key, hash...)
}

// AddTx stores a new pending transaction record and indexes it by both
// parties and by submission time. Fails with ErrKeyAlreadyExists if a record
// with the same hash exists.
func (s *Storage) AddTx(rec *types.TxRecord) error {
	if rec == nil || len(rec.Hash) == 0 {
		return fmt.Errorf("transaction record without hash")
	}
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	data, err := EncodeArtifact(rec)
	if err != nil {
		return fmt.Errorf("encode transaction record: %w", err)
	}

	wtx := s.db.WriteTx()
	defer wtx.Discard()

	key := append(txPrefix, txKey(rec.Hash)...)
	if _, err := wtx.Get(key); err == nil {
		return ErrKeyAlreadyExists
	} else if !errors.Is(err, db.ErrKeyNotFound) {
		return err
	}

	if err := wtx.Set(key, data); err != nil {
		return err
	}
	if err := wtx.Set(append(txAddressPrefix, txAddressKey(rec.From, rec.SubmittedAt, rec.Hash)...), nil); err != nil {
		return err
	}
	if err := wtx.Set(append(txAddressPrefix, txAddressKey(rec.To, rec.SubmittedAt, rec.Hash)...), nil); err != nil {
		return err
	}
	if rec.Status == types.TxStatusPending {
		if err := wtx.Set(append(txPendingPrefix, txPendingKey(rec.SubmittedAt, rec.Hash)...), nil); err != nil {
			return err
		}
	}
	if err := wtx.Commit(); err != nil {
		return err
	}
	s.cache.Add(txCacheKey(rec.Hash), rec)
	return nil
}

// Tx returns the transaction record with the given hash.
func (s *Storage) Tx(hash types.HexBytes) (*types.TxRecord, error) {
	if cached, ok := s.cache.Get(txCacheKey(hash)); ok {
		if rec, ok := cached.(*types.TxRecord); ok {
			return rec, nil
		}
	}
	data, err := s.db.Get(append(txPrefix, txKey(hash)...))
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rec := new(types.TxRecord)
	if err := DecodeArtifact(data, rec); err != nil {
		return nil, fmt.Errorf("decode transaction record: %w", err)
	}
	s.cache.Add(txCacheKey(hash), rec)
	return rec, nil
}

// CompleteTx moves a pending transaction to a terminal status and records
// the receipt data. Terminal records are immutable: completing an already
// terminal transaction fails with ErrBadTransition.
func (s *Storage) CompleteTx(hash types.HexBytes, status types.TxStatus,
	gasUsed uint64, gasPrice *types.BigInt, blockNumber uint64,
) error {
	if !status.Terminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}
	return s.updateTx(hash, func(rec *types.TxRecord) error {
		if rec.Status != types.TxStatusPending {
			return fmt.Errorf("%w: %s is %s", ErrBadTransition, hash.Hex(), rec.Status)
		}
		rec.Status = status
		rec.GasUsed = gasUsed
		rec.GasPrice = gasPrice
		rec.BlockNumber = blockNumber
		rec.StuckSince = nil
		return nil
	})
}

// MarkTxStuck flags a pending transaction as stuck since the given time. The
// record stays pending. Calling it again refreshes nothing: the original
// stuck time is kept.
func (s *Storage) MarkTxStuck(hash types.HexBytes, since time.Time) error {
	return s.updateTx(hash, func(rec *types.TxRecord) error {
		if rec.Status != types.TxStatusPending {
			return fmt.Errorf("%w: %s is %s", ErrBadTransition, hash.Hex(), rec.Status)
		}
		if rec.StuckSince == nil {
			rec.StuckSince = &since
		}
		return nil
	})
}

func (s *Storage) updateTx(hash types.HexBytes, mutate func(*types.TxRecord) error) error {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	key := append(txPrefix, txKey(hash)...)
	data, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return ErrNotFound
		}
		return err
	}
	rec := new(types.TxRecord)
	if err := DecodeArtifact(data, rec); err != nil {
		return fmt.Errorf("decode transaction record: %w", err)
	}

	wasPending := rec.Status == types.TxStatusPending
	if err := mutate(rec); err != nil {
		return err
	}
	rec.UpdatedAt = time.Now()

	encoded, err := EncodeArtifact(rec)
	if err != nil {
		return fmt.Errorf("encode transaction record: %w", err)
	}

	wtx := s.db.WriteTx()
	defer wtx.Discard()
	if err := wtx.Set(key, encoded); err != nil {
		return err
	}
	if wasPending && rec.Status.Terminal() {
		if err := wtx.Delete(append(txPendingPrefix, txPendingKey(rec.SubmittedAt, rec.Hash)...)); err != nil {
			return err
		}
		if err := s.deleteReservation(wtx, txReservationPrefix, txKey(hash)); err != nil {
			return err
		}
	}
	if err := wtx.Commit(); err != nil {
		return err
	}
	s.cache.Add(txCacheKey(hash), rec)
	return nil
}

// ListTxsByAddress returns transactions where the given address is either
// party, newest first. limit is clamped to MaxListLimit; zero selects it.
func (s *Storage) ListTxsByAddress(addr types.HexBytes, offset, limit int) ([]*types.TxRecord, error) {
	if limit <= 0 || limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	var hashes []types.HexBytes
	prefix := append(txAddressPrefix, addr...)
	skipped := 0
	if err := s.db.Iterate(prefix, func(k, _ []byte) bool {
		// Iterate yields full keys: prefix + 8 bytes inverse timestamp + hash.
		if len(k) <= len(prefix)+8 {
			return true
		}
		if skipped < offset {
			skipped++
			return true
		}
		hashes = append(hashes, types.HexBytes(append([]byte{}, k[len(prefix)+8:]...)))
		return len(hashes) < limit
	}); err != nil {
		return nil, err
	}
	records := make([]*types.TxRecord, 0, len(hashes))
	for _, hash := range hashes {
		rec, err := s.Tx(hash)
		if err != nil {
			return nil, fmt.Errorf("load indexed transaction %s: %w", hash.Hex(), err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// PendingTxs returns up to limit pending transactions, oldest first. A
// non-positive limit returns all of them.
func (s *Storage) PendingTxs(limit int) ([]*types.TxRecord, error) {
	var hashes []types.HexBytes
	skip := len(txPendingPrefix) + 8
	if err := s.db.Iterate(txPendingPrefix, func(k, _ []byte) bool {
		if len(k) <= skip {
			return true
		}
		hashes = append(hashes, types.HexBytes(append([]byte{}, k[skip:]...)))
		return limit <= 0 || len(hashes) < limit
	}); err != nil {
		return nil, err
	}
	records := make([]*types.TxRecord, 0, len(hashes))
	for _, hash := range hashes {
		rec, err := s.Tx(hash)
		if err != nil {
			return nil, fmt.Errorf("load pending transaction %s: %w", hash.Hex(), err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// ReserveTx takes the tracking reservation for a pending transaction, so
// concurrent tracker passes do not process it twice. Returns
// ErrKeyAlreadyExists when already reserved.
func (s *Storage) ReserveTx(hash types.HexBytes) error {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	wtx := s.db.WriteTx()
	defer wtx.Discard()
	if err := s.setReservation(wtx, txReservationPrefix, txKey(hash)); err != nil {
		return err
	}
	return wtx.Commit()
}

// ReleaseTx frees the tracking reservation of a transaction.
func (s *Storage) ReleaseTx(hash types.HexBytes) error {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	wtx := s.db.WriteTx()
	defer wtx.Discard()
	if err := s.deleteReservation(wtx, txReservationPrefix, txKey(hash)); err != nil {
		return err
	}
	return wtx.Commit()
}

// IsTxReserved reports whether a transaction is reserved for tracking.
func (s *Storage) IsTxReserved(hash types.HexBytes) bool {
	return s.isReserved(txReservationPrefix, txKey(hash))
}

// ReleaseStaleTxReservations frees tracking reservations older than maxAge.
func (s *Storage) ReleaseStaleTxReservations(maxAge time.Duration) (int, error) {
	return s.releaseStaleReservations(txReservationPrefix, maxAge)
}

func txCacheKey(hash types.HexBytes) string {
	return "tx:" + hash.Hex()
}
