package market

import (
	"encoding/json"
	"errors"
	"fmt"

	native "offmarket/native/market"
	"offmarket/storage"
)

// Store persists the settlement ledger over a storage.Database using a JSON
// codec. It satisfies the engine's SnapshotState: direct reads and writes
// hit the backing database, while Begin hands out a buffered view whose
// writes only land on Commit, which is how a settlement batch stays
// all-or-nothing.
type Store struct {
	db storage.Database
}

// NewStore wraps the supplied database.
func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

var _ native.SnapshotState = (*Store)(nil)

// KVGet decodes the value stored under key into out, reporting whether the
// key was present.
func (s *Store) KVGet(key []byte, out interface{}) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("market store: database not configured")
	}
	raw, err := s.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("market store: decode %q: %w", key, err)
	}
	return true, nil
}

// KVPut encodes value and stores it under key.
func (s *Store) KVPut(key []byte, value interface{}) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("market store: database not configured")
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("market store: encode %q: %w", key, err)
	}
	return s.db.Put(key, raw)
}

// Begin returns a buffered view over the store. Reads see buffered writes
// first, then the backing database. Dropping the view without Commit
// discards every write.
func (s *Store) Begin() native.TxState {
	return &Tx{store: s, writes: make(map[string][]byte)}
}

// Tx is a snapshot in progress. It is not safe for concurrent use; the
// engine processes one batch at a time.
type Tx struct {
	store  *Store
	writes map[string][]byte
	order  []string
	done   bool
}

// KVGet reads through the buffer into the backing store.
func (tx *Tx) KVGet(key []byte, out interface{}) (bool, error) {
	if raw, ok := tx.writes[string(key)]; ok {
		if err := json.Unmarshal(raw, out); err != nil {
			return false, fmt.Errorf("market store: decode %q: %w", key, err)
		}
		return true, nil
	}
	return tx.store.KVGet(key, out)
}

// KVPut buffers the write until Commit.
func (tx *Tx) KVPut(key []byte, value interface{}) error {
	if tx.done {
		return fmt.Errorf("market store: write after commit")
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("market store: encode %q: %w", key, err)
	}
	k := string(key)
	if _, seen := tx.writes[k]; !seen {
		tx.order = append(tx.order, k)
	}
	tx.writes[k] = raw
	return nil
}

// Commit flushes the buffered writes to the backing database in first-write
// order.
func (tx *Tx) Commit() error {
	if tx.done {
		return fmt.Errorf("market store: already committed")
	}
	for _, k := range tx.order {
		if err := tx.store.db.Put([]byte(k), tx.writes[k]); err != nil {
			return err
		}
	}
	tx.done = true
	return nil
}
