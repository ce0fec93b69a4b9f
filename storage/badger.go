package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"bulkmailer/quota"
)

var _ quota.Store = (*BadgerStore)(nil)

const windowPrefix = "quota/"

// BadgerStore persists quota windows in BadgerDB so counts survive restarts.
// Identities are hashed before they become keys.
//
// Key format: quota/{sha256(identity)[:8]}
type BadgerStore struct {
	db *badger.DB
}

// Open opens (or creates) a BadgerDB at dir. An empty dir opens an
// in-memory database.
func Open(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger %q: %w", dir, err)
	}
	return &BadgerStore{db: db}, nil
}

// Close releases the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// Load implements quota.Store.
func (s *BadgerStore) Load(key string) (quota.Window, bool, error) {
	var w quota.Window
	found := false

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(windowKey(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &w)
		})
	})
	if err != nil {
		return quota.Window{}, false, err
	}
	// the stored key is the hash; hand back the caller's identity
	w.Key = key
	return w, found, nil
}

// Save implements quota.Store.
func (s *BadgerStore) Save(w quota.Window) error {
	stored := w
	stored.Key = hashIdentity(w.Key)
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal window: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(windowKey(w.Key), data)
	})
}

func windowKey(identity string) []byte {
	return []byte(windowPrefix + hashIdentity(identity))
}

func hashIdentity(identity string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(identity))))
	return hex.EncodeToString(sum[:8])
}
