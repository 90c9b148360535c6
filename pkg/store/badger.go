package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

// BadgerStore persists documents as JSON values in an embedded BadgerDB.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens (or creates) a database at path. An empty path opens
// an in-memory database.
func OpenBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", path, err)
	}
	return &BadgerStore{db: db}, nil
}

func badgerKey(collection, key string) []byte {
	return []byte(collection + ":" + key)
}

// Upsert reads the current document and writes the merged result in one
// transaction. A concurrent write to the same key fails with badger.ErrConflict.
func (b *BadgerStore) Upsert(ctx context.Context, collection, key string, fields Document) error {
	if err := ctx.Err(); err != nil {
		return &PersistenceError{Collection: collection, Key: key, Err: err}
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		current, err := readDocument(txn, badgerKey(collection, key))
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		data, err := json.Marshal(merge(current, fields))
		if err != nil {
			return fmt.Errorf("marshal document: %w", err)
		}
		return txn.Set(badgerKey(collection, key), data)
	})
	if err != nil {
		return &PersistenceError{Collection: collection, Key: key, Err: err}
	}
	return nil
}

// Get returns the stored document. Numbers decode as float64.
func (b *BadgerStore) Get(ctx context.Context, collection, key string) (Document, error) {
	var doc Document
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		doc, err = readDocument(txn, badgerKey(collection, key))
		return err
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func readDocument(txn *badger.Txn, key []byte) (Document, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}

	var doc Document
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &doc)
	})
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return doc, nil
}

// Close flushes and closes the database.
func (b *BadgerStore) Close() error {
	return b.db.Close()
}
