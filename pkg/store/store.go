package store

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get when no document exists under the key.
var ErrNotFound = errors.New("document not found")

// Document is a set of named fields. Writes merge these fields into the
// stored document; fields not named are left untouched.
type Document map[string]any

// Store is a document store with merge-write semantics.
type Store interface {
	// Upsert merges fields into the document identified by key in collection,
	// creating it when absent.
	Upsert(ctx context.Context, collection, key string, fields Document) error
	Close() error
}

// Reader is implemented by stores that can read a document back.
type Reader interface {
	Get(ctx context.Context, collection, key string) (Document, error)
}

// PersistenceError reports a failed write to the backing store.
type PersistenceError struct {
	Collection string
	Key        string
	Err        error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s/%s: %v", e.Collection, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// merge returns a new document holding base overlaid with fields.
func merge(base, fields Document) Document {
	merged := make(Document, len(base)+len(fields))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return merged
}
