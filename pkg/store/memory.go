package store

import (
	"context"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// MemoryStore keeps documents in process memory. Merges for one key are
// serialized by the map shard lock.
type MemoryStore struct {
	docs cmap.ConcurrentMap[string, Document]
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: cmap.New[Document]()}
}

func memoryKey(collection, key string) string {
	return collection + "/" + key
}

// Upsert merges fields into the stored document.
func (m *MemoryStore) Upsert(ctx context.Context, collection, key string, fields Document) error {
	if err := ctx.Err(); err != nil {
		return &PersistenceError{Collection: collection, Key: key, Err: err}
	}
	m.docs.Upsert(memoryKey(collection, key), fields, func(exist bool, current, incoming Document) Document {
		if !exist {
			return merge(nil, incoming)
		}
		return merge(current, incoming)
	})
	return nil
}

// Get returns a copy of the stored document.
func (m *MemoryStore) Get(ctx context.Context, collection, key string) (Document, error) {
	doc, ok := m.docs.Get(memoryKey(collection, key))
	if !ok {
		return nil, ErrNotFound
	}
	return merge(nil, doc), nil
}

// Len returns the number of stored documents across all collections.
func (m *MemoryStore) Len() int {
	return m.docs.Count()
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}
