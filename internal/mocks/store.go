package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/benmeehan/tracker-relay/pkg/store"
)

// Store is a mock implementation of store.Store
type Store struct {
	mock.Mock
}

func (m *Store) Upsert(ctx context.Context, collection, key string, fields store.Document) error {
	args := m.Called(ctx, collection, key, fields)
	return args.Error(0)
}

func (m *Store) Close() error {
	args := m.Called()
	return args.Error(0)
}
