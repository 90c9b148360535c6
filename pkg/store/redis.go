package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each document in a hash named "<collection>:<key>". Every
// field value is JSON encoded, so HSET of a partial is a field-wise merge.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// DialRedisStore connects to addr and verifies the connection with PING.
func DialRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}
	return NewRedisStore(client), nil
}

func redisKey(collection, key string) string {
	return collection + ":" + key
}

// encodeFields converts a document into HSET arguments.
func encodeFields(fields Document) (map[string]any, error) {
	values := make(map[string]any, len(fields))
	for name, value := range fields {
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encode field %q: %w", name, err)
		}
		values[name] = string(encoded)
	}
	return values, nil
}

// decodeFields reverses encodeFields. Numbers decode as float64.
func decodeFields(values map[string]string) (Document, error) {
	doc := make(Document, len(values))
	for name, raw := range values {
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			return nil, fmt.Errorf("decode field %q: %w", name, err)
		}
		doc[name] = value
	}
	return doc, nil
}

// Upsert writes the fields with a single HSET.
func (r *RedisStore) Upsert(ctx context.Context, collection, key string, fields Document) error {
	values, err := encodeFields(fields)
	if err != nil {
		return &PersistenceError{Collection: collection, Key: key, Err: err}
	}
	if len(values) == 0 {
		return nil
	}
	if err := r.client.HSet(ctx, redisKey(collection, key), values).Err(); err != nil {
		return &PersistenceError{Collection: collection, Key: key, Err: err}
	}
	return nil
}

// Get reads the whole hash.
func (r *RedisStore) Get(ctx context.Context, collection, key string) (Document, error) {
	values, err := r.client.HGetAll(ctx, redisKey(collection, key)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(values) == 0 {
		return nil, ErrNotFound
	}
	return decodeFields(values)
}

// Close closes the underlying client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
