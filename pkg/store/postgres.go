package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// PostgresStore keeps one table per collection with a JSONB document column.
// Merging is done server side with the jsonb concatenation operator.
type PostgresStore struct {
	db      *sqlx.DB
	upserts map[string]string
}

// OpenPostgresStore connects to dsn and prepares a table for every collection.
func OpenPostgresStore(dsn string, collections ...string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewPostgresStore(db, collections...)
}

// NewPostgresStore creates the collection tables if needed.
func NewPostgresStore(db *sqlx.DB, collections ...string) (*PostgresStore, error) {
	s := &PostgresStore{
		db:      db,
		upserts: make(map[string]string, len(collections)),
	}
	for _, collection := range collections {
		table := pq.QuoteIdentifier(collection)
		_, err := db.Exec(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT NOT NULL PRIMARY KEY,
			doc JSONB NOT NULL DEFAULT '{}'::jsonb,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`, table))
		if err != nil {
			return nil, fmt.Errorf("create table %s: %w", table, err)
		}
		s.upserts[collection] = upsertStatement(collection)
	}
	return s, nil
}

func upsertStatement(collection string) string {
	table := pq.QuoteIdentifier(collection)
	return fmt.Sprintf(`INSERT INTO %s (id, doc) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET doc = %s.doc || EXCLUDED.doc, updated_at = now()`, table, table)
}

// Upsert merges fields into the row's document.
func (p *PostgresStore) Upsert(ctx context.Context, collection, key string, fields Document) error {
	query, ok := p.upserts[collection]
	if !ok {
		return &PersistenceError{Collection: collection, Key: key, Err: fmt.Errorf("unknown collection %q", collection)}
	}
	doc, err := json.Marshal(fields)
	if err != nil {
		return &PersistenceError{Collection: collection, Key: key, Err: err}
	}
	if _, err := p.db.ExecContext(ctx, query, key, string(doc)); err != nil {
		return &PersistenceError{Collection: collection, Key: key, Err: err}
	}
	return nil
}

// Get reads a document back. Numbers decode as float64.
func (p *PostgresStore) Get(ctx context.Context, collection, key string) (Document, error) {
	if _, ok := p.upserts[collection]; !ok {
		return nil, ErrNotFound
	}
	var raw []byte
	query := fmt.Sprintf(`SELECT doc FROM %s WHERE id = $1`, pq.QuoteIdentifier(collection))
	err := p.db.GetContext(ctx, &raw, query, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Close closes the connection pool.
func (p *PostgresStore) Close() error {
	return p.db.Close()
}
