package store

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore writes documents to Cloud Firestore with merge semantics.
type FirestoreStore struct {
	client *firestore.Client
}

// OpenFirestoreStore creates a client from a service account key file. An empty
// projectID is detected from the credentials.
func OpenFirestoreStore(ctx context.Context, projectID, credentialsFile string) (*FirestoreStore, error) {
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create firestore client: %w", err)
	}
	return &FirestoreStore{client: client}, nil
}

// Upsert sets the fields with MergeAll, leaving other fields untouched.
func (f *FirestoreStore) Upsert(ctx context.Context, collection, key string, fields Document) error {
	_, err := f.client.Collection(collection).Doc(key).Set(ctx, map[string]interface{}(fields), firestore.MergeAll)
	if err != nil {
		return &PersistenceError{Collection: collection, Key: key, Err: err}
	}
	return nil
}

// Get reads a document snapshot.
func (f *FirestoreStore) Get(ctx context.Context, collection, key string) (Document, error) {
	snap, err := f.client.Collection(collection).Doc(key).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return Document(snap.Data()), nil
}

// Close releases the client.
func (f *FirestoreStore) Close() error {
	return f.client.Close()
}
