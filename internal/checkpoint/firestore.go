package checkpoint

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/Lllllllleong/docstream/internal/models"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore keeps run states as documents in one collection. A
// document Set is a single atomic write.
type FirestoreStore struct {
	collection *firestore.CollectionRef
	closeFn    func() error
}

var _ Store = (*FirestoreStore)(nil)

// NewFirestoreStore stores documents in the named collection.
func NewFirestoreStore(client *firestore.Client, collection string) *FirestoreStore {
	return &FirestoreStore{collection: client.Collection(collection)}
}

func (s *FirestoreStore) Save(ctx context.Context, state models.RunState) error {
	if err := Validate(state); err != nil {
		return err
	}
	if _, err := s.collection.Doc(state.Key).Set(ctx, state); err != nil {
		return fmt.Errorf("failed to write checkpoint document: %w", err)
	}
	return nil
}

func (s *FirestoreStore) Load(ctx context.Context, key string) (*models.RunState, error) {
	snap, err := s.collection.Doc(key).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint document: %w", err)
	}
	var state models.RunState
	if err := snap.DataTo(&state); err != nil {
		return nil, fmt.Errorf("decode checkpoint document: %w", err)
	}
	return &state, nil
}

func (s *FirestoreStore) Delete(ctx context.Context, key string) error {
	if _, err := s.collection.Doc(key).Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete checkpoint document: %w", err)
	}
	return nil
}

// Close releases the Firestore client when the store owns it.
func (s *FirestoreStore) Close() error {
	if s.closeFn != nil {
		return s.closeFn()
	}
	return nil
}
