package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"

	"cloud.google.com/go/storage"
	"github.com/Lllllllleong/docstream/internal/models"
)

// GCSStore keeps each run state in its own object. An object only becomes
// visible when its writer is closed successfully, which makes Save atomic.
type GCSStore struct {
	bucket  *storage.BucketHandle
	prefix  string
	closeFn func() error
}

var _ Store = (*GCSStore)(nil)

// NewGCSStore stores objects under prefix in bucket.
func NewGCSStore(bucket *storage.BucketHandle, prefix string) *GCSStore {
	return &GCSStore{bucket: bucket, prefix: prefix}
}

func (s *GCSStore) object(key string) *storage.ObjectHandle {
	return s.bucket.Object(path.Join(s.prefix, key+".json"))
}

func (s *GCSStore) Save(ctx context.Context, state models.RunState) error {
	if err := Validate(state); err != nil {
		return err
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal run state: %w", err)
	}
	writer := s.object(state.Key).NewWriter(ctx)
	writer.ContentType = "application/json"
	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return fmt.Errorf("failed to write checkpoint object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finalize checkpoint object: %w", err)
	}
	return nil
}

func (s *GCSStore) Load(ctx context.Context, key string) (*models.RunState, error) {
	reader, err := s.object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint object: %w", err)
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint object: %w", err)
	}
	var state models.RunState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &state, nil
}

func (s *GCSStore) Delete(ctx context.Context, key string) error {
	err := s.object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete checkpoint object: %w", err)
	}
	return nil
}

// Close releases the storage client when the store owns it.
func (s *GCSStore) Close() error {
	if s.closeFn != nil {
		return s.closeFn()
	}
	return nil
}
