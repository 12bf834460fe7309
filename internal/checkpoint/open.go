package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"cloud.google.com/go/storage"
	"github.com/Lllllllleong/docstream/internal/config"
	"github.com/Lllllllleong/docstream/internal/gcp"
)

const (
	boltFileName = "checkpoints.db"
	gcsPrefix    = "checkpoints"
)

// Open builds the store selected by cfg. It returns nil, nil for the
// "none" backend.
func Open(ctx context.Context, cfg config.CheckpointConfig) (Store, error) {
	switch cfg.Backend {
	case config.BackendNone, "":
		return nil, nil
	case config.BackendFile:
		store, err := NewFileStore(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendBolt:
		if err := os.MkdirAll(cfg.Dir, dirPerm); err != nil {
			return nil, fmt.Errorf("create checkpoint dir: %w", err)
		}
		store, err := NewBoltStore(filepath.Join(cfg.Dir, boltFileName))
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create Storage client: %w", err)
		}
		store := NewGCSStore(client.Bucket(cfg.Bucket), gcsPrefix)
		store.closeFn = client.Close
		return store, nil
	case config.BackendFirestore:
		client, err := gcp.NewFirestoreClient(ctx, cfg.ProjectID, cfg.Database)
		if err != nil {
			return nil, err
		}
		store := NewFirestoreStore(client, cfg.Collection)
		store.closeFn = client.Close
		return store, nil
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", cfg.Backend)
	}
}
