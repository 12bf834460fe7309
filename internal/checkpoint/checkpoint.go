// Package checkpoint persists run progress so an interrupted run can resume.
package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/Lllllllleong/docstream/internal/models"
)

// keyLength is the number of hex characters kept from the path hash.
const keyLength = 16

// ErrInvalidState is returned when a RunState violates its invariants.
var ErrInvalidState = errors.New("invalid run state")

// Store is a durable key-value store of RunState records.
type Store interface {
	// Save durably replaces the record for state.Key. A crash mid-write
	// leaves the previous record intact.
	Save(ctx context.Context, state models.RunState) error
	// Load returns nil, nil when no record exists for key.
	Load(ctx context.Context, key string) (*models.RunState, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

// Validate checks the RunState invariants.
func Validate(state models.RunState) error {
	if state.Key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidState)
	}
	if state.LastCompletedUnitIndex < -1 {
		return fmt.Errorf("%w: last completed index %d below -1", ErrInvalidState, state.LastCompletedUnitIndex)
	}
	if state.UnitCount > 0 && state.LastCompletedUnitIndex > state.UnitCount-1 {
		return fmt.Errorf("%w: last completed index %d beyond unit count %d",
			ErrInvalidState, state.LastCompletedUnitIndex, state.UnitCount)
	}
	return nil
}

// KeyFor derives a stable store key from a document path.
func KeyFor(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	sum := sha256.Sum256([]byte(abs))
	return hex.EncodeToString(sum[:])[:keyLength]
}

// Identify builds the identity of the document at path. With hashContent
// the file's SHA-256 is included and takes precedence when comparing.
func Identify(path string, hashContent bool) (models.DocumentIdentity, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return models.DocumentIdentity{}, fmt.Errorf("resolve path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return models.DocumentIdentity{}, fmt.Errorf("stat document: %w", err)
	}
	id := models.DocumentIdentity{
		Path:    abs,
		Size:    info.Size(),
		ModTime: info.ModTime().UTC(),
	}
	if hashContent {
		hash, err := FileHash(abs)
		if err != nil {
			return models.DocumentIdentity{}, err
		}
		id.ContentHash = hash
	}
	return id, nil
}

// FileHash returns the hex SHA-256 of a file's content.
func FileHash(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open for hashing: %w", err)
	}
	defer file.Close()
	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", fmt.Errorf("hash document: %w", err)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
