// Package document defines the boundary to the document-parsing library.
// The pipeline never assumes more than this capability set.
package document

import (
	"context"

	"github.com/Lllllllleong/docstream/internal/models"
)

// Header is what can be learned about a document without touching any
// unit's content.
type Header struct {
	ByteSize  int64
	UnitCount int
	Version   string
	Encrypted bool
	// CredentialsAvailable is false when the document is encrypted and no
	// usable password was supplied.
	CredentialsAvailable bool
	// ValidationErr is set when structural validation (cross-reference
	// table, object graph) failed. The document may still be readable.
	ValidationErr error
}

// Opener opens documents of one format.
type Opener interface {
	// Inspect reads header-level metadata. It fails with an UnreadableDocument
	// error only when the file cannot be opened at all.
	Inspect(ctx context.Context, path string) (Header, error)
	// Open returns a handle for unit-level access.
	Open(ctx context.Context, path string) (Handle, error)
}

// Handle is an open document.
type Handle interface {
	UnitCount() int
	// Unit materializes the unit at a 0-based index. Decode problems are
	// reported as UnitDecode errors; failures of the handle itself as
	// DocumentIO errors.
	Unit(index int) (Unit, error)
	Close() error
}

// Unit is the raw handle of one page. It is owned by whoever called
// Handle.Unit until Release is called.
type Unit interface {
	Index() int
	Signals() (models.UnitSignals, error)
	Text() (string, error)
	Images() ([]models.Image, error)
	Tables() ([]models.Table, error)
	// Render rasterizes the unit to PNG.
	Render(dpi float64) ([]byte, error)
	Release()
}
