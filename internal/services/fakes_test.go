package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/Lllllllleong/docstream/internal/config"
	"github.com/Lllllllleong/docstream/internal/docerr"
	"github.com/Lllllllleong/docstream/internal/document"
	"github.com/Lllllllleong/docstream/internal/models"
	"github.com/stretchr/testify/require"
)

// unitDef describes one unit of a fakeDoc.
type unitDef struct {
	text      string
	signals   models.UnitSignals
	decodeErr error
	ioErr     bool
	textErr   error
	renderErr error
}

// plainUnit is a unit with enough local text to never escalate.
func plainUnit(index int) unitDef {
	text := fmt.Sprintf("Unit %d carries a paragraph of ordinary readable text.", index)
	return unitDef{
		text: text,
		signals: models.UnitSignals{
			FontCount: 1,
			TextRuns:  4,
			TextChars: len(text),
			Width:     612,
			Height:    792,
		},
	}
}

// complexUnit scores 90 on UnitComplexity.
func complexUnit() unitDef {
	text := strings.Repeat("x", 100)
	return unitDef{
		text: text,
		signals: models.UnitSignals{
			FontCount:  20,
			ImageCount: 10,
			TextRuns:   100,
			TextChars:  100,
			WideBlocks: 25,
		},
	}
}

// fakeDoc is an in-memory document.Opener.
type fakeDoc struct {
	byteSize int64
	version  string
	units    []unitDef

	mu      sync.Mutex
	handles []*fakeHandle
	live    int
	maxLive int
	renders int
}

func newFakeDoc(byteSize int64, units ...unitDef) *fakeDoc {
	return &fakeDoc{byteSize: byteSize, version: "1.4", units: units}
}

func plainDoc(byteSize int64, n int) *fakeDoc {
	units := make([]unitDef, n)
	for i := range units {
		units[i] = plainUnit(i)
	}
	return newFakeDoc(byteSize, units...)
}

func (d *fakeDoc) Inspect(_ context.Context, _ string) (document.Header, error) {
	return document.Header{
		ByteSize:             d.byteSize,
		UnitCount:            len(d.units),
		Version:              d.version,
		CredentialsAvailable: true,
	}, nil
}

func (d *fakeDoc) Open(_ context.Context, _ string) (document.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := &fakeHandle{doc: d}
	d.handles = append(d.handles, h)
	return h, nil
}

// streamed returns the indices requested through the last opened handle,
// which is the stream engine's.
func (d *fakeDoc) streamed() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.handles) == 0 {
		return nil
	}
	return append([]int(nil), d.handles[len(d.handles)-1].requested...)
}

type fakeHandle struct {
	doc       *fakeDoc
	requested []int
	closed    bool
}

func (h *fakeHandle) UnitCount() int { return len(h.doc.units) }

func (h *fakeHandle) Unit(index int) (document.Unit, error) {
	d := h.doc
	d.mu.Lock()
	defer d.mu.Unlock()
	if h.closed {
		return nil, docerr.DocumentIO("handle closed", nil)
	}
	h.requested = append(h.requested, index)
	def := d.units[index]
	if def.ioErr {
		return nil, docerr.DocumentIO("read failed", errors.New("unexpected EOF"))
	}
	if def.decodeErr != nil {
		return nil, def.decodeErr
	}
	d.live++
	d.maxLive = max(d.maxLive, d.live)
	return &fakeUnit{doc: d, index: index, def: def}, nil
}

func (h *fakeHandle) Close() error {
	h.doc.mu.Lock()
	defer h.doc.mu.Unlock()
	h.closed = true
	return nil
}

type fakeUnit struct {
	doc      *fakeDoc
	index    int
	def      unitDef
	released bool
}

func (u *fakeUnit) Index() int { return u.index }

func (u *fakeUnit) Signals() (models.UnitSignals, error) { return u.def.signals, nil }

func (u *fakeUnit) Text() (string, error) { return u.def.text, u.def.textErr }

func (u *fakeUnit) Images() ([]models.Image, error) { return nil, nil }

func (u *fakeUnit) Tables() ([]models.Table, error) { return nil, nil }

func (u *fakeUnit) Render(_ float64) ([]byte, error) {
	u.doc.mu.Lock()
	u.doc.renders++
	u.doc.mu.Unlock()
	if u.def.renderErr != nil {
		return nil, u.def.renderErr
	}
	return []byte(fmt.Sprintf("png-%d", u.index)), nil
}

func (u *fakeUnit) Release() {
	u.doc.mu.Lock()
	defer u.doc.mu.Unlock()
	if !u.released {
		u.released = true
		u.doc.live--
	}
}

// fakeVision is a scripted AI-vision tier.
type fakeVision struct {
	mu    sync.Mutex
	calls []int
	text  string
	err   error
	block bool
}

func (v *fakeVision) ExtractPage(ctx context.Context, png []byte, _ string) (string, error) {
	v.mu.Lock()
	v.calls = append(v.calls, len(png))
	v.mu.Unlock()
	if v.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return v.text, v.err
}

func (v *fakeVision) count() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.calls)
}

// fakeOCR is a scripted last-resort tier.
type fakeOCR struct {
	mu    sync.Mutex
	calls int
	text  string
	err   error
}

func (o *fakeOCR) ExtractFromImage(_ context.Context, _ []byte) (string, error) {
	o.mu.Lock()
	o.calls++
	o.mu.Unlock()
	return o.text, o.err
}

func (o *fakeOCR) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

// testConfig is the default configuration without checkpoint side effects.
func testConfig() config.Config {
	cfg := config.Default()
	cfg.Checkpoint.Backend = config.BackendNone
	return cfg
}

// docPath creates a real file so document identity can be computed.
func docPath(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4 placeholder "+name), 0o600))
	return path
}

// encryptedDoc reports encryption without usable credentials.
type encryptedDoc struct {
	*fakeDoc
}

func (d *encryptedDoc) Inspect(ctx context.Context, path string) (document.Header, error) {
	header, err := d.fakeDoc.Inspect(ctx, path)
	header.Encrypted = true
	header.CredentialsAvailable = false
	return header, err
}

// unreadableDoc cannot be opened at all.
type unreadableDoc struct{}

func (unreadableDoc) Inspect(_ context.Context, path string) (document.Header, error) {
	return document.Header{}, docerr.Unreadable("cannot open "+path, os.ErrNotExist)
}

func (unreadableDoc) Open(_ context.Context, path string) (document.Handle, error) {
	return nil, docerr.DocumentIO("cannot open "+path, os.ErrNotExist)
}
