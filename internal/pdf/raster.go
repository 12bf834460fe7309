package pdf

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/Lllllllleong/docstream/internal/docerr"
	"github.com/Lllllllleong/docstream/internal/document"
	"github.com/Lllllllleong/docstream/internal/models"
	"github.com/gen2brain/go-fitz"
)

// raster wraps a MuPDF document. MuPDF contexts are not safe for
// concurrent use, so every call goes through mu.
type raster struct {
	mu  sync.Mutex
	doc *fitz.Document
}

func openRaster(path string) (*raster, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return nil, fmt.Errorf("fitz.New: %w", err)
	}
	return &raster{doc: doc}, nil
}

func (r *raster) pages() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.NumPage()
}

func (r *raster) png(index int, dpi float64) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.ImagePNG(index, dpi)
}

func (r *raster) text(index int) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Text(index)
}

func (r *raster) close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Close()
}

// rasterHandle serves documents the structural parser rejected. Only
// text and rendering are available; signals are derived from the text.
type rasterHandle struct {
	path   string
	raster *raster
	count  int
	images *imageSource
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

var _ document.Handle = (*rasterHandle)(nil)

func newRasterHandle(path string, r *raster, images *imageSource, logger *slog.Logger) *rasterHandle {
	return &rasterHandle{path: path, raster: r, count: r.pages(), images: images, logger: logger}
}

func (h *rasterHandle) UnitCount() int {
	return h.count
}

func (h *rasterHandle) Unit(index int) (document.Unit, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, docerr.DocumentIO("document handle is closed", os.ErrClosed)
	}
	if index < 0 || index >= h.count {
		return nil, docerr.DocumentIO(fmt.Sprintf("unit %d out of range [0,%d)", index, h.count), nil)
	}
	if _, err := os.Stat(h.path); err != nil {
		return nil, docerr.DocumentIO("document became unreadable", err)
	}
	return &rasterPage{index: index, raster: h.raster, handle: h}, nil
}

func (h *rasterHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return errors.Join(h.images.close(), h.raster.close())
}

type rasterPage struct {
	index  int
	raster *raster
	handle *rasterHandle
	text   *string
}

func (p *rasterPage) Index() int {
	return p.index
}

func (p *rasterPage) Signals() (models.UnitSignals, error) {
	text, err := p.Text()
	if err != nil {
		return models.UnitSignals{}, err
	}
	s := models.UnitSignals{TextChars: utf8.RuneCountInString(text)}
	if strings.TrimSpace(text) != "" {
		s.TextRuns = len(strings.Fields(text))
	}
	if s.TextChars > 0 {
		s.ReplacementPct = float64(strings.Count(text, string(utf8.RuneError))) / float64(s.TextChars) * 100
	}
	return s, nil
}

func (p *rasterPage) Text() (string, error) {
	if p.raster == nil {
		return "", docerr.UnitDecode(p.index, errors.New("page handle already released"))
	}
	if p.text != nil {
		return *p.text, nil
	}
	text, err := p.raster.text(p.index)
	if err != nil {
		return "", docerr.UnitDecode(p.index, err)
	}
	p.text = &text
	return text, nil
}

func (p *rasterPage) Images() ([]models.Image, error) {
	if p.handle == nil {
		return nil, docerr.UnitDecode(p.index, errors.New("page handle already released"))
	}
	images, err := p.handle.images.page(p.index)
	if err != nil {
		p.handle.logger.Warn("Image streams unavailable.", "unit", p.index, "error", err)
		return nil, nil
	}
	return images, nil
}

func (p *rasterPage) Tables() ([]models.Table, error) {
	return nil, nil
}

func (p *rasterPage) Render(dpi float64) ([]byte, error) {
	if p.raster == nil {
		return nil, errors.New("page handle already released")
	}
	return p.raster.png(p.index, dpi)
}

func (p *rasterPage) Release() {
	p.raster = nil
	p.handle = nil
	p.text = nil
}
