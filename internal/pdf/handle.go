package pdf

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/Lllllllleong/docstream/internal/docerr"
	"github.com/Lllllllleong/docstream/internal/document"
	lpdf "github.com/ledongthuc/pdf"
)

// Handle is an open PDF served by the pure-Go reader, with the
// rasterizer opened lazily the first time a page is rendered.
type Handle struct {
	path   string
	file   *os.File
	reader *lpdf.Reader
	count  int
	images *imageSource
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	raster *raster
}

var _ document.Handle = (*Handle)(nil)

func newHandle(path string, file *os.File, reader *lpdf.Reader, count int, images *imageSource, logger *slog.Logger) *Handle {
	return &Handle{path: path, file: file, reader: reader, count: count, images: images, logger: logger}
}

func (h *Handle) UnitCount() int {
	return h.count
}

// Unit materializes page index (0-based).
func (h *Handle) Unit(index int) (document.Unit, error) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return nil, docerr.DocumentIO("document handle is closed", os.ErrClosed)
	}
	if index < 0 || index >= h.count {
		return nil, docerr.DocumentIO(fmt.Sprintf("unit %d out of range [0,%d)", index, h.count), nil)
	}

	var page lpdf.Page
	err := safely(func() error {
		page = h.reader.Page(index + 1)
		if page.V.IsNull() {
			return errors.New("page object not found in page tree")
		}
		return nil
	})
	if err != nil {
		if ioErr := h.checkIO(); ioErr != nil {
			return nil, docerr.DocumentIO("document became unreadable", ioErr)
		}
		return nil, docerr.UnitDecode(index, err)
	}
	return &Page{index: index, page: page, handle: h}, nil
}

// checkIO distinguishes a broken file handle from a broken page.
func (h *Handle) checkIO() error {
	if _, err := h.file.Stat(); err != nil {
		return err
	}
	first := make([]byte, 1)
	if _, err := h.file.ReadAt(first, 0); err != nil {
		return err
	}
	return nil
}

func (h *Handle) render(index int, dpi float64) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, os.ErrClosed
	}
	if h.raster == nil {
		r, err := openRaster(h.path)
		if err != nil {
			return nil, err
		}
		h.raster = r
	}
	return h.raster.png(index, dpi)
}

// Close releases the file and the rasterizer. It is safe to call twice.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	var errs []error
	if h.raster != nil {
		errs = append(errs, h.raster.close())
		h.raster = nil
	}
	errs = append(errs, h.images.close())
	errs = append(errs, h.file.Close())
	h.reader = nil
	return errors.Join(errs...)
}
