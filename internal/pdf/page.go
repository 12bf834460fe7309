package pdf

import (
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/Lllllllleong/docstream/internal/docerr"
	"github.com/Lllllllleong/docstream/internal/document"
	"github.com/Lllllllleong/docstream/internal/models"
	lpdf "github.com/ledongthuc/pdf"
)

// maxImageBytes caps a single decoded image blob.
const maxImageBytes = 32 << 20

// Page is the raw handle of one PDF page.
type Page struct {
	index  int
	page   lpdf.Page
	handle *Handle

	content *lpdf.Content
}

var _ document.Unit = (*Page)(nil)

func (p *Page) Index() int {
	return p.index
}

// Signals computes the cheap structural signals of the page.
func (p *Page) Signals() (models.UnitSignals, error) {
	if err := p.live(); err != nil {
		return models.UnitSignals{}, err
	}
	var s models.UnitSignals
	err := safely(func() error {
		for _, name := range p.page.Fonts() {
			s.FontCount++
			base := p.page.Font(name).BaseFont()
			if base == "" || strings.HasPrefix(base, "Invalid") {
				s.MissingFonts = append(s.MissingFonts, name)
			}
		}
		s.ImageCount = len(p.imageNames())
		s.Width, s.Height = pageSize(p.page)
		return nil
	})
	if err != nil {
		return models.UnitSignals{}, docerr.UnitDecode(p.index, err)
	}

	runs, err := p.runs()
	if err != nil {
		return models.UnitSignals{}, err
	}
	s.TextRuns = len(runs)
	var replaced, total int
	for _, r := range runs {
		for _, ch := range r.S {
			total++
			if ch == utf8.RuneError {
				replaced++
			}
		}
	}
	s.TextChars = total
	if total > 0 {
		s.ReplacementPct = float64(replaced) / float64(total) * 100
	}
	s.WideBlocks = countWideRows(groupRows(runs, rowTolerance), s.Width)
	return s, nil
}

// Text returns the page's plain text.
func (p *Page) Text() (string, error) {
	if err := p.live(); err != nil {
		return "", err
	}
	text, err := p.page.GetPlainText(nil)
	if err != nil {
		return "", docerr.UnitDecode(p.index, err)
	}
	return text, nil
}

// Images returns the page's image XObjects. Flate and unfiltered streams
// are decoded here; JPEG, JPEG 2000, JBIG2 and CCITT streams are taken
// from pdfcpu in their stored encoding.
func (p *Page) Images() ([]models.Image, error) {
	if err := p.live(); err != nil {
		return nil, err
	}
	var images []models.Image
	err := safely(func() error {
		xobjects := p.page.Resources().Key("XObject")
		for _, name := range p.imageNames() {
			images = append(images, readImage(name, xobjects.Key(name)))
		}
		return nil
	})
	if err != nil {
		return nil, docerr.UnitDecode(p.index, err)
	}
	if !missingData(images) {
		return images, nil
	}
	extracted, err := p.handle.images.page(p.index)
	if err != nil {
		p.handle.logger.Warn("Image streams unavailable. Returning image metadata only.", "unit", p.index, "error", err)
		return images, nil
	}
	fillImageData(images, extracted)
	return images, nil
}

func missingData(images []models.Image) bool {
	for _, img := range images {
		if img.Data == nil {
			return true
		}
	}
	return false
}

// Tables returns text laid out as a grid of at least two rows by two cells.
func (p *Page) Tables() ([]models.Table, error) {
	runs, err := p.runs()
	if err != nil {
		return nil, err
	}
	return detectTables(groupRows(runs, rowTolerance)), nil
}

// Render rasterizes the page to PNG.
func (p *Page) Render(dpi float64) ([]byte, error) {
	if err := p.live(); err != nil {
		return nil, err
	}
	data, err := p.handle.render(p.index, dpi)
	if err != nil {
		return nil, fmt.Errorf("render page %d: %w", p.index, err)
	}
	return data, nil
}

// Release drops every reference to parsed page data.
func (p *Page) Release() {
	p.page = lpdf.Page{}
	p.content = nil
	p.handle = nil
}

func (p *Page) live() error {
	if p.handle == nil {
		return docerr.UnitDecode(p.index, fmt.Errorf("page handle already released"))
	}
	return nil
}

func (p *Page) runs() ([]lpdf.Text, error) {
	if err := p.live(); err != nil {
		return nil, err
	}
	if p.content == nil {
		var c lpdf.Content
		if err := safely(func() error {
			c = p.page.Content()
			return nil
		}); err != nil {
			return nil, docerr.UnitDecode(p.index, err)
		}
		p.content = &c
	}
	return p.content.Text, nil
}

func (p *Page) imageNames() []string {
	xobjects := p.page.Resources().Key("XObject")
	var names []string
	for _, name := range xobjects.Keys() {
		if xobjects.Key(name).Key("Subtype").Name() == "Image" {
			names = append(names, name)
		}
	}
	return names
}

func readImage(name string, v lpdf.Value) models.Image {
	img := models.Image{
		Name:   name,
		Width:  int(v.Key("Width").Int64()),
		Height: int(v.Key("Height").Int64()),
		Format: "raw",
	}
	filter := v.Key("Filter")
	if filter.Kind() == lpdf.Array && filter.Len() > 0 {
		filter = filter.Index(filter.Len() - 1)
	}
	switch filter.Name() {
	case "DCTDecode":
		img.Format = "jpeg"
		return img
	case "JPXDecode":
		img.Format = "jpx"
		return img
	case "JBIG2Decode", "CCITTFaxDecode":
		img.Format = strings.ToLower(strings.TrimSuffix(filter.Name(), "Decode"))
		return img
	}

	_ = safely(func() error {
		rc := v.Reader()
		defer rc.Close()
		data, err := io.ReadAll(io.LimitReader(rc, maxImageBytes))
		if err == nil {
			img.Data = data
		}
		return err
	})
	return img
}

func pageSize(page lpdf.Page) (float64, float64) {
	box := inherited(page.V, "MediaBox")
	if box.Kind() != lpdf.Array || box.Len() < 4 {
		return 0, 0
	}
	return box.Index(2).Float64() - box.Index(0).Float64(), box.Index(3).Float64() - box.Index(1).Float64()
}

// inherited resolves a page attribute that may live on an ancestor node.
func inherited(v lpdf.Value, key string) lpdf.Value {
	for ; !v.IsNull(); v = v.Key("Parent") {
		if r := v.Key(key); !r.IsNull() {
			return r
		}
	}
	return lpdf.Value{}
}
