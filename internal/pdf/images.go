package pdf

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/Lllllllleong/docstream/internal/models"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// imageSource extracts embedded image streams with pdfcpu. The parsed
// document is built on first use and held until close. Documents larger
// than validateLimit are never parsed; their images carry no data.
type imageSource struct {
	path string
	size int64
	conf *model.Configuration

	mu     sync.Mutex
	loaded bool
	file   *os.File
	ctx    *model.Context
	err    error
}

func newImageSource(path string, size int64, conf *model.Configuration) *imageSource {
	conf.Cmd = model.EXTRACTIMAGES
	return &imageSource{path: path, size: size, conf: conf}
}

// page returns the images of page index ordered by object number. It
// returns nil without error when the document is too large to parse.
func (s *imageSource) page(index int) ([]models.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.size > validateLimit {
		return nil, nil
	}
	if !s.loaded {
		s.loaded = true
		s.err = s.load()
	}
	if s.err != nil {
		return nil, s.err
	}

	var raw map[int]model.Image
	err := safely(func() error {
		var err error
		raw, err = pdfcpu.ExtractPageImages(s.ctx, index+1, false)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("extract images of page %d: %w", index+1, err)
	}

	objNrs := make([]int, 0, len(raw))
	for objNr := range raw {
		objNrs = append(objNrs, objNr)
	}
	sort.Ints(objNrs)

	images := make([]models.Image, 0, len(raw))
	for _, objNr := range objNrs {
		img := raw[objNr]
		out := models.Image{
			Name:   img.Name,
			Format: img.FileType,
			Width:  img.Width,
			Height: img.Height,
		}
		if img.Reader != nil {
			data, err := io.ReadAll(io.LimitReader(img.Reader, maxImageBytes))
			if err != nil {
				return nil, fmt.Errorf("read image %s: %w", img.Name, err)
			}
			out.Data = data
		}
		images = append(images, out)
	}
	return images, nil
}

func (s *imageSource) load() error {
	file, err := os.Open(s.path)
	if err != nil {
		return err
	}
	var ctx *model.Context
	err = safely(func() error {
		var readErr error
		ctx, readErr = api.ReadValidateAndOptimize(file, s.conf)
		return readErr
	})
	if err != nil {
		file.Close()
		return fmt.Errorf("read document for image extraction: %w", err)
	}
	s.file = file
	s.ctx = ctx
	return nil
}

func (s *imageSource) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = nil
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// fillImageData copies extracted bytes into images the structural parser
// could only describe. Images are matched by resource name, then by order.
func fillImageData(images, extracted []models.Image) {
	byName := make(map[string]int, len(extracted))
	for i, img := range extracted {
		byName[img.Name] = i
	}
	used := make([]bool, len(extracted))
	var pending []int
	for i := range images {
		if images[i].Data != nil {
			continue
		}
		j, ok := byName[images[i].Name]
		if !ok || used[j] {
			pending = append(pending, i)
			continue
		}
		used[j] = true
		copyImageData(&images[i], extracted[j])
	}
	next := 0
	for _, i := range pending {
		for next < len(extracted) && used[next] {
			next++
		}
		if next == len(extracted) {
			return
		}
		used[next] = true
		copyImageData(&images[i], extracted[next])
	}
}

func copyImageData(dst *models.Image, src models.Image) {
	dst.Data = src.Data
	if src.Format != "" {
		dst.Format = src.Format
	}
}
