// Package pdf implements the document boundary for PDF files on top of
// ledongthuc/pdf (structure and text), pdfcpu (validation and image
// streams) and go-fitz (rasterization).
package pdf

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"

	"github.com/Lllllllleong/docstream/internal/docerr"
	"github.com/Lllllllleong/docstream/internal/document"
	lpdf "github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// validateLimit bounds the files handed to full structural validation,
// which builds the whole object graph in memory.
const validateLimit = 64 << 20

const headerReadSize = 1024

var versionPattern = regexp.MustCompile(`%PDF-(\d\.\d)`)

// Opener opens PDF files.
type Opener struct {
	// Password is tried when a document is encrypted.
	Password string
	Logger   *slog.Logger
}

// NewOpener returns an Opener using password for encrypted documents.
func NewOpener(password string) *Opener {
	return &Opener{Password: password, Logger: slog.Default()}
}

var _ document.Opener = (*Opener)(nil)

// Inspect reads header-level metadata without decoding any page.
func (o *Opener) Inspect(ctx context.Context, path string) (document.Header, error) {
	logCtx := o.logger().With("documentPath", path)

	info, err := os.Stat(path)
	if err != nil {
		return document.Header{}, docerr.Unreadable("failed to stat document", err)
	}
	header := document.Header{ByteSize: info.Size(), CredentialsAvailable: true}

	version, err := readVersion(path)
	if err != nil {
		return document.Header{}, docerr.Unreadable("failed to read document header", err)
	}
	header.Version = version

	file, reader, openErr := o.openReader(path, info.Size())
	if file != nil {
		defer file.Close()
	}

	switch {
	case openErr == nil:
		header.UnitCount, header.Encrypted, err = readerStructure(reader)
		if err != nil {
			header.ValidationErr = err
		}
	case errors.Is(openErr, lpdf.ErrInvalidPassword):
		header.Encrypted = true
		header.CredentialsAvailable = false
		logCtx.Warn("Document is encrypted and no usable password was supplied.")
		return header, nil
	default:
		// The pure-Go reader gave up; let pdfcpu decide whether the file is
		// readable at all.
		count, countErr := api.PageCountFile(path)
		if countErr != nil {
			return document.Header{}, docerr.Unreadable("document cannot be parsed", errors.Join(openErr, countErr))
		}
		header.UnitCount = count
		header.ValidationErr = fmt.Errorf("cross-reference table unreadable: %w", openErr)
	}

	if header.ValidationErr == nil && header.ByteSize <= validateLimit {
		if err := api.ValidateFile(path, o.validationConfig()); err != nil {
			header.ValidationErr = err
		}
	}
	if header.ValidationErr != nil {
		logCtx.Warn("Document failed structural validation.", "error", header.ValidationErr)
	}
	return header, nil
}

// Open returns a page-level handle. Documents the pure-Go reader cannot
// parse are served by the rasterizer alone.
func (o *Opener) Open(ctx context.Context, path string) (document.Handle, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, docerr.DocumentIO("failed to stat document", err)
	}
	file, reader, err := o.openReader(path, info.Size())
	if err == nil {
		count, _, structErr := readerStructure(reader)
		if structErr == nil {
			return newHandle(path, file, reader, count, o.imageSource(path, info.Size()), o.logger()), nil
		}
		file.Close()
		err = structErr
	} else if file != nil {
		file.Close()
	}
	if errors.Is(err, lpdf.ErrInvalidPassword) {
		return nil, docerr.DocumentIO("document is encrypted", err)
	}

	o.logger().Warn("Falling back to rasterizer-only access.", "documentPath", path, "error", err)
	raster, rasterErr := openRaster(path)
	if rasterErr != nil {
		return nil, docerr.DocumentIO("failed to open document", errors.Join(err, rasterErr))
	}
	return newRasterHandle(path, raster, o.imageSource(path, info.Size()), o.logger()), nil
}

func (o *Opener) imageSource(path string, size int64) *imageSource {
	return newImageSource(path, size, o.validationConfig())
}

func (o *Opener) openReader(path string, size int64) (*os.File, *lpdf.Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	var reader *lpdf.Reader
	err = safely(func() error {
		var openErr error
		if o.Password == "" {
			reader, openErr = lpdf.NewReader(file, size)
			return openErr
		}
		tried := false
		reader, openErr = lpdf.NewReaderEncrypted(file, size, func() string {
			if tried {
				return ""
			}
			tried = true
			return o.Password
		})
		return openErr
	})
	if err != nil {
		return file, nil, err
	}
	return file, reader, nil
}

func (o *Opener) validationConfig() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	if o.Password != "" {
		conf.UserPW = o.Password
		conf.OwnerPW = o.Password
	}
	return conf
}

func (o *Opener) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func readerStructure(reader *lpdf.Reader) (count int, encrypted bool, err error) {
	err = safely(func() error {
		count = reader.NumPage()
		encrypted = !reader.Trailer().Key("Encrypt").IsNull()
		return nil
	})
	if err == nil && count <= 0 {
		err = errors.New("page tree is empty or unreadable")
	}
	return count, encrypted, err
}

func readVersion(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	buf := make([]byte, headerReadSize)
	n, err := io.ReadFull(file, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return "", err
	}
	return parseVersion(buf[:n])
}

func parseVersion(header []byte) (string, error) {
	if !bytes.Contains(header, []byte("%PDF-")) {
		return "", errors.New("missing %PDF- header")
	}
	m := versionPattern.FindSubmatch(header)
	if m == nil {
		return "", nil
	}
	return string(m[1]), nil
}

// safely runs fn and converts a panic from the parser into an error.
func safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parser panic: %v", r)
		}
	}()
	return fn()
}
