package pdf

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/stretchr/testify/require"
)

const pdfHeader = "%PDF-1.4\n%\xe2\xe3\xcf\xd3\n"

// pdfBuilder lays out numbered objects behind a classic xref table.
type pdfBuilder struct {
	header  string
	objects []string
}

func (b *pdfBuilder) add(body string) int {
	b.objects = append(b.objects, body)
	return len(b.objects)
}

func (b *pdfBuilder) bytes() []byte {
	var buf bytes.Buffer
	buf.WriteString(b.header)
	offsets := make([]int, len(b.objects))
	for i, body := range b.objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, body)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(b.objects)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(b.objects)+1, xref)
	return buf.Bytes()
}

// textDocument builds one page per entry of pages, each line drawn in
// Helvetica one row below the previous.
func textDocument(pages ...[]string) *pdfBuilder {
	b := &pdfBuilder{header: pdfHeader}
	b.add("<< /Type /Catalog /Pages 2 0 R >>")
	kids := make([]string, len(pages))
	for i := range pages {
		kids[i] = fmt.Sprintf("%d 0 R", 4+2*i)
	}
	b.add(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), len(pages)))
	b.add("<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>")
	for i, lines := range pages {
		var content strings.Builder
		for j, line := range lines {
			fmt.Fprintf(&content, "BT /F1 12 Tf 72 %d Td (%s) Tj ET\n", 720-20*j, line)
		}
		b.add(fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 3 0 R >> >> /Contents %d 0 R >>", 5+2*i))
		b.add(fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", content.Len(), content.String()))
	}
	return b
}

func writeFixture(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

// encryptedFixture writes a copy of a one-page text document encrypted
// with RC4-128 under userPassword.
func encryptedFixture(t *testing.T, userPassword string) string {
	t.Helper()
	plain := writeFixture(t, "plain.pdf", textDocument([]string{"Hello world"}).bytes())
	out := filepath.Join(filepath.Dir(plain), "encrypted.pdf")
	conf := model.NewRC4Configuration(userPassword, "owner-"+userPassword, 128)
	require.NoError(t, api.EncryptFile(plain, out, conf))
	return out
}

// jpegFixture writes a one-page document holding a single DCT-encoded image.
func jpegFixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for x := 0; x < 16; x++ {
		for y := 0; y < 16; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 16), G: uint8(y * 16), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	jpg := filepath.Join(dir, "photo.jpg")
	require.NoError(t, os.WriteFile(jpg, buf.Bytes(), 0o644))

	out := filepath.Join(dir, "photo.pdf")
	require.NoError(t, api.ImportImagesFile([]string{jpg}, out, pdfcpu.DefaultImportConfig(), nil))
	return out
}
