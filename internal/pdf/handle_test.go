package pdf

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/Lllllllleong/docstream/internal/docerr"
	"github.com/Lllllllleong/docstream/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleUnitReadsTextAndSignals(t *testing.T) {
	t.Parallel()

	path := writeFixture(t, "text.pdf", textDocument([]string{"Hello world", "Second line"}, []string{"Other page"}).bytes())

	handle, err := NewOpener("").Open(context.Background(), path)
	require.NoError(t, err)
	defer handle.Close()

	require.IsType(t, &Handle{}, handle)
	assert.Equal(t, 2, handle.UnitCount())

	unit, err := handle.Unit(0)
	require.NoError(t, err)
	assert.Equal(t, 0, unit.Index())

	signals, err := unit.Signals()
	require.NoError(t, err)
	assert.Equal(t, 1, signals.FontCount)
	assert.Empty(t, signals.MissingFonts)
	assert.Positive(t, signals.TextChars)
	assert.True(t, signals.HasTextLayer())
	assert.InDelta(t, 612, signals.Width, 0.001)
	assert.InDelta(t, 792, signals.Height, 0.001)

	text, err := unit.Text()
	require.NoError(t, err)
	assert.Contains(t, text, "Hello world")
	assert.Contains(t, text, "Second line")
	assert.NotContains(t, text, "Other page")

	images, err := unit.Images()
	require.NoError(t, err)
	assert.Empty(t, images)

	unit.Release()
	_, err = unit.Text()
	assert.True(t, docerr.IsKind(err, docerr.KindUnitDecode))
}

func TestHandleUnitMissingFromPageTreeIsUnitDecode(t *testing.T) {
	t.Parallel()

	b := textDocument([]string{"Hello world"})
	b.objects[1] = "<< /Type /Pages /Kids [4 0 R] /Count 2 >>"
	path := writeFixture(t, "short.pdf", b.bytes())

	handle, err := NewOpener("").Open(context.Background(), path)
	require.NoError(t, err)
	defer handle.Close()
	require.Equal(t, 2, handle.UnitCount())

	_, err = handle.Unit(0)
	require.NoError(t, err)

	_, err = handle.Unit(1)
	require.Error(t, err)
	assert.True(t, docerr.IsKind(err, docerr.KindUnitDecode))
	assert.False(t, docerr.IsKind(err, docerr.KindDocumentIO))
}

func TestHandleUnitAfterFileTruncatedIsDocumentIO(t *testing.T) {
	t.Parallel()

	path := writeFixture(t, "vanishing.pdf", textDocument([]string{"Hello world"}).bytes())

	handle, err := NewOpener("").Open(context.Background(), path)
	require.NoError(t, err)
	defer handle.Close()

	require.NoError(t, os.Truncate(path, 0))

	_, err = handle.Unit(0)
	require.Error(t, err)
	assert.True(t, docerr.IsKind(err, docerr.KindDocumentIO))
}

func TestHandleUnitOutOfRangeAndClosed(t *testing.T) {
	t.Parallel()

	path := writeFixture(t, "text.pdf", textDocument([]string{"Hello world"}).bytes())

	handle, err := NewOpener("").Open(context.Background(), path)
	require.NoError(t, err)

	_, err = handle.Unit(1)
	assert.True(t, docerr.IsKind(err, docerr.KindDocumentIO))

	require.NoError(t, handle.Close())
	require.NoError(t, handle.Close())

	_, err = handle.Unit(0)
	assert.True(t, docerr.IsKind(err, docerr.KindDocumentIO))
}

func TestOpenEncryptedWithoutPasswordIsDocumentIO(t *testing.T) {
	t.Parallel()

	path := encryptedFixture(t, "secret")

	_, err := NewOpener("").Open(context.Background(), path)

	require.Error(t, err)
	assert.True(t, docerr.IsKind(err, docerr.KindDocumentIO))
}

func TestPageRenderProducesPNG(t *testing.T) {
	t.Parallel()

	path := writeFixture(t, "text.pdf", textDocument([]string{"Hello world"}).bytes())

	handle, err := NewOpener("").Open(context.Background(), path)
	require.NoError(t, err)
	defer handle.Close()

	unit, err := handle.Unit(0)
	require.NoError(t, err)

	data, err := unit.Render(36)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("\x89PNG")))
}

func TestOpenFallsBackToRasterizer(t *testing.T) {
	t.Parallel()

	b := textDocument([]string{"Hello world"})
	b.header = "%PDF-1.4 \n"
	path := writeFixture(t, "loose-header.pdf", b.bytes())

	handle, err := NewOpener("").Open(context.Background(), path)
	require.NoError(t, err)
	defer handle.Close()

	require.IsType(t, &rasterHandle{}, handle)
	assert.Equal(t, 1, handle.UnitCount())

	unit, err := handle.Unit(0)
	require.NoError(t, err)
	text, err := unit.Text()
	require.NoError(t, err)
	assert.Contains(t, text, "Hello")

	_, err = unit.Images()
	assert.NoError(t, err)
}

func TestPageImagesCarryEncodedJPEGData(t *testing.T) {
	t.Parallel()

	path := jpegFixture(t)

	handle, err := NewOpener("").Open(context.Background(), path)
	require.NoError(t, err)
	defer handle.Close()
	require.Equal(t, 1, handle.UnitCount())

	unit, err := handle.Unit(0)
	require.NoError(t, err)

	signals, err := unit.Signals()
	require.NoError(t, err)
	assert.Equal(t, 1, signals.ImageCount)

	images, err := unit.Images()
	require.NoError(t, err)
	require.Len(t, images, 1)
	img := images[0]
	require.NotEmpty(t, img.Data)
	assert.Equal(t, []byte{0xFF, 0xD8}, img.Data[:2])
	assert.Equal(t, 16, img.Width)
	assert.Equal(t, 16, img.Height)
}

func TestFillImageDataMatchesByNameThenOrder(t *testing.T) {
	t.Parallel()

	images := []models.Image{
		{Name: "Im1", Format: "jpeg"},
		{Name: "Im0", Format: "raw", Data: []byte("decoded")},
		{Name: "X9", Format: "jpx"},
	}
	extracted := []models.Image{
		{Name: "Im7", Format: "jp2", Data: []byte("jpx-bytes")},
		{Name: "Im1", Format: "jpg", Data: []byte("jpeg-bytes")},
	}

	fillImageData(images, extracted)

	assert.Equal(t, []byte("jpeg-bytes"), images[0].Data)
	assert.Equal(t, "jpg", images[0].Format)
	assert.Equal(t, []byte("decoded"), images[1].Data)
	assert.Equal(t, "raw", images[1].Format)
	assert.Equal(t, []byte("jpx-bytes"), images[2].Data)
	assert.Equal(t, "jp2", images[2].Format)
}

func TestFillImageDataLeavesUnmatchedImagesEmpty(t *testing.T) {
	t.Parallel()

	images := []models.Image{{Name: "Im0", Format: "jpeg"}, {Name: "Im1", Format: "jpeg"}}

	fillImageData(images, []models.Image{{Name: "Im0", Data: []byte("a")}})

	assert.Equal(t, []byte("a"), images[0].Data)
	assert.Equal(t, "jpeg", images[0].Format)
	assert.Nil(t, images[1].Data)
}
