package pdf

import (
	"context"
	"testing"

	"github.com/Lllllllleong/docstream/internal/docerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInspectTextDocument(t *testing.T) {
	t.Parallel()

	data := textDocument([]string{"Hello world"}, []string{"Second page"}).bytes()
	path := writeFixture(t, "text.pdf", data)

	header, err := NewOpener("").Inspect(context.Background(), path)

	require.NoError(t, err)
	assert.Equal(t, 2, header.UnitCount)
	assert.Equal(t, "1.4", header.Version)
	assert.Equal(t, int64(len(data)), header.ByteSize)
	assert.False(t, header.Encrypted)
	assert.True(t, header.CredentialsAvailable)
	assert.NoError(t, header.ValidationErr)
}

func TestInspectEncryptedDocument(t *testing.T) {
	t.Parallel()

	path := encryptedFixture(t, "secret")

	tests := []struct {
		name      string
		password  string
		wantCreds bool
		wantUnits int
	}{
		{name: "no password", password: "", wantCreds: false, wantUnits: 0},
		{name: "wrong password", password: "guess", wantCreds: false, wantUnits: 0},
		{name: "user password", password: "secret", wantCreds: true, wantUnits: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			header, err := NewOpener(tt.password).Inspect(context.Background(), path)

			require.NoError(t, err)
			assert.True(t, header.Encrypted)
			assert.Equal(t, tt.wantCreds, header.CredentialsAvailable)
			assert.Equal(t, tt.wantUnits, header.UnitCount)
		})
	}
}

func TestInspectTruncatedDocumentIsUnreadable(t *testing.T) {
	t.Parallel()

	data := textDocument([]string{"Hello world"}).bytes()
	path := writeFixture(t, "truncated.pdf", data[:len(pdfHeader)+8])

	_, err := NewOpener("").Inspect(context.Background(), path)

	require.Error(t, err)
	assert.True(t, docerr.IsKind(err, docerr.KindUnreadable))
}

func TestInspectEmptyPageTreeIsReportedAsValidationError(t *testing.T) {
	t.Parallel()

	b := textDocument([]string{"Hello world"})
	b.objects[1] = "<< /Type /Pages /Kids [4 0 R] >>"
	path := writeFixture(t, "nocount.pdf", b.bytes())

	header, err := NewOpener("").Inspect(context.Background(), path)

	require.NoError(t, err)
	assert.Zero(t, header.UnitCount)
	require.Error(t, header.ValidationErr)
	assert.Contains(t, header.ValidationErr.Error(), "page tree")
}
