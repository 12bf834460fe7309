package gcp

import (
	"context"
	"testing"

	"cloud.google.com/go/vertexai/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGCSURI(t *testing.T) {
	t.Parallel()

	bucket, object, err := ParseGCSURI("gs://uploads/manuals/pump.pdf")
	require.NoError(t, err)
	assert.Equal(t, "uploads", bucket)
	assert.Equal(t, "manuals/pump.pdf", object)

	for _, bad := range []string{"https://x/y", "gs://bucket-only", "gs:///object", ""} {
		_, _, err := ParseGCSURI(bad)
		assert.Error(t, err, bad)
	}
}

func TestExtractTextJoinsPartsAndStripsFences(t *testing.T) {
	t.Parallel()

	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []genai.Part{
				genai.Text("```markdown\n# Title\n"),
				genai.Text("Body text\n```"),
			}},
		}},
	}

	assert.Equal(t, "# Title\nBody text", ExtractText(resp))
	assert.Empty(t, ExtractText(nil))
	assert.Empty(t, ExtractText(&genai.GenerateContentResponse{}))
}

func TestIsRefusal(t *testing.T) {
	t.Parallel()

	assert.True(t, IsRefusal("I am unable to read this image."))
	assert.False(t, IsRefusal("Section 4.2 Pump maintenance"))
}

func TestGetEnv(t *testing.T) {
	t.Setenv("DOCSTREAM_TEST_VALUE", "set")

	assert.Equal(t, "set", GetEnv("DOCSTREAM_TEST_VALUE", "fallback"))
	assert.Equal(t, "fallback", GetEnv("DOCSTREAM_TEST_UNSET_VALUE", "fallback"))
}

func TestFirestoreDatabaseDefaults(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "(default)", FirestoreDatabase(""))
	assert.Equal(t, "checkpoints", FirestoreDatabase("checkpoints"))
}

func TestNewFirestoreClientRequiresProject(t *testing.T) {
	t.Parallel()

	client, err := NewFirestoreClient(context.Background(), "", "checkpoints")
	require.Error(t, err)
	assert.Nil(t, client)
}
