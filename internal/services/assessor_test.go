package services

import (
	"context"
	"errors"
	"testing"

	"github.com/Lllllllleong/docstream/internal/docerr"
	"github.com/Lllllllleong/docstream/internal/document"
	"github.com/Lllllllleong/docstream/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssessSamplesFirstMiddleLast(t *testing.T) {
	t.Parallel()

	doc := plainDoc(3*mib, 30)
	profile, err := NewAssessor(doc, nil).Assess(context.Background(), "doc.pdf")
	require.NoError(t, err)

	assert.Equal(t, 30, profile.UnitCount)
	assert.Equal(t, int64(3*mib), profile.ByteSize)
	assert.Equal(t, []int{0, 15, 29}, profile.SampledUnits)
	assert.Equal(t, int64(5*mib), profile.PerUnitSizeEstimate)
	assert.Empty(t, profile.Issues)
	assert.Zero(t, doc.live, "sampled units are released")
}

func TestAssessDetectsAdvisoryIssues(t *testing.T) {
	t.Parallel()

	doc := plainDoc(mib, 3)
	doc.units[0].signals.MissingFonts = []string{"F3"}
	doc.units[1].signals.ReplacementPct = 40
	doc.units[2].decodeErr = errors.New("truncated page tree")

	profile, err := NewAssessor(doc, nil).Assess(context.Background(), "doc.pdf")
	require.NoError(t, err)

	assert.True(t, profile.HasIssue(models.IssueMissingResource))
	assert.True(t, profile.HasIssue(models.IssueUnsupportedEncoding))
	assert.True(t, profile.HasIssue(models.IssueMalformed), "last unit inaccessible")
	_, terminal := profile.TerminalIssue()
	assert.False(t, terminal)
}

func TestAssessEncryptedWithoutCredentialsIsTerminal(t *testing.T) {
	t.Parallel()

	doc := &encryptedDoc{fakeDoc: plainDoc(mib, 4)}
	profile, err := NewAssessor(doc, nil).Assess(context.Background(), "doc.pdf")
	require.NoError(t, err)

	issue, terminal := profile.TerminalIssue()
	require.True(t, terminal)
	assert.Equal(t, models.IssueEncrypted, issue.Kind)
	assert.Empty(t, profile.SampledUnits)
	assert.Empty(t, doc.handles, "no unit is opened for an unreadable document")
}

func TestAssessUnreadable(t *testing.T) {
	t.Parallel()

	_, err := NewAssessor(unreadableDoc{}, nil).Assess(context.Background(), "missing.pdf")
	assert.True(t, docerr.IsKind(err, docerr.KindUnreadable))
}

func TestAssessValidationErrorIsAdvisory(t *testing.T) {
	t.Parallel()

	doc := &invalidDoc{fakeDoc: plainDoc(mib, 2)}
	profile, err := NewAssessor(doc, nil).Assess(context.Background(), "doc.pdf")
	require.NoError(t, err)

	assert.True(t, profile.HasIssue(models.IssueMalformed))
	assert.Equal(t, []int{0, 1}, profile.SampledUnits)
}

func TestAssessComplexityIsMonotonic(t *testing.T) {
	t.Parallel()

	simple, err := NewAssessor(plainDoc(mib, 10), nil).Assess(context.Background(), "a.pdf")
	require.NoError(t, err)

	heavy := plainDoc(600*mib, 1200)
	for i := range heavy.units {
		heavy.units[i].signals.ImageCount = 8
		heavy.units[i].signals.FontCount = 12
	}
	heavy.version = "1.7"
	heavyProfile, err := NewAssessor(heavy, nil).Assess(context.Background(), "b.pdf")
	require.NoError(t, err)

	assert.Greater(t, heavyProfile.ComplexityScore, simple.ComplexityScore)
	assert.LessOrEqual(t, heavyProfile.ComplexityScore, 100.0)
}

// invalidDoc fails structural validation but stays readable.
type invalidDoc struct {
	*fakeDoc
}

func (d *invalidDoc) Inspect(ctx context.Context, path string) (document.Header, error) {
	header, err := d.fakeDoc.Inspect(ctx, path)
	header.ValidationErr = errors.New("xref table corrupt")
	return header, err
}
