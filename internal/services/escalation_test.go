package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Lllllllleong/docstream/internal/docerr"
	"github.com/Lllllllleong/docstream/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPolicy() EscalationPolicy {
	return EscalationPolicy{
		ComplexityThreshold: 85,
		MinTextChars:        10,
		RenderDPI:           150,
		Prompt:              "transcribe",
		VisionTimeout:       time.Second,
		LastResortTimeout:   time.Second,
	}
}

func unitFor(t *testing.T, def unitDef) (*fakeDoc, *fakeUnit) {
	t.Helper()
	doc := newFakeDoc(kib, def)
	h, err := doc.Open(context.Background(), "doc.pdf")
	require.NoError(t, err)
	u, err := h.Unit(0)
	require.NoError(t, err)
	return doc, u.(*fakeUnit)
}

func TestShouldEscalate(t *testing.T) {
	t.Parallel()

	e := NewEscalator(nil, nil, testPolicy(), nil, nil)
	tests := []struct {
		name       string
		text       string
		signals    models.UnitSignals
		complexity float64
		want       bool
	}{
		{"plain text", "A normal paragraph of readable text.", models.UnitSignals{TextRuns: 3}, 10, false},
		{"at threshold", "A normal paragraph of readable text.", models.UnitSignals{TextRuns: 3}, 85, false},
		{"above threshold", "A normal paragraph of readable text.", models.UnitSignals{TextRuns: 3}, 86, true},
		{"image only", "", models.UnitSignals{ImageCount: 1}, 0, true},
		{"blank page", "", models.UnitSignals{}, 0, false},
		{"too few characters", "abc", models.UnitSignals{TextRuns: 2}, 0, true},
		{"fragmented runs", "abcdefghijkl", models.UnitSignals{TextRuns: 30}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := e.ShouldEscalate(tt.text, tt.signals, tt.complexity)
			assert.Equal(t, tt.want, got)
			if got {
				assert.NotEmpty(t, reason)
			}
		})
	}
}

func TestEscalatorVisionSuccessKeepsLocalImages(t *testing.T) {
	t.Parallel()

	_, unit := unitFor(t, unitDef{signals: models.UnitSignals{ImageCount: 2}})
	vision := &fakeVision{text: "described figure"}
	ocrTier := &fakeOCR{text: "unused"}
	metrics := models.NewRunMetrics()

	content, outcome := NewEscalator(vision, ocrTier, testPolicy(), nil, nil).
		Process(context.Background(), unit, 0, true, &metrics)

	require.NotNil(t, content)
	assert.Equal(t, "described figure", content.Text)
	assert.Equal(t, models.TierAiVision, content.SourceTier)
	assert.Equal(t, models.TierAiVision, outcome.TierUsed)
	assert.Equal(t, []models.Tier{models.TierLocal, models.TierAiVision}, outcome.Attempted)
	assert.Equal(t, "2", content.Metadata["images"])
	assert.Zero(t, ocrTier.count())
	assert.Equal(t, 1, metrics.TierCounts[models.TierAiVision])
	assert.Equal(t, 1, metrics.TierInvocations[models.TierLocal])
	assert.Equal(t, 1, metrics.TierInvocations[models.TierAiVision])
}

func TestEscalatorEmptyVisionFallsThrough(t *testing.T) {
	t.Parallel()

	doc, unit := unitFor(t, complexUnit())
	metrics := models.NewRunMetrics()

	content, outcome := NewEscalator(&fakeVision{text: "   "}, &fakeOCR{text: "ocr text"}, testPolicy(), nil, nil).
		Process(context.Background(), unit, 0, true, &metrics)

	require.NotNil(t, content)
	assert.Equal(t, models.TierLastResort, outcome.TierUsed)
	assert.Contains(t, outcome.Reason, ErrEmptyExtraction.Error())
	assert.Equal(t, 1, doc.renders)
}

func TestEscalatorRefusalFallsThrough(t *testing.T) {
	t.Parallel()

	_, unit := unitFor(t, complexUnit())
	metrics := models.NewRunMetrics()

	_, outcome := NewEscalator(&fakeVision{err: errors.New("model response indicates refusal")}, &fakeOCR{text: "ocr"}, testPolicy(), nil, nil).
		Process(context.Background(), unit, 0, true, &metrics)

	assert.Equal(t, models.TierLastResort, outcome.TierUsed)
	assert.True(t, outcome.Sufficient)
}

func TestEscalatorVisionTimeoutIsTransportError(t *testing.T) {
	t.Parallel()

	_, unit := unitFor(t, complexUnit())
	policy := testPolicy()
	policy.VisionTimeout = 10 * time.Millisecond
	a := &unitAttempt{unit: unit}

	_, err := NewEscalator(&fakeVision{block: true}, nil, policy, nil, nil).attempt(context.Background(), models.TierAiVision, a)

	require.Error(t, err)
	assert.True(t, docerr.IsKind(err, docerr.KindEscalationTransport))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	var tierErr *TierFailure
	require.ErrorAs(t, err, &tierErr)
	assert.Equal(t, models.TierAiVision, tierErr.Tier)
}

func TestEscalatorWithoutTiersFailsEscalatedUnit(t *testing.T) {
	t.Parallel()

	_, unit := unitFor(t, complexUnit())
	metrics := models.NewRunMetrics()

	content, outcome := NewEscalator(nil, nil, testPolicy(), nil, nil).
		Process(context.Background(), unit, 0, true, &metrics)

	assert.Nil(t, content)
	assert.False(t, outcome.Sufficient)
	assert.Contains(t, outcome.Reason, ErrTierUnavailable.Error())
	assert.Zero(t, metrics.TierInvocations[models.TierAiVision])
	assert.Zero(t, metrics.TierInvocations[models.TierLastResort])
	assert.Empty(t, metrics.TierCounts)
}

func TestEscalatorRenderFailureFailsUnit(t *testing.T) {
	t.Parallel()

	def := complexUnit()
	def.renderErr = errors.New("raster backend missing")
	doc, unit := unitFor(t, def)
	metrics := models.NewRunMetrics()

	content, outcome := NewEscalator(&fakeVision{text: "x"}, &fakeOCR{text: "y"}, testPolicy(), nil, nil).
		Process(context.Background(), unit, 0, true, &metrics)

	assert.Nil(t, content)
	assert.Contains(t, outcome.Reason, "raster backend missing")
	assert.Equal(t, 1, doc.renders, "a failed render is not retried")
}

func TestEscalatorLocalErrorEscalatesOnlyWhenEnabled(t *testing.T) {
	t.Parallel()

	def := plainUnit(0)
	def.textErr = errors.New("bad font program")

	_, unit := unitFor(t, def)
	metrics := models.NewRunMetrics()
	content, outcome := NewEscalator(&fakeVision{text: "vision"}, nil, testPolicy(), nil, nil).
		Process(context.Background(), unit, 0, true, &metrics)
	require.NotNil(t, content)
	assert.Equal(t, models.TierAiVision, outcome.TierUsed)

	_, unit = unitFor(t, def)
	metrics = models.NewRunMetrics()
	content, outcome = NewEscalator(&fakeVision{text: "vision"}, nil, testPolicy(), nil, nil).
		Process(context.Background(), unit, 0, false, &metrics)
	assert.Nil(t, content)
	assert.Equal(t, []models.Tier{models.TierLocal}, outcome.Attempted)
}

func TestEscalatorDocumentComplexityDrivesEscalation(t *testing.T) {
	t.Parallel()

	_, unit := unitFor(t, plainUnit(0))
	metrics := models.NewRunMetrics()

	_, outcome := NewEscalator(&fakeVision{text: "vision"}, nil, testPolicy(), nil, nil).
		Process(context.Background(), unit, 95, true, &metrics)

	assert.Equal(t, models.TierAiVision, outcome.TierUsed)
}
