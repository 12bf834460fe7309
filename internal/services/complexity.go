package services

import (
	"math"

	"github.com/Lllllllleong/docstream/internal/models"
)

const (
	maxComplexity = 100.0

	kib = 1 << 10
	mib = 1 << 20
)

// documentSignals are the inputs of the document-level complexity score.
type documentSignals struct {
	BytesPerUnit   int64
	UnitCount      int
	Encrypted      bool
	Version        string
	AvgImages      float64
	AvgFonts       float64
	AvgRunsPer100  float64
	ImageOnlyUnits int
	FailedSamples  int
}

// step returns the points of the first threshold that value exceeds.
// thresholds must be in descending order.
func step(value float64, thresholds []float64, points []float64) float64 {
	for i, t := range thresholds {
		if value > t {
			return points[i]
		}
	}
	return 0
}

// documentComplexity scores a document from header data and the sampled
// units. Every term is non-decreasing in its signal and the sum is capped.
func documentComplexity(s documentSignals) float64 {
	score := 0.0
	score += step(float64(s.BytesPerUnit), []float64{500 * kib, 200 * kib, 100 * kib}, []float64{30, 20, 10})
	score += step(float64(s.UnitCount), []float64{1000, 500, 100, 50}, []float64{20, 15, 10, 5})
	score += step(s.AvgImages, []float64{5, 2, 0}, []float64{15, 10, 5})
	score += step(s.AvgFonts, []float64{10, 5, 2}, []float64{15, 10, 5})
	score += step(s.AvgRunsPer100, []float64{50}, []float64{5})
	if s.ImageOnlyUnits > 0 {
		score += 5
	}
	if s.Encrypted {
		score += 10
	}
	switch s.Version {
	case "1.7", "2.0":
		score += 10
	case "1.5", "1.6":
		score += 5
	}
	score += 10 * float64(s.FailedSamples)
	return math.Min(score, maxComplexity)
}

// runsPer100Chars measures text-run fragmentation. Runs without any
// decodable characters count as maximally fragmented.
func runsPer100Chars(sig models.UnitSignals) float64 {
	if sig.TextRuns == 0 {
		return 0
	}
	if sig.TextChars == 0 {
		return 100
	}
	return float64(sig.TextRuns) * 100 / float64(sig.TextChars)
}

// UnitComplexity scores a single unit from its structural signals.
func UnitComplexity(sig models.UnitSignals) float64 {
	score := 0.0
	score += step(float64(sig.FontCount), []float64{15, 10, 5, 2}, []float64{30, 20, 10, 5})
	score += step(float64(sig.ImageCount), []float64{5, 2, 0}, []float64{25, 15, 5})
	score += step(runsPer100Chars(sig), []float64{50, 20}, []float64{20, 10})
	score += step(float64(sig.WideBlocks), []float64{20}, []float64{15})
	if !sig.HasTextLayer() && sig.ImageCount > 0 {
		score += 10
	}
	return math.Min(score, maxComplexity)
}

// estimateUnitBytes is the working-set estimate for one materialized unit.
func estimateUnitBytes(bytesPerUnit int64) int64 {
	switch {
	case bytesPerUnit < 50*kib:
		return 2 * mib
	case bytesPerUnit > 200*kib:
		return 10 * mib
	default:
		return 5 * mib
	}
}
