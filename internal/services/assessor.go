package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Lllllllleong/docstream/internal/docerr"
	"github.com/Lllllllleong/docstream/internal/document"
	"github.com/Lllllllleong/docstream/internal/models"
)

// encodingIssuePct is the share of U+FFFD characters that marks a unit's
// text as undecodable.
const encodingIssuePct = 10.0

// Assessor builds a DocumentProfile from header metadata and a bounded
// sample of units.
type Assessor struct {
	opener document.Opener
	logger *slog.Logger
}

// NewAssessor returns an Assessor over opener.
func NewAssessor(opener document.Opener, logger *slog.Logger) *Assessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assessor{opener: opener, logger: logger}
}

type sampledUnit struct {
	index   int
	signals models.UnitSignals
	err     error
}

// Assess profiles the document at path. It fails only when the document
// cannot be opened at all; every other problem is recorded as an issue.
func (a *Assessor) Assess(ctx context.Context, path string) (models.DocumentProfile, error) {
	logCtx := a.logger.With("documentPath", path)

	header, err := a.opener.Inspect(ctx, path)
	if err != nil {
		if docerr.IsKind(err, docerr.KindUnreadable) {
			return models.DocumentProfile{}, err
		}
		return models.DocumentProfile{}, docerr.Unreadable("inspect failed", err)
	}

	profile := models.DocumentProfile{
		Path:      path,
		ByteSize:  header.ByteSize,
		UnitCount: header.UnitCount,
		Version:   header.Version,
	}
	bytesPerUnit := header.ByteSize
	if header.UnitCount > 0 {
		bytesPerUnit = header.ByteSize / int64(header.UnitCount)
	}
	profile.PerUnitSizeEstimate = estimateUnitBytes(bytesPerUnit)

	docSignals := documentSignals{
		BytesPerUnit: bytesPerUnit,
		UnitCount:    header.UnitCount,
		Encrypted:    header.Encrypted,
		Version:      header.Version,
	}

	if header.Encrypted {
		issue := models.Issue{Kind: models.IssueEncrypted, Detail: "document is encrypted"}
		if !header.CredentialsAvailable {
			issue.Detail = "document is encrypted and no usable password was supplied"
			issue.Terminal = true
		}
		profile.Issues = append(profile.Issues, issue)
	}
	if header.ValidationErr != nil {
		profile.Issues = append(profile.Issues, models.Issue{
			Kind:   models.IssueMalformed,
			Detail: header.ValidationErr.Error(),
		})
	}

	if _, terminal := profile.TerminalIssue(); terminal || header.UnitCount == 0 {
		profile.ComplexityScore = documentComplexity(docSignals)
		logCtx.Warn("Skipping unit sampling.", "unitCount", header.UnitCount, "issues", profile.IssueKinds())
		return profile, nil
	}

	samples, err := a.sample(ctx, path, header.UnitCount)
	if err != nil {
		profile.Issues = append(profile.Issues, models.Issue{
			Kind:   models.IssueMalformed,
			Detail: fmt.Sprintf("failed to open for sampling: %v", err),
		})
		docSignals.FailedSamples = len(sampleIndices(header.UnitCount))
	}

	profile.Issues = append(profile.Issues, detectIssues(samples, header.UnitCount)...)
	summarizeSamples(samples, &docSignals)
	for _, s := range samples {
		profile.SampledUnits = append(profile.SampledUnits, s.index)
	}
	profile.ComplexityScore = documentComplexity(docSignals)

	logCtx.Info("Document assessed.",
		"byteSize", profile.ByteSize,
		"unitCount", profile.UnitCount,
		"complexity", profile.ComplexityScore,
		"perUnitEstimate", profile.PerUnitSizeEstimate,
		"issues", profile.IssueKinds(),
	)
	return profile, nil
}

// sample reads signals of the first, middle and last units, releasing each
// unit before the next is opened.
func (a *Assessor) sample(ctx context.Context, path string, unitCount int) ([]sampledUnit, error) {
	handle, err := a.opener.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer handle.Close()

	var samples []sampledUnit
	for _, index := range sampleIndices(unitCount) {
		s := sampledUnit{index: index}
		unit, err := handle.Unit(index)
		if err != nil {
			s.err = err
			samples = append(samples, s)
			continue
		}
		s.signals, s.err = unit.Signals()
		unit.Release()
		samples = append(samples, s)
	}
	return samples, nil
}

// sampleIndices returns the distinct first, middle and last indices.
func sampleIndices(unitCount int) []int {
	if unitCount <= 0 {
		return nil
	}
	candidates := []int{0, unitCount / 2, unitCount - 1}
	seen := make(map[int]bool, len(candidates))
	var out []int
	for _, i := range candidates {
		if !seen[i] {
			seen[i] = true
			out = append(out, i)
		}
	}
	return out
}

// detectIssues derives advisory issues from sampled units.
func detectIssues(samples []sampledUnit, unitCount int) []models.Issue {
	var issues []models.Issue
	var missing []string
	encodingFlagged := false
	for _, s := range samples {
		if s.err != nil {
			if s.index == 0 || s.index == unitCount-1 {
				issues = append(issues, models.Issue{
					Kind:   models.IssueMalformed,
					Detail: fmt.Sprintf("unit %d inaccessible: %v", s.index, s.err),
				})
			}
			continue
		}
		missing = append(missing, s.signals.MissingFonts...)
		if !encodingFlagged && s.signals.ReplacementPct > encodingIssuePct {
			encodingFlagged = true
			issues = append(issues, models.Issue{
				Kind:   models.IssueUnsupportedEncoding,
				Detail: fmt.Sprintf("unit %d: %.1f%% undecodable characters", s.index, s.signals.ReplacementPct),
			})
		}
	}
	if len(missing) > 0 {
		issues = append(issues, models.Issue{
			Kind:   models.IssueMissingResource,
			Detail: "unresolvable fonts: " + strings.Join(missing, ", "),
		})
	}
	return issues
}

func summarizeSamples(samples []sampledUnit, docSignals *documentSignals) {
	var ok int
	var images, fonts, runs float64
	for _, s := range samples {
		if s.err != nil {
			docSignals.FailedSamples++
			continue
		}
		ok++
		images += float64(s.signals.ImageCount)
		fonts += float64(s.signals.FontCount)
		runs += runsPer100Chars(s.signals)
		if !s.signals.HasTextLayer() && s.signals.ImageCount > 0 {
			docSignals.ImageOnlyUnits++
		}
	}
	if ok == 0 {
		return
	}
	docSignals.AvgImages = images / float64(ok)
	docSignals.AvgFonts = fonts / float64(ok)
	docSignals.AvgRunsPer100 = runs / float64(ok)
}
