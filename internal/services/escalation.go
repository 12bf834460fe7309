package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Lllllllleong/docstream/internal/docerr"
	"github.com/Lllllllleong/docstream/internal/document"
	"github.com/Lllllllleong/docstream/internal/models"
	"github.com/Lllllllleong/docstream/internal/telemetry"
)

// ErrTierUnavailable is returned for a tier that has no backing capability.
var ErrTierUnavailable = errors.New("extraction tier not configured")

// ErrEmptyExtraction marks an AI-vision result with no text.
var ErrEmptyExtraction = errors.New("extraction returned no text")

// VisionExtractor is the AI-vision capability: a rendered page and a prompt in, text out.
type VisionExtractor interface {
	ExtractPage(ctx context.Context, png []byte, prompt string) (string, error)
}

// ImageExtractor is the last-resort capability: image bytes in, text out.
type ImageExtractor interface {
	ExtractFromImage(ctx context.Context, png []byte) (string, error)
}

// EscalationPolicy tunes when and how units escalate.
type EscalationPolicy struct {
	ComplexityThreshold float64
	MinTextChars        int
	RenderDPI           float64
	Prompt              string
	VisionTimeout       time.Duration
	LastResortTimeout   time.Duration
}

type escalationState int

const (
	stateLocalAttempt escalationState = iota
	stateTier2Attempt
	stateTier3Attempt
	stateSufficient
	stateFailed
)

// TierFailure is the failure of one tier's attempt on one unit.
type TierFailure struct {
	Tier models.Tier
	Err  error
}

func (f *TierFailure) Error() string {
	return fmt.Sprintf("%s attempt failed: %v", f.Tier, f.Err)
}

func (f *TierFailure) Unwrap() error {
	return f.Err
}

// Escalator runs the three-tier extraction state machine for one unit at
// a time.
type Escalator struct {
	vision     VisionExtractor
	lastResort ImageExtractor
	policy     EscalationPolicy
	recorder   *telemetry.Recorder
	logger     *slog.Logger
}

// NewEscalator builds an Escalator. Either capability may be nil, in which
// case that tier always fails with ErrTierUnavailable.
func NewEscalator(vision VisionExtractor, lastResort ImageExtractor, policy EscalationPolicy, recorder *telemetry.Recorder, logger *slog.Logger) *Escalator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Escalator{
		vision:     vision,
		lastResort: lastResort,
		policy:     policy,
		recorder:   recorder,
		logger:     logger,
	}
}

// unitAttempt carries what earlier tiers learned about the unit.
type unitAttempt struct {
	unit       document.Unit
	local      *models.ExtractedContent
	signals    models.UnitSignals
	complexity float64
	png        []byte
	renderErr  error
	rendered   bool
}

// Process drives unit through the state machine and updates metrics. The
// returned content is nil only when the unit ended in the Failed state.
func (e *Escalator) Process(ctx context.Context, unit document.Unit, docComplexity float64, enabled bool, metrics *models.RunMetrics) (*models.ExtractedContent, models.EscalationOutcome) {
	logCtx := e.logger.With("unit", unit.Index())
	a := &unitAttempt{unit: unit}
	var outcome models.EscalationOutcome
	var content *models.ExtractedContent
	var reasons []string

	state := stateLocalAttempt
	for state != stateSufficient && state != stateFailed {
		switch state {
		case stateLocalAttempt:
			outcome.Attempted = append(outcome.Attempted, models.TierLocal)
			metrics.TierInvocations[models.TierLocal]++
			local, err := e.attempt(ctx, models.TierLocal, a)
			if err != nil {
				e.recorder.TierInvoked(string(models.TierLocal), telemetry.OutcomeError)
				reasons = append(reasons, err.Error())
				if !enabled {
					state = stateFailed
					break
				}
				state = stateTier2Attempt
				break
			}
			a.local = local
			content = local
			escalate, reason := e.ShouldEscalate(local.Text, a.signals, max(docComplexity, a.complexity))
			if !escalate || !enabled {
				e.recorder.TierInvoked(string(models.TierLocal), telemetry.OutcomeSufficient)
				outcome.TierUsed = models.TierLocal
				state = stateSufficient
				break
			}
			e.recorder.TierInvoked(string(models.TierLocal), telemetry.OutcomeInsufficient)
			reasons = append(reasons, reason)
			state = stateTier2Attempt

		case stateTier2Attempt:
			outcome.Attempted = append(outcome.Attempted, models.TierAiVision)
			vision, err := e.attempt(ctx, models.TierAiVision, a)
			if !errors.Is(err, ErrTierUnavailable) {
				metrics.TierInvocations[models.TierAiVision]++
			}
			if err == nil {
				e.recorder.TierInvoked(string(models.TierAiVision), telemetry.OutcomeSufficient)
				content = vision
				outcome.TierUsed = models.TierAiVision
				state = stateSufficient
				break
			}
			if errors.Is(err, ErrTierUnavailable) {
				e.recorder.TierInvoked(string(models.TierAiVision), telemetry.OutcomeUnavailable)
			} else {
				e.recorder.TierInvoked(string(models.TierAiVision), telemetry.OutcomeInsufficient)
			}
			logCtx.Warn("AI vision extraction insufficient. Falling through to last resort.", "error", err)
			reasons = append(reasons, err.Error())
			state = stateTier3Attempt

		case stateTier3Attempt:
			outcome.Attempted = append(outcome.Attempted, models.TierLastResort)
			last, err := e.attempt(ctx, models.TierLastResort, a)
			if !errors.Is(err, ErrTierUnavailable) {
				metrics.TierInvocations[models.TierLastResort]++
			}
			if err != nil {
				if errors.Is(err, ErrTierUnavailable) {
					e.recorder.TierInvoked(string(models.TierLastResort), telemetry.OutcomeUnavailable)
				} else {
					e.recorder.TierInvoked(string(models.TierLastResort), telemetry.OutcomeError)
				}
				logCtx.Error("Last resort extraction failed. Unit will be skipped.", "error", err)
				reasons = append(reasons, err.Error())
				state = stateFailed
				break
			}
			e.recorder.TierInvoked(string(models.TierLastResort), telemetry.OutcomeSufficient)
			content = last
			outcome.TierUsed = models.TierLastResort
			state = stateSufficient
		}
	}

	outcome.Reason = strings.Join(reasons, "; ")
	if state == stateFailed {
		outcome.Sufficient = false
		return nil, outcome
	}
	outcome.Sufficient = true
	metrics.TierCounts[outcome.TierUsed]++
	return content, outcome
}

// attempt is the uniform per-tier capability.
func (e *Escalator) attempt(ctx context.Context, tier models.Tier, a *unitAttempt) (*models.ExtractedContent, error) {
	switch tier {
	case models.TierLocal:
		return e.attemptLocal(a)
	case models.TierAiVision:
		return e.attemptVision(ctx, a)
	case models.TierLastResort:
		return e.attemptLastResort(ctx, a)
	default:
		return nil, &TierFailure{Tier: tier, Err: fmt.Errorf("unknown tier %q", tier)}
	}
}

func (e *Escalator) attemptLocal(a *unitAttempt) (*models.ExtractedContent, error) {
	signals, err := a.unit.Signals()
	if err != nil {
		return nil, &TierFailure{Tier: models.TierLocal, Err: err}
	}
	a.signals = signals
	a.complexity = UnitComplexity(signals)

	text, err := a.unit.Text()
	if err != nil {
		return nil, &TierFailure{Tier: models.TierLocal, Err: err}
	}
	images, err := a.unit.Images()
	if err != nil {
		return nil, &TierFailure{Tier: models.TierLocal, Err: err}
	}
	tables, err := a.unit.Tables()
	if err != nil {
		return nil, &TierFailure{Tier: models.TierLocal, Err: err}
	}
	return &models.ExtractedContent{
		Text:       text,
		Images:     images,
		Tables:     tables,
		SourceTier: models.TierLocal,
		Metadata: map[string]string{
			"fonts":      strconv.Itoa(signals.FontCount),
			"images":     strconv.Itoa(signals.ImageCount),
			"textRuns":   strconv.Itoa(signals.TextRuns),
			"complexity": strconv.FormatFloat(a.complexity, 'f', 0, 64),
		},
	}, nil
}

func (e *Escalator) attemptVision(ctx context.Context, a *unitAttempt) (*models.ExtractedContent, error) {
	if e.vision == nil {
		return nil, &TierFailure{Tier: models.TierAiVision, Err: ErrTierUnavailable}
	}
	png, err := e.render(a)
	if err != nil {
		return nil, &TierFailure{Tier: models.TierAiVision, Err: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, e.policy.VisionTimeout)
	defer cancel()
	text, err := e.vision.ExtractPage(callCtx, png, e.policy.Prompt)
	if err != nil {
		return nil, &TierFailure{Tier: models.TierAiVision, Err: docerr.EscalationTransport(a.unit.Index(), "ai vision call failed", err)}
	}
	if strings.TrimSpace(text) == "" {
		return nil, &TierFailure{Tier: models.TierAiVision, Err: ErrEmptyExtraction}
	}
	return e.escalated(a, text, models.TierAiVision), nil
}

func (e *Escalator) attemptLastResort(ctx context.Context, a *unitAttempt) (*models.ExtractedContent, error) {
	if e.lastResort == nil {
		return nil, &TierFailure{Tier: models.TierLastResort, Err: ErrTierUnavailable}
	}
	png, err := e.render(a)
	if err != nil {
		return nil, &TierFailure{Tier: models.TierLastResort, Err: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, e.policy.LastResortTimeout)
	defer cancel()
	text, err := e.lastResort.ExtractFromImage(callCtx, png)
	if err != nil {
		return nil, &TierFailure{Tier: models.TierLastResort, Err: docerr.EscalationTransport(a.unit.Index(), "last resort call failed", err)}
	}
	return e.escalated(a, text, models.TierLastResort), nil
}

// render rasterizes the unit once and shares the image across tiers.
func (e *Escalator) render(a *unitAttempt) ([]byte, error) {
	if !a.rendered {
		a.rendered = true
		a.png, a.renderErr = a.unit.Render(e.policy.RenderDPI)
		if a.renderErr != nil {
			a.renderErr = fmt.Errorf("render unit: %w", a.renderErr)
		}
	}
	return a.png, a.renderErr
}

// escalated builds the content of a fallback tier. Images and tables the
// local parse recovered are kept.
func (e *Escalator) escalated(a *unitAttempt, text string, tier models.Tier) *models.ExtractedContent {
	content := &models.ExtractedContent{
		Text:       text,
		SourceTier: tier,
		Metadata:   map[string]string{"renderDpi": strconv.FormatFloat(e.policy.RenderDPI, 'f', 0, 64)},
	}
	if a.local != nil {
		content.Images = a.local.Images
		content.Tables = a.local.Tables
		for k, v := range a.local.Metadata {
			content.Metadata[k] = v
		}
	}
	return content
}

// ShouldEscalate reports whether a local result is insufficient, and why.
func (e *Escalator) ShouldEscalate(text string, signals models.UnitSignals, complexity float64) (bool, string) {
	if complexity > e.policy.ComplexityThreshold {
		return true, fmt.Sprintf("complexity %.0f exceeds %.0f", complexity, e.policy.ComplexityThreshold)
	}
	chars := utf8.RuneCountInString(strings.TrimSpace(text))
	if !signals.HasTextLayer() && chars == 0 && signals.ImageCount > 0 {
		return true, "image-only unit without a text layer"
	}
	if signals.TextRuns > 0 && (chars < e.policy.MinTextChars || chars*2 < signals.TextRuns) {
		return true, fmt.Sprintf("extracted %d characters from %d text runs", chars, signals.TextRuns)
	}
	return false, ""
}
