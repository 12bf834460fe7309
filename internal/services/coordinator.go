package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/Lllllllleong/docstream/internal/checkpoint"
	"github.com/Lllllllleong/docstream/internal/config"
	"github.com/Lllllllleong/docstream/internal/docerr"
	"github.com/Lllllllleong/docstream/internal/document"
	"github.com/Lllllllleong/docstream/internal/gcp"
	"github.com/Lllllllleong/docstream/internal/memory"
	"github.com/Lllllllleong/docstream/internal/models"
	"github.com/Lllllllleong/docstream/internal/telemetry"
)

// UnitSeparator joins unit texts in the aggregated output.
const UnitSeparator = "\n\n---\n\n"

// Run statuses reported to the telemetry recorder.
const (
	runStatusSuccess   = "success"
	runStatusCancelled = "cancelled"
	runStatusFailed    = "failed"
)

// ProgressFunc is called after every unit with the count of units done.
type ProgressFunc func(path string, done, total int)

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithCheckpointStore(store checkpoint.Store) Option {
	return func(c *Coordinator) { c.store = store }
}

func WithVision(vision VisionExtractor) Option {
	return func(c *Coordinator) { c.vision = vision }
}

func WithLastResort(lastResort ImageExtractor) Option {
	return func(c *Coordinator) { c.lastResort = lastResort }
}

func WithRecorder(recorder *telemetry.Recorder) Option {
	return func(c *Coordinator) { c.recorder = recorder }
}

func WithProgress(progress ProgressFunc) Option {
	return func(c *Coordinator) { c.progress = progress }
}

// WithOutput streams the aggregated text to w. If w can be truncated
// (an *os.File opened for append) it is emptied when a run starts from
// the first unit, so a resumed run extends the previous output.
func WithOutput(w io.Writer) Option {
	return func(c *Coordinator) { c.output = w }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithBudget overrides the configured memory budget. Batch workers use it
// to run on their share.
func WithBudget(bytes int64) Option {
	return func(c *Coordinator) {
		if bytes > 0 {
			c.budget = bytes
		}
	}
}

func WithRSSSampler(sampler *memory.RSSSampler) Option {
	return func(c *Coordinator) { c.rss = sampler }
}

// Coordinator runs documents end to end: assess, select, stream, escalate,
// checkpoint and aggregate.
type Coordinator struct {
	cfg        config.Config
	opener     document.Opener
	store      checkpoint.Store
	vision     VisionExtractor
	lastResort ImageExtractor
	recorder   *telemetry.Recorder
	progress   ProgressFunc
	output     io.Writer
	logger     *slog.Logger
	budget     int64
	rss        *memory.RSSSampler
}

// NewCoordinator builds a coordinator over a validated configuration.
func NewCoordinator(cfg config.Config, opener document.Opener, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:    cfg,
		opener: opener,
		logger: slog.Default(),
		budget: cfg.MaxMemoryBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) escalator() *Escalator {
	return NewEscalator(c.vision, c.lastResort, EscalationPolicy{
		ComplexityThreshold: c.cfg.Escalation.ComplexityThreshold,
		MinTextChars:        c.cfg.Escalation.MinTextChars,
		RenderDPI:           c.cfg.Escalation.RenderDPI,
		Prompt:              gcp.PageExtractionUserPrompt,
		VisionTimeout:       c.cfg.Vision.Timeout,
		LastResortTimeout:   c.cfg.OCR.Timeout,
	}, c.recorder, c.logger)
}

// plan assesses the document and selects a strategy for it.
func (c *Coordinator) plan(ctx context.Context, path string) (models.DocumentProfile, models.ProcessingPlan, error) {
	profile, err := NewAssessor(c.opener, c.logger).Assess(ctx, path)
	if err != nil {
		return profile, models.ProcessingPlan{}, err
	}
	plan := SelectStrategy(profile, c.budget, SelectOptions{
		ChunkSizeOverride: c.cfg.ChunkSizeOverride,
		DisableEscalation: !c.cfg.EscalationEnabled,
	})
	return profile, plan, nil
}

// runState is the mutable bookkeeping of one Run call. Outcomes, failures
// and written bytes cover the whole document, including units completed
// before a resume.
type runState struct {
	path     string
	key      string
	identity models.DocumentIdentity
	total    int
	last     int
	metrics  models.RunMetrics
	written  int64
	outcomes []models.UnitOutcome
	failed   []models.FailedUnit
	logger   *slog.Logger
}

// Run processes the document at path. It never returns an error: every
// failure is described by the result.
func (c *Coordinator) Run(ctx context.Context, path string) *models.ProcessingResult {
	start := time.Now()
	logCtx := c.logger.With("documentPath", path)
	result := &models.ProcessingResult{
		Path:               path,
		LastCompletedIndex: -1,
	}
	rs := &runState{path: path, last: -1, metrics: models.NewRunMetrics(), logger: logCtx}
	priorElapsed := time.Duration(0)

	defer func() {
		rs.metrics.Elapsed = priorElapsed + time.Since(start)
		c.finish(result, rs, time.Since(start))
	}()

	if c.vision == nil && c.lastResort == nil && c.cfg.EscalationEnabled {
		logCtx.Warn("No fallback tier configured. Escalated units will fail.")
	}

	logCtx.Info("Assessing document.")
	profile, plan, err := c.plan(ctx, path)
	if err != nil {
		logCtx.Error("Document assessment failed.", "error", err)
		result.Error = err.Error()
		return result
	}
	result.Profile = &profile
	result.Plan = &plan
	rs.total = profile.UnitCount
	logCtx.Info("Processing plan selected.",
		"strategy", plan.Strategy,
		"chunkSize", plan.ChunkSize,
		"unitCount", profile.UnitCount,
		"complexity", profile.ComplexityScore,
		"perUnitBytes", plan.PerUnitSizeEstimate,
	)
	if plan.Strategy == models.StrategyAbort {
		logCtx.Error("Document processing aborted.", "reason", plan.AbortReason)
		result.Error = plan.AbortReason
		return result
	}

	startIndex := c.resumePoint(ctx, rs)
	result.ResumedFrom = startIndex
	if startIndex > 0 {
		priorElapsed = rs.metrics.Elapsed
		rs.last = startIndex - 1
	}
	c.trimOutput(logCtx, rs.written)

	acct := memory.NewAccountant(c.budget)
	cursor, err := NewStreamEngine(c.opener, acct, c.logger).Open(ctx, path, plan, startIndex)
	if err != nil {
		logCtx.Error("Failed to open document for streaming.", "error", err)
		result.Error = err.Error()
		return result
	}
	defer cursor.Close()

	// In-flight units finish even after cancellation; tier timeouts bound them.
	unitCtx := context.WithoutCancel(ctx)
	escalator := c.escalator()
	sinceSave := 0
	downgrades := 0
	complete := false

loop:
	for {
		if ctx.Err() != nil {
			result.Cancelled = true
			break
		}
		group, err := cursor.Next(ctx)
		switch {
		case errors.Is(err, io.EOF):
			complete = true
			break loop
		case err != nil && ctx.Err() != nil:
			result.Cancelled = true
			break loop
		case err != nil:
			logCtx.Error("Document I/O failed. Returning partial result.", "error", err, "lastCompletedIndex", rs.last)
			result.Error = err.Error()
			break loop
		}

		for _, gu := range group.Units {
			unit := c.processUnit(unitCtx, gu, plan, profile.ComplexityScore, escalator, rs)
			c.record(rs, unit)
			if err := c.writeUnit(rs, unit); err != nil {
				logCtx.Error("Failed to write aggregated output.", "error", err)
				result.Error = docerr.DocumentIO("failed to write output", err).Error()
				group.Release()
				break loop
			}
			rs.last = gu.Index
			if c.progress != nil {
				c.progress(path, gu.Index+1, rs.total)
			}
		}

		rs.metrics.GroupsProcessed++
		if d := cursor.Downgrades(); d > downgrades {
			for ; downgrades < d; downgrades++ {
				c.recorder.ChunkDowngraded()
			}
		}
		rss := c.rss.Sample(ctx)
		memory.LogGroupMemory(ctx, logCtx, memory.GroupMemory{
			Group:         group.Seq,
			Units:         len(group.Units),
			ReservedBytes: group.reserved,
			PeakBytes:     acct.Peak(),
			BudgetBytes:   acct.Budget(),
			RSSBytes:      rss,
		})

		sinceSave++
		if sinceSave >= c.cfg.CheckpointInterval {
			c.saveCheckpoint(unitCtx, rs)
			sinceSave = 0
		}
	}

	rs.metrics.ChunkDowngrades += downgrades
	rs.metrics.PeakMemoryBytes = max(rs.metrics.PeakMemoryBytes, acct.Peak())
	rs.metrics.PeakRSSBytes = max(rs.metrics.PeakRSSBytes, c.rss.Peak())
	c.recorder.ObservePeakMemory(acct.Peak())
	rs.metrics.Elapsed = priorElapsed + time.Since(start)

	switch {
	case complete:
		result.Success = true
		c.deleteCheckpoint(unitCtx, rs)
	default:
		if result.Cancelled {
			logCtx.Warn("Run cancelled. Saving checkpoint.", "lastCompletedIndex", rs.last)
		}
		c.saveCheckpoint(unitCtx, rs)
	}
	return result
}

// resumePoint loads the checkpoint for the document and returns the first
// unit to process. A checkpoint written for another document is ignored.
func (c *Coordinator) resumePoint(ctx context.Context, rs *runState) int {
	if c.store == nil {
		return 0
	}
	identity, err := checkpoint.Identify(rs.path, c.cfg.Checkpoint.HashIdentity)
	if err != nil {
		rs.logger.Warn("Failed to identify document. Checkpointing disabled for this run.", "error", err)
		return 0
	}
	rs.key = checkpoint.KeyFor(rs.path)
	rs.identity = identity
	if !c.cfg.Resume {
		return 0
	}

	state, err := c.store.Load(ctx, rs.key)
	if err != nil {
		rs.logger.Warn("Failed to load checkpoint. Starting from the first unit.", "error", err)
		return 0
	}
	if state == nil {
		return 0
	}
	if !state.Identity.Matches(identity) || state.UnitCount != rs.total {
		mismatch := docerr.ChecksumMismatch(fmt.Sprintf("checkpoint %s was written for a different document", rs.key))
		rs.logger.Warn("Checkpoint rejected. Restarting from the first unit.", "error", mismatch)
		return 0
	}
	next := state.LastCompletedUnitIndex + 1
	if next >= rs.total {
		return 0
	}
	rs.metrics = state.Metrics.Clone()
	rs.written = state.OutputBytes
	rs.outcomes = append([]models.UnitOutcome(nil), state.Outcomes...)
	rs.failed = append([]models.FailedUnit(nil), state.FailedUnits...)
	rs.logger.Info("Resuming from checkpoint.", "startIndex", next, "unitCount", rs.total, "failedSoFar", len(rs.failed))
	return next
}

func (c *Coordinator) saveCheckpoint(ctx context.Context, rs *runState) {
	if c.store == nil || rs.key == "" {
		return
	}
	state := models.RunState{
		Key:                    rs.key,
		Identity:               rs.identity,
		UnitCount:              rs.total,
		LastCompletedUnitIndex: rs.last,
		Metrics:                rs.metrics.Clone(),
		OutputBytes:            rs.written,
		FailedUnits:            append([]models.FailedUnit(nil), rs.failed...),
		Outcomes:               append([]models.UnitOutcome(nil), rs.outcomes...),
		UpdatedAt:              time.Now().UTC(),
	}
	if err := c.store.Save(ctx, state); err != nil {
		rs.logger.Warn("Failed to save checkpoint.", "error", err, "lastCompletedIndex", rs.last)
	}
}

func (c *Coordinator) deleteCheckpoint(ctx context.Context, rs *runState) {
	if c.store == nil || rs.key == "" {
		return
	}
	if err := c.store.Delete(ctx, rs.key); err != nil {
		rs.logger.Warn("Failed to delete checkpoint.", "error", err)
	}
}

func (c *Coordinator) processUnit(ctx context.Context, gu GroupUnit, plan models.ProcessingPlan, docComplexity float64, escalator *Escalator, rs *runState) models.Unit {
	unit := models.Unit{Index: gu.Index}
	rs.metrics.UnitsProcessed++
	if gu.Err != nil {
		unit.Err = gu.Err
		unit.Outcome = models.EscalationOutcome{Reason: gu.Err.Error()}
		rs.metrics.UnitsFailed++
		c.recorder.UnitFailed()
		return unit
	}

	content, outcome := escalator.Process(ctx, gu.Handle, docComplexity, plan.EscalationEnabled, &rs.metrics)
	unit.Outcome = outcome
	if content == nil {
		unit.Err = fmt.Errorf("unit %d: %s", gu.Index, outcome.Reason)
		rs.metrics.UnitsFailed++
		c.recorder.UnitFailed()
		return unit
	}
	unit.Extracted = content
	c.recorder.UnitCompleted(string(outcome.TierUsed))
	return unit
}

func (c *Coordinator) record(rs *runState, unit models.Unit) {
	rs.outcomes = append(rs.outcomes, models.UnitOutcome{
		Index:      unit.Index,
		TierUsed:   unit.Outcome.TierUsed,
		Sufficient: unit.Outcome.Sufficient,
		Failed:     unit.Failed(),
		Reason:     unit.Outcome.Reason,
	})
	if unit.Failed() {
		reason := unit.Outcome.Reason
		if unit.Err != nil {
			reason = unit.Err.Error()
		}
		rs.failed = append(rs.failed, models.FailedUnit{Index: unit.Index, Reason: reason})
	}
}

func (c *Coordinator) writeUnit(rs *runState, unit models.Unit) error {
	if c.output == nil || unit.Failed() {
		return nil
	}
	text := unit.Extracted.Text
	if rs.written > 0 {
		text = UnitSeparator + text
	}
	// Bytes of a failed write are not counted.
	n, err := io.WriteString(c.output, text)
	if err != nil {
		return err
	}
	rs.written += int64(n)
	return nil
}

type outputFile interface {
	Stat() (os.FileInfo, error)
	Truncate(size int64) error
}

// trimOutput cuts a file output back to size, dropping text written after
// the last checkpoint. Outputs shorter than size are left alone.
func (c *Coordinator) trimOutput(logger *slog.Logger, size int64) {
	f, ok := c.output.(outputFile)
	if !ok {
		return
	}
	info, err := f.Stat()
	if err != nil {
		logger.Warn("Failed to stat output.", "error", err)
		return
	}
	if info.Size() <= size {
		return
	}
	if err := f.Truncate(size); err != nil {
		logger.Warn("Failed to truncate output.", "error", err)
	}
}

// finish fills the derived result fields and emits the run summary.
func (c *Coordinator) finish(result *models.ProcessingResult, rs *runState, elapsed time.Duration) {
	result.LastCompletedIndex = rs.last
	result.Outcomes = rs.outcomes
	result.FailedUnits = rs.failed
	result.Metrics = rs.metrics
	result.Elapsed = elapsed
	result.PeakMemoryBytes = rs.metrics.PeakMemoryBytes
	result.TierCounts = rs.metrics.TierCounts
	result.TierRatios = make(map[models.Tier]float64, len(models.Tiers))
	for _, tier := range models.Tiers {
		result.TierRatios[tier] = rs.metrics.TierRatio(tier)
	}
	result.EscalationRatio = rs.metrics.EscalationRatio()
	result.EscalationAdvisory = result.EscalationRatio > c.cfg.Escalation.TargetRatio

	status := runStatusFailed
	switch {
	case result.Success:
		status = runStatusSuccess
	case result.Cancelled:
		status = runStatusCancelled
	}
	c.recorder.RunFinished(status, elapsed)

	if result.EscalationAdvisory {
		rs.logger.Warn("Fallback tiers exceeded the target share of units.",
			"escalationRatio", result.EscalationRatio,
			"targetRatio", c.cfg.Escalation.TargetRatio,
			"aiVision", rs.metrics.TierCounts[models.TierAiVision],
			"lastResort", rs.metrics.TierCounts[models.TierLastResort],
		)
	}
	rs.logger.Info("Run finished.",
		"status", status,
		"lastCompletedIndex", rs.last,
		"unitsProcessed", rs.metrics.UnitsProcessed,
		"unitsFailed", rs.metrics.UnitsFailed,
		"elapsed", elapsed,
	)
}
