package services

import (
	"fmt"

	"github.com/Lllllllleong/docstream/internal/models"
)

const (
	fullLoadLimit = 10 * mib
	streamLimit   = 100 * mib
	maxBatchChunk = 10
	minChunkSize  = 1
)

// SelectOptions are explicit caller choices layered over the default policy.
type SelectOptions struct {
	// ChunkSizeOverride replaces the policy's chunk size when positive. It is
	// still capped by the budget and the unit count.
	ChunkSizeOverride int
	// DisableEscalation accepts every local result as final.
	DisableEscalation bool
}

// SelectStrategy maps a profile and a memory budget to a plan. It is pure
// and total: tight budgets only shrink the chunk size.
func SelectStrategy(profile models.DocumentProfile, budget int64, opts SelectOptions) models.ProcessingPlan {
	perUnit := max(profile.PerUnitSizeEstimate, 1)
	plan := models.ProcessingPlan{
		ChunkSize:           minChunkSize,
		MemoryBudgetBytes:   budget,
		PerUnitSizeEstimate: perUnit,
		EscalationEnabled:   !opts.DisableEscalation,
	}

	if issue, ok := profile.TerminalIssue(); ok {
		plan.Strategy = models.StrategyAbort
		plan.AbortReason = fmt.Sprintf("%s: %s", issue.Kind, issue.Detail)
		return plan
	}
	if profile.UnitCount <= 0 {
		plan.Strategy = models.StrategyAbort
		plan.AbortReason = "document has no units"
		return plan
	}

	maxFit := max(budget/perUnit, minChunkSize)

	var chunk int64
	switch {
	case profile.ByteSize < fullLoadLimit:
		plan.Strategy = models.StrategyFullLoad
		chunk = int64(profile.UnitCount)
	case profile.ByteSize < streamLimit:
		plan.Strategy = models.StrategyStreamUnits
		chunk = 1
	default:
		plan.Strategy = models.StrategyChunkBatch
		chunk = min(max(maxFit, minChunkSize), maxBatchChunk)
	}
	if opts.ChunkSizeOverride > 0 {
		chunk = int64(opts.ChunkSizeOverride)
	}

	chunk = min(chunk, int64(profile.UnitCount), maxFit)
	chunk = max(chunk, minChunkSize)
	plan.ChunkSize = int(chunk)

	// Keep the label honest when the budget or an override reshaped the chunk.
	switch {
	case plan.Strategy == models.StrategyFullLoad && plan.ChunkSize < profile.UnitCount:
		plan.Strategy = models.StrategyChunkBatch
	case plan.Strategy == models.StrategyStreamUnits && plan.ChunkSize > 1:
		plan.Strategy = models.StrategyChunkBatch
	}
	return plan
}
