package models

import "time"

// DocumentIdentity pins a checkpoint to one exact document.
type DocumentIdentity struct {
	Path        string    `json:"path" firestore:"path"`
	Size        int64     `json:"size" firestore:"size"`
	ModTime     time.Time `json:"modTime" firestore:"modTime"`
	ContentHash string    `json:"contentHash,omitempty" firestore:"contentHash,omitempty"`
}

// Matches compares content hashes when both sides carry one, and
// path, size and modification time otherwise.
func (d DocumentIdentity) Matches(other DocumentIdentity) bool {
	if d.ContentHash != "" && other.ContentHash != "" {
		return d.ContentHash == other.ContentHash && d.Size == other.Size
	}
	return d.Path == other.Path && d.Size == other.Size && d.ModTime.Equal(other.ModTime)
}

// RunMetrics is threaded through a run and returned with its result.
type RunMetrics struct {
	UnitsProcessed  int           `json:"unitsProcessed" firestore:"unitsProcessed"`
	UnitsFailed     int           `json:"unitsFailed" firestore:"unitsFailed"`
	TierCounts      map[Tier]int  `json:"tierCounts" firestore:"tierCounts"`
	TierInvocations map[Tier]int  `json:"tierInvocations" firestore:"tierInvocations"`
	ChunkDowngrades int           `json:"chunkDowngrades" firestore:"chunkDowngrades"`
	GroupsProcessed int           `json:"groupsProcessed" firestore:"groupsProcessed"`
	Elapsed         time.Duration `json:"elapsed" firestore:"elapsed"`
	PeakMemoryBytes int64         `json:"peakMemoryBytes" firestore:"peakMemoryBytes"`
	PeakRSSBytes    uint64        `json:"peakRssBytes,omitempty" firestore:"peakRssBytes"`
}

// NewRunMetrics returns zeroed metrics with initialised maps.
func NewRunMetrics() RunMetrics {
	return RunMetrics{
		TierCounts:      make(map[Tier]int, len(Tiers)),
		TierInvocations: make(map[Tier]int, len(Tiers)),
	}
}

// Clone returns a deep copy.
func (m RunMetrics) Clone() RunMetrics {
	c := m
	c.TierCounts = make(map[Tier]int, len(m.TierCounts))
	for k, v := range m.TierCounts {
		c.TierCounts[k] = v
	}
	c.TierInvocations = make(map[Tier]int, len(m.TierInvocations))
	for k, v := range m.TierInvocations {
		c.TierInvocations[k] = v
	}
	return c
}

// TierRatio is the share of processed units finally served by tier.
func (m RunMetrics) TierRatio(tier Tier) float64 {
	if m.UnitsProcessed == 0 {
		return 0
	}
	return float64(m.TierCounts[tier]) / float64(m.UnitsProcessed)
}

// EscalationRatio is tier2_ratio + tier3_ratio.
func (m RunMetrics) EscalationRatio() float64 {
	return m.TierRatio(TierAiVision) + m.TierRatio(TierLastResort)
}

// RunState is the durable checkpoint record.
type RunState struct {
	Key                    string           `json:"key" firestore:"key"`
	Identity               DocumentIdentity `json:"identity" firestore:"identity"`
	UnitCount              int              `json:"unitCount" firestore:"unitCount"`
	LastCompletedUnitIndex int              `json:"lastCompletedUnitIndex" firestore:"lastCompletedUnitIndex"`
	Metrics                RunMetrics       `json:"cumulativeMetrics" firestore:"cumulativeMetrics"`
	// OutputBytes is the length of the aggregated text written up to
	// LastCompletedUnitIndex.
	OutputBytes int64         `json:"outputBytes" firestore:"outputBytes"`
	FailedUnits []FailedUnit  `json:"failedUnits,omitempty" firestore:"failedUnits,omitempty"`
	Outcomes    []UnitOutcome `json:"outcomes,omitempty" firestore:"outcomes,omitempty"`
	UpdatedAt   time.Time     `json:"updatedAt" firestore:"updatedAt"`
}

// ProcessingResult is what a run returns; every failure mode is
// represented here rather than as an error.
type ProcessingResult struct {
	Path               string           `json:"path"`
	Success            bool             `json:"success"`
	Cancelled          bool             `json:"cancelled,omitempty"`
	Profile            *DocumentProfile `json:"profile,omitempty"`
	Plan               *ProcessingPlan  `json:"plan,omitempty"`
	ResumedFrom        int              `json:"resumedFrom"`
	LastCompletedIndex int              `json:"lastCompletedIndex"`
	TierCounts         map[Tier]int     `json:"tierCounts"`
	TierRatios         map[Tier]float64 `json:"tierRatios"`
	EscalationRatio    float64          `json:"escalationRatio"`
	EscalationAdvisory bool             `json:"escalationAdvisory,omitempty"`
	Elapsed            time.Duration    `json:"elapsed"`
	PeakMemoryBytes    int64            `json:"peakMemoryBytes"`
	FailedUnits        []FailedUnit     `json:"failedUnits,omitempty"`
	Outcomes           []UnitOutcome    `json:"outcomes,omitempty"`
	Metrics            RunMetrics       `json:"metrics"`
	Error              string           `json:"error,omitempty"`
}

// FailedIndices lists the indices of failed units.
func (r *ProcessingResult) FailedIndices() []int {
	out := make([]int, 0, len(r.FailedUnits))
	for _, f := range r.FailedUnits {
		out = append(out, f.Index)
	}
	return out
}
