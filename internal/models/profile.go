package models

import "sort"

// IssueKind names a structural problem found during assessment.
type IssueKind string

const (
	IssueEncrypted           IssueKind = "encrypted"
	IssueMalformed           IssueKind = "malformed"
	IssueMissingResource     IssueKind = "missing-resource"
	IssueUnsupportedEncoding IssueKind = "unsupported-encoding"
)

// Issue is one detected problem. Terminal issues stop processing before
// any unit is streamed.
type Issue struct {
	Kind     IssueKind `json:"kind"`
	Detail   string    `json:"detail,omitempty"`
	Terminal bool      `json:"terminal,omitempty"`
}

// DocumentProfile is the immutable result of assessing a document.
type DocumentProfile struct {
	Path                string  `json:"path"`
	ByteSize            int64   `json:"byteSize"`
	UnitCount           int     `json:"unitCount"`
	Version             string  `json:"version,omitempty"`
	ComplexityScore     float64 `json:"complexityScore"`
	Issues              []Issue `json:"issues,omitempty"`
	PerUnitSizeEstimate int64   `json:"perUnitSizeEstimate"`
	SampledUnits        []int   `json:"sampledUnits,omitempty"`
}

// HasIssue reports whether an issue of the given kind was detected.
func (p DocumentProfile) HasIssue(kind IssueKind) bool {
	for _, issue := range p.Issues {
		if issue.Kind == kind {
			return true
		}
	}
	return false
}

// TerminalIssue returns the first terminal issue, if any.
func (p DocumentProfile) TerminalIssue() (Issue, bool) {
	for _, issue := range p.Issues {
		if issue.Terminal {
			return issue, true
		}
	}
	return Issue{}, false
}

// IssueKinds returns the distinct issue kinds in a stable order.
func (p DocumentProfile) IssueKinds() []IssueKind {
	seen := make(map[IssueKind]struct{}, len(p.Issues))
	kinds := make([]IssueKind, 0, len(p.Issues))
	for _, issue := range p.Issues {
		if _, ok := seen[issue.Kind]; ok {
			continue
		}
		seen[issue.Kind] = struct{}{}
		kinds = append(kinds, issue.Kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Strategy is the processing strategy chosen for a document.
type Strategy string

const (
	StrategyFullLoad    Strategy = "FULL_LOAD"
	StrategyStreamUnits Strategy = "STREAM_UNITS"
	StrategyChunkBatch  Strategy = "CHUNK_BATCH"
	StrategyAbort       Strategy = "ABORT"
)

// ProcessingPlan is selected once per run from a profile and a budget.
type ProcessingPlan struct {
	Strategy            Strategy `json:"strategy"`
	ChunkSize           int      `json:"chunkSize"`
	MemoryBudgetBytes   int64    `json:"memoryBudgetBytes"`
	PerUnitSizeEstimate int64    `json:"perUnitSizeEstimate"`
	EscalationEnabled   bool     `json:"escalationEnabled"`
	AbortReason         string   `json:"abortReason,omitempty"`
}

// GroupBytes is the memory committed for one full group under this plan.
func (p ProcessingPlan) GroupBytes() int64 {
	return int64(p.ChunkSize) * p.PerUnitSizeEstimate
}
