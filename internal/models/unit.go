package models

// Tier identifies an extraction method in the escalation chain.
type Tier string

const (
	TierLocal      Tier = "LOCAL"
	TierAiVision   Tier = "AI_VISION"
	TierLastResort Tier = "LAST_RESORT"
)

// Tiers lists the escalation chain in order.
var Tiers = []Tier{TierLocal, TierAiVision, TierLastResort}

// Image is an embedded image blob pulled from a unit.
type Image struct {
	Name   string `json:"name"`
	Format string `json:"format"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
	Data   []byte `json:"-"`
}

// Table is a structured table record; Rows[0] is the first detected row.
type Table struct {
	Rows [][]string `json:"rows"`
}

// ExtractedContent is what one tier produced for a unit.
type ExtractedContent struct {
	Text       string            `json:"text"`
	Images     []Image           `json:"images,omitempty"`
	Tables     []Table           `json:"tables,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	SourceTier Tier              `json:"sourceTier"`
}

// UnitSignals are the cheap structural signals of a single unit.
type UnitSignals struct {
	FontCount      int      `json:"fontCount"`
	MissingFonts   []string `json:"missingFonts,omitempty"`
	ImageCount     int      `json:"imageCount"`
	TextRuns       int      `json:"textRuns"`
	TextChars      int      `json:"textChars"`
	WideBlocks     int      `json:"wideBlocks"`
	ReplacementPct float64  `json:"replacementPct"`
	Width          float64  `json:"width,omitempty"`
	Height         float64  `json:"height,omitempty"`
}

// HasTextLayer reports whether the unit carries any text runs.
func (s UnitSignals) HasTextLayer() bool {
	return s.TextRuns > 0
}

// EscalationOutcome records how a unit's content was finally obtained.
type EscalationOutcome struct {
	TierUsed   Tier   `json:"tierUsed"`
	Sufficient bool   `json:"sufficient"`
	Reason     string `json:"reason,omitempty"`
	Attempted  []Tier `json:"attempted,omitempty"`
}

// Unit is one page of a document as seen by stream consumers.
type Unit struct {
	Index     int               `json:"index"`
	Extracted *ExtractedContent `json:"extracted,omitempty"`
	Outcome   EscalationOutcome `json:"outcome"`
	Err       error             `json:"-"`
}

// Failed reports whether no content could be obtained for the unit.
func (u Unit) Failed() bool {
	return u.Extracted == nil
}

// UnitOutcome is the per-unit line in a ProcessingResult.
type UnitOutcome struct {
	Index      int    `json:"index" firestore:"index"`
	TierUsed   Tier   `json:"tierUsed,omitempty" firestore:"tierUsed,omitempty"`
	Sufficient bool   `json:"sufficient" firestore:"sufficient"`
	Failed     bool   `json:"failed,omitempty" firestore:"failed,omitempty"`
	Reason     string `json:"reason,omitempty" firestore:"reason,omitempty"`
}

// FailedUnit is a unit skipped after an irrecoverable error.
type FailedUnit struct {
	Index  int    `json:"index" firestore:"index"`
	Reason string `json:"reason" firestore:"reason"`
}
