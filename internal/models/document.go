package models

import "time"

// Document status values written to the Firestore record.
const (
	StatusValidating = "VALIDATING"
	StatusProcessing = "PROCESSING"
	StatusCompleted  = "COMPLETED"
	StatusPartial    = "PARTIAL"
	StatusCancelled  = "CANCELLED"
	StatusFailed     = "FAILED"
)

// Document represents the main record for a processing job in Firestore.
// It tracks the overall status, the chosen plan and a summary of the result.
type Document struct {
	FileHash            string    `firestore:"fileHash,omitempty"`
	OriginalFilename    string    `firestore:"originalFilename,omitempty"`
	Status              string    `firestore:"status,omitempty"`
	ErrorDetails        string    `firestore:"errorDetails,omitempty"`
	PageCount           int       `firestore:"pageCount,omitempty"`
	Strategy            string    `firestore:"strategy,omitempty"`
	ChunkSize           int       `firestore:"chunkSize,omitempty"`
	ComplexityScore     float64   `firestore:"complexityScore,omitempty"`
	FailedPages         []int     `firestore:"failedPages,omitempty"`
	EscalationRatio     float64   `firestore:"escalationRatio,omitempty"`
	ResultURI           string    `firestore:"resultUri,omitempty"`
	WorkflowExecutionID string    `firestore:"workflowExecutionId,omitempty"` // For traceability
	CreatedAt           time.Time `firestore:"createdAt,omitempty"`
	CompletedAt         time.Time `firestore:"completedAt,omitempty"`
}
