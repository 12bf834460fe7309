package models

// These structs define the JSON payloads for HTTP requests and responses
// between the Cloud Workflow and the worker Cloud Functions.

// AssessDocumentRequest is the input for the assess-document function.
type AssessDocumentRequest struct {
	GCSUri      string `json:"gcsUri"`
	ExecutionID string `json:"executionId"`
	// MaxMemoryBytes optionally overrides the function's configured budget.
	MaxMemoryBytes int64 `json:"maxMemoryBytes,omitempty"`
}

// AssessDocumentResponse is the output of the assess-document function.
type AssessDocumentResponse struct {
	Status  string          `json:"status"`
	Profile DocumentProfile `json:"profile"`
	Plan    ProcessingPlan  `json:"plan"`
}

// WorkflowArgument is the argument passed to the downstream workflow
// once a document has been processed.
type WorkflowArgument struct {
	DocumentID  string `json:"documentId"`
	PageCount   int    `json:"pageCount"`
	ResultURI   string `json:"resultUri"`
	Status      string `json:"status"`
	FailedPages []int  `json:"failedPages,omitempty"`
}
