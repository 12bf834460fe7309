package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/storage"
	executions "cloud.google.com/go/workflows/executions/apiv1"
	"cloud.google.com/go/workflows/executions/apiv1/executionspb"

	"github.com/Lllllllleong/docstream/internal/checkpoint"
	"github.com/Lllllllleong/docstream/internal/config"
	"github.com/Lllllllleong/docstream/internal/gcp"
	"github.com/Lllllllleong/docstream/internal/models"
	"github.com/Lllllllleong/docstream/internal/pdf"
)

const (
	resultPartPattern = "%s/" + resultPartPrefix + "%05d-%05d.txt"
	uploadMaxRetries  = 4
	uploadTimeout     = 50 * time.Second
)

type DocumentProcessorConfig struct {
	ProjectID        string
	Database         string
	ResultsBucket    string
	CollectionName   string
	WorkflowID       string
	WorkflowLocation string
	WorkDir          string
}

// DocumentProcessorFunction processes PDFs uploaded to a bucket and hands
// the aggregated text to a workflow.
type DocumentProcessorFunction struct {
	storageClient    *storage.Client
	firestoreClient  *firestore.Client
	executionsClient *executions.Client
	store            checkpoint.Store
	tiers            *Tiers
	runConfig        config.Config
	config           DocumentProcessorConfig
}

type GCSEvent struct {
	Bucket string `json:"bucket"`
	Name   string `json:"name"`
}

func NewDocumentProcessor(ctx context.Context) (*DocumentProcessorFunction, error) {
	projectID := gcp.GetEnv("PROJECT_ID", "")
	if projectID == "" {
		return nil, fmt.Errorf("PROJECT_ID environment variable must be set")
	}

	cfgs := DocumentProcessorConfig{
		ProjectID:        projectID,
		Database:         gcp.GetEnv("FIRESTORE_DATABASE", ""),
		ResultsBucket:    gcp.GetEnv("RESULTS_BUCKET", ""),
		CollectionName:   gcp.GetEnv("FIRESTORE_COLLECTION", "documents"),
		WorkflowLocation: gcp.GetEnv("WORKFLOW_LOCATION", "us-central1"),
		WorkflowID:       gcp.GetEnv("WORKFLOW_ID", "document-processing-orchestrator"),
		WorkDir:          filepath.Join(os.TempDir(), "docstream"),
	}
	if cfgs.ResultsBucket == "" {
		return nil, fmt.Errorf("RESULTS_BUCKET environment variable must be set")
	}

	runConfig, err := config.Load(gcp.GetEnv("DOCSTREAM_CONFIG", ""))
	if err != nil {
		return nil, fmt.Errorf("failed to load run configuration: %w", err)
	}
	// Instances share nothing on local disk, so checkpoints live in GCP.
	if runConfig.Checkpoint.Backend == config.BackendFile || runConfig.Checkpoint.Backend == config.BackendBolt {
		runConfig.Checkpoint.Backend = config.BackendFirestore
	}
	if runConfig.Checkpoint.ProjectID == "" {
		runConfig.Checkpoint.ProjectID = projectID
	}
	if runConfig.Checkpoint.Database == "" {
		runConfig.Checkpoint.Database = cfgs.Database
	}
	if runConfig.Vision.ProjectID == "" {
		runConfig.Vision.ProjectID = projectID
	}
	runConfig.Checkpoint.HashIdentity = true

	firestoreClient, err := gcp.NewFirestoreClient(ctx, cfgs.ProjectID, cfgs.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Storage client: %w", err)
	}
	executionsClient, err := executions.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Workflows Executions client: %w", err)
	}
	store, err := checkpoint.Open(ctx, runConfig.Checkpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	tiers, err := NewTiers(ctx, runConfig)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfgs.WorkDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}

	f := &DocumentProcessorFunction{
		storageClient:    storageClient,
		firestoreClient:  firestoreClient,
		executionsClient: executionsClient,
		store:            store,
		tiers:            tiers,
		runConfig:        runConfig,
		config:           cfgs,
	}
	slog.Info("Document processor initialized.",
		"workflowId", cfgs.WorkflowID,
		"checkpointBackend", runConfig.Checkpoint.Backend,
		"maxMemory", runConfig.MaxMemory,
	)
	return f, nil
}

func (f *DocumentProcessorFunction) Process(ctx context.Context, e GCSEvent) error {
	logCtx := slog.With("gcsBucket", e.Bucket, "gcsObject", e.Name)
	logCtx.Info("Processing new GCS object.")

	sourcePath, fileHash, err := f.download(ctx, e)
	if err != nil {
		logCtx.Error("Failed to download source PDF.", "error", err)
		return err
	}
	defer os.Remove(sourcePath)
	logCtx = logCtx.With("fileHash", fileHash)

	docRef, status, err := f.findExisting(ctx, fileHash)
	if err != nil {
		logCtx.Error("Failed to check for duplicate.", "error", err)
		return err
	}
	switch {
	case docRef != nil && !resumable(status):
		logCtx.Info("Duplicate file detected. Skipping.", "existingDocId", docRef.ID, "status", status)
		return nil
	case docRef != nil:
		logCtx.Info("Resuming interrupted document.", "existingDocId", docRef.ID, "status", status)
	default:
		docRef, err = f.createInitialDocument(ctx, fileHash, e.Name)
		if err != nil {
			logCtx.Error("Failed to create initial Firestore document.", "error", err)
			return err
		}
	}
	logCtx = logCtx.With("documentId", docRef.ID)

	if err := f.updateStatus(ctx, docRef, models.StatusProcessing, ""); err != nil {
		return f.handleError(ctx, logCtx, docRef, "failed to update status to PROCESSING", err)
	}

	result, outputPath, err := f.run(ctx, logCtx, sourcePath, fileHash)
	if err != nil {
		return f.handleError(ctx, logCtx, docRef, "failed to prepare run", err)
	}
	defer os.Remove(outputPath)

	// The run may have ended because ctx was cancelled; bookkeeping still
	// has to reach GCS and Firestore.
	finishCtx := context.WithoutCancel(ctx)
	if result.Profile == nil || result.Plan == nil || result.Plan.Strategy == models.StrategyAbort {
		return f.handleError(finishCtx, logCtx, docRef, "document could not be processed", fmt.Errorf("%s", result.Error))
	}

	if result.LastCompletedIndex >= result.ResumedFrom {
		objectName := fmt.Sprintf(resultPartPattern, docRef.ID, result.ResumedFrom, result.LastCompletedIndex)
		if err := f.uploadResult(finishCtx, outputPath, objectName); err != nil {
			return f.handleError(finishCtx, logCtx, docRef, "failed to upload result", err)
		}
	}

	status = finalStatus(result)
	resultURI := fmt.Sprintf("gs://%s/%s/", f.config.ResultsBucket, docRef.ID)
	if status == models.StatusCompleted || status == models.StatusPartial {
		resultURI, err = f.composeResult(finishCtx, logCtx, docRef.ID)
		if err != nil {
			return f.handleError(finishCtx, logCtx, docRef, "failed to compose result", err)
		}
	}
	if err := f.recordResult(finishCtx, docRef, result, status, resultURI); err != nil {
		return f.handleError(finishCtx, logCtx, docRef, "failed to record result", err)
	}
	logCtx.Info("Document processed.",
		"status", status,
		"unitCount", result.Profile.UnitCount,
		"failedUnits", len(result.FailedUnits),
		"escalationRatio", result.EscalationRatio,
		"resultUri", resultURI,
	)
	if status == models.StatusFailed || status == models.StatusCancelled {
		// A retried event resumes a cancelled run from its checkpoint.
		return fmt.Errorf("document %s ended %s: %s", docRef.ID, status, result.Error)
	}

	if err := f.triggerWorkflow(ctx, logCtx, docRef, result, status, resultURI); err != nil {
		return err
	}
	logCtx.Info("Hand-off to workflow complete.")
	return nil
}

// download fetches the object into the work dir under its content hash,
// so a retried event sees the same path and resumes its checkpoint.
func (f *DocumentProcessorFunction) download(ctx context.Context, e GCSEvent) (string, string, error) {
	tmp, err := os.CreateTemp(f.config.WorkDir, "download-*.pdf")
	if err != nil {
		return "", "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()

	if err := gcp.DownloadObject(ctx, f.storageClient, e.Bucket, e.Name, tmpPath); err != nil {
		os.Remove(tmpPath)
		return "", "", err
	}
	fileHash, err := checkpoint.FileHash(tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return "", "", fmt.Errorf("failed to calculate file hash: %w", err)
	}
	finalPath := filepath.Join(f.config.WorkDir, fileHash+".pdf")
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", "", fmt.Errorf("failed to move download into place: %w", err)
	}
	return finalPath, fileHash, nil
}

func (f *DocumentProcessorFunction) run(ctx context.Context, logCtx *slog.Logger, sourcePath, fileHash string) (*models.ProcessingResult, string, error) {
	outputPath := filepath.Join(f.config.WorkDir, fileHash+".txt")
	out, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create output file: %w", err)
	}
	defer out.Close()

	opts := append(f.tiers.Options(),
		WithCheckpointStore(f.store),
		WithOutput(out),
		WithLogger(logCtx),
	)
	result := NewCoordinator(f.runConfig, pdf.NewOpener(f.runConfig.Password), opts...).Run(ctx, sourcePath)
	if err := out.Sync(); err != nil {
		return nil, "", fmt.Errorf("failed to flush output file: %w", err)
	}
	return result, outputPath, nil
}

func resumable(status string) bool {
	switch status {
	case models.StatusValidating, models.StatusProcessing, models.StatusCancelled:
		return true
	}
	return false
}

// finalStatus maps a run result onto the document record's status.
func finalStatus(result *models.ProcessingResult) string {
	switch {
	case result.Cancelled:
		return models.StatusCancelled
	case !result.Success:
		return models.StatusFailed
	case len(result.FailedUnits) > 0:
		return models.StatusPartial
	default:
		return models.StatusCompleted
	}
}

func (f *DocumentProcessorFunction) findExisting(ctx context.Context, fileHash string) (*firestore.DocumentRef, string, error) {
	docs, err := f.firestoreClient.Collection(f.config.CollectionName).Where("fileHash", "==", fileHash).Limit(1).Documents(ctx).GetAll()
	if err != nil {
		return nil, "", fmt.Errorf("failed to query for duplicates: %w", err)
	}
	if len(docs) == 0 {
		return nil, "", nil
	}
	var existing models.Document
	if err := docs[0].DataTo(&existing); err != nil {
		return nil, "", fmt.Errorf("failed to decode existing document: %w", err)
	}
	return docs[0].Ref, existing.Status, nil
}

func (f *DocumentProcessorFunction) createInitialDocument(ctx context.Context, fileHash, filename string) (*firestore.DocumentRef, error) {
	newDoc := models.Document{
		FileHash:         fileHash,
		OriginalFilename: filename,
		Status:           models.StatusValidating,
		CreatedAt:        time.Now(),
	}
	docRef, _, err := f.firestoreClient.Collection(f.config.CollectionName).Add(ctx, newDoc)
	if err != nil {
		return nil, fmt.Errorf("failed to create master document: %w", err)
	}
	return docRef, nil
}

func (f *DocumentProcessorFunction) recordResult(ctx context.Context, docRef *firestore.DocumentRef, result *models.ProcessingResult, status, resultURI string) error {
	updates := []firestore.Update{
		{Path: "status", Value: status},
		{Path: "pageCount", Value: result.Profile.UnitCount},
		{Path: "strategy", Value: string(result.Plan.Strategy)},
		{Path: "chunkSize", Value: result.Plan.ChunkSize},
		{Path: "complexityScore", Value: result.Profile.ComplexityScore},
		{Path: "escalationRatio", Value: result.EscalationRatio},
		{Path: "resultUri", Value: resultURI},
	}
	if failed := result.FailedIndices(); len(failed) > 0 {
		updates = append(updates, firestore.Update{Path: "failedPages", Value: firestore.ArrayUnion(intsToAny(failed)...)})
	}
	if result.Error != "" {
		updates = append(updates, firestore.Update{Path: "errorDetails", Value: result.Error})
	}
	if status == models.StatusCompleted || status == models.StatusPartial {
		updates = append(updates, firestore.Update{Path: "completedAt", Value: firestore.ServerTimestamp})
	}
	_, err := docRef.Update(ctx, updates)
	return err
}

func intsToAny(values []int) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func (f *DocumentProcessorFunction) triggerWorkflow(ctx context.Context, logCtx *slog.Logger, docRef *firestore.DocumentRef, result *models.ProcessingResult, status, resultURI string) error {
	logCtx.Info("Triggering workflow.")
	payloadBytes, err := json.Marshal(models.WorkflowArgument{
		DocumentID:  docRef.ID,
		PageCount:   result.Profile.UnitCount,
		ResultURI:   resultURI,
		Status:      status,
		FailedPages: result.FailedIndices(),
	})
	if err != nil {
		return f.handleError(ctx, logCtx, docRef, "failed to marshal workflow payload", err)
	}
	req := &executionspb.CreateExecutionRequest{
		Parent: fmt.Sprintf("projects/%s/locations/%s/workflows/%s", f.config.ProjectID, f.config.WorkflowLocation, f.config.WorkflowID),
		Execution: &executionspb.Execution{
			Argument: string(payloadBytes),
		},
	}
	execution, err := f.executionsClient.CreateExecution(ctx, req)
	if err != nil {
		return f.handleError(ctx, logCtx, docRef, "failed to trigger workflow execution", err)
	}
	if _, err := docRef.Update(ctx, []firestore.Update{{Path: "workflowExecutionId", Value: execution.GetName()}}); err != nil {
		logCtx.Warn("Failed to record workflow execution.", "error", err)
	}
	return nil
}

func (f *DocumentProcessorFunction) handleError(ctx context.Context, logCtx *slog.Logger, docRef *firestore.DocumentRef, message string, originalErr error) error {
	fullError := fmt.Sprintf("%s: %v", message, originalErr)
	logCtx.Error(message, "error", originalErr)
	if err := f.updateStatus(ctx, docRef, models.StatusFailed, fullError); err != nil {
		logCtx.Error("CRITICAL: Failed to update Firestore status to FAILED after a processing error.", "updateError", err)
	}
	return fmt.Errorf("%s", fullError)
}

func (f *DocumentProcessorFunction) updateStatus(ctx context.Context, docRef *firestore.DocumentRef, status, errDetails string) error {
	updates := []firestore.Update{
		{Path: "status", Value: status},
	}
	if errDetails != "" {
		updates = append(updates, firestore.Update{Path: "errorDetails", Value: errDetails})
	}
	_, err := docRef.Update(ctx, updates)
	return err
}

// uploadResult writes one run's aggregated text, retrying with backoff.
func (f *DocumentProcessorFunction) uploadResult(ctx context.Context, localPath, destObject string) error {
	backoff := 1 * time.Second
	var lastErr error

	for i := 0; i < uploadMaxRetries; i++ {
		err := func() error {
			localFileReader, err := os.Open(localPath)
			if err != nil {
				return fmt.Errorf("could not open local file %s: %w", localPath, err)
			}
			defer localFileReader.Close()

			writeCtx, cancel := context.WithTimeout(ctx, uploadTimeout)
			defer cancel()
			return gcp.SaveToGCSAtomically(writeCtx, f.storageClient.Bucket(f.config.ResultsBucket), destObject, localFileReader)
		}()
		if err == nil {
			return nil
		}

		lastErr = err
		slog.Warn("Upload failed, will retry.",
			"gcsObject", destObject,
			"attempt", i+1,
			"maxRetries", uploadMaxRetries,
			"backoff", backoff.String(),
			"error", err,
		)
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			slog.Error("Context cancelled during backoff. Aborting retries.", "gcsObject", destObject, "error", ctx.Err())
			return ctx.Err()
		}
	}
	slog.Error("Upload failed after all retries.", "gcsObject", destObject, "error", lastErr)
	return fmt.Errorf("upload for %s failed after all retries: %w", destObject, lastErr)
}
