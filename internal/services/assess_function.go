package services

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"cloud.google.com/go/storage"

	"github.com/Lllllllleong/docstream/internal/config"
	"github.com/Lllllllleong/docstream/internal/document"
	"github.com/Lllllllleong/docstream/internal/gcp"
	"github.com/Lllllllleong/docstream/internal/models"
	"github.com/Lllllllleong/docstream/internal/pdf"
)

// AssessFunction profiles a document in GCS and returns the plan a run
// would use for it.
type AssessFunction struct {
	storageClient *storage.Client
	opener        document.Opener
	runConfig     config.Config
}

// NewAssessFunction creates a new AssessFunction instance.
func NewAssessFunction(ctx context.Context) (*AssessFunction, error) {
	runConfig, err := config.Load(gcp.GetEnv("DOCSTREAM_CONFIG", ""))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &AssessFunction{
		storageClient: storageClient,
		opener:        pdf.NewOpener(runConfig.Password),
		runConfig:     runConfig,
	}, nil
}

// Process downloads the document named by req and assesses it.
func (f *AssessFunction) Process(ctx context.Context, req *models.AssessDocumentRequest) (*models.AssessDocumentResponse, error) {
	logCtx := slog.With("gcsUri", req.GCSUri, "executionId", req.ExecutionID)
	logCtx.Info("Starting assessment.")

	bucket, object, err := gcp.ParseGCSURI(req.GCSUri)
	if err != nil {
		return nil, err
	}
	tempDir, err := os.MkdirTemp("", "assess-document-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	localPath := filepath.Join(tempDir, "source.pdf")
	if err := gcp.DownloadObject(ctx, f.storageClient, bucket, object, localPath); err != nil {
		logCtx.Error("Failed to download document.", "error", err)
		return nil, err
	}

	profile, err := NewAssessor(f.opener, logCtx).Assess(ctx, localPath)
	if err != nil {
		logCtx.Error("Assessment failed.", "error", err)
		return nil, err
	}
	profile.Path = req.GCSUri

	budget := f.runConfig.MaxMemoryBytes
	if req.MaxMemoryBytes > 0 {
		budget = req.MaxMemoryBytes
	}
	plan := SelectStrategy(profile, budget, SelectOptions{
		ChunkSizeOverride: f.runConfig.ChunkSizeOverride,
		DisableEscalation: !f.runConfig.EscalationEnabled,
	})

	status := "success"
	if plan.Strategy == models.StrategyAbort {
		status = "abort"
	}
	logCtx.Info("Assessment complete.",
		"strategy", plan.Strategy,
		"chunkSize", plan.ChunkSize,
		"unitCount", profile.UnitCount,
		"complexity", profile.ComplexityScore,
	)
	return &models.AssessDocumentResponse{
		Status:  status,
		Profile: profile,
		Plan:    plan,
	}, nil
}
