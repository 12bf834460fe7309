package services

import (
	"context"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/Lllllllleong/docstream/internal/config"
	"github.com/Lllllllleong/docstream/internal/document"
	"github.com/Lllllllleong/docstream/internal/models"
)

// OutputFunc opens the aggregated output destination for one document.
type OutputFunc func(path string) (io.WriteCloser, error)

// BatchRunner processes independent documents concurrently. Each worker
// runs on an equal static share of the memory budget with its own
// accountant.
type BatchRunner struct {
	cfg     config.Config
	opener  document.Opener
	opts    []Option
	outputs OutputFunc
	logger  *slog.Logger
}

// NewBatchRunner returns a runner. opts are applied to every document's
// coordinator; outputs may be nil.
func NewBatchRunner(cfg config.Config, opener document.Opener, outputs OutputFunc, opts ...Option) *BatchRunner {
	return &BatchRunner{
		cfg:     cfg,
		opener:  opener,
		opts:    opts,
		outputs: outputs,
		logger:  slog.Default(),
	}
}

// Run processes paths with at most cfg.Batch.Workers documents in flight.
// Results are returned in the order of paths. A failing document does
// not stop the others.
func (b *BatchRunner) Run(ctx context.Context, paths []string) []*models.ProcessingResult {
	results := make([]*models.ProcessingResult, len(paths))
	share := b.cfg.WorkerBudget()

	var eg errgroup.Group
	eg.SetLimit(b.cfg.Batch.Workers)
	b.logger.Info("Starting batch.", "documents", len(paths), "workers", b.cfg.Batch.Workers, "workerBudgetBytes", share)

	for i, path := range paths {
		eg.Go(func() error {
			results[i] = b.runOne(ctx, path, share)
			return nil
		})
	}
	_ = eg.Wait()
	return results
}

func (b *BatchRunner) runOne(ctx context.Context, path string, share int64) *models.ProcessingResult {
	if err := ctx.Err(); err != nil {
		return &models.ProcessingResult{Path: path, Cancelled: true, LastCompletedIndex: -1, Error: err.Error()}
	}

	opts := append([]Option{}, b.opts...)
	opts = append(opts, WithBudget(share))
	if b.outputs != nil {
		out, err := b.outputs(path)
		if err != nil {
			b.logger.Error("Failed to open output.", "documentPath", path, "error", err)
			return &models.ProcessingResult{Path: path, LastCompletedIndex: -1, Error: err.Error()}
		}
		defer func() {
			if err := out.Close(); err != nil {
				b.logger.Warn("Failed to close output.", "documentPath", path, "error", err)
			}
		}()
		opts = append(opts, WithOutput(out))
	}
	return NewCoordinator(b.cfg, b.opener, opts...).Run(ctx, path)
}
