package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Lllllllleong/docstream/internal/config"
	"github.com/Lllllllleong/docstream/internal/gcp"
	"github.com/Lllllllleong/docstream/internal/ocr"
)

// Tiers holds the fallback capabilities built from configuration. Either
// may be nil when its section is not configured.
type Tiers struct {
	Vision     VisionExtractor
	LastResort ImageExtractor

	closers []func() error
}

// NewTiers builds the AI-vision and last-resort clients named by cfg.
func NewTiers(ctx context.Context, cfg config.Config) (*Tiers, error) {
	t := &Tiers{}
	if cfg.Vision.ProjectID != "" {
		vertexClient, err := gcp.NewVertexClient(ctx, cfg.Vision.ProjectID, cfg.Vision.Region, cfg.Vision.Model)
		if err != nil {
			return nil, fmt.Errorf("failed to create vertex client: %w", err)
		}
		t.Vision = vertexClient
		t.closers = append(t.closers, vertexClient.Close)
		slog.Info("AI vision tier enabled.", "model", cfg.Vision.Model, "region", cfg.Vision.Region)
	}
	if cfg.OCR.Endpoint != "" {
		ocrClient, err := ocr.NewClient(ocr.Config{
			Endpoint:      cfg.OCR.Endpoint,
			APIKey:        cfg.OCR.APIKey,
			RatePerSecond: cfg.OCR.RatePerSecond,
			Burst:         cfg.OCR.Burst,
		})
		if err != nil {
			_ = t.Close()
			return nil, fmt.Errorf("failed to create ocr client: %w", err)
		}
		t.LastResort = ocrClient
		slog.Info("Last resort tier enabled.", "endpoint", cfg.OCR.Endpoint)
	}
	return t, nil
}

// Options returns the coordinator options for the configured tiers.
func (t *Tiers) Options() []Option {
	var opts []Option
	if t.Vision != nil {
		opts = append(opts, WithVision(t.Vision))
	}
	if t.LastResort != nil {
		opts = append(opts, WithLastResort(t.LastResort))
	}
	return opts
}

func (t *Tiers) Close() error {
	var errs []error
	for _, closeFn := range t.closers {
		errs = append(errs, closeFn())
	}
	return errors.Join(errs...)
}
