// Package commands implements the docstream CLI commands.
package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/Lllllllleong/docstream/internal/checkpoint"
	"github.com/Lllllllleong/docstream/internal/config"
	"github.com/Lllllllleong/docstream/internal/memory"
	"github.com/Lllllllleong/docstream/internal/models"
	"github.com/Lllllllleong/docstream/internal/services"
	"github.com/Lllllllleong/docstream/internal/telemetry"
)

const (
	outputPerm      = 0o644
	shutdownTimeout = 5 * time.Second
	progressWidth   = 60
)

// ErrRunIncomplete is returned when a document did not finish successfully.
var ErrRunIncomplete = errors.New("run did not complete")

// GlobalOptions are the persistent root flags.
type GlobalOptions struct {
	ConfigPath string
	LogLevel   string
}

// SetupLogging installs a text slog handler at the named level.
func SetupLogging(level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
	return nil
}

// runtime bundles the collaborators every command shares.
type runtime struct {
	cfg      config.Config
	opts     []services.Option
	cleanups []func()
}

func (r *runtime) close() {
	for i := len(r.cleanups) - 1; i >= 0; i-- {
		r.cleanups[i]()
	}
}

// newRuntime loads configuration and wires the checkpoint store, fallback
// tiers, metrics and RSS sampling.
func newRuntime(ctx context.Context, global *GlobalOptions, withCheckpoints bool) (*runtime, error) {
	cfg, err := config.Load(global.ConfigPath)
	if err != nil {
		return nil, err
	}
	r := &runtime{cfg: cfg}

	if withCheckpoints {
		store, err := checkpoint.Open(ctx, cfg.Checkpoint)
		if err != nil {
			return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
		}
		if store != nil {
			r.opts = append(r.opts, services.WithCheckpointStore(store))
			r.cleanups = append(r.cleanups, func() {
				if err := store.Close(); err != nil {
					slog.Warn("Failed to close checkpoint store.", "error", err)
				}
			})
		}
	}

	tiers, err := services.NewTiers(ctx, cfg)
	if err != nil {
		r.close()
		return nil, err
	}
	r.opts = append(r.opts, tiers.Options()...)
	r.cleanups = append(r.cleanups, func() { _ = tiers.Close() })

	recorder := telemetry.NewRecorder(prometheus.NewRegistry())
	r.opts = append(r.opts, services.WithRecorder(recorder), services.WithRSSSampler(memory.NewRSSSampler()))
	if cfg.MetricsAddr != "" {
		server := &http.Server{Addr: cfg.MetricsAddr, Handler: recorder.Handler(), ReadHeaderTimeout: shutdownTimeout}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Metrics server failed.", "addr", cfg.MetricsAddr, "error", err)
			}
		}()
		slog.Info("Serving metrics.", "addr", cfg.MetricsAddr)
		r.cleanups = append(r.cleanups, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		})
	}
	return r, nil
}

// openOutput opens path for appending. The coordinator empties it when a
// run starts from the first unit.
func openOutput(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create output dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, outputPerm)
	if err != nil {
		return nil, fmt.Errorf("failed to open output %s: %w", path, err)
	}
	return f, nil
}

// defaultOutput places the aggregated text next to the document.
func defaultOutput(docPath, dir string) string {
	base := strings.TrimSuffix(filepath.Base(docPath), filepath.Ext(docPath)) + ".txt"
	if dir == "" {
		dir = filepath.Dir(docPath)
	}
	return filepath.Join(dir, base)
}

// progressBars renders one mpb bar per document.
type progressBars struct {
	progress *mpb.Progress
	mu       sync.Mutex
	bars     map[string]*mpb.Bar
}

func newProgressBars(w io.Writer) *progressBars {
	return &progressBars{
		progress: mpb.New(mpb.WithOutput(w), mpb.WithWidth(progressWidth)),
		bars:     make(map[string]*mpb.Bar),
	}
}

// Update is a services.ProgressFunc.
func (p *progressBars) Update(path string, done, total int) {
	p.mu.Lock()
	bar, ok := p.bars[path]
	if !ok {
		bar = p.progress.AddBar(int64(total),
			mpb.PrependDecorators(
				decor.Name(filepath.Base(path)+" ", decor.WCSyncSpaceR),
				decor.CountersNoUnit("%d / %d", decor.WCSyncSpace),
			),
			mpb.AppendDecorators(
				decor.Percentage(decor.WCSyncSpace),
				decor.OnComplete(decor.AverageETA(decor.ET_STYLE_GO), "done"),
			),
		)
		p.bars[path] = bar
	}
	p.mu.Unlock()
	bar.SetCurrent(int64(done))
}

// Finish aborts unfinished bars and waits for rendering to stop.
func (p *progressBars) Finish() {
	p.mu.Lock()
	for _, bar := range p.bars {
		if !bar.Completed() {
			bar.Abort(false)
		}
	}
	p.mu.Unlock()
	p.progress.Wait()
}

// printSummary writes a human-readable run summary.
func printSummary(w io.Writer, result *models.ProcessingResult) {
	status := "completed"
	switch {
	case result.Cancelled:
		status = "cancelled"
	case !result.Success:
		status = "failed"
	case len(result.FailedUnits) > 0:
		status = "completed with skipped units"
	}
	fmt.Fprintf(w, "%s: %s\n", result.Path, status)
	if result.Plan != nil {
		fmt.Fprintf(w, "  strategy      %s (chunk %d, %s per unit)\n",
			result.Plan.Strategy, result.Plan.ChunkSize, humanize.IBytes(uint64(result.Plan.PerUnitSizeEstimate)))
	}
	if result.ResumedFrom > 0 {
		fmt.Fprintf(w, "  resumed from  unit %d\n", result.ResumedFrom)
	}
	fmt.Fprintf(w, "  units         %d processed, %d skipped\n", len(result.Outcomes), len(result.FailedUnits))
	for _, tier := range models.Tiers {
		fmt.Fprintf(w, "  %-13s %d (%.1f%%)\n", strings.ToLower(string(tier)), result.TierCounts[tier], 100*result.TierRatios[tier])
	}
	fmt.Fprintf(w, "  peak memory   %s accounted", humanize.IBytes(uint64(result.PeakMemoryBytes)))
	if result.Metrics.PeakRSSBytes > 0 {
		fmt.Fprintf(w, ", %s rss", humanize.IBytes(result.Metrics.PeakRSSBytes))
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  elapsed       %s\n", result.Elapsed.Round(time.Millisecond))
	if result.EscalationAdvisory {
		fmt.Fprintf(w, "  advisory      %.1f%% of units needed a fallback tier\n", 100*result.EscalationRatio)
	}
	if result.Error != "" {
		fmt.Fprintf(w, "  error         %s\n", result.Error)
	}
}
