package commands

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Lllllllleong/docstream/internal/pdf"
	"github.com/Lllllllleong/docstream/internal/services"
)

type batchCommand struct {
	global     *GlobalOptions
	outputDir  string
	workers    int
	noProgress bool
}

// NewBatchCommand creates the batch command.
func NewBatchCommand(global *GlobalOptions) *cobra.Command {
	bc := &batchCommand{global: global}
	cmd := &cobra.Command{
		Use:   "batch <document>...",
		Short: "Process several documents concurrently",
		Long: `Process independent documents with a bounded number of workers. The memory
budget is divided evenly between workers.`,
		Args: cobra.MinimumNArgs(1),
		RunE: bc.run,
	}
	cmd.Flags().StringVar(&bc.outputDir, "output-dir", "", "directory for aggregated text files (default next to each document)")
	cmd.Flags().IntVarP(&bc.workers, "workers", "w", 0, "concurrent documents (default batch.workers)")
	cmd.Flags().BoolVar(&bc.noProgress, "no-progress", false, "disable progress bars")
	return cmd
}

func (bc *batchCommand) run(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, bc.global, true)
	if err != nil {
		return err
	}
	defer rt.close()
	if bc.workers > 0 {
		rt.cfg.Batch.Workers = bc.workers
	}

	opts := rt.opts
	var bars *progressBars
	if !bc.noProgress {
		bars = newProgressBars(cmd.ErrOrStderr())
		opts = append(opts, services.WithProgress(bars.Update))
	}
	outputs := func(path string) (io.WriteCloser, error) {
		return openOutput(defaultOutput(path, bc.outputDir))
	}

	results := services.NewBatchRunner(rt.cfg, pdf.NewOpener(rt.cfg.Password), outputs, opts...).Run(ctx, args)
	if bars != nil {
		bars.Finish()
	}

	failed := 0
	for _, result := range results {
		printSummary(cmd.OutOrStdout(), result)
		if !result.Success {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d documents", ErrRunIncomplete, failed, len(results))
	}
	return nil
}
