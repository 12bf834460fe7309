package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Lllllllleong/docstream/internal/pdf"
	"github.com/Lllllllleong/docstream/internal/services"
)

type runCommand struct {
	global     *GlobalOptions
	output     string
	noProgress bool
	jsonResult bool
}

// NewRunCommand creates the run command.
func NewRunCommand(global *GlobalOptions) *cobra.Command {
	rc := &runCommand{global: global}
	cmd := &cobra.Command{
		Use:   "run <document>",
		Short: "Process one document end to end",
		Long: `Assess the document, select a strategy for the memory budget, extract every
unit with tiered fallback and write the aggregated text. Interrupting the run
saves a checkpoint; running again resumes after the last completed unit.`,
		Args: cobra.ExactArgs(1),
		RunE: rc.run,
	}
	cmd.Flags().StringVarP(&rc.output, "output", "o", "", "aggregated text output (default <document>.txt)")
	cmd.Flags().BoolVar(&rc.noProgress, "no-progress", false, "disable the progress bar")
	cmd.Flags().BoolVar(&rc.jsonResult, "json", false, "print the full result as JSON")
	return cmd
}

func (rc *runCommand) run(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	path := args[0]
	rt, err := newRuntime(ctx, rc.global, true)
	if err != nil {
		return err
	}
	defer rt.close()

	outputPath := rc.output
	if outputPath == "" {
		outputPath = defaultOutput(path, "")
	}
	out, err := openOutput(outputPath)
	if err != nil {
		return err
	}
	defer out.Close()

	opts := append(rt.opts, services.WithOutput(out))
	var bars *progressBars
	if !rc.noProgress {
		bars = newProgressBars(cmd.ErrOrStderr())
		opts = append(opts, services.WithProgress(bars.Update))
	}

	result := services.NewCoordinator(rt.cfg, pdf.NewOpener(rt.cfg.Password), opts...).Run(ctx, path)
	if bars != nil {
		bars.Finish()
	}

	if rc.jsonResult {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
	} else {
		printSummary(cmd.OutOrStdout(), result)
		fmt.Fprintf(cmd.OutOrStdout(), "  output        %s\n", outputPath)
	}
	if !result.Success {
		return fmt.Errorf("%w: %s", ErrRunIncomplete, resultReason(ctx, result.Error))
	}
	return nil
}

func resultReason(ctx context.Context, reason string) string {
	if reason == "" && ctx.Err() != nil {
		return "interrupted"
	}
	return reason
}
