package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Lllllllleong/docstream/internal/models"
	"github.com/Lllllllleong/docstream/internal/pdf"
	"github.com/Lllllllleong/docstream/internal/services"
)

// streamLine is one JSON line of the stream command.
type streamLine struct {
	Index    int         `json:"index"`
	Tier     models.Tier `json:"tier,omitempty"`
	Failed   bool        `json:"failed,omitempty"`
	Reason   string      `json:"reason,omitempty"`
	Text     string      `json:"text,omitempty"`
	Tables   int         `json:"tables,omitempty"`
	Images   int         `json:"images,omitempty"`
	Metadata any         `json:"metadata,omitempty"`
}

// NewStreamCommand creates the stream command.
func NewStreamCommand(global *GlobalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stream <document>",
		Short: "Print each unit as a JSON line as it is extracted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := newRuntime(ctx, global, false)
			if err != nil {
				return err
			}
			defer rt.close()

			stream, err := services.NewCoordinator(rt.cfg, pdf.NewOpener(rt.cfg.Password), rt.opts...).Stream(ctx, args[0])
			if err != nil {
				return err
			}
			defer stream.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			for {
				unit, err := stream.Next(ctx)
				if errors.Is(err, io.EOF) {
					return nil
				}
				if err != nil {
					return fmt.Errorf("stream stopped after unit %d: %w", stream.Metrics().UnitsProcessed-1, err)
				}
				if err := enc.Encode(lineFor(unit)); err != nil {
					return fmt.Errorf("failed to write unit %d: %w", unit.Index, err)
				}
			}
		},
	}
}

func lineFor(unit *models.Unit) streamLine {
	line := streamLine{
		Index:  unit.Index,
		Tier:   unit.Outcome.TierUsed,
		Failed: unit.Failed(),
		Reason: unit.Outcome.Reason,
	}
	if unit.Err != nil {
		line.Reason = unit.Err.Error()
	}
	if unit.Extracted != nil {
		line.Text = unit.Extracted.Text
		line.Tables = len(unit.Extracted.Tables)
		line.Images = len(unit.Extracted.Images)
		if len(unit.Extracted.Metadata) > 0 {
			line.Metadata = unit.Extracted.Metadata
		}
	}
	return line
}
