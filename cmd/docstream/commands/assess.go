package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Lllllllleong/docstream/internal/config"
	"github.com/Lllllllleong/docstream/internal/models"
	"github.com/Lllllllleong/docstream/internal/pdf"
	"github.com/Lllllllleong/docstream/internal/services"
)

// NewAssessCommand creates the assess command.
func NewAssessCommand(global *GlobalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "assess <document>",
		Short: "Print the profile and processing plan of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(global.ConfigPath)
			if err != nil {
				return err
			}
			profile, err := services.NewAssessor(pdf.NewOpener(cfg.Password), nil).Assess(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			plan := services.SelectStrategy(profile, cfg.MaxMemoryBytes, services.SelectOptions{
				ChunkSizeOverride: cfg.ChunkSizeOverride,
				DisableEscalation: !cfg.EscalationEnabled,
			})

			status := "success"
			if plan.Strategy == models.StrategyAbort {
				status = "abort"
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(models.AssessDocumentResponse{Status: status, Profile: profile, Plan: plan}); err != nil {
				return fmt.Errorf("failed to encode assessment: %w", err)
			}
			return nil
		},
	}
}
