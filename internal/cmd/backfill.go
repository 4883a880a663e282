package cmd

import (
	"github.com/spf13/cobra"

	"github.com/luisjaime-estudio/descargar-datos/pkg/runmanifest"
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Fetch detected gaps and fold them into the output layout",
	Long: `Run gap detection, then fetch the missing identity-ranges and move
the downloads into the curated layout. A final audit reports how much of
the target is still missing.

Example:
  descargar-datos backfill --job run.yaml
  descargar-datos backfill --job run.yaml --dry-run`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStages(cmd.Context(), backfillJobPath,
			runmanifest.StageExplore,
			runmanifest.StageAudit,
			runmanifest.StageDetectGaps,
			runmanifest.StageBackfill,
			runmanifest.StageAuditFinal)
	},
}

var backfillJobPath string

func init() {
	rootCmd.AddCommand(backfillCmd)
	backfillCmd.Flags().StringVarP(&backfillJobPath, "job", "j", "", "Path to run manifest (required)")
	_ = backfillCmd.MarkFlagRequired("job")
}
