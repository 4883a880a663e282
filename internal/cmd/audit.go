package cmd

import (
	"github.com/spf13/cobra"

	"github.com/luisjaime-estudio/descargar-datos/pkg/runmanifest"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Scan the output tree and report integrity statistics",
	Long: `Walk the output tree, validate every file's format, and report
per-member size statistics, overlap conflicts, and parse failures.

Example:
  descargar-datos audit --job run.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStages(cmd.Context(), auditJobPath, runmanifest.StageAudit)
	},
}

var detectGapsCmd = &cobra.Command{
	Use:   "detect-gaps",
	Short: "Compare expected coverage against disk and write the gap report",
	Long: `Discover members, scan the output tree, compute the difference
between expected and present coverage, and write the gap report CSV.

Example:
  descargar-datos detect-gaps --job run.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStages(cmd.Context(), detectGapsJobPath,
			runmanifest.StageExplore, runmanifest.StageAudit, runmanifest.StageDetectGaps)
	},
}

var (
	auditJobPath      string
	detectGapsJobPath string
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.Flags().StringVarP(&auditJobPath, "job", "j", "", "Path to run manifest (required)")
	_ = auditCmd.MarkFlagRequired("job")

	rootCmd.AddCommand(detectGapsCmd)
	detectGapsCmd.Flags().StringVarP(&detectGapsJobPath, "job", "j", "", "Path to run manifest (required)")
	_ = detectGapsCmd.MarkFlagRequired("job")
}
