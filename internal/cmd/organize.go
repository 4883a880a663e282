package cmd

import (
	"github.com/spf13/cobra"

	"github.com/luisjaime-estudio/descargar-datos/pkg/runmanifest"
)

var reorganizeCmd = &cobra.Command{
	Use:   "reorganize",
	Short: "Move downloaded files into the curated output layout",
	Long: `Relocate files from the download cache into
<output_root>/<model>/<variant>/<sYYYY>/. Files already in place are
skipped, so re-running after a crash is safe.

Example:
  descargar-datos reorganize --job run.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStages(cmd.Context(), reorganizeJobPath, runmanifest.StageReorganize)
	},
}

var cleanFxCmd = &cobra.Command{
	Use:   "clean-fx",
	Short: "Remove fixed-field auxiliary data from the output tree",
	Long: `Delete fx directories and *_fx_* files from the output tree. These
hold grid metadata, not temporal coverage.

Example:
  descargar-datos clean-fx --job run.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStages(cmd.Context(), cleanFxJobPath, runmanifest.StageCleanFx)
	},
}

var (
	reorganizeJobPath string
	cleanFxJobPath    string
)

func init() {
	rootCmd.AddCommand(reorganizeCmd)
	reorganizeCmd.Flags().StringVarP(&reorganizeJobPath, "job", "j", "", "Path to run manifest (required)")
	_ = reorganizeCmd.MarkFlagRequired("job")

	rootCmd.AddCommand(cleanFxCmd)
	cleanFxCmd.Flags().StringVarP(&cleanFxJobPath, "job", "j", "", "Path to run manifest (required)")
	_ = cleanFxCmd.MarkFlagRequired("job")
}
