package cmd

import (
	"github.com/spf13/cobra"

	"github.com/luisjaime-estudio/descargar-datos/pkg/runmanifest"
)

var exploreCmd = &cobra.Command{
	Use:   "explore",
	Short: "Discover ensemble members for the tracked models",
	Long: `Query the archive for the ensemble members each tracked model
currently publishes and log the snapshot.

Example:
  descargar-datos explore --job run.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStages(cmd.Context(), exploreJobPath, runmanifest.StageExplore)
	},
}

var exploreJobPath string

func init() {
	rootCmd.AddCommand(exploreCmd)
	exploreCmd.Flags().StringVarP(&exploreJobPath, "job", "j", "", "Path to run manifest (required)")
	_ = exploreCmd.MarkFlagRequired("job")
}
