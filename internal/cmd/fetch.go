package cmd

import (
	"github.com/spf13/cobra"

	"github.com/luisjaime-estudio/descargar-datos/pkg/runmanifest"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch the full requested range for every tracked member",
	Long: `Discover members, then plan and execute fetch tasks covering the
manifest's whole year range. Tasks already requested this run are not
re-issued.

Example:
  descargar-datos fetch --job run.yaml
  descargar-datos fetch --job run.yaml --dry-run`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStages(cmd.Context(), fetchJobPath, runmanifest.StageExplore, runmanifest.StageFetch)
	},
}

var fetchJobPath string

func init() {
	rootCmd.AddCommand(fetchCmd)
	fetchCmd.Flags().StringVarP(&fetchJobPath, "job", "j", "", "Path to run manifest (required)")
	_ = fetchCmd.MarkFlagRequired("job")
}
