// Package cmd implements the descargar-datos command line interface.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/luisjaime-estudio/descargar-datos/internal/observability"
)

var rootCmd = &cobra.Command{
	Use:   "descargar-datos",
	Short: "Mirror and reconcile decadal prediction data from ESGF",
	Long: `descargar-datos maintains a local mirror of CMIP6 decadal prediction
output. It discovers ensemble members, fetches files from ESGF, organizes
them into a curated layout, audits what is on disk, detects coverage gaps,
and backfills them.

Run the whole pipeline from a manifest:
  descargar-datos pipeline --job run.yaml

Or invoke a single stage:
  descargar-datos detect-gaps --job run.yaml`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		observability.Init(logLevel())
	},
}

var (
	flagConfig  string
	flagVerbose bool
	flagDryRun  bool
)

// versionInfo is populated at build time through SetVersionInfo.
var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata for the version command.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file (default: ./descargar-datos.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&flagDryRun, "dry-run", false, "Journal planned actions without downloading or moving files")

	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	if flagConfig != "" {
		viper.SetConfigFile(flagConfig)
	} else {
		viper.SetConfigName("descargar-datos")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("DESCARGAR")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err == nil {
		observability.CLILogger.Debug("Loaded config file", zap.String("path", viper.ConfigFileUsed()))
	}
}

// setDefaults registers viper defaults for everything configurable outside
// the run manifest.
func setDefaults() {
	viper.SetDefault("archive.search_url", "https://esgf-node.llnl.gov/esg-search/search")
	viper.SetDefault("archive.timeout_seconds", 60)
	viper.SetDefault("archive.page_size", 500)

	viper.SetDefault("fetch.concurrency", 4)
	viper.SetDefault("fetch.rate_limit", 0.0)

	viper.SetDefault("logging.level", "info")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("descargar-datos %s (commit %s, built %s)\n",
			versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate)
	},
}

// Execute runs the root command.
func Execute() {
	defer observability.Sync()
	if err := rootCmd.Execute(); err != nil {
		observability.CLILogger.Error("Command failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
