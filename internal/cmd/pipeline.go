package cmd

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luisjaime-estudio/descargar-datos/internal/observability"
	"github.com/luisjaime-estudio/descargar-datos/pkg/archive/esgf"
	"github.com/luisjaime-estudio/descargar-datos/pkg/inspect"
	"github.com/luisjaime-estudio/descargar-datos/pkg/inventory"
	"github.com/luisjaime-estudio/descargar-datos/pkg/ledger"
	"github.com/luisjaime-estudio/descargar-datos/pkg/pipeline"
	"github.com/luisjaime-estudio/descargar-datos/pkg/report"
	"github.com/luisjaime-estudio/descargar-datos/pkg/runmanifest"
)

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Run the full mirror pipeline from a manifest",
	Long: `Run every enabled stage in order: explore, fetch, reorganize, clean-fx,
audit, detect-gaps, backfill, audit-final.

Example:
  descargar-datos pipeline --job run.yaml
  descargar-datos pipeline --job run.yaml --dry-run`,
	RunE: runPipeline,
}

var pipelineJobPath string

func init() {
	rootCmd.AddCommand(pipelineCmd)
	pipelineCmd.Flags().StringVarP(&pipelineJobPath, "job", "j", "", "Path to run manifest (required)")
	_ = pipelineCmd.MarkFlagRequired("job")
}

func runPipeline(cmd *cobra.Command, args []string) error {
	return runStages(cmd.Context(), pipelineJobPath, runmanifest.StageOrder...)
}

// loadJob loads the run manifest and applies command-line overrides.
func loadJob(path string) (*runmanifest.Manifest, error) {
	m, err := runmanifest.Load(path)
	if err != nil {
		observability.CLILogger.Error("Failed to load run manifest",
			zap.String("path", path),
			zap.Error(err))
		return nil, err
	}
	if flagDryRun {
		m.DryRun = true
	}
	return m, nil
}

// buildRunContext wires the collaborators one run needs. Archive and fetch
// settings the manifest omits fall back to the viper configuration. The
// returned cleanup closes the task registry.
func buildRunContext(ctx context.Context, m *runmanifest.Manifest) (*pipeline.RunContext, func(), error) {
	applyFetchDefaults(m)
	client := esgf.New(resolveArchiveConfig(m), observability.CLILogger)

	registry, err := ledger.OpenTaskRegistry(ctx, m.Paths.RegistryPath)
	if err != nil {
		return nil, nil, err
	}

	rc := &pipeline.RunContext{
		RunID:    uuid.New().String(),
		Manifest: m,
		Logger:   observability.CLILogger,
		Archive:  client,
		Registry: registry,
		Scanner:  inventory.NewScanner(&inspect.FormatInspector{}, inventory.DefaultConfig(), observability.CLILogger),
	}
	cleanup := func() { _ = registry.Close() }
	return rc, cleanup, nil
}

// runStages executes the named subset of the standard stages in pipeline
// order and writes the consolidated execution report.
func runStages(ctx context.Context, jobPath string, names ...string) error {
	m, err := loadJob(jobPath)
	if err != nil {
		return err
	}

	rc, cleanup, err := buildRunContext(ctx, m)
	if err != nil {
		return err
	}
	defer cleanup()

	led, err := ledger.Open(m.Paths.LedgerPath, rc.RunID)
	if err != nil {
		return err
	}
	defer func() { _ = led.Close() }()

	wanted := make(map[string]struct{}, len(names))
	for _, n := range names {
		wanted[n] = struct{}{}
	}
	var stages []pipeline.Stage
	for _, s := range pipeline.StandardStages() {
		if _, ok := wanted[s.Name]; ok {
			stages = append(stages, s)
		}
	}

	runner := pipeline.NewRunner(stages, led, observability.CLILogger)
	res, err := runner.Run(ctx, rc)
	if err != nil {
		return err
	}

	if reportErr := report.WriteExecutionReport(m.Paths.ExecutionReport, res.Results); reportErr != nil {
		observability.CLILogger.Error("Failed to write execution report", zap.Error(reportErr))
	}

	printRunSummary(res)

	if res.State == ledger.RunAborted {
		return fmt.Errorf("run %s aborted after %d stages", res.RunID, res.Summary.Total)
	}
	return nil
}

func printRunSummary(res pipeline.RunReport) {
	fmt.Printf("Run %s: %s\n", res.RunID, res.State)
	for _, r := range res.Results {
		line := fmt.Sprintf("  %-12s %s", r.Stage, r.Status)
		if r.Detail != "" {
			line += "  " + r.Detail
		}
		if r.Error != "" {
			line += "  " + r.Error
		}
		fmt.Println(line)
	}
	fmt.Printf("Stages: %d total, %d succeeded, %d partial, %d failed, %d skipped\n",
		res.Summary.Total, res.Summary.Succeeded, res.Summary.Partial,
		res.Summary.Failed, res.Summary.Skipped)
}
