// Package cli is the shared entry point of the six stage binaries. It turns
// flags and the INI configuration into a wired stage service, runs one batch
// and maps fatal startup problems to a non-zero exit code.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Lllllllleong/surveyflow/internal/aoi"
	"github.com/Lllllllleong/surveyflow/internal/config"
	"github.com/Lllllllleong/surveyflow/internal/gcp"
	"github.com/Lllllllleong/surveyflow/internal/gdal"
	"github.com/Lllllllleong/surveyflow/internal/ledger"
	"github.com/Lllllllleong/surveyflow/internal/logging"
	"github.com/Lllllllleong/surveyflow/internal/metrics"
	"github.com/Lllllllleong/surveyflow/internal/models"
	"github.com/Lllllllleong/surveyflow/internal/publish"
	"github.com/Lllllllleong/surveyflow/internal/services"
	"github.com/Lllllllleong/surveyflow/internal/toolrun"
)

type ExitCode int

const (
	exitCodeSuccess = 0
	exitCodeError   = 1
)

// defaultConfigPath is relative to the working directory.
const defaultConfigPath = "config/config.ini"

type flags struct {
	configPath string
	root       string
	verbose    bool
	force      bool
}

// Run executes stage with the process arguments.
func Run(stage Stage) ExitCode {
	return execute(stage, os.Args[1:])
}

func execute(stage Stage, args []string) ExitCode {
	var f flags
	rootCmd := &cobra.Command{
		Use:          stage.Use,
		Short:        stage.Short,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runStage(ctx, stage, f)
		},
	}
	rootCmd.SetArgs(args)

	rootCmd.PersistentFlags().StringVarP(&f.configPath, "config", "c", defaultConfigPath, "path to the INI configuration file")
	rootCmd.PersistentFlags().StringVar(&f.root, "root", "", "project root for relative paths (default: derived from the config location)")
	rootCmd.PersistentFlags().BoolVarP(&f.verbose, "verbose", "v", false, "set debug logging level")
	if stage.Pipeline == services.PipelineText {
		rootCmd.PersistentFlags().BoolVar(&f.force, "force", false, "reprocess items even when their outputs exist")
	}

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		return exitCodeError
	}
	return exitCodeSuccess
}

// runStage bootstraps the collaborators, runs one batch and hands the report
// to metrics and the workflow. Only errors before the batch starts, or a
// cancelled batch, are returned.
func runStage(ctx context.Context, stage Stage, f flags) error {
	// --- 1. Configuration ---
	cfg, err := config.Load(f.configPath, f.root)
	if err != nil {
		return err
	}
	common := cfg.LoadCommon()
	settings, err := stage.load(cfg, f.force)
	if err != nil {
		return err
	}

	// --- 2. Logging ---
	logger, closeLog, err := logging.New(logging.Options{
		Dir:     common.LogDir,
		File:    settings.logFile(),
		Verbose: f.verbose,
	})
	if err != nil {
		return err
	}
	defer closeLog()
	logger.Info("Starting stage.", "pipeline", stage.Pipeline, "stage", stage.Stage,
		"config", cfg.Path, "root", cfg.Root)

	fail := func(message string, err error) error {
		logger.Error(message, "error", err)
		return err
	}

	// --- 3. Ledger and publisher ---
	led, err := ledger.Open(ctx, ledger.Options{
		Kind:       common.Ledger.Kind,
		Path:       common.Ledger.Path,
		GCPProject: common.Ledger.GCPProject,
		Collection: common.Ledger.Collection,
	})
	if err != nil {
		return fail("Failed to open ledger.", err)
	}
	defer led.Close()

	pub, err := publish.Open(ctx, logger, publish.Options{
		Target:     common.PublishTarget,
		Base:       common.Root,
		S3Endpoint: common.S3Endpoint,
		S3Region:   common.S3Region,
	})
	if err != nil {
		return fail("Failed to open publisher.", err)
	}
	defer pub.Close()

	runner := toolrun.NewExec(logger)
	deps := services.Deps{Logger: logger, Ledger: led, Publisher: pub, Runner: runner}

	// --- 4. Area of interest ---
	var area *aoi.AOI
	if stage.needsAOI() {
		area, err = aoi.Load(ctx, logger, aoi.Options{
			GeoJSONPath: common.AOIGeoJSONPath,
			BBox:        common.AOIBBox,
			ScratchDir:  common.ProcessedBase,
			Reprojector: gdal.New(runner),
		})
		if err != nil {
			return fail("Failed to load area of interest.", err)
		}
	}

	// --- 5. Batch ---
	svc, err := settings.service(deps, area)
	if err != nil {
		return fail("Invalid configuration for stage.", err)
	}
	report, err := svc.Process(ctx)
	if report == nil {
		if err == nil {
			err = errors.New("stage returned no report")
		}
		return fail("Stage aborted before processing items.", err)
	}
	afterBatch(ctx, logger, common, report)
	if err != nil {
		return fail("Stage interrupted.", err)
	}
	if joined := report.Err(); joined != nil {
		logger.Debug("Item errors.", "errors", joined)
	}
	return nil
}

// afterBatch publishes metrics and starts the follow-up workflow. Neither
// changes the outcome of the batch.
func afterBatch(ctx context.Context, logger *slog.Logger, common config.Common, report *models.BatchReport) {
	m := metrics.New()
	m.Observe(report)
	if common.MetricsPushgateway != "" {
		if err := m.Push(ctx, common.MetricsPushgateway, report.Pipeline, report.Stage); err != nil {
			logger.Warn("Failed to push metrics.", "error", err)
		}
	}

	if common.WorkflowID == "" || report.Stage != services.StagePreprocess {
		return
	}
	notifier, closeNotifier, err := gcp.NewWorkflowNotifier(ctx, logger, gcp.WorkflowConfig{
		ProjectID:  common.Ledger.GCPProject,
		Location:   common.WorkflowLocation,
		WorkflowID: common.WorkflowID,
	})
	if err != nil {
		logger.Warn("Failed to create workflow notifier.", "error", err)
		return
	}
	defer closeNotifier()
	if err := notifier.Notify(ctx, report); err != nil {
		logger.Warn("Failed to hand off batch report.", "error", fmt.Errorf("workflow %s: %w", common.WorkflowID, err))
	}
}
