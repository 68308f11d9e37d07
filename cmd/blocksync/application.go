package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/f-sync/blocksync/internal/config"
	"github.com/f-sync/blocksync/internal/logging"
	"github.com/f-sync/blocksync/internal/pipeline"
	"github.com/f-sync/blocksync/internal/report"
)

const (
	errMessageLoggerCreate = "create logger"
	errMessageRunnerCreate = "create sync runner"
	errMessageRender       = "render report"
)

// SyncRunner executes one reconciliation run.
type SyncRunner interface {
	Run(ctx context.Context, options pipeline.Options) (pipeline.Result, error)
}

type SyncDependencies struct {
	BuildLogger func(logging.Config) (*zap.Logger, error)
	BuildRunner func(config.Config, *zap.Logger) (SyncRunner, error)
	Stdout      io.Writer
	Stderr      io.Writer
	// PlainOutput disables report colors.
	PlainOutput bool
}

type SyncApplication struct {
	dependencies SyncDependencies
}

func NewSyncApplication() SyncApplication {
	return NewSyncApplicationWithDependencies(newDefaultSyncDependencies())
}

func NewSyncApplicationWithDependencies(dependencies SyncDependencies) SyncApplication {
	defaultDependencies := newDefaultSyncDependencies()

	if dependencies.BuildLogger == nil {
		dependencies.BuildLogger = defaultDependencies.BuildLogger
	}
	if dependencies.BuildRunner == nil {
		dependencies.BuildRunner = defaultDependencies.BuildRunner
	}
	if dependencies.Stdout == nil {
		dependencies.Stdout = defaultDependencies.Stdout
	}
	if dependencies.Stderr == nil {
		dependencies.Stderr = defaultDependencies.Stderr
	}

	return SyncApplication{dependencies: dependencies}
}

// Run performs one sync, or one preview when configuration.DryRun is set, and renders the
// report. Fatal errors are returned without a report.
func (application SyncApplication) Run(executionContext context.Context, configuration config.Config) error {
	logger, loggerErr := application.dependencies.BuildLogger(configuration.Log)
	if loggerErr != nil {
		return fmt.Errorf("%s: %w", errMessageLoggerCreate, loggerErr)
	}
	defer func() {
		_ = logger.Sync()
	}()

	runner, runnerErr := application.dependencies.BuildRunner(configuration, logger)
	if runnerErr != nil {
		return fmt.Errorf("%s: %w", errMessageRunnerCreate, runnerErr)
	}

	result, runErr := runner.Run(executionContext, pipeline.Options{DryRun: configuration.DryRun})
	if runErr != nil && !errors.Is(runErr, pipeline.ErrActionsFailed) {
		return runErr
	}

	summary := report.Summary{
		RunID:    result.RunID,
		DryRun:   result.DryRun,
		Snapshot: result.Snapshot,
		Analysis: result.Analysis,
		Plan:     result.Plan,
		Report:   result.Report,
	}
	stdoutRenderer := report.NewRenderer(report.Config{Writer: application.dependencies.Stdout, Plain: application.dependencies.PlainOutput})
	if renderErr := stdoutRenderer.Render(summary); renderErr != nil {
		return fmt.Errorf("%s: %w", errMessageRender, renderErr)
	}
	stderrRenderer := report.NewRenderer(report.Config{Writer: application.dependencies.Stderr, Plain: application.dependencies.PlainOutput})
	if failures := stderrRenderer.FormatFailures(result.Report); failures != "" {
		fmt.Fprint(application.dependencies.Stderr, failures)
	}
	return runErr
}

func newDefaultSyncDependencies() SyncDependencies {
	return SyncDependencies{
		BuildLogger: logging.New,
		BuildRunner: func(configuration config.Config, logger *zap.Logger) (SyncRunner, error) {
			return pipeline.NewBlueskyRunner(configuration, logger)
		},
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
}
