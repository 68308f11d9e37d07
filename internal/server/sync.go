package server

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/f-sync/blocksync/internal/pipeline"
	"github.com/f-sync/blocksync/internal/reconcile"
)

const (
	errMessageSyncInProgress = "sync already in progress"
	errMessageMissingRunner  = "sync runner is required"
	logMessageSyncStarted    = "sync task started"
	logMessageSyncFinished   = "sync task finished"
	logMessageSyncFailed     = "sync task failed"
	logFieldTaskID           = "task_id"
	logFieldRunningTaskID    = "running_task_id"
)

var (
	// ErrSyncInProgress indicates that a sync was requested while another is running.
	ErrSyncInProgress = errors.New(errMessageSyncInProgress)

	// ErrMissingRunner indicates that no sync runner was configured.
	ErrMissingRunner = errors.New(errMessageMissingRunner)
)

// SyncRunner executes one reconciliation run.
type SyncRunner interface {
	Run(ctx context.Context, options pipeline.Options) (pipeline.Result, error)
}

// SyncServiceConfig configures a SyncService.
type SyncServiceConfig struct {
	Runner SyncRunner
	Logger *zap.Logger
	// BaseContext parents every background run; cancelling it stops running syncs.
	BaseContext context.Context
	NewTaskID   func() string
	Now         func() time.Time
	// TaskHistory bounds how many finished tasks stay queryable. Defaults to 50.
	TaskHistory int
}

// SyncService starts background sync runs, one at a time, and tracks their progress.
type SyncService struct {
	runner      SyncRunner
	logger      *zap.Logger
	baseContext context.Context
	newTaskID   func() string
	tracker     *syncTracker
}

// NewSyncService validates configuration and fills defaults.
func NewSyncService(configuration SyncServiceConfig) (*SyncService, error) {
	if configuration.Runner == nil {
		return nil, ErrMissingRunner
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	baseContext := configuration.BaseContext
	if baseContext == nil {
		baseContext = context.Background()
	}
	newTaskID := configuration.NewTaskID
	if newTaskID == nil {
		newTaskID = uuid.NewString
	}
	now := configuration.Now
	if now == nil {
		now = time.Now
	}
	return &SyncService{
		runner:      configuration.Runner,
		logger:      logger,
		baseContext: baseContext,
		newTaskID:   newTaskID,
		tracker:     newSyncTracker(configuration.TaskHistory, now),
	}, nil
}

// Start launches a sync in the background. It returns ErrSyncInProgress together with
// the running task when one is already active.
func (service *SyncService) Start() (TaskSnapshot, error) {
	taskIdentifier := service.newTaskID()
	snapshot, started := service.tracker.StartTask(taskIdentifier)
	if !started {
		service.logger.Info(errMessageSyncInProgress, zap.String(logFieldRunningTaskID, snapshot.Identifier))
		return snapshot, ErrSyncInProgress
	}

	service.logger.Info(logMessageSyncStarted, zap.String(logFieldTaskID, taskIdentifier))
	go service.run(taskIdentifier)
	return snapshot, nil
}

// Task returns the state of a started task.
func (service *SyncService) Task(taskIdentifier string) (TaskSnapshot, bool) {
	return service.tracker.TaskSnapshot(taskIdentifier)
}

// Preview computes the current plan without applying it.
func (service *SyncService) Preview(ctx context.Context) (pipeline.Result, error) {
	return service.runner.Run(ctx, pipeline.Options{DryRun: true})
}

func (service *SyncService) run(taskIdentifier string) {
	_, runErr := service.runner.Run(service.baseContext, pipeline.Options{
		RunID:    taskIdentifier,
		OnPlan:   func(plan reconcile.Plan) { service.tracker.RecordPlan(taskIdentifier, plan) },
		Observer: func(outcome reconcile.Outcome) { service.tracker.RecordOutcome(taskIdentifier, outcome) },
	})
	service.tracker.CompleteTask(taskIdentifier, runErr)
	if runErr != nil {
		service.logger.Warn(logMessageSyncFailed, zap.String(logFieldTaskID, taskIdentifier), zap.Error(runErr))
		return
	}
	service.logger.Info(logMessageSyncFinished, zap.String(logFieldTaskID, taskIdentifier))
}
