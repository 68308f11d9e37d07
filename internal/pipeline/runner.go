// Package pipeline runs one full synchronization: authenticate, fetch, reconcile, apply.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/f-sync/blocksync/internal/gateway"
	"github.com/f-sync/blocksync/internal/graph"
	"github.com/f-sync/blocksync/internal/reconcile"
)

const (
	errMessageMissingGateway   = "pipeline requires an account gateway"
	errMessageActionsFailed    = "one or more actions failed"
	errMessageAuthenticate     = "authenticate accounts"
	errMessageFetchSnapshot    = "fetch snapshot"
	logMessageRunStarted       = "sync run started"
	logMessageAuthenticated    = "account authenticated"
	logMessageSnapshotFetched  = "snapshot fetched"
	logMessageFollowConflict   = "followed by both accounts, secondary will unfollow"
	logMessageBlockConflict    = "blocked by both accounts, primary will unblock"
	logMessagePlanComputed     = "plan computed"
	logMessageNothingToDo      = "nothing to do, accounts are already mutually exclusive"
	logMessageDryRun           = "dry run, no actions applied"
	logMessageActionSucceeded  = "action applied"
	logMessageActionFailed     = "action failed"
	logMessageRunCompleted     = "sync complete"
	logMessageRunFailed        = "sync run failed"
	logFieldRunID              = "run_id"
	logFieldRole               = "role"
	logFieldActor              = "actor"
	logFieldHandle             = "handle"
	logFieldAction             = "action"
	logFieldPlanned            = "planned"
	logFieldSucceeded          = "succeeded"
	logFieldFailed             = "failed"
	logFieldDryRun             = "dry_run"
	logFieldDuration           = "duration"
	logFieldFollowsPrimary     = "follows_primary"
	logFieldFollowsSecondary   = "follows_secondary"
	logFieldBlocksPrimary      = "blocks_primary"
	logFieldBlocksSecondary    = "blocks_secondary"
	logFieldUnfollowsSecondary = "unfollows_secondary"
	logFieldBlocksToAddB       = "blocks_secondary_planned"
	logFieldBlocksToAddA       = "blocks_primary_planned"
	logFieldUnblocksPrimary    = "unblocks_primary"
)

var (
	// ErrMissingGateway indicates a Runner built without a gateway.
	ErrMissingGateway = errors.New(errMessageMissingGateway)

	// ErrActionsFailed is returned alongside a complete Result when some actions failed.
	ErrActionsFailed = errors.New(errMessageActionsFailed)
)

// Config wires a Runner.
type Config struct {
	Gateway gateway.AccountGateway
	// Authenticator is asked for both sessions before every run and may reuse live ones.
	// Leave nil when the gateway is already authenticated.
	Authenticator        gateway.Authenticator
	PrimaryCredentials   gateway.Credentials
	SecondaryCredentials gateway.Credentials
	MaxConcurrent        int
	Logger               *zap.Logger
	NewRunID             func() string
	Now                  func() time.Time
}

// Options tune a single run.
type Options struct {
	DryRun bool
	// RunID overrides the generated run identifier.
	RunID string
	// Observer receives each action outcome as it completes.
	Observer func(reconcile.Outcome)
	// OnPlan receives the plan before any action is applied.
	OnPlan func(reconcile.Plan)
}

// Result describes one run.
type Result struct {
	RunID      string
	DryRun     bool
	Snapshot   graph.Snapshot
	Analysis   reconcile.Analysis
	Plan       reconcile.Plan
	Report     reconcile.Report
	StartedAt  time.Time
	FinishedAt time.Time
}

// Runner executes synchronization runs against one pair of accounts.
type Runner struct {
	accountGateway       gateway.AccountGateway
	authenticator        gateway.Authenticator
	primaryCredentials   gateway.Credentials
	secondaryCredentials gateway.Credentials
	maxConcurrent        int
	logger               *zap.Logger
	newRunID             func() string
	now                  func() time.Time
}

// NewRunner validates configuration and fills defaults.
func NewRunner(configuration Config) (*Runner, error) {
	if configuration.Gateway == nil {
		return nil, ErrMissingGateway
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	newRunID := configuration.NewRunID
	if newRunID == nil {
		newRunID = uuid.NewString
	}
	now := configuration.Now
	if now == nil {
		now = time.Now
	}
	return &Runner{
		accountGateway:       configuration.Gateway,
		authenticator:        configuration.Authenticator,
		primaryCredentials:   configuration.PrimaryCredentials,
		secondaryCredentials: configuration.SecondaryCredentials,
		maxConcurrent:        configuration.MaxConcurrent,
		logger:               logger,
		newRunID:             newRunID,
		now:                  now,
	}, nil
}

// Run performs one synchronization. Authentication and fetch failures abort before any
// write and return a nil-plan Result. When the plan applies with failures the full Result
// is returned together with ErrActionsFailed.
func (runner *Runner) Run(ctx context.Context, options Options) (Result, error) {
	result := Result{RunID: options.RunID, DryRun: options.DryRun, StartedAt: runner.now()}
	if result.RunID == "" {
		result.RunID = runner.newRunID()
	}
	runLogger := runner.logger.With(zap.String(logFieldRunID, result.RunID))
	runLogger.Info(logMessageRunStarted, zap.Bool(logFieldDryRun, options.DryRun))

	if authErr := runner.authenticate(ctx, runLogger); authErr != nil {
		runLogger.Error(logMessageRunFailed, zap.Error(authErr))
		return runner.finish(result), fmt.Errorf("%s: %w", errMessageAuthenticate, authErr)
	}

	snapshot, fetchErr := gateway.FetchSnapshot(ctx, runner.accountGateway)
	if fetchErr != nil {
		runLogger.Error(logMessageRunFailed, zap.Error(fetchErr))
		return runner.finish(result), fmt.Errorf("%s: %w", errMessageFetchSnapshot, fetchErr)
	}
	result.Snapshot = snapshot
	runLogger.Info(logMessageSnapshotFetched,
		zap.Int(logFieldFollowsPrimary, snapshot.FollowsPrimary.Len()),
		zap.Int(logFieldFollowsSecondary, snapshot.FollowsSecondary.Len()),
		zap.Int(logFieldBlocksPrimary, snapshot.BlocksPrimary.Len()),
		zap.Int(logFieldBlocksSecondary, snapshot.BlocksSecondary.Len()))

	result.Analysis = reconcile.Analyze(snapshot)
	result.Plan = result.Analysis.Plan()
	runner.logAnalysis(runLogger, result.Analysis, result.Plan)
	if options.OnPlan != nil {
		options.OnPlan(result.Plan)
	}

	if result.Plan.IsEmpty() {
		runLogger.Info(logMessageNothingToDo)
		return runner.finish(result), nil
	}
	if options.DryRun {
		runLogger.Info(logMessageDryRun, zap.Int(logFieldPlanned, result.Plan.Len()))
		return runner.finish(result), nil
	}

	if resetter, resettable := runner.accountGateway.(gateway.CacheResetter); resettable {
		resetter.ResetCaches()
	}
	result.Report = reconcile.Apply(ctx, result.Plan, runner.accountGateway, reconcile.ApplyConfig{
		MaxConcurrent: runner.maxConcurrent,
		Observer: func(outcome reconcile.Outcome) {
			logOutcome(runLogger, outcome)
			if options.Observer != nil {
				options.Observer(outcome)
			}
		},
	})
	result = runner.finish(result)

	summaryFields := []zap.Field{
		zap.Int(logFieldPlanned, result.Plan.Len()),
		zap.Int(logFieldSucceeded, result.Report.Succeeded()),
		zap.Int(logFieldFailed, result.Report.Failed()),
		zap.Duration(logFieldDuration, result.FinishedAt.Sub(result.StartedAt)),
	}
	if result.Report.HasFailures() {
		runLogger.Warn(logMessageRunCompleted, summaryFields...)
		return result, ErrActionsFailed
	}
	runLogger.Info(logMessageRunCompleted, summaryFields...)
	return result, nil
}

func (runner *Runner) authenticate(ctx context.Context, runLogger *zap.Logger) error {
	if runner.authenticator == nil {
		return nil
	}
	credentialsByRole := map[graph.AccountRole]gateway.Credentials{
		graph.RolePrimary:   runner.primaryCredentials,
		graph.RoleSecondary: runner.secondaryCredentials,
	}
	group, groupCtx := errgroup.WithContext(ctx)
	for _, role := range graph.Roles() {
		role := role
		group.Go(func() error {
			session, authErr := runner.authenticator.Authenticate(groupCtx, role, credentialsByRole[role])
			if authErr != nil {
				var authError *gateway.AuthError
				if errors.As(authErr, &authError) {
					return authErr
				}
				return &gateway.AuthError{Role: role, Identifier: credentialsByRole[role].Identifier, Err: authErr}
			}
			runLogger.Info(logMessageAuthenticated,
				zap.Stringer(logFieldRole, role),
				zap.String(logFieldActor, session.Actor.String()),
				zap.String(logFieldHandle, session.Handle))
			return nil
		})
	}
	return group.Wait()
}

func (runner *Runner) logAnalysis(runLogger *zap.Logger, analysis reconcile.Analysis, plan reconcile.Plan) {
	for _, actor := range analysis.FollowConflict.Sorted() {
		runLogger.Warn(logMessageFollowConflict, zap.String(logFieldActor, actor.String()))
	}
	for _, actor := range analysis.BlockConflict.Sorted() {
		runLogger.Warn(logMessageBlockConflict, zap.String(logFieldActor, actor.String()))
	}
	runLogger.Info(logMessagePlanComputed,
		zap.Int(logFieldPlanned, plan.Len()),
		zap.Int(logFieldUnfollowsSecondary, plan.Count(reconcile.ActionUnfollow, graph.RoleSecondary)),
		zap.Int(logFieldBlocksToAddB, plan.Count(reconcile.ActionBlock, graph.RoleSecondary)),
		zap.Int(logFieldBlocksToAddA, plan.Count(reconcile.ActionBlock, graph.RolePrimary)),
		zap.Int(logFieldUnblocksPrimary, plan.Count(reconcile.ActionUnblock, graph.RolePrimary)))
}

func (runner *Runner) finish(result Result) Result {
	result.FinishedAt = runner.now()
	return result
}

func logOutcome(runLogger *zap.Logger, outcome reconcile.Outcome) {
	if outcome.Status == reconcile.StatusSucceeded {
		runLogger.Info(logMessageActionSucceeded, zap.Stringer(logFieldAction, outcome.Action))
		return
	}
	runLogger.Error(logMessageActionFailed, zap.Stringer(logFieldAction, outcome.Action), zap.Error(outcome.Err))
}
