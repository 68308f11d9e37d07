package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/f-sync/blocksync/internal/graph"
)

const (
	outcomeNameSucceeded     = "succeeded"
	outcomeNameFailed        = "failed"
	outcomeNameUnknown       = "unknown"
	errMessageUnknownAction  = "unknown action kind"
	defaultApplyConcurrency  = 1
	unknownActionErrorFormat = "%w: %d"
)

// ErrUnknownAction is recorded for actions whose kind the applier cannot dispatch.
var ErrUnknownAction = errors.New(errMessageUnknownAction)

// Applier performs the state changes a plan asks for. It is the write half of the
// account gateway.
type Applier interface {
	Block(ctx context.Context, role graph.AccountRole, actor graph.Actor) error
	Unblock(ctx context.Context, role graph.AccountRole, actor graph.Actor) error
	Unfollow(ctx context.Context, role graph.AccountRole, actor graph.Actor) error
}

// OutcomeStatus is the result of applying one action.
type OutcomeStatus int

const (
	// StatusSucceeded marks an applied action.
	StatusSucceeded OutcomeStatus = iota + 1
	// StatusFailed marks an action that failed or was never attempted.
	StatusFailed
)

func (status OutcomeStatus) String() string {
	switch status {
	case StatusSucceeded:
		return outcomeNameSucceeded
	case StatusFailed:
		return outcomeNameFailed
	default:
		return outcomeNameUnknown
	}
}

// MarshalText encodes the status by name.
func (status OutcomeStatus) MarshalText() ([]byte, error) {
	return []byte(status.String()), nil
}

// Outcome records what happened to a single action.
type Outcome struct {
	Action Action
	Status OutcomeStatus
	Err    error
}

// Report maps every action of a plan to its outcome, in plan order.
type Report struct {
	Outcomes []Outcome
}

// Succeeded returns the number of applied actions.
func (report Report) Succeeded() int {
	return report.count(StatusSucceeded)
}

// Failed returns the number of failed actions.
func (report Report) Failed() int {
	return report.count(StatusFailed)
}

// HasFailures reports whether any action failed.
func (report Report) HasFailures() bool {
	return report.Failed() > 0
}

// Failures returns the failed outcomes in plan order.
func (report Report) Failures() []Outcome {
	var failures []Outcome
	for _, outcome := range report.Outcomes {
		if outcome.Status == StatusFailed {
			failures = append(failures, outcome)
		}
	}
	return failures
}

func (report Report) count(status OutcomeStatus) int {
	matching := 0
	for _, outcome := range report.Outcomes {
		if outcome.Status == status {
			matching++
		}
	}
	return matching
}

// ApplyConfig tunes plan application.
type ApplyConfig struct {
	// MaxConcurrent bounds the actions applied at once inside one batch. Values below one
	// apply sequentially.
	MaxConcurrent int
	// Observer, when set, receives every outcome as soon as it is known. Calls are serialized.
	Observer func(Outcome)
}

// Apply executes the plan through applier. A failing action never stops the plan, and
// nothing is retried here. Batches of unfollows, blocks and unblocks run in that order;
// once ctx is done the remaining actions are recorded as failed without being attempted.
func Apply(ctx context.Context, plan Plan, applier Applier, configuration ApplyConfig) Report {
	outcomes := make([]Outcome, len(plan.Actions))
	if len(plan.Actions) == 0 {
		return Report{Outcomes: outcomes}
	}

	workerCount := configuration.MaxConcurrent
	if workerCount <= 0 {
		workerCount = defaultApplyConcurrency
	}

	var observerMutex sync.Mutex
	recordOutcome := func(index int, outcome Outcome) {
		outcomes[index] = outcome
		if configuration.Observer == nil {
			return
		}
		observerMutex.Lock()
		configuration.Observer(outcome)
		observerMutex.Unlock()
	}

	for _, batch := range plan.batches() {
		var group errgroup.Group
		group.SetLimit(workerCount)
		for index := batch.start; index < batch.end; index++ {
			index := index
			action := plan.Actions[index]
			group.Go(func() error {
				if contextErr := ctx.Err(); contextErr != nil {
					recordOutcome(index, Outcome{Action: action, Status: StatusFailed, Err: contextErr})
					return nil
				}
				recordOutcome(index, applyAction(ctx, applier, action))
				return nil
			})
		}
		_ = group.Wait()
	}
	return Report{Outcomes: outcomes}
}

func applyAction(ctx context.Context, applier Applier, action Action) Outcome {
	var applyErr error
	switch action.Kind {
	case ActionUnfollow:
		applyErr = applier.Unfollow(ctx, action.Role, action.Actor)
	case ActionBlock:
		applyErr = applier.Block(ctx, action.Role, action.Actor)
	case ActionUnblock:
		applyErr = applier.Unblock(ctx, action.Role, action.Actor)
	default:
		applyErr = fmt.Errorf(unknownActionErrorFormat, ErrUnknownAction, action.Kind)
	}
	if applyErr != nil {
		return Outcome{Action: action, Status: StatusFailed, Err: applyErr}
	}
	return Outcome{Action: action, Status: StatusSucceeded}
}
