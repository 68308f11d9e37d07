package server

import (
	"sync"
	"time"

	"github.com/f-sync/blocksync/internal/reconcile"
)

const (
	syncStatusRunning   = SyncStatus("running")
	syncStatusCompleted = SyncStatus("completed")
	syncStatusFailed    = SyncStatus("failed")

	defaultTaskHistory = 50
)

// SyncStatus is the lifecycle state of a sync task.
type SyncStatus string

// syncTask captures state for one sync execution.
type syncTask struct {
	identifier string
	planned    int
	completed  int
	succeeded  int
	failed     int
	status     SyncStatus
	errors     map[string]string
	failure    string
	startedAt  time.Time
	finishedAt time.Time
}

// TaskSnapshot copies the public portions of a task for serialization.
type TaskSnapshot struct {
	Identifier string            `json:"taskId"`
	Status     SyncStatus        `json:"status"`
	Planned    int               `json:"planned"`
	Completed  int               `json:"completed"`
	Succeeded  int               `json:"succeeded"`
	Failed     int               `json:"failed"`
	Errors     map[string]string `json:"errors,omitempty"`
	Failure    string            `json:"failure,omitempty"`
	StartedAt  time.Time         `json:"startedAt"`
	FinishedAt *time.Time        `json:"finishedAt,omitempty"`
}

// syncTracker tracks the active task and the most recent finished ones, and admits one
// running task at a time.
type syncTracker struct {
	mutex         sync.Mutex
	tasks         map[string]*syncTask
	finishedOrder []string
	taskHistory   int
	runningTaskID string
	now           func() time.Time
}

func newSyncTracker(taskHistory int, now func() time.Time) *syncTracker {
	if taskHistory <= 0 {
		taskHistory = defaultTaskHistory
	}
	return &syncTracker{tasks: make(map[string]*syncTask), taskHistory: taskHistory, now: now}
}

// StartTask registers a running task unless another one is still running.
func (tracker *syncTracker) StartTask(identifier string) (TaskSnapshot, bool) {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()

	if tracker.runningTaskID != "" {
		return tracker.snapshotTask(tracker.tasks[tracker.runningTaskID]), false
	}
	task := &syncTask{
		identifier: identifier,
		status:     syncStatusRunning,
		errors:     make(map[string]string),
		startedAt:  tracker.now(),
	}
	tracker.tasks[identifier] = task
	tracker.runningTaskID = identifier
	return tracker.snapshotTask(task), true
}

// RecordPlan stores the number of planned actions.
func (tracker *syncTracker) RecordPlan(taskIdentifier string, plan reconcile.Plan) {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()

	if task, exists := tracker.tasks[taskIdentifier]; exists {
		task.planned = plan.Len()
	}
}

// RecordOutcome updates task progress for one applied action.
func (tracker *syncTracker) RecordOutcome(taskIdentifier string, outcome reconcile.Outcome) {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()

	task, exists := tracker.tasks[taskIdentifier]
	if !exists {
		return
	}
	task.completed++
	if outcome.Status == reconcile.StatusSucceeded {
		task.succeeded++
		return
	}
	task.failed++
	if outcome.Err != nil {
		task.errors[outcome.Action.String()] = outcome.Err.Error()
	}
}

// CompleteTask transitions a task to its terminal status and admits the next one.
func (tracker *syncTracker) CompleteTask(taskIdentifier string, runErr error) {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()

	task, exists := tracker.tasks[taskIdentifier]
	if !exists {
		return
	}
	if runErr != nil {
		task.status = syncStatusFailed
		task.failure = runErr.Error()
	} else {
		task.status = syncStatusCompleted
	}
	task.finishedAt = tracker.now()
	if tracker.runningTaskID == taskIdentifier {
		tracker.runningTaskID = ""
	}

	tracker.finishedOrder = append(tracker.finishedOrder, taskIdentifier)
	for len(tracker.finishedOrder) > tracker.taskHistory {
		delete(tracker.tasks, tracker.finishedOrder[0])
		tracker.finishedOrder = tracker.finishedOrder[1:]
	}
}

// TaskSnapshot returns a copy of the task state for external observers.
func (tracker *syncTracker) TaskSnapshot(taskIdentifier string) (TaskSnapshot, bool) {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()

	task, exists := tracker.tasks[taskIdentifier]
	if !exists {
		return TaskSnapshot{}, false
	}
	return tracker.snapshotTask(task), true
}

func (tracker *syncTracker) snapshotTask(task *syncTask) TaskSnapshot {
	clonedErrors := make(map[string]string, len(task.errors))
	for action, message := range task.errors {
		clonedErrors[action] = message
	}
	snapshot := TaskSnapshot{
		Identifier: task.identifier,
		Status:     task.status,
		Planned:    task.planned,
		Completed:  task.completed,
		Succeeded:  task.succeeded,
		Failed:     task.failed,
		Errors:     clonedErrors,
		Failure:    task.failure,
		StartedAt:  task.startedAt,
	}
	if !task.finishedAt.IsZero() {
		finishedAt := task.finishedAt
		snapshot.FinishedAt = &finishedAt
	}
	return snapshot
}
