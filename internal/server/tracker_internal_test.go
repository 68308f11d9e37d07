package server

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestSyncTrackerKeepsRecentFinishedTasks(t *testing.T) {
	fixedTime := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tracker := newSyncTracker(2, func() time.Time { return fixedTime })

	for index := 1; index <= 4; index++ {
		taskIdentifier := fmt.Sprintf("task-%d", index)
		if _, started := tracker.StartTask(taskIdentifier); !started {
			t.Fatalf("expected %s to start", taskIdentifier)
		}
		var runErr error
		if index%2 == 0 {
			runErr = errors.New("fetch failed")
		}
		tracker.CompleteTask(taskIdentifier, runErr)
	}
	if _, started := tracker.StartTask("task-5"); !started {
		t.Fatalf("expected task-5 to start")
	}

	testCases := []struct {
		taskIdentifier string
		expectPresent  bool
		expectedStatus SyncStatus
	}{
		{taskIdentifier: "task-1"},
		{taskIdentifier: "task-2"},
		{taskIdentifier: "task-3", expectPresent: true, expectedStatus: syncStatusCompleted},
		{taskIdentifier: "task-4", expectPresent: true, expectedStatus: syncStatusFailed},
		{taskIdentifier: "task-5", expectPresent: true, expectedStatus: syncStatusRunning},
	}
	for _, testCase := range testCases {
		snapshot, present := tracker.TaskSnapshot(testCase.taskIdentifier)
		if present != testCase.expectPresent {
			t.Fatalf("%s: expected present=%t, got %t", testCase.taskIdentifier, testCase.expectPresent, present)
		}
		if present && snapshot.Status != testCase.expectedStatus {
			t.Fatalf("%s: expected status %s, got %s", testCase.taskIdentifier, testCase.expectedStatus, snapshot.Status)
		}
	}
	if len(tracker.tasks) != 3 {
		t.Fatalf("expected two finished tasks and one running task, got %d", len(tracker.tasks))
	}
}

func TestSyncTrackerDefaultsTaskHistory(t *testing.T) {
	tracker := newSyncTracker(0, time.Now)
	if tracker.taskHistory != defaultTaskHistory {
		t.Fatalf("expected default history %d, got %d", defaultTaskHistory, tracker.taskHistory)
	}
}
