package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/f-sync/blocksync/internal/config"
	"github.com/f-sync/blocksync/internal/gateway/gatewaytest"
	"github.com/f-sync/blocksync/internal/graph"
	"github.com/f-sync/blocksync/internal/logging"
	"github.com/f-sync/blocksync/internal/pipeline"
)

const (
	primaryID   = graph.Actor("did:plc:primary")
	secondaryID = graph.Actor("did:plc:secondary")
	actorX      = graph.Actor("did:plc:x")
	actorY      = graph.Actor("did:plc:y")
)

func conflictedSnapshot() graph.Snapshot {
	return graph.Snapshot{
		PrimaryID:        primaryID,
		SecondaryID:      secondaryID,
		FollowsPrimary:   graph.NewActorSet(actorX),
		FollowsSecondary: graph.NewActorSet(actorX, actorY),
		BlocksPrimary:    graph.NewActorSet(),
		BlocksSecondary:  graph.NewActorSet(),
	}
}

func setCredentials(t *testing.T) {
	t.Helper()
	t.Setenv(config.EnvPrimaryHandle, "alice.test")
	t.Setenv(config.EnvPrimaryAppPassword, "alice-password")
	t.Setenv(config.EnvSecondaryHandle, "bob.test")
	t.Setenv(config.EnvSecondaryAppPassword, "bob-password")
}

type commandHarness struct {
	memory        *gatewaytest.MemoryGateway
	stdout        bytes.Buffer
	stderr        bytes.Buffer
	configuration config.Config
}

func (harness *commandHarness) execute(arguments ...string) error {
	application := NewSyncApplicationWithDependencies(SyncDependencies{
		BuildLogger: func(logging.Config) (*zap.Logger, error) { return zap.NewNop(), nil },
		BuildRunner: func(configuration config.Config, logger *zap.Logger) (SyncRunner, error) {
			harness.configuration = configuration
			return pipeline.NewRunner(pipeline.Config{
				Gateway:       harness.memory,
				MaxConcurrent: configuration.MaxConcurrent,
				Logger:        logger,
				NewRunID:      func() string { return "run-1" },
			})
		},
		Stdout:      &harness.stdout,
		Stderr:      &harness.stderr,
		PlainOutput: true,
	})
	command := newRootCommand(application)
	command.SetArgs(append(arguments, "--env-file="))
	command.SetOut(&harness.stdout)
	command.SetErr(&harness.stderr)
	return command.ExecuteContext(context.Background())
}

func TestCommands(t *testing.T) {
	testCases := []struct {
		name                string
		arguments           []string
		actionErrors        map[graph.Actor]error
		expectedErr         error
		expectedStdout      []string
		expectedStderr      string
		expectedWriteCalls  int
		expectedConcurrency int
	}{
		{
			name:                "sync applies the plan",
			arguments:           []string{"sync", "--max-concurrent", "2"},
			expectedStdout:      []string{"Run run-1", "  ok block on A: did:plc:y", "Sync complete: 3 succeeded, 0 failed."},
			expectedWriteCalls:  3,
			expectedConcurrency: 2,
		},
		{
			name:                "sync dry run flag",
			arguments:           []string{"sync", "--dry-run"},
			expectedStdout:      []string{"Run run-1 (dry run)", "Dry run: 3 actions not applied."},
			expectedConcurrency: 1,
		},
		{
			name:                "plan never writes",
			arguments:           []string{"plan"},
			expectedStdout:      []string{"  planned unfollow on B: did:plc:x", "Dry run: 3 actions not applied."},
			expectedConcurrency: 1,
		},
		{
			name:                "failed actions exit non-zero",
			arguments:           []string{"sync"},
			actionErrors:        map[graph.Actor]error{actorY: errors.New("rate limited")},
			expectedErr:         pipeline.ErrActionsFailed,
			expectedStdout:      []string{"  failed block on A: did:plc:y", "Sync complete: 2 succeeded, 1 failed."},
			expectedStderr:      "Failures\n  block(primary, did:plc:y)",
			expectedWriteCalls:  3,
			expectedConcurrency: 1,
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			setCredentials(t)
			harness := &commandHarness{memory: gatewaytest.NewMemoryGateway(conflictedSnapshot())}
			harness.memory.ActionErrors = testCase.actionErrors

			err := harness.execute(testCase.arguments...)

			if testCase.expectedErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if testCase.expectedErr != nil && !errors.Is(err, testCase.expectedErr) {
				t.Fatalf("expected %v, got %v", testCase.expectedErr, err)
			}
			output := harness.stdout.String()
			for _, expected := range testCase.expectedStdout {
				if !strings.Contains(output, expected+"\n") {
					t.Fatalf("expected %q in stdout:\n%s", expected, output)
				}
			}
			if !strings.Contains(harness.stderr.String(), testCase.expectedStderr) {
				t.Fatalf("expected %q in stderr, got %q", testCase.expectedStderr, harness.stderr.String())
			}
			if testCase.expectedStderr == "" && harness.stderr.Len() != 0 {
				t.Fatalf("expected empty stderr, got %q", harness.stderr.String())
			}
			attemptedWrites := len(harness.memory.Calls())
			if attemptedWrites != testCase.expectedWriteCalls {
				t.Fatalf("expected %d writes, got %d", testCase.expectedWriteCalls, attemptedWrites)
			}
			if harness.configuration.MaxConcurrent != testCase.expectedConcurrency {
				t.Fatalf("expected max concurrency %d, got %d", testCase.expectedConcurrency, harness.configuration.MaxConcurrent)
			}
		})
	}
}

func TestCommandRejectsMissingCredentials(t *testing.T) {
	setCredentials(t)
	t.Setenv(config.EnvSecondaryAppPassword, "")
	harness := &commandHarness{memory: gatewaytest.NewMemoryGateway(conflictedSnapshot())}

	err := harness.execute("sync")

	if !errors.Is(err, config.ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
	if !strings.Contains(err.Error(), config.EnvSecondaryAppPassword) {
		t.Fatalf("expected the missing variable to be named, got %v", err)
	}
	if harness.stdout.Len() != 0 {
		t.Fatalf("expected no report, got %q", harness.stdout.String())
	}
}

func TestCommandRejectsInvalidSettings(t *testing.T) {
	setCredentials(t)
	harness := &commandHarness{memory: gatewaytest.NewMemoryGateway(conflictedSnapshot())}

	err := harness.execute("sync", "--max-concurrent", "0")

	if !errors.Is(err, config.ErrInvalidSetting) {
		t.Fatalf("expected ErrInvalidSetting, got %v", err)
	}
}
