package report_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/f-sync/blocksync/internal/graph"
	"github.com/f-sync/blocksync/internal/reconcile"
	"github.com/f-sync/blocksync/internal/report"
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

func summaryFor(snapshot graph.Snapshot) report.Summary {
	analysis := reconcile.Analyze(snapshot)
	return report.Summary{RunID: "run-7", Snapshot: snapshot, Analysis: analysis, Plan: analysis.Plan()}
}

func TestFormat(t *testing.T) {
	applied := summaryFor(conflictedSnapshot())
	applied.Report = reconcile.Report{Outcomes: []reconcile.Outcome{
		{Action: applied.Plan.Actions[0], Status: reconcile.StatusSucceeded},
		{Action: applied.Plan.Actions[1], Status: reconcile.StatusSucceeded},
		{Action: applied.Plan.Actions[2], Status: reconcile.StatusFailed, Err: errors.New("rate limited")},
	}}

	dryRun := summaryFor(conflictedSnapshot())
	dryRun.DryRun = true

	empty := summaryFor(graph.Snapshot{PrimaryID: primaryID, SecondaryID: secondaryID})

	testCases := []struct {
		name             string
		summary          report.Summary
		expectedLines    []string
		unexpectedPhrase string
	}{
		{
			name:    "applied with a failure",
			summary: applied,
			expectedLines: []string{
				"Run run-7",
				"Account A (did:plc:primary): 1 follows, 0 blocks",
				"Account B (did:plc:secondary): 2 follows, 0 blocks",
				"  did:plc:x is followed by both accounts; B unfollows",
				"Planned actions (3)",
				"  ok unfollow on B: did:plc:x",
				"  ok block on B: did:plc:x",
				"  failed block on A: did:plc:y",
				"      rate limited",
				"Sync complete: 2 succeeded, 1 failed.",
			},
			unexpectedPhrase: "Nothing to do",
		},
		{
			name:    "dry run",
			summary: dryRun,
			expectedLines: []string{
				"Run run-7 (dry run)",
				"  planned block on A: did:plc:y",
				"Dry run: 3 actions not applied.",
			},
			unexpectedPhrase: "Sync complete",
		},
		{
			name:             "empty plan",
			summary:          empty,
			expectedLines:    []string{"Nothing to do. Accounts are already mutually exclusive."},
			unexpectedPhrase: "Planned actions",
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			renderer := report.NewRenderer(report.Config{Plain: true})
			rendered := renderer.Format(testCase.summary)
			lines := strings.Split(rendered, "\n")
			for _, expected := range testCase.expectedLines {
				if !containsLine(lines, expected) {
					t.Fatalf("expected line %q in:\n%s", expected, rendered)
				}
			}
			if strings.Contains(rendered, testCase.unexpectedPhrase) {
				t.Fatalf("did not expect %q in:\n%s", testCase.unexpectedPhrase, rendered)
			}
		})
	}
}

func TestRenderWritesToWriter(t *testing.T) {
	var output bytes.Buffer
	renderer := report.NewRenderer(report.Config{Writer: &output, Plain: true})

	if err := renderer.Render(summaryFor(conflictedSnapshot())); err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.HasPrefix(output.String(), "Run run-7\n") {
		t.Fatalf("unexpected output %q", output.String())
	}
	if strings.Contains(output.String(), "\x1b[") {
		t.Fatalf("plain output contains escape sequences: %q", output.String())
	}
}

func TestFormatFailures(t *testing.T) {
	renderer := report.NewRenderer(report.Config{Plain: true})
	runReport := reconcile.Report{Outcomes: []reconcile.Outcome{
		{Action: reconcile.Block(graph.RolePrimary, actorY), Status: reconcile.StatusFailed, Err: errors.New("rate limited")},
		{Action: reconcile.Block(graph.RoleSecondary, actorX), Status: reconcile.StatusSucceeded},
	}}

	if formatted := renderer.FormatFailures(reconcile.Report{}); formatted != "" {
		t.Fatalf("expected no output without failures, got %q", formatted)
	}
	formatted := renderer.FormatFailures(runReport)
	expected := "Failures\n  block(primary, did:plc:y): rate limited\n"
	if formatted != expected {
		t.Fatalf("expected %q, got %q", expected, formatted)
	}
}

func containsLine(lines []string, expected string) bool {
	for _, line := range lines {
		if line == expected {
			return true
		}
	}
	return false
}
