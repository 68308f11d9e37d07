// Package report renders plans and run outcomes for a terminal.
package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/f-sync/blocksync/internal/graph"
	"github.com/f-sync/blocksync/internal/reconcile"
)

const (
	colorGreen  = "2"
	colorYellow = "3"
	colorRed    = "1"

	runHeaderFormat        = "Run %s"
	dryRunSuffix           = " (dry run)"
	snapshotLineFormat     = "Account %s (%s): %d follows, %d blocks"
	conflictHeader         = "Conflicts"
	followConflictFormat   = "  %s is followed by both accounts; %s unfollows"
	blockConflictFormat    = "  %s is blocked by both accounts; %s unblocks"
	planHeaderFormat       = "Planned actions (%d)"
	plannedActionFormat    = "  %s %s on %s: %s"
	outcomeSucceededMarker = "ok"
	outcomeFailedMarker    = "failed"
	outcomePlannedMarker   = "planned"
	failureDetailFormat    = "      %v"
	nothingToDoMessage     = "Nothing to do. Accounts are already mutually exclusive."
	dryRunMessageFormat    = "Dry run: %d actions not applied."
	completeMessageFormat  = "Sync complete: %d succeeded, %d failed."
	failureHeader          = "Failures"
	failureLineFormat      = "  %s: %v"
)

// Summary is everything a rendered run report shows.
type Summary struct {
	RunID    string
	DryRun   bool
	Snapshot graph.Snapshot
	Analysis reconcile.Analysis
	Plan     reconcile.Plan
	Report   reconcile.Report
}

// Config selects the output and whether to emit color.
type Config struct {
	Writer io.Writer
	// Plain disables styling regardless of the terminal.
	Plain bool
}

// Renderer writes styled summaries.
type Renderer struct {
	writer       io.Writer
	headerStyle  lipgloss.Style
	successStyle lipgloss.Style
	warningStyle lipgloss.Style
	failureStyle lipgloss.Style
	mutedStyle   lipgloss.Style
}

// NewRenderer builds styles for the writer's color profile.
func NewRenderer(configuration Config) *Renderer {
	writer := configuration.Writer
	if writer == nil {
		writer = io.Discard
	}
	styleRenderer := lipgloss.NewRenderer(writer)
	if configuration.Plain {
		styleRenderer.SetColorProfile(termenv.Ascii)
	}
	return &Renderer{
		writer:       writer,
		headerStyle:  styleRenderer.NewStyle().Bold(true),
		successStyle: styleRenderer.NewStyle().Foreground(lipgloss.Color(colorGreen)),
		warningStyle: styleRenderer.NewStyle().Foreground(lipgloss.Color(colorYellow)),
		failureStyle: styleRenderer.NewStyle().Foreground(lipgloss.Color(colorRed)),
		mutedStyle:   styleRenderer.NewStyle().Faint(true),
	}
}

// Render writes the summary.
func (renderer *Renderer) Render(summary Summary) error {
	_, err := io.WriteString(renderer.writer, renderer.Format(summary))
	return err
}

// Format returns the summary as text.
func (renderer *Renderer) Format(summary Summary) string {
	var builder strings.Builder

	header := fmt.Sprintf(runHeaderFormat, summary.RunID)
	if summary.DryRun {
		header += dryRunSuffix
	}
	renderer.writeLine(&builder, renderer.headerStyle.Render(header))
	for _, role := range graph.Roles() {
		renderer.writeLine(&builder, renderer.mutedStyle.Render(fmt.Sprintf(snapshotLineFormat,
			role.Label(), summary.Snapshot.Self(role), summary.Snapshot.Follows(role).Len(), summary.Snapshot.Blocks(role).Len())))
	}

	renderer.formatConflicts(&builder, summary.Analysis)

	if summary.Plan.IsEmpty() {
		renderer.writeLine(&builder, renderer.successStyle.Render(nothingToDoMessage))
		return builder.String()
	}

	renderer.writeLine(&builder, renderer.headerStyle.Render(fmt.Sprintf(planHeaderFormat, summary.Plan.Len())))
	outcomes := outcomesByAction(summary.Report)
	for _, action := range summary.Plan.Actions {
		outcome, attempted := outcomes[action]
		marker := renderer.mutedStyle.Render(outcomePlannedMarker)
		switch {
		case attempted && outcome.Status == reconcile.StatusSucceeded:
			marker = renderer.successStyle.Render(outcomeSucceededMarker)
		case attempted:
			marker = renderer.failureStyle.Render(outcomeFailedMarker)
		}
		renderer.writeLine(&builder, fmt.Sprintf(plannedActionFormat, marker, action.Kind, action.Role.Label(), action.Actor))
		if attempted && outcome.Err != nil {
			renderer.writeLine(&builder, renderer.failureStyle.Render(fmt.Sprintf(failureDetailFormat, outcome.Err)))
		}
	}

	if summary.DryRun {
		renderer.writeLine(&builder, renderer.warningStyle.Render(fmt.Sprintf(dryRunMessageFormat, summary.Plan.Len())))
		return builder.String()
	}

	completeMessage := fmt.Sprintf(completeMessageFormat, summary.Report.Succeeded(), summary.Report.Failed())
	if summary.Report.HasFailures() {
		renderer.writeLine(&builder, renderer.failureStyle.Render(completeMessage))
	} else {
		renderer.writeLine(&builder, renderer.successStyle.Render(completeMessage))
	}
	return builder.String()
}

// FormatFailures lists failed actions, one per line. It returns "" when nothing failed.
func (renderer *Renderer) FormatFailures(runReport reconcile.Report) string {
	failures := runReport.Failures()
	if len(failures) == 0 {
		return ""
	}
	var builder strings.Builder
	renderer.writeLine(&builder, renderer.failureStyle.Render(failureHeader))
	for _, failure := range failures {
		renderer.writeLine(&builder, renderer.failureStyle.Render(fmt.Sprintf(failureLineFormat, failure.Action, failure.Err)))
	}
	return builder.String()
}

func (renderer *Renderer) formatConflicts(builder *strings.Builder, analysis reconcile.Analysis) {
	if analysis.FollowConflict.IsEmpty() && analysis.BlockConflict.IsEmpty() {
		return
	}
	renderer.writeLine(builder, renderer.headerStyle.Render(conflictHeader))
	for _, actor := range analysis.FollowConflict.Sorted() {
		renderer.writeLine(builder, renderer.warningStyle.Render(fmt.Sprintf(followConflictFormat, actor, graph.RoleSecondary.Label())))
	}
	for _, actor := range analysis.BlockConflict.Sorted() {
		renderer.writeLine(builder, renderer.warningStyle.Render(fmt.Sprintf(blockConflictFormat, actor, graph.RolePrimary.Label())))
	}
}

func (renderer *Renderer) writeLine(builder *strings.Builder, line string) {
	builder.WriteString(line)
	builder.WriteString("\n")
}

func outcomesByAction(runReport reconcile.Report) map[reconcile.Action]reconcile.Outcome {
	outcomes := make(map[reconcile.Action]reconcile.Outcome, len(runReport.Outcomes))
	for _, outcome := range runReport.Outcomes {
		outcomes[outcome.Action] = outcome
	}
	return outcomes
}
