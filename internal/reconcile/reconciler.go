package reconcile

import "github.com/f-sync/blocksync/internal/graph"

// Analysis holds the derived sets of one reconciliation. Nothing in it is mutated after
// Analyze returns; the effective sets are shadows of the snapshot, not applied state.
type Analysis struct {
	Snapshot graph.Snapshot

	// FollowConflict lists actors followed by both accounts. The secondary unfollows them.
	FollowConflict graph.ActorSet
	// EffectiveFollowsSecondary is the secondary's follow set once the conflicts are unfollowed.
	EffectiveFollowsSecondary graph.ActorSet

	TargetBlocksPrimary   graph.ActorSet
	TargetBlocksSecondary graph.ActorSet

	PlannedBlocksPrimary   graph.ActorSet
	PlannedBlocksSecondary graph.ActorSet

	// BlockConflict lists actors blocked by both accounts and not required on the primary.
	// The primary unblocks them.
	BlockConflict graph.ActorSet
}

// Reconcile computes the plan that makes the two accounts mutually exclusive.
// It is deterministic and never fails; malformed input is filtered, not rejected.
func Reconcile(snapshot graph.Snapshot) Plan {
	return Analyze(snapshot).Plan()
}

// Analyze runs the three reconciliation phases and returns every derived set.
func Analyze(snapshot graph.Snapshot) Analysis {
	sanitized := snapshot.Sanitized()
	analysis := Analysis{Snapshot: sanitized}

	// Phase 1: the primary wins follow conflicts.
	analysis.FollowConflict = sanitized.FollowsPrimary.Intersect(sanitized.FollowsSecondary)
	analysis.EffectiveFollowsSecondary = sanitized.FollowsSecondary.Difference(analysis.FollowConflict)

	// Phase 2: each account blocks everyone the other one follows.
	analysis.TargetBlocksSecondary = sanitized.FollowsPrimary.Without(sanitized.SecondaryID)
	analysis.TargetBlocksPrimary = analysis.EffectiveFollowsSecondary.Without(sanitized.PrimaryID)
	analysis.PlannedBlocksSecondary = analysis.TargetBlocksSecondary.
		Difference(sanitized.BlocksSecondary).
		Difference(analysis.EffectiveFollowsSecondary)
	analysis.PlannedBlocksPrimary = analysis.TargetBlocksPrimary.
		Difference(sanitized.BlocksPrimary).
		Difference(sanitized.FollowsPrimary)

	// Phase 3: the secondary wins block conflicts unless phase 2 requires the primary's block.
	// Blocks planned for the secondary count as present. Otherwise an actor the primary
	// follows and blocks would only be unblocked on the next run, and the plan would not be
	// idempotent.
	effectiveBlocksSecondary := sanitized.BlocksSecondary.Union(analysis.PlannedBlocksSecondary)
	analysis.BlockConflict = sanitized.BlocksPrimary.
		Intersect(effectiveBlocksSecondary).
		Difference(analysis.TargetBlocksPrimary)

	return analysis
}

// Plan orders the analysis into unfollows, secondary blocks, primary blocks, then unblocks.
func (analysis Analysis) Plan() Plan {
	actionCount := analysis.FollowConflict.Len() +
		analysis.PlannedBlocksSecondary.Len() +
		analysis.PlannedBlocksPrimary.Len() +
		analysis.BlockConflict.Len()
	actions := make([]Action, 0, actionCount)

	for _, actor := range analysis.FollowConflict.Sorted() {
		actions = append(actions, Unfollow(graph.RoleSecondary, actor))
	}
	for _, actor := range analysis.PlannedBlocksSecondary.Sorted() {
		actions = append(actions, Block(graph.RoleSecondary, actor))
	}
	for _, actor := range analysis.PlannedBlocksPrimary.Sorted() {
		actions = append(actions, Block(graph.RolePrimary, actor))
	}
	for _, actor := range analysis.BlockConflict.Sorted() {
		actions = append(actions, Unblock(graph.RolePrimary, actor))
	}
	return Plan{Actions: actions}
}
