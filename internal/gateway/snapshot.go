package gateway

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/f-sync/blocksync/internal/graph"
)

type setReader func(ctx context.Context, role graph.AccountRole) (graph.ActorSet, error)

// FetchSnapshot reads both accounts' follows and blocks concurrently and waits for all
// four reads. The first failure cancels the others and is returned as a *FetchError.
func FetchSnapshot(ctx context.Context, accountGateway AccountGateway) (graph.Snapshot, error) {
	var (
		followsPrimary   graph.ActorSet
		followsSecondary graph.ActorSet
		blocksPrimary    graph.ActorSet
		blocksSecondary  graph.ActorSet
	)

	group, groupCtx := errgroup.WithContext(ctx)
	readInto := func(target *graph.ActorSet, role graph.AccountRole, relation string, read setReader) {
		group.Go(func() error {
			actorSet, readErr := read(groupCtx, role)
			if readErr != nil {
				var fetchError *FetchError
				if errors.As(readErr, &fetchError) {
					return readErr
				}
				return &FetchError{Role: role, Relation: relation, Err: readErr}
			}
			*target = actorSet
			return nil
		})
	}

	readInto(&followsPrimary, graph.RolePrimary, RelationFollows, accountGateway.FetchFollows)
	readInto(&followsSecondary, graph.RoleSecondary, RelationFollows, accountGateway.FetchFollows)
	readInto(&blocksPrimary, graph.RolePrimary, RelationBlocks, accountGateway.FetchBlocks)
	readInto(&blocksSecondary, graph.RoleSecondary, RelationBlocks, accountGateway.FetchBlocks)

	if waitErr := group.Wait(); waitErr != nil {
		return graph.Snapshot{}, waitErr
	}

	return graph.Snapshot{
		PrimaryID:        accountGateway.Self(graph.RolePrimary),
		SecondaryID:      accountGateway.Self(graph.RoleSecondary),
		FollowsPrimary:   followsPrimary,
		FollowsSecondary: followsSecondary,
		BlocksPrimary:    blocksPrimary,
		BlocksSecondary:  blocksSecondary,
	}, nil
}
