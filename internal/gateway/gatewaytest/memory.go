// Package gatewaytest provides an in-memory account gateway for tests.
package gatewaytest

import (
	"context"
	"sync"

	"github.com/f-sync/blocksync/internal/gateway"
	"github.com/f-sync/blocksync/internal/graph"
)

// Call records one write made through the gateway.
type Call struct {
	Operation string
	Role      graph.AccountRole
	Actor     graph.Actor
}

// MemoryGateway keeps both accounts' sets in memory and applies writes to them, so a
// second run observes the effects of the first.
type MemoryGateway struct {
	mutex   sync.Mutex
	self    map[graph.AccountRole]graph.Actor
	follows map[graph.AccountRole]graph.ActorSet
	blocks  map[graph.AccountRole]graph.ActorSet
	calls   []Call

	// FetchErrors fails reads for a role and relation (gateway.RelationFollows or RelationBlocks).
	FetchErrors map[graph.AccountRole]map[string]error
	// ActionErrors fails writes targeting an actor.
	ActionErrors map[graph.Actor]error
}

// NewMemoryGateway seeds a gateway from a snapshot.
func NewMemoryGateway(snapshot graph.Snapshot) *MemoryGateway {
	return &MemoryGateway{
		self: map[graph.AccountRole]graph.Actor{
			graph.RolePrimary:   snapshot.PrimaryID,
			graph.RoleSecondary: snapshot.SecondaryID,
		},
		follows: map[graph.AccountRole]graph.ActorSet{
			graph.RolePrimary:   snapshot.FollowsPrimary,
			graph.RoleSecondary: snapshot.FollowsSecondary,
		},
		blocks: map[graph.AccountRole]graph.ActorSet{
			graph.RolePrimary:   snapshot.BlocksPrimary,
			graph.RoleSecondary: snapshot.BlocksSecondary,
		},
	}
}

// Self implements gateway.AccountGateway.
func (memory *MemoryGateway) Self(role graph.AccountRole) graph.Actor {
	memory.mutex.Lock()
	defer memory.mutex.Unlock()
	return memory.self[role]
}

// FetchFollows implements gateway.AccountGateway.
func (memory *MemoryGateway) FetchFollows(ctx context.Context, role graph.AccountRole) (graph.ActorSet, error) {
	return memory.read(ctx, role, gateway.RelationFollows, memory.follows)
}

// FetchBlocks implements gateway.AccountGateway.
func (memory *MemoryGateway) FetchBlocks(ctx context.Context, role graph.AccountRole) (graph.ActorSet, error) {
	return memory.read(ctx, role, gateway.RelationBlocks, memory.blocks)
}

// Block implements gateway.AccountGateway.
func (memory *MemoryGateway) Block(ctx context.Context, role graph.AccountRole, actor graph.Actor) error {
	return memory.write(ctx, gateway.OperationBlock, role, actor, func() {
		memory.blocks[role] = memory.blocks[role].Union(graph.NewActorSet(actor))
	})
}

// Unblock implements gateway.AccountGateway.
func (memory *MemoryGateway) Unblock(ctx context.Context, role graph.AccountRole, actor graph.Actor) error {
	return memory.write(ctx, gateway.OperationUnblock, role, actor, func() {
		memory.blocks[role] = memory.blocks[role].Without(actor)
	})
}

// Unfollow implements gateway.AccountGateway.
func (memory *MemoryGateway) Unfollow(ctx context.Context, role graph.AccountRole, actor graph.Actor) error {
	return memory.write(ctx, gateway.OperationUnfollow, role, actor, func() {
		memory.follows[role] = memory.follows[role].Without(actor)
	})
}

// Calls returns the writes made so far, in order.
func (memory *MemoryGateway) Calls() []Call {
	memory.mutex.Lock()
	defer memory.mutex.Unlock()
	return append([]Call(nil), memory.calls...)
}

// Snapshot returns the current state.
func (memory *MemoryGateway) Snapshot() graph.Snapshot {
	memory.mutex.Lock()
	defer memory.mutex.Unlock()
	return graph.Snapshot{
		PrimaryID:        memory.self[graph.RolePrimary],
		SecondaryID:      memory.self[graph.RoleSecondary],
		FollowsPrimary:   memory.follows[graph.RolePrimary],
		FollowsSecondary: memory.follows[graph.RoleSecondary],
		BlocksPrimary:    memory.blocks[graph.RolePrimary],
		BlocksSecondary:  memory.blocks[graph.RoleSecondary],
	}
}

func (memory *MemoryGateway) read(ctx context.Context, role graph.AccountRole, relation string, source map[graph.AccountRole]graph.ActorSet) (graph.ActorSet, error) {
	if contextErr := ctx.Err(); contextErr != nil {
		return graph.ActorSet{}, contextErr
	}
	memory.mutex.Lock()
	defer memory.mutex.Unlock()
	if fetchErr := memory.FetchErrors[role][relation]; fetchErr != nil {
		return graph.ActorSet{}, &gateway.FetchError{Role: role, Relation: relation, Err: fetchErr}
	}
	return source[role], nil
}

func (memory *MemoryGateway) write(ctx context.Context, operation string, role graph.AccountRole, actor graph.Actor, mutate func()) error {
	if contextErr := ctx.Err(); contextErr != nil {
		return &gateway.ActionError{Operation: operation, Role: role, Actor: actor, Err: contextErr}
	}
	memory.mutex.Lock()
	defer memory.mutex.Unlock()
	memory.calls = append(memory.calls, Call{Operation: operation, Role: role, Actor: actor})
	if actionErr := memory.ActionErrors[actor]; actionErr != nil {
		return &gateway.ActionError{Operation: operation, Role: role, Actor: actor, Err: actionErr}
	}
	mutate()
	return nil
}
