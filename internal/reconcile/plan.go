package reconcile

import (
	"fmt"

	"github.com/f-sync/blocksync/internal/graph"
)

const (
	actionNameUnfollow = "unfollow"
	actionNameBlock    = "block"
	actionNameUnblock  = "unblock"
	actionNameUnknown  = "unknown"
	actionStringFormat = "%s(%s, %s)"
)

// ActionKind enumerates the state changes the reconciler can plan.
type ActionKind int

const (
	// ActionUnfollow removes a follow relationship.
	ActionUnfollow ActionKind = iota + 1
	// ActionBlock creates a block.
	ActionBlock
	// ActionUnblock removes a block.
	ActionUnblock
)

func (kind ActionKind) String() string {
	switch kind {
	case ActionUnfollow:
		return actionNameUnfollow
	case ActionBlock:
		return actionNameBlock
	case ActionUnblock:
		return actionNameUnblock
	default:
		return actionNameUnknown
	}
}

// MarshalText encodes the kind by name.
func (kind ActionKind) MarshalText() ([]byte, error) {
	return []byte(kind.String()), nil
}

// Action is a single planned state change scoped to one account role and one target actor.
type Action struct {
	Kind  ActionKind        `json:"kind"`
	Role  graph.AccountRole `json:"role"`
	Actor graph.Actor       `json:"actor"`
}

// Unfollow builds an unfollow action.
func Unfollow(role graph.AccountRole, actor graph.Actor) Action {
	return Action{Kind: ActionUnfollow, Role: role, Actor: actor}
}

// Block builds a block action.
func Block(role graph.AccountRole, actor graph.Actor) Action {
	return Action{Kind: ActionBlock, Role: role, Actor: actor}
}

// Unblock builds an unblock action.
func Unblock(role graph.AccountRole, actor graph.Actor) Action {
	return Action{Kind: ActionUnblock, Role: role, Actor: actor}
}

func (action Action) String() string {
	return fmt.Sprintf(actionStringFormat, action.Kind, action.Role, action.Actor)
}

// Plan is the ordered list of actions computed from one snapshot.
type Plan struct {
	Actions []Action `json:"actions"`
}

// IsEmpty reports whether the plan has nothing to do.
func (plan Plan) IsEmpty() bool {
	return len(plan.Actions) == 0
}

// Len returns the number of planned actions.
func (plan Plan) Len() int {
	return len(plan.Actions)
}

// Count returns the number of actions matching kind and role.
func (plan Plan) Count(kind ActionKind, role graph.AccountRole) int {
	matching := 0
	for _, action := range plan.Actions {
		if action.Kind == kind && action.Role == role {
			matching++
		}
	}
	return matching
}

// Filter returns the actions matching kind and role, in plan order.
func (plan Plan) Filter(kind ActionKind, role graph.AccountRole) []Action {
	var matching []Action
	for _, action := range plan.Actions {
		if action.Kind == kind && action.Role == role {
			matching = append(matching, action)
		}
	}
	return matching
}

// actionBatch is a half-open index range of consecutive actions sharing a kind.
type actionBatch struct {
	kind  ActionKind
	start int
	end   int
}

// batches splits the plan at category boundaries. Actions inside a batch are independent.
func (plan Plan) batches() []actionBatch {
	var batches []actionBatch
	for index, action := range plan.Actions {
		if len(batches) == 0 || batches[len(batches)-1].kind != action.Kind {
			batches = append(batches, actionBatch{kind: action.Kind, start: index, end: index + 1})
			continue
		}
		batches[len(batches)-1].end = index + 1
	}
	return batches
}
