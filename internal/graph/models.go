package graph

import (
	"sort"
	"strings"
)

const (
	roleNamePrimary    = "primary"
	roleNameSecondary  = "secondary"
	roleNameUnknown    = "unknown"
	roleLabelPrimary   = "A"
	roleLabelSecondary = "B"
	roleLabelUnknown   = "?"
)

// Actor is the stable identifier of an account in the network (a DID on Bluesky).
// Handles are mutable and never used for identity.
type Actor string

// ParseActor normalizes a raw identifier. Blank input yields the zero Actor.
func ParseActor(identifier string) Actor {
	return Actor(strings.TrimSpace(identifier))
}

// String returns the raw identifier.
func (actor Actor) String() string {
	return string(actor)
}

// IsZero reports whether the Actor carries no identifier.
func (actor Actor) IsZero() bool {
	return actor == ""
}

// AccountRole binds one of the two synchronized accounts.
type AccountRole int

const (
	// RolePrimary wins follow conflicts.
	RolePrimary AccountRole = iota + 1
	// RoleSecondary wins block conflicts.
	RoleSecondary
)

// Roles lists both roles in their canonical order.
func Roles() []AccountRole {
	return []AccountRole{RolePrimary, RoleSecondary}
}

func (role AccountRole) String() string {
	switch role {
	case RolePrimary:
		return roleNamePrimary
	case RoleSecondary:
		return roleNameSecondary
	default:
		return roleNameUnknown
	}
}

// MarshalText encodes the role by name.
func (role AccountRole) MarshalText() ([]byte, error) {
	return []byte(role.String()), nil
}

// Label returns the short account label used in reports ("A" or "B").
func (role AccountRole) Label() string {
	switch role {
	case RolePrimary:
		return roleLabelPrimary
	case RoleSecondary:
		return roleLabelSecondary
	default:
		return roleLabelUnknown
	}
}

// Valid reports whether role is one of the two known roles.
func (role AccountRole) Valid() bool {
	return role == RolePrimary || role == RoleSecondary
}

// Other returns the opposite role.
func (role AccountRole) Other() AccountRole {
	if role == RolePrimary {
		return RoleSecondary
	}
	return RolePrimary
}

// ActorSet is an immutable set of actors. Every operation returns a new set.
type ActorSet struct {
	members map[Actor]struct{}
}

// NewActorSet builds a set from the provided actors, ignoring zero values.
func NewActorSet(actors ...Actor) ActorSet {
	members := make(map[Actor]struct{}, len(actors))
	for _, actor := range actors {
		if actor.IsZero() {
			continue
		}
		members[actor] = struct{}{}
	}
	return ActorSet{members: members}
}

// Contains reports membership.
func (set ActorSet) Contains(actor Actor) bool {
	_, exists := set.members[actor]
	return exists
}

// Len returns the number of members.
func (set ActorSet) Len() int {
	return len(set.members)
}

// IsEmpty reports whether the set has no members.
func (set ActorSet) IsEmpty() bool {
	return len(set.members) == 0
}

// Sorted returns the members in ascending identifier order.
func (set ActorSet) Sorted() []Actor {
	sortedActors := make([]Actor, 0, len(set.members))
	for actor := range set.members {
		sortedActors = append(sortedActors, actor)
	}
	sort.Slice(sortedActors, func(firstIndex, secondIndex int) bool {
		return sortedActors[firstIndex] < sortedActors[secondIndex]
	})
	return sortedActors
}

// Union returns the members present in either set.
func (set ActorSet) Union(other ActorSet) ActorSet {
	members := make(map[Actor]struct{}, len(set.members)+len(other.members))
	for actor := range set.members {
		members[actor] = struct{}{}
	}
	for actor := range other.members {
		members[actor] = struct{}{}
	}
	return ActorSet{members: members}
}

// Intersect returns the members present in both sets.
func (set ActorSet) Intersect(other ActorSet) ActorSet {
	smaller, larger := set, other
	if len(larger.members) < len(smaller.members) {
		smaller, larger = larger, smaller
	}
	members := make(map[Actor]struct{})
	for actor := range smaller.members {
		if larger.Contains(actor) {
			members[actor] = struct{}{}
		}
	}
	return ActorSet{members: members}
}

// Difference returns the members of set that are absent from other.
func (set ActorSet) Difference(other ActorSet) ActorSet {
	members := make(map[Actor]struct{}, len(set.members))
	for actor := range set.members {
		if !other.Contains(actor) {
			members[actor] = struct{}{}
		}
	}
	return ActorSet{members: members}
}

// Without returns the set minus the listed actors.
func (set ActorSet) Without(actors ...Actor) ActorSet {
	return set.Difference(NewActorSet(actors...))
}

// Snapshot captures both accounts' follow and block sets at one point in time.
type Snapshot struct {
	PrimaryID        Actor
	SecondaryID      Actor
	FollowsPrimary   ActorSet
	FollowsSecondary ActorSet
	BlocksPrimary    ActorSet
	BlocksSecondary  ActorSet
}

// Self returns the identifier bound to role.
func (snapshot Snapshot) Self(role AccountRole) Actor {
	if role == RoleSecondary {
		return snapshot.SecondaryID
	}
	return snapshot.PrimaryID
}

// Follows returns the follow set captured for role.
func (snapshot Snapshot) Follows(role AccountRole) ActorSet {
	if role == RoleSecondary {
		return snapshot.FollowsSecondary
	}
	return snapshot.FollowsPrimary
}

// Blocks returns the block set captured for role.
func (snapshot Snapshot) Blocks(role AccountRole) ActorSet {
	if role == RoleSecondary {
		return snapshot.BlocksSecondary
	}
	return snapshot.BlocksPrimary
}

// Sanitized returns a copy of the snapshot with each account's own identifier removed
// from the sets it produced.
func (snapshot Snapshot) Sanitized() Snapshot {
	return Snapshot{
		PrimaryID:        snapshot.PrimaryID,
		SecondaryID:      snapshot.SecondaryID,
		FollowsPrimary:   snapshot.FollowsPrimary.Without(snapshot.PrimaryID),
		FollowsSecondary: snapshot.FollowsSecondary.Without(snapshot.SecondaryID),
		BlocksPrimary:    snapshot.BlocksPrimary.Without(snapshot.PrimaryID),
		BlocksSecondary:  snapshot.BlocksSecondary.Without(snapshot.SecondaryID),
	}
}
