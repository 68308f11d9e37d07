package bluesky

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/f-sync/blocksync/internal/gateway"
	"github.com/f-sync/blocksync/internal/graph"
)

var (
	_ gateway.AccountGateway = (*Gateway)(nil)
	_ gateway.Authenticator  = (*Gateway)(nil)
	_ gateway.CacheResetter  = (*Gateway)(nil)
)

// Gateway binds one Client to each account role.
type Gateway struct {
	clients map[graph.AccountRole]*Client
}

// NewGateway constructs a Gateway over a primary and a secondary client.
func NewGateway(primary *Client, secondary *Client) *Gateway {
	return &Gateway{clients: map[graph.AccountRole]*Client{
		graph.RolePrimary:   primary,
		graph.RoleSecondary: secondary,
	}}
}

// Authenticate logs the client bound to role in, reusing its session when the credentials
// have not changed.
func (accountGateway *Gateway) Authenticate(ctx context.Context, role graph.AccountRole, credentials gateway.Credentials) (gateway.Session, error) {
	client, clientErr := accountGateway.client(role)
	if clientErr == nil {
		var session Session
		session, clientErr = client.EnsureSession(ctx, credentials)
		if clientErr == nil {
			return gateway.Session{Actor: session.DID, Handle: session.Handle}, nil
		}
	}
	return gateway.Session{}, &gateway.AuthError{Role: role, Identifier: credentials.Identifier, Err: clientErr}
}

// LoginBoth authenticates both accounts concurrently and fails if either login fails.
func (accountGateway *Gateway) LoginBoth(ctx context.Context, primary gateway.Credentials, secondary gateway.Credentials) error {
	group, groupCtx := errgroup.WithContext(ctx)
	credentialsByRole := map[graph.AccountRole]gateway.Credentials{
		graph.RolePrimary:   primary,
		graph.RoleSecondary: secondary,
	}
	for _, role := range graph.Roles() {
		role := role
		group.Go(func() error {
			_, authErr := accountGateway.Authenticate(groupCtx, role, credentialsByRole[role])
			return authErr
		})
	}
	return group.Wait()
}

// ResetCaches drops the record indexes of both clients.
func (accountGateway *Gateway) ResetCaches() {
	for _, client := range accountGateway.clients {
		if client != nil {
			client.ResetRecordIndexes()
		}
	}
}

// Self implements gateway.AccountGateway.
func (accountGateway *Gateway) Self(role graph.AccountRole) graph.Actor {
	client, clientErr := accountGateway.client(role)
	if clientErr != nil {
		return ""
	}
	return client.Self()
}

// FetchFollows implements gateway.AccountGateway.
func (accountGateway *Gateway) FetchFollows(ctx context.Context, role graph.AccountRole) (graph.ActorSet, error) {
	return accountGateway.fetch(ctx, role, gateway.RelationFollows, (*Client).Follows)
}

// FetchBlocks implements gateway.AccountGateway.
func (accountGateway *Gateway) FetchBlocks(ctx context.Context, role graph.AccountRole) (graph.ActorSet, error) {
	return accountGateway.fetch(ctx, role, gateway.RelationBlocks, (*Client).Blocks)
}

// Block implements gateway.AccountGateway.
func (accountGateway *Gateway) Block(ctx context.Context, role graph.AccountRole, actor graph.Actor) error {
	return accountGateway.write(ctx, role, actor, gateway.OperationBlock, (*Client).Block)
}

// Unblock implements gateway.AccountGateway.
func (accountGateway *Gateway) Unblock(ctx context.Context, role graph.AccountRole, actor graph.Actor) error {
	return accountGateway.write(ctx, role, actor, gateway.OperationUnblock, (*Client).Unblock)
}

// Unfollow implements gateway.AccountGateway.
func (accountGateway *Gateway) Unfollow(ctx context.Context, role graph.AccountRole, actor graph.Actor) error {
	return accountGateway.write(ctx, role, actor, gateway.OperationUnfollow, (*Client).Unfollow)
}

func (accountGateway *Gateway) fetch(ctx context.Context, role graph.AccountRole, relation string, read func(*Client, context.Context) (graph.ActorSet, error)) (graph.ActorSet, error) {
	client, clientErr := accountGateway.client(role)
	if clientErr != nil {
		return graph.ActorSet{}, &gateway.FetchError{Role: role, Relation: relation, Err: clientErr}
	}
	actorSet, readErr := read(client, ctx)
	if readErr != nil {
		return graph.ActorSet{}, &gateway.FetchError{Role: role, Relation: relation, Err: readErr}
	}
	return actorSet, nil
}

func (accountGateway *Gateway) write(ctx context.Context, role graph.AccountRole, actor graph.Actor, operation string, apply func(*Client, context.Context, graph.Actor) error) error {
	client, clientErr := accountGateway.client(role)
	if clientErr == nil {
		clientErr = apply(client, ctx, actor)
		if clientErr == nil {
			return nil
		}
	}
	return &gateway.ActionError{Operation: operation, Role: role, Actor: actor, Err: clientErr}
}

func (accountGateway *Gateway) client(role graph.AccountRole) (*Client, error) {
	client, exists := accountGateway.clients[role]
	if !exists || client == nil {
		return nil, fmt.Errorf("%w: %d", gateway.ErrUnknownRole, role)
	}
	return client, nil
}
