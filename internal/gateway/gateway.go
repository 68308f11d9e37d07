package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/f-sync/blocksync/internal/graph"
	"github.com/f-sync/blocksync/internal/reconcile"
)

const (
	// RelationFollows names the follow set of an account.
	RelationFollows = "follows"

	// RelationBlocks names the block set of an account.
	RelationBlocks = "blocks"

	// OperationBlock names the block write.
	OperationBlock = "block"

	// OperationUnblock names the unblock write.
	OperationUnblock = "unblock"

	// OperationUnfollow names the unfollow write.
	OperationUnfollow = "unfollow"

	fetchErrorFormat        = "fetch %s of %s account: %v"
	actionErrorFormat       = "%s %s on %s account: %v"
	authErrorFormat         = "authenticate %s account %q: %v"
	errMessageMissingSecret = "credentials are missing an identifier or password"
	errMessageUnknownRole   = "unknown account role"
	errMessageNotAuthorized = "account has no active session"
)

var (
	// ErrMissingCredentials indicates credentials without an identifier or password.
	ErrMissingCredentials = errors.New(errMessageMissingSecret)

	// ErrUnknownRole indicates a role outside primary and secondary.
	ErrUnknownRole = errors.New(errMessageUnknownRole)

	// ErrNotAuthenticated indicates a gateway call made before authentication.
	ErrNotAuthenticated = errors.New(errMessageNotAuthorized)
)

// AccountGateway is the capability the engine consumes: read both accounts' sets and
// apply actions to them. Implementations paginate internally and make writes idempotent.
type AccountGateway interface {
	reconcile.Applier

	// Self returns the stable identifier of the authenticated account bound to role.
	Self(role graph.AccountRole) graph.Actor
	// FetchFollows returns the complete follow set of the account bound to role.
	FetchFollows(ctx context.Context, role graph.AccountRole) (graph.ActorSet, error)
	// FetchBlocks returns the complete block set of the account bound to role.
	FetchBlocks(ctx context.Context, role graph.AccountRole) (graph.ActorSet, error)
}

// CacheResetter is implemented by gateways that cache remote state between calls. The
// pipeline resets caches before applying a plan so writes are decided against the
// repository as it is now, not as an earlier run saw it.
type CacheResetter interface {
	ResetCaches()
}

// Credentials are supplied out of band for one account.
type Credentials struct {
	Identifier string
	Password   string
}

// Validate reports ErrMissingCredentials when either field is blank.
func (credentials Credentials) Validate() error {
	if credentials.Identifier == "" || credentials.Password == "" {
		return ErrMissingCredentials
	}
	return nil
}

// Session describes an authenticated account.
type Session struct {
	Actor  graph.Actor
	Handle string
}

// Authenticator establishes a session for one role before any fetch or write.
type Authenticator interface {
	Authenticate(ctx context.Context, role graph.AccountRole, credentials Credentials) (Session, error)
}

// FetchError reports that a snapshot could not be built. It is fatal to the run.
type FetchError struct {
	Role     graph.AccountRole
	Relation string
	Err      error
}

func (fetchError *FetchError) Error() string {
	return fmt.Sprintf(fetchErrorFormat, fetchError.Relation, fetchError.Role, fetchError.Err)
}

func (fetchError *FetchError) Unwrap() error {
	return fetchError.Err
}

// ActionError reports a single failed write. It never aborts a plan.
type ActionError struct {
	Operation string
	Role      graph.AccountRole
	Actor     graph.Actor
	Err       error
}

func (actionError *ActionError) Error() string {
	return fmt.Sprintf(actionErrorFormat, actionError.Operation, actionError.Actor, actionError.Role, actionError.Err)
}

func (actionError *ActionError) Unwrap() error {
	return actionError.Err
}

// AuthError reports that a session could not be established. It is fatal to the run.
type AuthError struct {
	Role       graph.AccountRole
	Identifier string
	Err        error
}

func (authError *AuthError) Error() string {
	return fmt.Sprintf(authErrorFormat, authError.Role, authError.Identifier, authError.Err)
}

func (authError *AuthError) Unwrap() error {
	return authError.Err
}

// IsFatal reports whether err must abort a run before any mutation.
func IsFatal(err error) bool {
	var fetchError *FetchError
	var authError *AuthError
	return errors.As(err, &fetchError) || errors.As(err, &authError)
}
