package bluesky

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/f-sync/blocksync/internal/gateway"
	"github.com/f-sync/blocksync/internal/graph"
)

const (
	createSessionNSID        = "com.atproto.server.createSession"
	refreshSessionNSID       = "com.atproto.server.refreshSession"
	expiredTokenErrorName    = "ExpiredToken"
	errMessageEmptySession   = "server returned a session without a did or access token"
	errMessageRefreshSession = "refresh session"
	logMessageSessionCreated = "session created"
	logMessageSessionRefresh = "access token expired, refreshing session"
	logMessageSessionReused  = "reusing existing session"
	logMessageSessionRelogin = "refresh token rejected, logging in again"
	logFieldDID              = "did"
	logFieldHandle           = "handle"
	logFieldIdentifier       = "identifier"
)

var errEmptySession = errors.New(errMessageEmptySession)

// Session holds the tokens of an authenticated account.
type Session struct {
	DID        graph.Actor
	Handle     string
	AccessJWT  string
	RefreshJWT string
}

type createSessionInput struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

type sessionOutput struct {
	DID        string `json:"did"`
	Handle     string `json:"handle"`
	AccessJWT  string `json:"accessJwt"`
	RefreshJWT string `json:"refreshJwt"`
}

func (output sessionOutput) toSession() (Session, error) {
	session := Session{
		DID:        graph.ParseActor(output.DID),
		Handle:     strings.TrimSpace(output.Handle),
		AccessJWT:  output.AccessJWT,
		RefreshJWT: output.RefreshJWT,
	}
	if session.DID.IsZero() || session.AccessJWT == "" {
		return Session{}, errEmptySession
	}
	return session, nil
}

// Authenticate creates a session with an identifier (handle, DID or email) and an app password.
// A new session starts with empty record indexes.
func (client *Client) Authenticate(ctx context.Context, credentials gateway.Credentials) (Session, error) {
	if validateErr := credentials.Validate(); validateErr != nil {
		return Session{}, validateErr
	}
	session, loginErr := client.createSession(ctx, credentials)
	if loginErr != nil {
		return Session{}, loginErr
	}
	client.ResetRecordIndexes()
	return session, nil
}

// EnsureSession returns the current session when it was created with the same credentials
// and logs in otherwise. Expired access tokens are refreshed on use.
func (client *Client) EnsureSession(ctx context.Context, credentials gateway.Credentials) (Session, error) {
	client.sessionMutex.RLock()
	current := client.session
	reusable := current.AccessJWT != "" && client.sessionCredentials == credentials
	client.sessionMutex.RUnlock()
	if reusable {
		client.logger.Debug(logMessageSessionReused, zap.String(logFieldDID, current.DID.String()))
		return current, nil
	}
	return client.Authenticate(ctx, credentials)
}

func (client *Client) createSession(ctx context.Context, credentials gateway.Credentials) (Session, error) {
	var output sessionOutput
	input := createSessionInput{Identifier: strings.TrimSpace(credentials.Identifier), Password: credentials.Password}
	if callErr := client.call(ctx, http.MethodPost, createSessionNSID, nil, input, &output, ""); callErr != nil {
		return Session{}, callErr
	}
	session, sessionErr := output.toSession()
	if sessionErr != nil {
		return Session{}, sessionErr
	}

	client.sessionMutex.Lock()
	client.session = session
	client.sessionCredentials = credentials
	client.sessionMutex.Unlock()
	client.logger.Info(logMessageSessionCreated,
		zap.String(logFieldIdentifier, input.Identifier),
		zap.String(logFieldDID, session.DID.String()),
		zap.String(logFieldHandle, session.Handle))
	return session, nil
}

// refresh exchanges the refresh token for new tokens. Concurrent callers that saw the same
// expired access token share a single refresh. A rejected refresh token falls back to a
// new login with the stored credentials.
func (client *Client) refresh(ctx context.Context, expiredAccessJWT string) (Session, error) {
	result, refreshErr, _ := client.refreshGroup.Do(expiredAccessJWT, func() (interface{}, error) {
		current, sessionErr := client.currentSession()
		if sessionErr != nil {
			return Session{}, sessionErr
		}
		if current.AccessJWT != expiredAccessJWT {
			return current, nil
		}

		client.logger.Info(logMessageSessionRefresh, zap.String(logFieldDID, current.DID.String()))
		var output sessionOutput
		callErr := client.call(ctx, http.MethodPost, refreshSessionNSID, nil, nil, &output, current.RefreshJWT)
		if isRejectedToken(callErr) {
			client.sessionMutex.RLock()
			credentials := client.sessionCredentials
			client.sessionMutex.RUnlock()
			if credentials.Validate() == nil {
				client.logger.Info(logMessageSessionRelogin, zap.String(logFieldDID, current.DID.String()))
				return client.createSession(ctx, credentials)
			}
		}
		if callErr != nil {
			return Session{}, callErr
		}
		refreshed, convertErr := output.toSession()
		if convertErr != nil {
			return Session{}, convertErr
		}
		client.storeSession(refreshed)
		return refreshed, nil
	})
	if refreshErr != nil {
		return Session{}, fmt.Errorf("%s: %w", errMessageRefreshSession, refreshErr)
	}
	session, _ := result.(Session)
	return session, nil
}

func (client *Client) currentSession() (Session, error) {
	client.sessionMutex.RLock()
	defer client.sessionMutex.RUnlock()
	if client.session.AccessJWT == "" {
		return Session{}, gateway.ErrNotAuthenticated
	}
	return client.session, nil
}

// isRejectedToken reports an XRPC refusal of the presented token.
func isRejectedToken(err error) bool {
	var xrpcError *XRPCError
	if !errors.As(err, &xrpcError) {
		return false
	}
	return xrpcError.StatusCode == http.StatusBadRequest || xrpcError.StatusCode == http.StatusUnauthorized
}

func (client *Client) storeSession(session Session) {
	client.sessionMutex.Lock()
	defer client.sessionMutex.Unlock()
	client.session = session
}
