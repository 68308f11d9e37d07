// Package bluesky talks to an AT Protocol personal data server over XRPC and exposes the
// two managed accounts as a gateway.AccountGateway.
package bluesky

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/f-sync/blocksync/internal/gateway"
	"github.com/f-sync/blocksync/internal/graph"
)

const (
	// DefaultServiceURL is the public Bluesky entryway.
	DefaultServiceURL = "https://bsky.social"

	xrpcPathPrefix               = "/xrpc/"
	authorizationHeaderName      = "Authorization"
	bearerTokenFormat            = "Bearer %s"
	contentTypeHeaderName        = "Content-Type"
	jsonContentType              = "application/json"
	userAgentHeaderName          = "User-Agent"
	defaultUserAgentValue        = "blocksync/1.0"
	defaultPageLimit             = 100
	maxPageLimit                 = 100
	defaultDialTimeout           = 5 * time.Second
	defaultTLSHandshakeTimeout   = 5 * time.Second
	defaultResponseHeaderTimeout = 15 * time.Second
	defaultHTTPTimeout           = 30 * time.Second
	xrpcErrorFormat              = "%s returned status %d: %s"
	xrpcErrorNameFormat          = "%s returned status %d: %s: %s"
	errMessageParseServiceURL    = "parse service url"
	errMessageEncodeRequest      = "encode xrpc request"
	errMessageDecodeResponse     = "decode xrpc response"
)

// Config customizes a Client instance.
type Config struct {
	ServiceURL string
	HTTPClient *http.Client
	PageLimit  int
	Retry      RetryConfig
	Pacing     PacingConfig
	Logger     *zap.Logger
	Now        func() time.Time
}

// XRPCError is a non-2xx XRPC response.
type XRPCError struct {
	Endpoint   string
	StatusCode int
	Name       string
	Message    string
}

func (xrpcError *XRPCError) Error() string {
	if xrpcError.Name == "" {
		return fmt.Sprintf(xrpcErrorFormat, xrpcError.Endpoint, xrpcError.StatusCode, xrpcError.Message)
	}
	return fmt.Sprintf(xrpcErrorNameFormat, xrpcError.Endpoint, xrpcError.StatusCode, xrpcError.Name, xrpcError.Message)
}

type xrpcErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func newXRPCError(endpoint string, response rawResponse) *XRPCError {
	xrpcError := &XRPCError{Endpoint: endpoint, StatusCode: response.statusCode}
	var errorBody xrpcErrorBody
	if json.Unmarshal(response.body, &errorBody) == nil {
		xrpcError.Name = errorBody.Error
		xrpcError.Message = errorBody.Message
	}
	if xrpcError.Message == "" {
		xrpcError.Message = strings.TrimSpace(string(response.body))
	}
	return xrpcError
}

// Client is an authenticated XRPC client for one account.
type Client struct {
	httpClient  *http.Client
	serviceURL  *url.URL
	pageLimit   int
	retryPolicy retryPolicy
	writePacer  *requestPacer
	logger      *zap.Logger
	now         func() time.Time

	sessionMutex       sync.RWMutex
	session            Session
	sessionCredentials gateway.Credentials
	refreshGroup       singleflight.Group

	recordMutex      sync.Mutex
	recordIndexes    map[string]recordIndex
	recordGeneration uint64
	indexGroup       singleflight.Group
}

// NewClient constructs a Client with sensible defaults for HTTP timeouts, paging and retries.
func NewClient(configuration Config) (*Client, error) {
	serviceURLString := strings.TrimSpace(configuration.ServiceURL)
	if serviceURLString == "" {
		serviceURLString = DefaultServiceURL
	}
	parsedServiceURL, err := url.Parse(strings.TrimRight(serviceURLString, "/"))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageParseServiceURL, err)
	}

	httpClient := configuration.HTTPClient
	if httpClient == nil {
		httpClient = newHTTPClient()
	}

	pageLimit := configuration.PageLimit
	if pageLimit <= 0 || pageLimit > maxPageLimit {
		pageLimit = defaultPageLimit
	}

	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	now := configuration.Now
	if now == nil {
		now = time.Now
	}

	sampler := newDurationSampler(configuration.Pacing.RandomGenerator)
	client := &Client{
		httpClient:    httpClient,
		serviceURL:    parsedServiceURL,
		pageLimit:     pageLimit,
		retryPolicy:   newRetryPolicy(configuration.Retry, sampler, now, logger),
		writePacer:    newRequestPacer(configuration.Pacing, sampler, now),
		logger:        logger,
		now:           now,
		recordIndexes: make(map[string]recordIndex),
	}
	return client, nil
}

// Self returns the DID of the authenticated account, or the zero Actor before login.
func (client *Client) Self() graph.Actor {
	client.sessionMutex.RLock()
	defer client.sessionMutex.RUnlock()
	return client.session.DID
}

// query issues an authenticated XRPC GET and decodes the response into output.
func (client *Client) query(ctx context.Context, nsid string, parameters url.Values, output any) error {
	return client.authenticatedCall(ctx, http.MethodGet, nsid, parameters, nil, output)
}

// procedure issues an authenticated XRPC POST with a JSON body.
func (client *Client) procedure(ctx context.Context, nsid string, input any, output any) error {
	return client.authenticatedCall(ctx, http.MethodPost, nsid, nil, input, output)
}

// authenticatedCall refreshes the session once when the server reports an expired token.
func (client *Client) authenticatedCall(ctx context.Context, method string, nsid string, parameters url.Values, input any, output any) error {
	session, sessionErr := client.currentSession()
	if sessionErr != nil {
		return sessionErr
	}

	callErr := client.call(ctx, method, nsid, parameters, input, output, session.AccessJWT)
	if !isExpiredToken(callErr) {
		return callErr
	}

	refreshedSession, refreshErr := client.refresh(ctx, session.AccessJWT)
	if refreshErr != nil {
		return refreshErr
	}
	return client.call(ctx, method, nsid, parameters, input, output, refreshedSession.AccessJWT)
}

func (client *Client) call(ctx context.Context, method string, nsid string, parameters url.Values, input any, output any, bearerToken string) error {
	var payload []byte
	if input != nil {
		encoded, marshalErr := json.Marshal(input)
		if marshalErr != nil {
			return fmt.Errorf("%s: %w", errMessageEncodeRequest, marshalErr)
		}
		payload = encoded
	}

	endpointURL := client.serviceURL.JoinPath(xrpcPathPrefix + nsid)
	if len(parameters) > 0 {
		endpointURL.RawQuery = parameters.Encode()
	}
	endpoint := endpointURL.String()

	response, doErr := client.retryPolicy.do(ctx, client.httpClient, nsid, func(attemptCtx context.Context) (*http.Request, error) {
		var body *bytes.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		httpRequest, requestErr := newRequest(attemptCtx, method, endpoint, body)
		if requestErr != nil {
			return nil, requestErr
		}
		httpRequest.Header.Set(userAgentHeaderName, defaultUserAgentValue)
		if payload != nil {
			httpRequest.Header.Set(contentTypeHeaderName, jsonContentType)
		}
		if bearerToken != "" {
			httpRequest.Header.Set(authorizationHeaderName, fmt.Sprintf(bearerTokenFormat, bearerToken))
		}
		return httpRequest, nil
	})
	if doErr != nil {
		return doErr
	}

	if response.statusCode < 200 || response.statusCode >= 300 {
		return newXRPCError(nsid, response)
	}
	if output == nil || len(bytes.TrimSpace(response.body)) == 0 {
		return nil
	}
	if unmarshalErr := json.Unmarshal(response.body, output); unmarshalErr != nil {
		return fmt.Errorf("%s: %w", errMessageDecodeResponse, unmarshalErr)
	}
	return nil
}

func newRequest(ctx context.Context, method string, endpoint string, body *bytes.Reader) (*http.Request, error) {
	if body == nil {
		return http.NewRequestWithContext(ctx, method, endpoint, nil)
	}
	return http.NewRequestWithContext(ctx, method, endpoint, body)
}

func isExpiredToken(err error) bool {
	var xrpcError *XRPCError
	if !errors.As(err, &xrpcError) {
		return false
	}
	return xrpcError.Name == expiredTokenErrorName
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: defaultHTTPTimeout,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: 30 * time.Second}).DialContext,
			TLSHandshakeTimeout:   defaultTLSHandshakeTimeout,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConns:          100,
			MaxConnsPerHost:       100,
			ResponseHeaderTimeout: defaultResponseHeaderTimeout,
		},
	}
}
