package bluesky

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	retryAfterHeaderName         = "Retry-After"
	rateLimitResetHeaderName     = "ratelimit-reset"
	defaultMaxAttempts           = 6
	defaultBaseBackoff           = 500 * time.Millisecond
	defaultMaxBackoff            = 8 * time.Second
	defaultRateLimitFallback     = 20 * time.Second
	maxResponseBodyBytes         = 4 * 1024 * 1024
	errMessageExhaustedRetries   = "exhausted retries"
	logMessageRateLimited        = "rate limited, waiting before retry"
	logMessageTransientFailure   = "transient failure, backing off"
	logFieldAttempt              = "attempt"
	logFieldMaxAttempts          = "max_attempts"
	logFieldWait                 = "wait"
	logFieldStatusCode           = "status_code"
	logFieldEndpoint             = "endpoint"
	transientFailureStatusPrefix = 5
)

// ErrExhaustedRetries indicates every attempt hit a rate limit or transient failure.
var ErrExhaustedRetries = errors.New(errMessageExhaustedRetries)

// RetryConfig bounds retries of rate-limited and transient failures.
type RetryConfig struct {
	MaxAttempts       int
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	RateLimitFallback time.Duration
	Jitter            time.Duration
}

type retryPolicy struct {
	maxAttempts       int
	baseBackoff       time.Duration
	maxBackoff        time.Duration
	rateLimitFallback time.Duration
	jitter            time.Duration
	sampler           *durationSampler
	now               func() time.Time
	logger            *zap.Logger
}

func newRetryPolicy(configuration RetryConfig, sampler *durationSampler, now func() time.Time, logger *zap.Logger) retryPolicy {
	policy := retryPolicy{
		maxAttempts:       configuration.MaxAttempts,
		baseBackoff:       configuration.BaseBackoff,
		maxBackoff:        configuration.MaxBackoff,
		rateLimitFallback: configuration.RateLimitFallback,
		jitter:            configuration.Jitter,
		sampler:           sampler,
		now:               now,
		logger:            logger,
	}
	if policy.maxAttempts <= 0 {
		policy.maxAttempts = defaultMaxAttempts
	}
	if policy.baseBackoff <= 0 {
		policy.baseBackoff = defaultBaseBackoff
	}
	if policy.maxBackoff <= 0 {
		policy.maxBackoff = defaultMaxBackoff
	}
	if policy.rateLimitFallback <= 0 {
		policy.rateLimitFallback = defaultRateLimitFallback
	}
	return policy
}

type rawResponse struct {
	statusCode int
	header     http.Header
	body       []byte
}

// do sends the request built by newRequest until it gets a response that is neither a
// rate limit nor a 5xx, or until attempts run out. newRequest is called per attempt so
// request bodies can be replayed.
func (policy retryPolicy) do(ctx context.Context, httpClient *http.Client, endpoint string, newRequest func(context.Context) (*http.Request, error)) (rawResponse, error) {
	var lastErr error

	for attemptIndex := 1; attemptIndex <= policy.maxAttempts; attemptIndex++ {
		httpRequest, requestErr := newRequest(ctx)
		if requestErr != nil {
			return rawResponse{}, requestErr
		}

		httpResponse, doErr := httpClient.Do(httpRequest)
		if doErr != nil {
			if ctx.Err() != nil {
				return rawResponse{}, ctx.Err()
			}
			lastErr = doErr
			if waitErr := policy.backoff(ctx, endpoint, attemptIndex, 0); waitErr != nil {
				return rawResponse{}, waitErr
			}
			continue
		}

		body, readErr := io.ReadAll(io.LimitReader(httpResponse.Body, maxResponseBodyBytes))
		_ = httpResponse.Body.Close()
		if readErr != nil {
			lastErr = readErr
			if waitErr := policy.backoff(ctx, endpoint, attemptIndex, httpResponse.StatusCode); waitErr != nil {
				return rawResponse{}, waitErr
			}
			continue
		}
		response := rawResponse{statusCode: httpResponse.StatusCode, header: httpResponse.Header, body: body}

		if response.statusCode == http.StatusTooManyRequests {
			lastErr = newXRPCError(endpoint, response)
			if attemptIndex == policy.maxAttempts {
				break
			}
			wait := policy.rateLimitWait(response.header)
			policy.logger.Warn(logMessageRateLimited,
				zap.String(logFieldEndpoint, endpoint),
				zap.Int(logFieldAttempt, attemptIndex),
				zap.Int(logFieldMaxAttempts, policy.maxAttempts),
				zap.Duration(logFieldWait, wait))
			if waitErr := waitForDuration(ctx, wait); waitErr != nil {
				return rawResponse{}, waitErr
			}
			continue
		}

		if response.statusCode/100 == transientFailureStatusPrefix {
			lastErr = newXRPCError(endpoint, response)
			if waitErr := policy.backoff(ctx, endpoint, attemptIndex, response.statusCode); waitErr != nil {
				return rawResponse{}, waitErr
			}
			continue
		}

		return response, nil
	}

	if lastErr == nil {
		return rawResponse{}, ErrExhaustedRetries
	}
	return rawResponse{}, fmt.Errorf("%w: %w", ErrExhaustedRetries, lastErr)
}

// rateLimitWait prefers Retry-After seconds, then the ratelimit-reset epoch.
func (policy retryPolicy) rateLimitWait(headers http.Header) time.Duration {
	if retryAfter := strings.TrimSpace(headers.Get(retryAfterHeaderName)); retryAfter != "" {
		if seconds, parseErr := strconv.Atoi(retryAfter); parseErr == nil && seconds >= 0 {
			return time.Duration(seconds)*time.Second + policy.jitterDuration()
		}
	}
	if reset := strings.TrimSpace(headers.Get(rateLimitResetHeaderName)); reset != "" {
		if unixSeconds, parseErr := strconv.ParseInt(reset, 10, 64); parseErr == nil {
			wait := time.Unix(unixSeconds, 0).Sub(policy.now())
			if wait < 0 {
				wait = policy.baseBackoff
			}
			return wait + policy.jitterDuration()
		}
	}
	return policy.rateLimitFallback + policy.jitterDuration()
}

func (policy retryPolicy) backoff(ctx context.Context, endpoint string, attemptIndex int, statusCode int) error {
	if attemptIndex >= policy.maxAttempts {
		return nil
	}
	multiplier := math.Pow(2, float64(attemptIndex-1))
	duration := time.Duration(multiplier * float64(policy.baseBackoff))
	if duration > policy.maxBackoff {
		duration = policy.maxBackoff
	}
	duration += policy.jitterDuration()
	policy.logger.Debug(logMessageTransientFailure,
		zap.String(logFieldEndpoint, endpoint),
		zap.Int(logFieldStatusCode, statusCode),
		zap.Int(logFieldAttempt, attemptIndex),
		zap.Duration(logFieldWait, duration))
	return waitForDuration(ctx, duration)
}

func (policy retryPolicy) jitterDuration() time.Duration {
	return policy.sampler.sample(policy.jitter, policy.jitter)
}
