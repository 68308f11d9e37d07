package bluesky

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRequestPacerReservesSpacedSlots(t *testing.T) {
	frozenTime := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	pacer := newRequestPacer(PacingConfig{
		BaseDelay: 100 * time.Millisecond,
		BurstSize: 2,
		BurstRest: time.Second,
	}, nil, func() time.Time { return frozenTime })

	expectedWaits := []time.Duration{0, 100 * time.Millisecond, 1200 * time.Millisecond, 1300 * time.Millisecond}
	for index, expected := range expectedWaits {
		if wait := pacer.reserve(); wait != expected {
			t.Fatalf("reservation %d: expected %s, got %s", index, expected, wait)
		}
	}
}

func TestRequestPacerJitterStaysInBounds(t *testing.T) {
	sampler := newDurationSampler(nil)
	for iteration := 0; iteration < 200; iteration++ {
		sampled := sampler.sample(100*time.Millisecond, 50*time.Millisecond)
		if sampled < 50*time.Millisecond || sampled > 150*time.Millisecond {
			t.Fatalf("sample %s outside [50ms, 150ms]", sampled)
		}
	}
	if sampled := sampler.sample(-time.Second, 0); sampled != 0 {
		t.Fatalf("expected negative base to clamp to zero, got %s", sampled)
	}
}

func TestNilPacerDoesNotWait(t *testing.T) {
	var pacer *requestPacer
	if err := pacer.Wait(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRetryPolicyRateLimitWait(t *testing.T) {
	frozenTime := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	policy := newRetryPolicy(RetryConfig{BaseBackoff: 250 * time.Millisecond, RateLimitFallback: 7 * time.Second}, newDurationSampler(nil), func() time.Time { return frozenTime }, zap.NewNop())

	testCases := []struct {
		name     string
		headers  map[string]string
		expected time.Duration
	}{
		{name: "retry after seconds", headers: map[string]string{retryAfterHeaderName: "3"}, expected: 3 * time.Second},
		{name: "retry after wins over reset", headers: map[string]string{retryAfterHeaderName: "1", rateLimitResetHeaderName: strconv.FormatInt(frozenTime.Add(time.Minute).Unix(), 10)}, expected: time.Second},
		{name: "reset epoch", headers: map[string]string{rateLimitResetHeaderName: strconv.FormatInt(frozenTime.Add(10*time.Second).Unix(), 10)}, expected: 10 * time.Second},
		{name: "reset in the past", headers: map[string]string{rateLimitResetHeaderName: strconv.FormatInt(frozenTime.Add(-time.Minute).Unix(), 10)}, expected: 250 * time.Millisecond},
		{name: "no headers", headers: map[string]string{}, expected: 7 * time.Second},
		{name: "unparseable retry after", headers: map[string]string{retryAfterHeaderName: "soon"}, expected: 7 * time.Second},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			headers := http.Header{}
			for key, value := range testCase.headers {
				headers.Set(key, value)
			}
			if wait := policy.rateLimitWait(headers); wait != testCase.expected {
				t.Fatalf("expected %s, got %s", testCase.expected, wait)
			}
		})
	}
}

func TestRetryPolicyLogsOnlyWaitsItTakes(t *testing.T) {
	testCases := []struct {
		name         string
		maxAttempts  int
		expectedLogs int
	}{
		{name: "single attempt never waits", maxAttempts: 1, expectedLogs: 0},
		{name: "last attempt is not announced", maxAttempts: 3, expectedLogs: 2},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
				writer.Header().Set(retryAfterHeaderName, "0")
				writer.WriteHeader(http.StatusTooManyRequests)
			}))
			t.Cleanup(server.Close)
			observedCore, observedLogs := observer.New(zapcore.DebugLevel)
			policy := newRetryPolicy(RetryConfig{MaxAttempts: testCase.maxAttempts}, newDurationSampler(nil), time.Now, zap.New(observedCore))

			_, err := policy.do(context.Background(), server.Client(), "app.bsky.graph.getBlocks", func(ctx context.Context) (*http.Request, error) {
				return http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
			})

			if !errors.Is(err, ErrExhaustedRetries) {
				t.Fatalf("expected ErrExhaustedRetries, got %v", err)
			}
			if logged := observedLogs.FilterMessage(logMessageRateLimited).Len(); logged != testCase.expectedLogs {
				t.Fatalf("expected %d rate limit logs, got %d", testCase.expectedLogs, logged)
			}
		})
	}
}

func TestRecordKeyFromURI(t *testing.T) {
	testCases := []struct {
		uri         string
		expected    string
		expectError bool
	}{
		{uri: "at://did:plc:abc/app.bsky.graph.block/3kabc", expected: "3kabc"},
		{uri: "did:plc:abc/app.bsky.graph.block/3kabc", expectError: true},
		{uri: "at://did:plc:abc/app.bsky.graph.block/", expectError: true},
		{uri: "at://did:plc:abc", expectError: true},
	}

	for _, testCase := range testCases {
		recordKey, err := recordKeyFromURI(testCase.uri)
		if testCase.expectError {
			if err == nil {
				t.Fatalf("expected error for %q, got %q", testCase.uri, recordKey)
			}
			continue
		}
		if err != nil || recordKey != testCase.expected {
			t.Fatalf("expected %q for %q, got %q (%v)", testCase.expected, testCase.uri, recordKey, err)
		}
	}
}
