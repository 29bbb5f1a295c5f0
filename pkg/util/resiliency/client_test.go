package resiliency

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func respond(status int) *http.Response {
	return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader("")), Header: http.Header{}}
}

func newTestClient(opts ClientOptions) *EnhancedClient {
	c := NewEnhancedClient(opts)
	c.sleep = func(time.Duration) {}
	return c
}

func TestEnhancedClient_SetsUserAgent(t *testing.T) {
	var ua string
	c := newTestClient(ClientOptions{
		UserAgent: "benchdepot-relay/test",
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			ua = r.Header.Get("User-Agent")
			return respond(http.StatusOK), nil
		}),
	})

	req, err := http.NewRequest(http.MethodGet, "https://relay.example.com/abc", nil)
	require.NoError(t, err)
	resp, err := c.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, "benchdepot-relay/test", ua)
}

func TestEnhancedClient_NoRetryByDefault(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(ClientOptions{
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			calls.Add(1)
			return respond(http.StatusBadGateway), nil
		}),
	})

	req, _ := http.NewRequest(http.MethodGet, "https://relay.example.com/abc", nil)
	resp, err := c.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestEnhancedClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(ClientOptions{
		MaxRetries: 2,
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			if calls.Add(1) < 3 {
				return respond(http.StatusServiceUnavailable), nil
			}
			return respond(http.StatusOK), nil
		}),
	})

	req, _ := http.NewRequest(http.MethodGet, "https://relay.example.com/abc", nil)
	resp, err := c.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), calls.Load())
}

func TestEnhancedClient_ClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(ClientOptions{
		MaxRetries: 3,
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			calls.Add(1)
			return respond(http.StatusNotFound), nil
		}),
	})

	req, _ := http.NewRequest(http.MethodGet, "https://relay.example.com/abc", nil)
	resp, err := c.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestEnhancedClient_BreakerOpens(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(ClientOptions{
		BreakerThreshold: 2,
		BreakerReset:     time.Hour,
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			calls.Add(1)
			return nil, errors.New("leaky wire")
		}),
	})

	for range 2 {
		req, _ := http.NewRequest(http.MethodGet, "https://relay.example.com/abc", nil)
		_, err := c.Do(req)
		require.Error(t, err)
	}
	assert.Equal(t, "OPEN", c.breakerFor("relay.example.com").State())

	req, _ := http.NewRequest(http.MethodGet, "https://relay.example.com/abc", nil)
	_, err := c.Do(req)
	require.ErrorContains(t, err, "circuit breaker open for relay.example.com")
	assert.Equal(t, int32(2), calls.Load())
}

func TestEnhancedClient_BreakerIsPerHost(t *testing.T) {
	var healthy atomic.Int32
	c := newTestClient(ClientOptions{
		BreakerThreshold: 5,
		BreakerReset:     time.Hour,
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			if r.URL.Host == "relay.example.com" {
				healthy.Add(1)
				return respond(http.StatusOK), nil
			}
			return nil, errors.New("no such host")
		}),
	})

	// Distinct dead hosts never share a breaker.
	for i := range 5 {
		req, _ := http.NewRequest(http.MethodGet, fmt.Sprintf("https://dead%d.example.net/m", i), nil)
		_, err := c.Do(req)
		require.ErrorContains(t, err, "no such host")
	}
	for range 5 {
		req, _ := http.NewRequest(http.MethodGet, "https://dead.example.net/m", nil)
		_, err := c.Do(req)
		require.ErrorContains(t, err, "no such host")
	}

	req, _ := http.NewRequest(http.MethodGet, "https://dead.example.net/m", nil)
	_, err := c.Do(req)
	require.ErrorContains(t, err, "circuit breaker open for dead.example.net")

	req, _ = http.NewRequest(http.MethodGet, "https://relay.example.com/abc", nil)
	resp, err := c.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(1), healthy.Load())
	assert.Equal(t, "CLOSED", c.breakerFor("relay.example.com").State())
	assert.Equal(t, "CLOSED", c.breakerFor("dead0.example.net").State())
}

func TestCircuitBreaker_HalfOpenAfterReset(t *testing.T) {
	cb := NewCircuitBreaker("relay", 1, time.Millisecond)
	cb.Failure()
	assert.Equal(t, "OPEN", cb.State())

	time.Sleep(5 * time.Millisecond)
	assert.True(t, cb.Allow())
	assert.Equal(t, "HALF_OPEN", cb.State())

	cb.Success()
	assert.Equal(t, "CLOSED", cb.State())
}
