package resiliency

import (
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ClientOptions configures an EnhancedClient.
type ClientOptions struct {
	// Timeout bounds each attempt, including reading the response body.
	Timeout time.Duration
	// MaxRetries is the number of additional attempts after a transport
	// failure or a 5xx response. Zero disables retries.
	MaxRetries int
	// UserAgent is sent on every request that doesn't already carry one.
	UserAgent string
	// BreakerThreshold consecutive failures against one host open that
	// host's circuit.
	BreakerThreshold int
	// BreakerReset is how long an open circuit waits before letting a
	// trial request through.
	BreakerReset time.Duration
	// Transport overrides the round tripper (tests substitute a stub).
	Transport http.RoundTripper
}

// EnhancedClient wraps http.Client with resilience patterns:
// - Exponential Backoff & Jitter
// - Circuit Breaking (one breaker per target host)
// - Distributed Tracing Injection (otelhttp)
type EnhancedClient struct {
	client     *http.Client
	maxRetries int
	userAgent  string
	sleep      func(time.Duration)

	breakerThreshold int
	breakerReset     time.Duration

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

func NewEnhancedClient(opts ClientOptions) *EnhancedClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.BreakerThreshold <= 0 {
		opts.BreakerThreshold = 5
	}
	if opts.BreakerReset <= 0 {
		opts.BreakerReset = 10 * time.Second
	}
	base := opts.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	return &EnhancedClient{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: otelhttp.NewTransport(base),
		},
		maxRetries:       opts.MaxRetries,
		userAgent:        opts.UserAgent,
		sleep:            time.Sleep,
		breakerThreshold: opts.BreakerThreshold,
		breakerReset:     opts.BreakerReset,
		breakers:         make(map[string]*CircuitBreaker),
	}
}

// breakerFor returns the breaker guarding host, creating it on first use.
func (c *EnhancedClient) breakerFor(host string) *CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	cb, ok := c.breakers[host]
	if !ok {
		cb = NewCircuitBreaker(host, c.breakerThreshold, c.breakerReset)
		c.breakers[host] = cb
	}
	return cb
}

// Do executes an HTTP request with resiliency patterns. The request must
// not carry a body that can't be replayed when retries are enabled.
func (c *EnhancedClient) Do(req *http.Request) (*http.Response, error) {
	if c.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	breaker := c.breakerFor(req.URL.Host)
	if !breaker.Allow() {
		return nil, fmt.Errorf("circuit breaker open for %s", breaker.name)
	}

	var resp *http.Response
	var err error

	for i := 0; i <= c.maxRetries; i++ {
		resp, err = c.client.Do(req)

		if err == nil && resp.StatusCode < 500 {
			breaker.Success()
			return resp, nil
		}

		if i == c.maxRetries || req.Context().Err() != nil {
			break
		}
		if resp != nil {
			_ = resp.Body.Close()
		}

		// base * 2^i + jitter
		backoff := time.Duration(math.Pow(2, float64(i))) * 100 * time.Millisecond
		jitter := time.Duration(0)
		if n, err := rand.Int(rand.Reader, big.NewInt(50)); err == nil {
			jitter = time.Duration(n.Int64()) * time.Millisecond
		}
		c.sleep(backoff + jitter)
	}

	breaker.Failure()
	return resp, err
}

// CircuitBreaker implements a simple state machine for failure detection.
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        string // "CLOSED", "OPEN", "HALF_OPEN"
}

func NewCircuitBreaker(name string, threshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: timeout,
		state:        "CLOSED",
	}
}

func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == "OPEN" {
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.state = "HALF_OPEN"
			return true
		}
		return false
	}
	return true
}

func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = "CLOSED"
	cb.failureCount = 0
}

func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = time.Now()
	if cb.failureCount >= cb.threshold {
		cb.state = "OPEN"
	}
}

// State reports the breaker state.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
