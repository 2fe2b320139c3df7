// Package httpclient executes outbound provider calls with a per-attempt timeout,
// exponential-backoff retries and one circuit breaker per origin.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"pulsegrade/taxrates/logger"
	"pulsegrade/taxrates/metrics"
	"pulsegrade/taxrates/models"

	"github.com/sony/gobreaker"
)

const maxErrorBody = 4096

// Config holds client-wide defaults; per-request Options override them
type Config struct {
	Timeout        time.Duration
	Retries        int
	RetryDelay     time.Duration
	CircuitBreaker models.CircuitBreakerConfig
	Environment    string
	UserAgent      string
	Transport      http.RoundTripper
}

// Options tunes a single Request call. Zero values fall back to the client Config.
type Options struct {
	Method         string
	Headers        map[string]string
	Body           any
	Timeout        time.Duration
	Retries        *int
	RetryDelay     time.Duration
	RetryCondition func(error) bool
	OnRetry        func(attempt int, err error)
}

// Client is safe for concurrent use
type Client struct {
	httpClient *http.Client
	cfg        Config

	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker

	sleep func(ctx context.Context, d time.Duration) error
	log   *logger.Logger
}

// New creates a client. Breakers are created lazily per origin.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.CircuitBreaker.FailureThreshold <= 0 {
		cfg.CircuitBreaker.FailureThreshold = 5
	}
	if cfg.CircuitBreaker.Cooldown <= 0 {
		cfg.CircuitBreaker.Cooldown = 60 * time.Second
	}
	if cfg.CircuitBreaker.HalfOpenSuccesses <= 0 {
		cfg.CircuitBreaker.HalfOpenSuccesses = 2
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "pulsegrade-taxrates/1.0"
	}

	return &Client{
		// per-attempt deadlines come from the request context, not http.Client.Timeout
		httpClient: &http.Client{Transport: metrics.NewInstrumentedTransport(cfg.Transport)},
		cfg:        cfg,
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
		sleep:      sleepContext,
		log:        logger.Named("httpclient"),
	}
}

// SetTimeout changes the default per-attempt timeout
func (c *Client) SetTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.cfg.Timeout = d
	}
}

// SetMaxRetries changes the default retry count
func (c *Client) SetMaxRetries(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n >= 0 {
		c.cfg.Retries = n
	}
}

// Defaults returns the current default timeout and retry count
func (c *Client) Defaults() (time.Duration, int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg.Timeout, c.cfg.Retries
}

// Get issues a GET and decodes the JSON response into out (which may be nil)
func (c *Client) Get(ctx context.Context, rawURL string, opts Options, out any) error {
	opts.Method = http.MethodGet
	return c.Request(ctx, rawURL, opts, out)
}

// Post issues a POST with a JSON body and decodes the JSON response into out
func (c *Client) Post(ctx context.Context, rawURL string, body any, opts Options, out any) error {
	opts.Method = http.MethodPost
	opts.Body = body
	return c.Request(ctx, rawURL, opts, out)
}

// Request executes the call through the origin's breaker, retrying per the options
func (c *Client) Request(ctx context.Context, rawURL string, opts Options, out any) error {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid request url %q: %v", rawURL, err)
	}
	origin := u.Scheme + "://" + u.Host

	var payload []byte
	if opts.Body != nil {
		payload, err = json.Marshal(opts.Body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	c.mu.RLock()
	timeout, retries, delay := c.cfg.Timeout, c.cfg.Retries, c.cfg.RetryDelay
	c.mu.RUnlock()
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	if opts.Retries != nil {
		retries = *opts.Retries
	}
	if opts.RetryDelay > 0 {
		delay = opts.RetryDelay
	}
	if opts.Method == "" {
		opts.Method = http.MethodGet
	}

	state := newRetryState(retries, delay, opts.RetryCondition)
	for {
		err = c.attempt(ctx, origin, rawURL, payload, timeout, opts, out)
		if err == nil {
			return nil
		}

		wait, attempt, retry := state.next(err)
		if !retry {
			return err
		}
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, err)
		}
		metrics.HTTPRetriesTotal.WithLabelValues(u.Host).Inc()
		c.log.Debug("retry %d/%d for %s in %s: %v", attempt, retries, rawURL, wait, err)

		if sleepErr := c.sleep(ctx, wait); sleepErr != nil {
			return err
		}
	}
}

// attempt runs one call through the breaker for origin
func (c *Client) attempt(ctx context.Context, origin, rawURL string, payload []byte, timeout time.Duration, opts Options, out any) error {
	cb := c.breaker(origin)

	_, err := cb.Execute(func() (interface{}, error) {
		return nil, c.send(ctx, rawURL, payload, timeout, opts, out)
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		// Record rejected request due to open circuit
		metrics.CircuitBreakerRejected.WithLabelValues(origin, c.cfg.Environment).Inc()
		return &CircuitOpenError{Origin: origin}
	}
	metrics.CircuitBreakerRequests.WithLabelValues(origin, metrics.BoolLabel(err == nil), c.cfg.Environment).Inc()
	return err
}

// send performs the actual HTTP request under a per-attempt deadline
func (c *Client) send(ctx context.Context, rawURL string, payload []byte, timeout time.Duration, opts Options, out any) error {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(attemptCtx, opts.Method, rawURL, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.classify(ctx, attemptCtx, rawURL, timeout, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errorBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &NetworkError{URL: rawURL, StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(errorBody))}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return c.classify(ctx, attemptCtx, rawURL, timeout, err)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", rawURL, err)
	}
	return nil
}

// classify maps a transport error to TimeoutError, the caller's context error, or NetworkError
func (c *Client) classify(parent, attemptCtx context.Context, rawURL string, timeout time.Duration, err error) error {
	if parentErr := parent.Err(); parentErr != nil {
		return parentErr
	}
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Timeout: timeout}
	}
	return &NetworkError{URL: rawURL, Err: err}
}

// breaker returns the breaker for origin, creating it on first use
func (c *Client) breaker(origin string) *gobreaker.CircuitBreaker {
	c.mu.RLock()
	cb, ok := c.breakers[origin]
	c.mu.RUnlock()
	if ok {
		return cb
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[origin]; ok {
		return cb
	}
	cb = gobreaker.NewCircuitBreaker(c.breakerSettings(origin))
	c.breakers[origin] = cb

	// Initialize the circuit breaker state metric to "closed" (1)
	metrics.CircuitBreakerState.WithLabelValues(origin, c.cfg.Environment).Set(1)
	return cb
}

func (c *Client) breakerSettings(origin string) gobreaker.Settings {
	cbConfig := c.cfg.CircuitBreaker
	environment := c.cfg.Environment
	log := c.log

	return gobreaker.Settings{
		Name:        origin,
		MaxRequests: uint32(cbConfig.HalfOpenSuccesses),
		Interval:    0, // No forced reset based on time (reset only by success/failure events)
		Timeout:     cbConfig.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cbConfig.FailureThreshold)
		},
		IsSuccessful: breakerSuccess,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Info("Circuit breaker '%s' changed from '%v' to '%v' [threshold=%d, cooldown=%s]",
				name, from, to, cbConfig.FailureThreshold, cbConfig.Cooldown)

			// Record state change in metrics (1=closed, 2=half-open, 3=open)
			var stateValue float64
			switch to {
			case gobreaker.StateClosed:
				stateValue = 1
			case gobreaker.StateHalfOpen:
				stateValue = 2
			case gobreaker.StateOpen:
				stateValue = 3
			}
			metrics.CircuitBreakerState.WithLabelValues(name, environment).Set(stateValue)
		},
	}
}

// breakerSuccess treats caller cancellation and non-retryable client errors as
// evidence the origin is up; everything else counts against it.
func breakerSuccess(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	var ne *NetworkError
	if errors.As(err, &ne) && ne.StatusCode != 0 && !ne.Retryable() {
		return true
	}
	return false
}

// BreakerState reports the state for origin; unknown origins are CLOSED
func (c *Client) BreakerState(origin string) models.CircuitState {
	c.mu.RLock()
	cb, ok := c.breakers[origin]
	c.mu.RUnlock()
	if !ok {
		return models.CircuitClosed
	}
	return toCircuitState(cb.State())
}

// BreakerStates reports every known origin's breaker state
func (c *Client) BreakerStates() map[string]models.CircuitState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]models.CircuitState, len(c.breakers))
	for origin, cb := range c.breakers {
		out[origin] = toCircuitState(cb.State())
	}
	return out
}

// Origins lists the origins that have a breaker, sorted
func (c *Client) Origins() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	origins := make([]string, 0, len(c.breakers))
	for o := range c.breakers {
		origins = append(origins, o)
	}
	sort.Strings(origins)
	return origins
}

func toCircuitState(s gobreaker.State) models.CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return models.CircuitOpen
	case gobreaker.StateHalfOpen:
		return models.CircuitHalfOpen
	default:
		return models.CircuitClosed
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IntPtr is a helper for Options.Retries
func IntPtr(n int) *int { return &n }
