package httpclient

import "time"

// Backoff returns base * 2^attempt, with attempt counted from zero
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return base * time.Duration(1<<uint(attempt))
}

// retryState is the explicit retry state machine: attempt count, next delay and terminal condition
type retryState struct {
	attempt    int
	maxRetries int
	base       time.Duration
	condition  func(error) bool
}

func newRetryState(maxRetries int, base time.Duration, condition func(error) bool) *retryState {
	if condition == nil {
		condition = DefaultRetryCondition
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &retryState{maxRetries: maxRetries, base: base, condition: condition}
}

// next reports whether err should be retried and, if so, how long to wait first.
// The returned attempt is 1-based for OnRetry callers.
func (s *retryState) next(err error) (delay time.Duration, attempt int, ok bool) {
	if err == nil || IsCircuitOpen(err) || s.attempt >= s.maxRetries || !s.condition(err) {
		return 0, s.attempt, false
	}
	delay = Backoff(s.base, s.attempt)
	s.attempt++
	return delay, s.attempt, true
}
