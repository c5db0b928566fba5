package domain

import "time"

// CircuitBreakerState is a snapshot of the auto-trading circuit breaker.
// The breaker counts consecutive failed executions; once the count reaches
// Threshold, auto-trading pauses until an operator resumes it.
type CircuitBreakerState struct {
	ConsecutiveFailures int
	Threshold           int
	Paused              bool
	PausedAt            time.Time
}
