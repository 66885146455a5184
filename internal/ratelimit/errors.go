package ratelimit

import (
	"errors"
	"time"
)

var (
	// ErrInvalidRule is returned for a non-positive count or an unknown unit.
	ErrInvalidRule = errors.New("invalid rate rule")

	// ErrCapacity is returned for a new client when the limiter already tracks
	// the maximum number of clients and a sweep could not free room.
	ErrCapacity = errors.New("rate limiter client capacity reached")
)

// RateLimitExceeded rejects a request. It is expected control flow, not a fault.
type RateLimitExceeded struct {
	// Rule is the first bound rule the client went over.
	Rule Rule
	// RetryAfter is how long until a new request would pass Rule.
	RetryAfter time.Duration
}

func (e *RateLimitExceeded) Error() string {
	return "too many requests were sent (more than " + e.Rule.String() + ")"
}
