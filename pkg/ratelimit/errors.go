package ratelimit

import (
	"fmt"
	"time"
)

// RateLimited reports a denied admission check. It is an expected outcome,
// not a fault: the transport layer translates it into a 429 response carrying
// the retry hint.
type RateLimited struct {
	Operation  Operation
	RetryAfter time.Duration
}

func (e *RateLimited) Error() string {
	return fmt.Sprintf("rate limited: %s quota exhausted, retry after %s", e.Operation, e.RetryAfter)
}
