package ratelimit

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrRateLimited is the sentinel every *Error unwraps to.
var ErrRateLimited = errors.New("credits: rate limited")

// Error reports a rejected call together with the time until its window
// resets.
type Error struct {
	Key        string
	Limit      int
	ResetAt    time.Time
	retryAfter time.Duration
}

func newError(key string, res Result, now time.Time) *Error {
	return &Error{
		Key:        key,
		Limit:      res.Limit,
		ResetAt:    res.ResetAt,
		retryAfter: max(res.ResetAt.Sub(now), 0),
	}
}

// Error returns the user-visible message.
func (e *Error) Error() string {
	return fmt.Sprintf("too many requests, wait %d seconds", e.RetryAfterSeconds())
}

// Unwrap returns ErrRateLimited.
func (e *Error) Unwrap() error { return ErrRateLimited }

// RetryAfter is the time left in the window when the call was rejected.
func (e *Error) RetryAfter() time.Duration { return e.retryAfter }

// RetryAfterSeconds rounds RetryAfter up to whole seconds, never below 1.
func (e *Error) RetryAfterSeconds() int {
	return max(int(math.Ceil(e.retryAfter.Seconds())), 1)
}

// AsError extracts a *Error from err.
func AsError(err error) (*Error, bool) {
	var rle *Error
	if errors.As(err, &rle) {
		return rle, true
	}
	return nil, false
}
