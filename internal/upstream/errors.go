package upstream

import (
	"errors"
	"fmt"
)

// ErrRetryable signals that the entry was requeued and the current attempt
// must stop processing its response.
var ErrRetryable = errors.New("retryable upstream error")

// RetryableError carries the reason an attempt was requeued.
type RetryableError struct {
	Category Category
	Attempt  int
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("upstream %s, requeued (attempt %d)", e.Category, e.Attempt)
}

func (e *RetryableError) Unwrap() error {
	return ErrRetryable
}
