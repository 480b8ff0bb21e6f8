package keys

import (
	"errors"
	"fmt"
)

var (
	// ErrNoKeyAvailable means no enabled key can serve the requested model.
	ErrNoKeyAvailable = errors.New("no key available")
	// ErrProxyDisabledFeature means the operator has switched off the
	// requested model tier.
	ErrProxyDisabledFeature = errors.New("feature disabled by proxy operator")
)

// SelectionError is returned by Get when no key could be chosen. Note is a
// short message suitable for showing to the client.
type SelectionError struct {
	Service Service
	Model   string
	Err     error
	Note    string
}

func (e *SelectionError) Error() string {
	return fmt.Sprintf("%s key selection for %q: %v", e.Service, e.Model, e.Err)
}

func (e *SelectionError) Unwrap() error {
	return e.Err
}
