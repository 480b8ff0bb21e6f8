package checker

import (
	"context"
	"fmt"
	"net/http"

	"github.com/allaspectsdev/keyrelay/internal/keys"
)

// Result is what a successful probe learned about a key. Fields other than
// Trial are only filled in on a key's initial check.
type Result struct {
	// Caps replaces the key's capabilities when CapsKnown is set.
	Caps      keys.Capability
	CapsKnown bool
	Trial     bool
	Org       string
	// Deployments maps model names to deployment ids for special keys.
	Deployments map[string]string
	// Siblings are additional organizations reachable with the same secret.
	Siblings []string
	// RequiresPreamble is set when the key rejected a prompt without the
	// Human turn prefix.
	RequiresPreamble bool
}

// Prober checks one key against its upstream service.
type Prober interface {
	Probe(ctx context.Context, k keys.Key, initial bool) (Result, error)
}

// StatusError is returned when the upstream answered a probe with an
// unexpected status.
type StatusError struct {
	Status int
	Header http.Header
	Body   []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("probe returned status %d", e.Status)
}
