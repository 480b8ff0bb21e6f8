package queue

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/allaspectsdev/keyrelay/internal/keys"
)

// Response is the final result handed back to a waiting client.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

type outcome struct {
	resp *Response
	err  error
}

// Entry is one client request waiting for, or holding, a key.
type Entry struct {
	ID      string
	Ctx     context.Context
	Service keys.Service
	Model   string

	Method string
	Path   string
	Header http.Header
	Body   []byte
	// Transformed is set once the body has been converted to the target
	// dialect; retries must not convert it again.
	Transformed bool

	// EnqueuedAt is the first arrival time and survives retries.
	EnqueuedAt time.Time
	RetryCount int

	done chan outcome
	once sync.Once
}

// NewEntry creates an entry bound to the client's context.
func NewEntry(ctx context.Context, service keys.Service, model string) *Entry {
	return &Entry{
		ID:      uuid.NewString(),
		Ctx:     ctx,
		Service: service,
		Model:   model,
		Header:  http.Header{},
		done:    make(chan outcome, 1),
	}
}

// Complete delivers the final outcome. Only the first call has any effect.
func (e *Entry) Complete(resp *Response, err error) {
	e.once.Do(func() {
		e.done <- outcome{resp: resp, err: err}
	})
}

// Wait blocks until the entry completes or its context ends.
func (e *Entry) Wait() (*Response, error) {
	select {
	case o := <-e.done:
		return o.resp, o.err
	case <-e.Ctx.Done():
		return nil, e.Ctx.Err()
	}
}
