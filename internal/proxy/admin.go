package proxy

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/allaspectsdev/keyrelay/internal/keys"
	"github.com/allaspectsdev/keyrelay/internal/metrics"
	"github.com/allaspectsdev/keyrelay/internal/queue"
	"github.com/allaspectsdev/keyrelay/internal/resilience"
	"github.com/allaspectsdev/keyrelay/internal/version"
)

// Admin serves the operator endpoints for inspecting and editing the key
// pool. None of its responses carry secrets.
type Admin struct {
	pool     *keys.Pool
	queue    *queue.Queue
	metrics  *metrics.Collector
	breakers *resilience.Registry
	onChange func()
	next     func() time.Time
	log      zerolog.Logger
}

// NewAdmin creates the admin endpoints. collector and breakers may be nil.
// onChange runs after the key set is edited.
func NewAdmin(pool *keys.Pool, q *queue.Queue, collector *metrics.Collector, breakers *resilience.Registry, onChange func()) *Admin {
	if onChange == nil {
		onChange = func() {}
	}
	return &Admin{
		pool:     pool,
		queue:    q,
		metrics:  collector,
		breakers: breakers,
		onChange: onChange,
		log:      log.With().Str("component", "admin").Logger(),
	}
}

// SetNextRecheck reports the next scheduled full recheck in the status
// output. next returns the zero time when nothing is scheduled.
func (a *Admin) SetNextRecheck(next func() time.Time) {
	a.next = next
}

// Routes mounts the admin endpoints on r.
func (a *Admin) Routes(r chi.Router) {
	r.Get("/keys", a.handleListKeys)
	r.Post("/keys", a.handleAddKeys)
	r.Post("/keys/recheck", a.handleRecheck)
	r.Delete("/keys/{hash}", a.handleDeleteKey)
	r.Get("/status", a.handleStatus)
}

func (a *Admin) handleListKeys(w http.ResponseWriter, r *http.Request) {
	list := a.pool.List()
	if list == nil {
		list = []keys.KeyView{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": list})
}

type addKeysRequest struct {
	Secrets []string `json:"secrets"`
}

type addedKey struct {
	Service keys.Service `json:"service"`
	Added   bool         `json:"added"`
}

func (a *Admin) handleAddKeys(w http.ResponseWriter, r *http.Request) {
	var req addKeysRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "proxy_bad_request", "invalid JSON body")
		return
	}
	if len(req.Secrets) == 0 {
		writeJSONError(w, http.StatusBadRequest, "proxy_bad_request", "secrets must not be empty")
		return
	}

	results := make([]addedKey, 0, len(req.Secrets))
	added := 0
	for _, secret := range req.Secrets {
		s, ok := a.pool.AddKey(secret)
		if ok {
			added++
		}
		results = append(results, addedKey{Service: s, Added: ok})
	}
	a.log.Info().Int("submitted", len(req.Secrets)).Int("added", added).Msg("keys added via admin api")
	if added > 0 {
		a.onChange()
	}
	writeJSON(w, http.StatusOK, map[string]any{"added": added, "results": results})
}

func (a *Admin) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	if !a.pool.DeleteByHash(hash) {
		writeJSONError(w, http.StatusNotFound, "proxy_not_found", "no key with that hash")
		return
	}
	a.log.Info().Str("key", hash).Msg("key deleted via admin api")
	a.onChange()
	w.WriteHeader(http.StatusNoContent)
}

func (a *Admin) handleRecheck(w http.ResponseWriter, r *http.Request) {
	a.pool.Recheck()
	a.log.Info().Msg("recheck of all keys requested")
	a.onChange()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "recheck scheduled"})
}

type partitionView struct {
	Waiting       int    `json:"waiting"`
	EstimatedWait string `json:"estimated_wait"`
}

type statusResponse struct {
	Version  string                         `json:"version"`
	Commit   string                         `json:"commit"`
	Uptime   string                         `json:"uptime,omitempty"`
	Keys     []keys.Summary                 `json:"keys"`
	Queue    map[keys.Service]partitionView `json:"queue"`
	Circuits map[string]string              `json:"circuits,omitempty"`
	// NextRecheck is RFC 3339 and omitted when no recheck is scheduled.
	NextRecheck string `json:"next_recheck,omitempty"`
}

func (a *Admin) handleStatus(w http.ResponseWriter, r *http.Request) {
	build := version.Get()
	resp := statusResponse{
		Version: build.Version,
		Commit:  build.Commit,
		Uptime:  a.metrics.Uptime(),
		Keys:    a.pool.Summary(),
		Queue:   map[keys.Service]partitionView{},
	}
	for s, ps := range a.queue.Stats() {
		resp.Queue[s] = partitionView{Waiting: ps.Waiting, EstimatedWait: ps.EstimatedWait.String()}
	}
	if a.next != nil {
		if t := a.next(); !t.IsZero() {
			resp.NextRecheck = t.UTC().Format(time.RFC3339)
		}
	}
	if a.breakers != nil {
		resp.Circuits = map[string]string{}
		for name, st := range a.breakers.States() {
			resp.Circuits[name] = st.String()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
