package daemon

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// recheckScheduler resets every key for a fresh check on a cron schedule.
type recheckScheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	entry   cron.EntryID
	spec    string
	recheck func()
	log     zerolog.Logger
}

func newRecheckScheduler(recheck func()) *recheckScheduler {
	return &recheckScheduler{
		cron:    cron.New(),
		recheck: recheck,
		log:     log.With().Str("component", "recheck_scheduler").Logger(),
	}
}

// SetSchedule replaces the cron expression. An empty spec disables the
// scheduled recheck. An invalid spec leaves the current schedule in place.
func (s *recheckScheduler) SetSchedule(spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if spec == s.spec {
		return nil
	}
	var id cron.EntryID
	if spec != "" {
		sched, err := cron.ParseStandard(spec)
		if err != nil {
			return fmt.Errorf("invalid recheck schedule %q: %w", spec, err)
		}
		id = s.cron.Schedule(sched, cron.FuncJob(s.run))
	}
	if s.entry != 0 {
		s.cron.Remove(s.entry)
	}
	s.entry, s.spec = id, spec
	if spec != "" {
		s.log.Info().Str("schedule", spec).Msg("recheck scheduled")
	}
	return nil
}

// Next returns the next scheduled recheck, or the zero time if none is
// scheduled or the scheduler is not running.
func (s *recheckScheduler) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entry == 0 {
		return time.Time{}
	}
	return s.cron.Entry(s.entry).Next
}

func (s *recheckScheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for a running recheck to finish.
func (s *recheckScheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *recheckScheduler) run() {
	s.log.Info().Msg("scheduled recheck of all keys")
	s.recheck()
}
