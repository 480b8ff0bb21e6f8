package checker

import (
	"time"

	"github.com/allaspectsdev/keyrelay/internal/keys"
)

// Schedule holds the pacing parameters of a checker.
type Schedule struct {
	// BatchSize caps how many unchecked keys are probed together.
	BatchSize int
	// BatchDelay is the pause before each batch of initial checks.
	BatchDelay time.Duration
	// Period is the minimum time between two checks of the same key.
	Period time.Duration
	// MinInterval is the minimum time between any two checks.
	MinInterval time.Duration
	// RateLimitRecheck is how soon a key throttled during its probe is
	// checked again.
	RateLimitRecheck time.Duration
	// FailureBackoff is how soon a key whose probe failed for an unknown
	// reason is checked again.
	FailureBackoff time.Duration
}

// DefaultSchedule returns the standard checker pacing.
func DefaultSchedule() Schedule {
	return Schedule{
		BatchSize:        12,
		BatchDelay:       250 * time.Millisecond,
		Period:           time.Hour,
		MinInterval:      3 * time.Second,
		RateLimitRecheck: 15 * time.Second,
		FailureBackoff:   time.Minute,
	}
}

// recheckAt back-dates a key's last check so the regular scheduler visits
// it again after d.
func (s Schedule) recheckAt(now time.Time, d time.Duration) time.Time {
	return now.Add(d - s.Period)
}

// Plan is the next unit of work for a checker.
type Plan struct {
	Hashes []string
	At     time.Time
	// Idle means there is nothing to check until keys change.
	Idle bool
}

// NextCheck decides which keys to probe next and when. enabled must hold
// only keys that are not disabled. Unchecked keys are probed in batches
// first; afterwards the least recently checked key is probed once its
// period has passed, never sooner than MinInterval after the previous
// check.
func NextCheck(enabled []keys.Key, lastGlobal, now time.Time, s Schedule) Plan {
	if len(enabled) == 0 {
		return Plan{Idle: true}
	}

	var unchecked []string
	for _, k := range enabled {
		if !k.Checked() {
			unchecked = append(unchecked, k.Hash)
			if len(unchecked) == max(1, s.BatchSize) {
				break
			}
		}
	}
	if len(unchecked) > 0 {
		return Plan{Hashes: unchecked, At: now.Add(s.BatchDelay)}
	}

	oldest := enabled[0]
	for _, k := range enabled[1:] {
		if k.LastCheckedAt.Before(oldest.LastCheckedAt) {
			oldest = k
		}
	}
	at := oldest.LastCheckedAt.Add(s.Period)
	if floor := lastGlobal.Add(s.MinInterval); floor.After(at) {
		at = floor
	}
	return Plan{Hashes: []string{oldest.Hash}, At: at}
}
