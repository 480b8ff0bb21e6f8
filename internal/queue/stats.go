package queue

import (
	"time"

	"github.com/allaspectsdev/keyrelay/internal/keys"
)

// waitWindow is how far back wait samples count towards the estimate.
const waitWindow = 5 * time.Minute

type waitSample struct {
	at     time.Time
	waited time.Duration
}

// PartitionStats describes one service's slice of the queue.
type PartitionStats struct {
	Waiting       int           `json:"waiting"`
	EstimatedWait time.Duration `json:"estimated_wait"`
}

// recordWait must be called with q.mu held.
func (q *Queue) recordWait(s keys.Service, waited time.Duration, now time.Time) {
	q.waits[s] = append(pruneWaits(q.waits[s], now), waitSample{at: now, waited: waited})
}

func pruneWaits(samples []waitSample, now time.Time) []waitSample {
	cut := 0
	for cut < len(samples) && now.Sub(samples[cut].at) > waitWindow {
		cut++
	}
	return samples[cut:]
}

// EstimatedWait averages the waits of entries admitted for s in the last
// five minutes.
func (q *Queue) EstimatedWait(s keys.Service) time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.estimate(s, q.now())
}

func (q *Queue) estimate(s keys.Service, now time.Time) time.Duration {
	samples := pruneWaits(q.waits[s], now)
	q.waits[s] = samples
	if len(samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, w := range samples {
		total += w.waited
	}
	return total / time.Duration(len(samples))
}

// Stats returns waiting counts and wait estimates per service.
func (q *Queue) Stats() map[keys.Service]PartitionStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	out := make(map[keys.Service]PartitionStats)
	for _, e := range q.entries {
		ps := out[e.Service]
		ps.Waiting++
		out[e.Service] = ps
	}
	for s := range q.waits {
		ps := out[s]
		ps.EstimatedWait = q.estimate(s, now)
		out[s] = ps
	}
	return out
}
