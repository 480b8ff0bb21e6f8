package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/allaspectsdev/keyrelay/internal/keys"
	"github.com/allaspectsdev/keyrelay/internal/queue"
)

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

// PoolSource returns the current per-service key counts.
type PoolSource func() []keys.Summary

// QueueSource returns the current per-service queue state.
type QueueSource func() map[keys.Service]queue.PartitionStats

// stateCollector reads pool and queue gauges on every scrape rather than
// tracking them incrementally.
type stateCollector struct {
	pool  PoolSource
	queue QueueSource

	keysDesc     *prometheus.Desc
	promptsDesc  *prometheus.Desc
	waitingDesc  *prometheus.Desc
	estimateDesc *prometheus.Desc
}

// WatchState registers gauges backed by the given sources. Either source
// may be nil.
func (c *Collector) WatchState(pool PoolSource, q QueueSource) error {
	ns := c.namespace
	sc := &stateCollector{
		pool:  pool,
		queue: q,
		keysDesc: prometheus.NewDesc(
			prometheus.BuildFQName(ns, "", "keys"),
			"Keys per service by state.",
			[]string{"service", "state"}, nil),
		promptsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(ns, "", "key_prompts_total"),
			"Prompts served per service.",
			[]string{"service"}, nil),
		waitingDesc: prometheus.NewDesc(
			prometheus.BuildFQName(ns, "", "queue_waiting"),
			"Entries waiting per service.",
			[]string{"service"}, nil),
		estimateDesc: prometheus.NewDesc(
			prometheus.BuildFQName(ns, "", "queue_estimated_wait_seconds"),
			"Average admission wait over the last five minutes.",
			[]string{"service"}, nil),
	}
	return c.registry.Register(sc)
}

func (sc *stateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- sc.keysDesc
	ch <- sc.promptsDesc
	ch <- sc.waitingDesc
	ch <- sc.estimateDesc
}

func (sc *stateCollector) Collect(ch chan<- prometheus.Metric) {
	if sc.pool != nil {
		for _, s := range sc.pool() {
			svc := string(s.Service)
			for state, n := range map[string]int{
				"total":        s.Total,
				"active":       s.Active,
				"trial":        s.Trial,
				"revoked":      s.Revoked,
				"over_quota":   s.OverQuota,
				"rate_limited": s.RateLimited,
				"unchecked":    s.Unchecked,
			} {
				ch <- prometheus.MustNewConstMetric(sc.keysDesc, prometheus.GaugeValue, float64(n), svc, state)
			}
			ch <- prometheus.MustNewConstMetric(sc.promptsDesc, prometheus.CounterValue, float64(s.Prompts), svc)
		}
	}
	if sc.queue != nil {
		for s, ps := range sc.queue() {
			svc := string(s)
			ch <- prometheus.MustNewConstMetric(sc.waitingDesc, prometheus.GaugeValue, float64(ps.Waiting), svc)
			ch <- prometheus.MustNewConstMetric(sc.estimateDesc, prometheus.GaugeValue, ps.EstimatedWait.Seconds(), svc)
		}
	}
}
