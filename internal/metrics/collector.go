package metrics

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Collector owns the Prometheus registry for the relay and records events
// from the queue, the retry policy, the checkers and the dispatcher.
//
// All Record methods are safe to call on a nil *Collector, so components can
// be constructed without metrics in tests.
type Collector struct {
	registry  *prometheus.Registry
	namespace string

	classifications *prometheus.CounterVec
	retries         *prometheus.CounterVec
	keysDisabled    *prometheus.CounterVec
	checks          *prometheus.CounterVec
	dispatches      *prometheus.CounterVec
	rejected        *prometheus.CounterVec
	upstreamLatency *prometheus.HistogramVec
	queueWait       *prometheus.HistogramVec
	circuitState    *prometheus.GaugeVec

	activeRequests int64
	startTime      time.Time
}

// Config controls metric naming.
type Config struct {
	Namespace string
	// Buckets for upstream latency, in seconds.
	LatencyBuckets []float64
	// Buckets for queue wait, in seconds.
	WaitBuckets []float64
}

// NewCollector creates a collector registered on its own registry. Runtime
// and process collectors are included.
func NewCollector(cfg Config) *Collector {
	if cfg.Namespace == "" {
		cfg.Namespace = "keyrelay"
	}
	if len(cfg.LatencyBuckets) == 0 {
		cfg.LatencyBuckets = []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120}
	}
	if len(cfg.WaitBuckets) == 0 {
		cfg.WaitBuckets = []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300}
	}
	ns := cfg.Namespace

	c := &Collector{
		registry:  prometheus.NewRegistry(),
		namespace: ns,
		startTime: time.Now(),
		classifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "upstream_errors_total",
			Help:      "Upstream error responses by service and classification.",
		}, []string{"service", "category"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "retries_total",
			Help:      "Requests requeued after a retryable upstream error.",
		}, []string{"service", "category"}),
		keysDisabled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "keys_disabled_total",
			Help:      "Keys disabled by reason.",
		}, []string{"service", "reason"}),
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "key_checks_total",
			Help:      "Key probes by service and outcome.",
		}, []string{"service", "outcome"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "dispatches_total",
			Help:      "Upstream attempts by service and response status class.",
		}, []string{"service", "status"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "requests_rejected_total",
			Help:      "Requests answered without reaching an upstream.",
		}, []string{"reason"}),
		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "upstream_duration_seconds",
			Help:      "Upstream call latency in seconds.",
			Buckets:   cfg.LatencyBuckets,
		}, []string{"service"}),
		queueWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "queue_wait_seconds",
			Help:      "Time entries spent queued before admission.",
			Buckets:   cfg.WaitBuckets,
		}, []string{"service"}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "checker_circuit_state",
			Help:      "Checker circuit breaker state per service (0=closed, 1=open, 2=half-open).",
		}, []string{"service"}),
	}

	active := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "active_requests",
		Help:      "Requests currently being handled.",
	}, func() float64 { return float64(atomic.LoadInt64(&c.activeRequests)) })

	uptime := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "uptime_seconds",
		Help:      "Seconds since the relay started.",
	}, func() float64 { return time.Since(c.startTime).Seconds() })

	c.registry.MustRegister(
		c.classifications,
		c.retries,
		c.keysDisabled,
		c.checks,
		c.dispatches,
		c.rejected,
		c.upstreamLatency,
		c.queueWait,
		c.circuitState,
		active,
		uptime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry exposes the underlying registry for additional collectors.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordClassification counts an upstream error response.
func (c *Collector) RecordClassification(service, category string) {
	if c == nil {
		return
	}
	c.classifications.WithLabelValues(service, category).Inc()
}

// RecordRetry counts a requeue.
func (c *Collector) RecordRetry(service, category string) {
	if c == nil {
		return
	}
	c.retries.WithLabelValues(service, category).Inc()
}

// RecordKeyDisabled counts a key being taken out of rotation.
func (c *Collector) RecordKeyDisabled(service, reason string) {
	if c == nil {
		return
	}
	c.keysDisabled.WithLabelValues(service, reason).Inc()
}

// RecordCheck counts one probe outcome ("ok", "revoked", "quota", "retry").
func (c *Collector) RecordCheck(service, outcome string) {
	if c == nil {
		return
	}
	c.checks.WithLabelValues(service, outcome).Inc()
}

// RecordDispatch records one upstream attempt. status 0 means no response.
func (c *Collector) RecordDispatch(service string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.dispatches.WithLabelValues(service, statusClass(status)).Inc()
	c.upstreamLatency.WithLabelValues(service).Observe(d.Seconds())
}

// RecordQueueWait observes how long an entry waited for admission.
func (c *Collector) RecordQueueWait(service string, waited time.Duration) {
	if c == nil {
		return
	}
	c.queueWait.WithLabelValues(service).Observe(waited.Seconds())
}

// RecordRejected counts a request answered by the relay itself.
func (c *Collector) RecordRejected(reason string) {
	if c == nil {
		return
	}
	c.rejected.WithLabelValues(reason).Inc()
}

// SetCircuitState publishes a checker breaker transition.
func (c *Collector) SetCircuitState(service string, state int) {
	if c == nil {
		return
	}
	c.circuitState.WithLabelValues(service).Set(float64(state))
}

// IncrementActive marks a request as in flight.
func (c *Collector) IncrementActive() {
	if c == nil {
		return
	}
	atomic.AddInt64(&c.activeRequests, 1)
}

// DecrementActive marks a request as finished.
func (c *Collector) DecrementActive() {
	if c == nil {
		return
	}
	atomic.AddInt64(&c.activeRequests, -1)
}

// Uptime returns a human-readable time since start, like "2d 5h 32m".
func (c *Collector) Uptime() string {
	if c == nil {
		return ""
	}
	return formatDuration(time.Since(c.startTime))
}

func statusClass(status int) string {
	if status <= 0 {
		return "error"
	}
	return fmt.Sprintf("%dxx", status/100)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return d.Round(time.Second).String()
	}

	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	default:
		return fmt.Sprintf("%dm", minutes)
	}
}
