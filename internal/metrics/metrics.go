// Package metrics reports coordinator throughput and cache effectiveness
// to an external Prometheus pushgateway.
package metrics

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("metrics")

const maxErrors = 3

// buckets are seconds-scale histogram buckets, wide enough to span a
// fast no-op remote round trip and a large link task.
var buckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 25.0, 50.0, 100.0}

type metrics struct {
	url       string
	timeout   time.Duration
	ticker    *time.Ticker
	cancelled bool
	errors    int
	dirty     bool

	taskCounter      *prometheus.CounterVec
	cacheCounter     *prometheus.CounterVec
	execHistogram    prometheus.Histogram
	queueDepthGauge  prometheus.Gauge
	registry         *prometheus.Registry
}

var m *metrics

// InitFromConfig starts pushing metrics to url every frequency, giving up
// any single push after timeout. A blank url disables metrics entirely.
func InitFromConfig(url string, frequency, timeout time.Duration) {
	if url == "" {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Warning("metrics disabled: %s", r)
		}
	}()
	m = initMetrics(url, frequency, timeout)
}

func initMetrics(url string, frequency, timeout time.Duration) *metrics {
	constLabels := prometheus.Labels{"arch": runtime.GOOS + "_" + runtime.GOARCH}

	mm := &metrics{
		url:      url,
		timeout:  timeout,
		ticker:   time.NewTicker(frequency),
		registry: prometheus.NewRegistry(),
	}

	mm.taskCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "compilecoord_tasks_total",
		Help:        "Count of tasks reaching each terminal state",
		ConstLabels: constLabels,
	}, []string{"state"})

	mm.cacheCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "compilecoord_cache_results_total",
		Help:        "Count of dependency/output cache lookups by outcome",
		ConstLabels: constLabels,
	}, []string{"cache", "hit"})

	mm.execHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "compilecoord_exec_duration_seconds",
		Help:        "Durations of remote CALL_EXEC round trips",
		Buckets:     buckets,
		ConstLabels: constLabels,
	})

	mm.queueDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "compilecoord_queue_depth",
		Help:        "Current depth of the local scheduler's work queue",
		ConstLabels: constLabels,
	})

	mm.registry.MustRegister(mm.taskCounter, mm.cacheCounter, mm.execHistogram, mm.queueDepthGauge)

	go mm.keepPushing()
	return mm
}

// Stop shuts down metrics and sends whatever is pending before returning.
func Stop() {
	if m != nil {
		m.stop()
	}
}

func (m *metrics) stop() {
	m.ticker.Stop()
	if !m.cancelled {
		m.errors = m.pushMetrics()
	}
}

// RecordTask increments the counter for a task reaching state (e.g.
// "finished", "local_finished", "rejected").
func RecordTask(state string) {
	if m != nil {
		m.taskCounter.WithLabelValues(state).Inc()
		m.dirty = true
	}
}

// RecordCacheResult increments the counter for a lookup against cache
// ("deps" or "outputs") with the given hit/miss outcome.
func RecordCacheResult(cache string, hit bool) {
	if m != nil {
		m.cacheCounter.WithLabelValues(cache, boolLabel(hit)).Inc()
		m.dirty = true
	}
}

// RecordExecDuration observes one CALL_EXEC round trip's wall time.
func RecordExecDuration(d time.Duration) {
	if m != nil {
		m.execHistogram.Observe(d.Seconds())
		m.dirty = true
	}
}

// SetQueueDepth reports the scheduler's current queue depth.
func SetQueueDepth(depth int) {
	if m != nil {
		m.queueDepthGauge.Set(float64(depth))
		m.dirty = true
	}
}

func boolLabel(v bool) string {
	if v {
		return "hit"
	}
	return "miss"
}

func (m *metrics) keepPushing() {
	for range m.ticker.C {
		m.errors = m.pushMetrics()
		if m.errors >= maxErrors {
			log.Warning("metrics pushes failing repeatedly, giving up")
			m.cancelled = true
			return
		}
	}
}

func (m *metrics) pushMetrics() int {
	if !m.dirty {
		return m.errors
	}
	m.dirty = false
	if err := deadline(func() error {
		return push.New(m.url, "compilecoord").Gatherer(m.registry).Grouping("instance", hostname()).Push()
	}, m.timeout); err != nil {
		log.Warning("could not push metrics: %s", err)
		m.dirty = true
		return m.errors + 1
	}
	return 0
}

func deadline(f func() error, timeout time.Duration) error {
	c := make(chan error, 1)
	go func() { c <- f() }()
	select {
	case err := <-c:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("metrics push timed out after %s", timeout)
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
