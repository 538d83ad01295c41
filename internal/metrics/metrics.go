// Package metrics exposes relay counters and gauges to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"feedrelay/internal/resilience/classify"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "feedrelay"

// Gauges are sampled at scrape time. Nil entries are not registered.
type Gauges struct {
	QueueDepth   func() float64
	BreakerState func() float64
	HealthStatus func() float64
	Feeds        func() float64

	// Monotonic totals kept elsewhere, exported as counters.
	OpsLogDropped func() float64
	EventsDropped func() float64
}

// Collector records check and delivery outcomes. It implements
// delivery.Observer.
type Collector struct {
	checks        *prometheus.CounterVec
	checkDuration prometheus.Histogram
	itemsQueued   prometheus.Counter
	sends         *prometheus.CounterVec
	sendLatency   prometheus.Histogram
	drops         *prometheus.CounterVec
	probes        *prometheus.CounterVec
	alerts        *prometheus.CounterVec
}

func NewCollector(reg prometheus.Registerer, g Gauges) *Collector {
	c := &Collector{
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_checks_total",
			Help:      "Feed check cycles by outcome.",
		}, []string{"status"}),
		checkDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "feed_check_duration_seconds",
			Help:      "Duration of feed check cycles.",
			Buckets:   prometheus.DefBuckets,
		}),
		itemsQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_queued_total",
			Help:      "Feed items queued for delivery.",
		}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_sends_total",
			Help:      "Delivery attempts by operation and result kind.",
		}, []string{"op", "result"}),
		sendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_send_latency_seconds",
			Help:      "Latency of delivery attempts.",
			Buckets:   prometheus.DefBuckets,
		}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_drops_total",
			Help:      "Messages permanently removed without delivery.",
		}, []string{"reason"}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_probes_total",
			Help:      "Connectivity probes while the delivery breaker is open.",
		}, []string{"result"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_alerts_total",
			Help:      "Health alerts raised by type.",
		}, []string{"type"}),
	}
	reg.MustRegister(c.checks, c.checkDuration, c.itemsQueued, c.sends, c.sendLatency, c.drops, c.probes, c.alerts)

	gauge := func(name, help string, fn func() float64) {
		if fn == nil {
			return
		}
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, fn))
	}
	gauge("queue_depth", "Messages in the delivery queue.", g.QueueDepth)
	gauge("delivery_breaker_state", "Delivery breaker state (0 closed, 1 open, 2 half-open).", g.BreakerState)
	gauge("health_status", "Overall status (0 healthy, 1 degraded, 2 unhealthy).", g.HealthStatus)
	gauge("feeds", "Registered feeds.", g.Feeds)
	for _, cf := range []struct {
		name, help string
		fn         func() float64
	}{
		{"ops_log_dropped_total", "Ops chat log lines dropped by rate limit or full queue.", g.OpsLogDropped},
		{"events_dropped_total", "Internal events lost to slow subscribers.", g.EventsDropped},
	} {
		if cf.fn != nil {
			reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{Namespace: namespace, Name: cf.name, Help: cf.help}, cf.fn))
		}
	}
	return c
}

func (c *Collector) ObserveCheck(status string, newItems int, took time.Duration) {
	c.checks.WithLabelValues(status).Inc()
	c.checkDuration.Observe(took.Seconds())
	if newItems > 0 {
		c.itemsQueued.Add(float64(newItems))
	}
}

func (c *Collector) ObserveSend(op string, err error, rt time.Duration) {
	c.sends.WithLabelValues(op, result(err)).Inc()
	c.sendLatency.Observe(rt.Seconds())
}

func (c *Collector) ObserveConnection(err error, _ time.Duration) {
	c.probes.WithLabelValues(result(err)).Inc()
}

func (c *Collector) ObserveDrop(reason string) {
	c.drops.WithLabelValues(reason).Inc()
}

func (c *Collector) ObserveAlert(typ string) {
	c.alerts.WithLabelValues(typ).Inc()
}

func result(err error) string {
	if err == nil {
		return "ok"
	}
	return string(classify.KindOf(err))
}

// Handler serves the Prometheus exposition format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
