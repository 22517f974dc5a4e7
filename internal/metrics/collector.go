// Package omxmetrics exposes the connect-protocol subsystem's Prometheus
// metrics: a custom Collector registered against a private registry.
package omxmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "omxd"
	subsystem = "connect"
)

// Label names.
const (
	labelMode   = "mode"
	labelQueue  = "queue"
	labelResult = "result"
)

// -------------------------------------------------------------------------
// Collector — Prometheus connect-protocol metrics
// -------------------------------------------------------------------------

// Collector holds every Prometheus metric the partner connection and
// sequencing subsystem reports. It implements omx.MetricsReporter
// (internal/omx/endpoint.go) directly.
type Collector struct {
	// Partners tracks the number of partner-table slots currently
	// populated. Set externally via SetPartners (omx.Table has no change
	// notification of its own; the daemon polls it, SPEC_FULL.md section 4.8).
	Partners prometheus.Gauge

	// ConnectSentTotal counts connect requests submitted to the driver
	// (including retransmissions).
	ConnectSentTotal prometheus.Counter

	// ConnectRepliedTotal counts connect replies this endpoint has sent in
	// response to an incoming request.
	ConnectRepliedTotal prometheus.Counter

	// ConnectReplyReceivedTotal counts connect replies processed, labeled
	// by outcome ("success" or "failure").
	ConnectReplyReceivedTotal *prometheus.CounterVec

	// ConnectGivenUpTotal counts connect requests abandoned after
	// exhausting their retransmission budget (spec.md section 4.2).
	ConnectGivenUpTotal prometheus.Counter

	// SelfConnectTotal counts self-connection short-circuits (spec.md
	// section 4.5).
	SelfConnectTotal prometheus.Counter

	// CleanupRunsTotal counts partner_cleanup invocations, labeled by mode
	// (reset, disconnect, disconnect_and_free).
	CleanupRunsTotal *prometheus.CounterVec

	// CleanupDrainedTotal counts requests drained per queue during
	// cleanup, labeled by queue name (spec.md section 4.4's eleven steps).
	CleanupDrainedTotal *prometheus.CounterVec
}

// NewCollector creates a Collector with every metric registered against reg.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Partners,
		c.ConnectSentTotal,
		c.ConnectRepliedTotal,
		c.ConnectReplyReceivedTotal,
		c.ConnectGivenUpTotal,
		c.SelfConnectTotal,
		c.CleanupRunsTotal,
		c.CleanupDrainedTotal,
	)

	return c
}

func newMetrics() *Collector {
	return &Collector{
		Partners: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "partners",
			Help:      "Number of populated partner table slots.",
		}),

		ConnectSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connect_sent_total",
			Help:      "Total connect request packets submitted to the driver, including retransmissions.",
		}),

		ConnectRepliedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connect_replied_total",
			Help:      "Total connect replies sent in response to an incoming connect request.",
		}),

		ConnectReplyReceivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connect_reply_received_total",
			Help:      "Total connect replies processed, by outcome.",
		}, []string{labelResult}),

		ConnectGivenUpTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connect_given_up_total",
			Help:      "Total connect requests abandoned after exhausting their retransmission budget.",
		}),

		SelfConnectTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "self_connect_total",
			Help:      "Total self-connection short-circuits.",
		}),

		CleanupRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cleanup_runs_total",
			Help:      "Total partner_cleanup invocations, by mode.",
		}, []string{labelMode}),

		CleanupDrainedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cleanup_drained_total",
			Help:      "Total requests drained during partner_cleanup, by queue.",
		}, []string{labelQueue}),
	}
}

// SetPartners updates the partner-count gauge, polled from an omx.Table
// snapshot (SPEC_FULL.md section 4.8).
func (c *Collector) SetPartners(n int) { c.Partners.Set(float64(n)) }

// -------------------------------------------------------------------------
// omx.MetricsReporter implementation
// -------------------------------------------------------------------------

// ConnectSent implements omx.MetricsReporter.
func (c *Collector) ConnectSent() { c.ConnectSentTotal.Inc() }

// ConnectReplied implements omx.MetricsReporter.
func (c *Collector) ConnectReplied() { c.ConnectRepliedTotal.Inc() }

// ConnectReplyReceived implements omx.MetricsReporter.
func (c *Collector) ConnectReplyReceived(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.ConnectReplyReceivedTotal.WithLabelValues(result).Inc()
}

// ConnectGivenUp implements omx.MetricsReporter.
func (c *Collector) ConnectGivenUp() { c.ConnectGivenUpTotal.Inc() }

// SelfConnect implements omx.MetricsReporter.
func (c *Collector) SelfConnect() { c.SelfConnectTotal.Inc() }

// CleanupRan implements omx.MetricsReporter.
func (c *Collector) CleanupRan(mode string) { c.CleanupRunsTotal.WithLabelValues(mode).Inc() }

// CleanupDrained implements omx.MetricsReporter.
func (c *Collector) CleanupDrained(queue string, count int) {
	c.CleanupDrainedTotal.WithLabelValues(queue).Add(float64(count))
}
