// Package metrics exposes Prometheus counters for draft sync activity.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector records draft, delivery, presence and HTTP activity.
type Collector struct {
	draftsCreated  prometheus.Counter
	changes        prometheus.Counter
	changeFailures prometheus.Counter
	deliveries     *prometheus.CounterVec
	activity       *prometheus.CounterVec
	presenceJoins  prometheus.Counter
	syncSessions   prometheus.Gauge
	httpStatus     *prometheus.CounterVec
}

// NewCollector registers the collector's metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		draftsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "draftsync_drafts_created_total",
			Help: "Drafts created.",
		}),
		changes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "draftsync_changes_published_total",
			Help: "Draft changes published on the change bus.",
		}),
		changeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "draftsync_change_publish_failures_total",
			Help: "Committed draft changes that could not be published.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "draftsync_deliveries_total",
			Help: "Submission deliveries by result.",
		}, []string{"result"}),
		activity: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "draftsync_activity_appended_total",
			Help: "Activity log entries by action.",
		}, []string{"action"}),
		presenceJoins: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "draftsync_presence_joins_total",
			Help: "Editing sessions that joined a draft.",
		}),
		syncSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "draftsync_sync_sessions",
			Help: "Open websocket sync sessions.",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "draftsync_http_responses_total",
			Help: "HTTP responses by status code.",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.draftsCreated,
		c.changes,
		c.changeFailures,
		c.deliveries,
		c.activity,
		c.presenceJoins,
		c.syncSessions,
		c.httpStatus,
	)
	return c
}

func (c *Collector) DraftCreated() {
	c.draftsCreated.Inc()
}

func (c *Collector) ChangePublished() {
	c.changes.Inc()
}

func (c *Collector) ChangePublishFailed() {
	c.changeFailures.Inc()
}

func (c *Collector) DeliveryAttempted(ok bool) {
	result := "failed"
	if ok {
		result = "accepted"
	}
	c.deliveries.WithLabelValues(result).Inc()
}

func (c *Collector) ActivityAppended(action string) {
	c.activity.WithLabelValues(action).Inc()
}

func (c *Collector) PresenceJoined() {
	c.presenceJoins.Inc()
}

// SyncSessionOpened returns a func that marks the session closed.
func (c *Collector) SyncSessionOpened() func() {
	c.syncSessions.Inc()
	return c.syncSessions.Dec
}

func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler returns the Prometheus scrape handler.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
