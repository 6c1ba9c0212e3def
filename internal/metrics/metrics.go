// Package metrics defines the Prometheus collectors exported by the
// session coordinator. Every runtime owns its own Metrics value, registered
// on a caller-supplied registry, so tests can assert exact counts.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "cms_session"

// Label values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"

	ReplayCSRF      = "csrf"
	ReplayRotated   = "rotated"
	ReplayWaited    = "waited"
	ReplayRefreshed = "refreshed"

	ExpiryTimer   = "timer"
	ExpiryLogout  = "logout"
	ExpiryExtend  = "extend_failed"
	ExpiryAtStart = "already_expired"
)

// Metrics holds the coordinator's collectors.
type Metrics struct {
	CSRFFetches     *prometheus.CounterVec
	CSRFRetries     prometheus.Counter
	Refreshes       *prometheus.CounterVec
	RefreshDuration prometheus.Histogram
	Replays         *prometheus.CounterVec
	Logouts         *prometheus.CounterVec
	Expiries        *prometheus.CounterVec
	Warnings        prometheus.Counter
}

// New registers the collectors on reg. A nil reg uses a private registry,
// which keeps the collectors usable without exporting them.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	factory := promauto.With(reg)

	return &Metrics{
		CSRFFetches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "csrf_fetches_total",
			Help:      "Anti-forgery token fetches by result",
		}, []string{"result"}),

		CSRFRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "csrf_retries_total",
			Help:      "Requests retried after the server rejected the anti-forgery token",
		}),

		Refreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_total",
			Help:      "Credential refresh attempts by result",
		}, []string{"result"}),

		RefreshDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "refresh_duration_seconds",
			Help:      "Duration of credential refresh round-trips",
			Buckets:   prometheus.DefBuckets,
		}),

		Replays: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_replays_total",
			Help:      "Requests replayed by the interceptor, by reason",
		}, []string{"reason"}),

		Logouts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logouts_total",
			Help:      "Logouts by whether the server was notified",
		}, []string{"server_notified"}),

		Expiries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_expiries_total",
			Help:      "Sessions ended by the timeout controller, by reason",
		}, []string{"reason"}),

		Warnings: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_warnings_total",
			Help:      "Expiry warnings shown",
		}),
	}
}
