package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels successful operations.
	OutcomeSuccess = "success"
	// OutcomeError labels failed operations.
	OutcomeError = "error"
	// OutcomeFallback labels classifications recovered via the deterministic fallback.
	OutcomeFallback = "fallback"
)

var (
	eventsObservedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "incident_sentinel",
			Name:      "events_observed_total",
			Help:      "Pod state events seen by the watcher, partitioned by disposition.",
		},
		[]string{"disposition"}, // emitted, suppressed, filtered, dropped
	)

	classificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "incident_sentinel",
			Name:      "classifications_total",
			Help:      "Classification attempts, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	classificationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "incident_sentinel",
			Name:      "classification_seconds",
			Help:      "Reasoning service round-trip latency in seconds.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 3, 5, 8, 10, 15},
		},
	)

	incidentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "incident_sentinel",
			Name:      "incidents_total",
			Help:      "Incidents produced, partitioned by severity tier.",
		},
		[]string{"severity"},
	)

	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "incident_sentinel",
			Name:      "notifications_total",
			Help:      "Notification deliveries, partitioned by channel and outcome.",
		},
		[]string{"channel", "outcome"},
	)

	dispatchSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "incident_sentinel",
			Name:      "dispatch_seconds",
			Help:      "End-to-end dispatch latency across all channels in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 6, 10},
		},
	)

	watchReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "incident_sentinel",
			Name:      "watch_reconnects_total",
			Help:      "Watch stream reconnect attempts.",
		},
	)

	watchResyncsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "incident_sentinel",
			Name:      "watch_resyncs_total",
			Help:      "Full resynchronization passes after expired resume tokens.",
		},
	)
)

// Register attaches incident-sentinel collectors to the supplied registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		eventsObservedTotal,
		classificationsTotal,
		classificationSeconds,
		incidentsTotal,
		notificationsTotal,
		dispatchSeconds,
		watchReconnectsTotal,
		watchResyncsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveEvent records a watcher disposition: emitted, suppressed, filtered or dropped.
func ObserveEvent(disposition string) {
	eventsObservedTotal.WithLabelValues(disposition).Inc()
}

// ObserveClassification records a classification round-trip.
func ObserveClassification(duration time.Duration, outcome string) {
	classificationsTotal.WithLabelValues(outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	classificationSeconds.Observe(duration.Seconds())
}

// ObserveIncident records a produced incident by severity tier.
func ObserveIncident(severity string) {
	incidentsTotal.WithLabelValues(severity).Inc()
}

// ObserveNotification records one channel-level delivery outcome.
func ObserveNotification(channel, outcome string) {
	notificationsTotal.WithLabelValues(channel, outcome).Inc()
}

// ObserveDispatch records the fan-out latency for one incident.
func ObserveDispatch(duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	dispatchSeconds.Observe(duration.Seconds())
}

// ObserveReconnect counts a watch stream reconnect.
func ObserveReconnect() { watchReconnectsTotal.Inc() }

// ObserveResync counts a full resynchronization pass.
func ObserveResync() { watchResyncsTotal.Inc() }
