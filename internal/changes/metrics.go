package changes

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/stowage/internal/model"
)

var (
	eventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stowage_change_events_total",
			Help: "Total number of change events published, by operation.",
		},
		[]string{"op"},
	)

	eventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stowage_change_events_dropped_total",
			Help: "Total number of change events dropped for slow subscribers.",
		},
	)

	subscribersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stowage_change_subscribers",
			Help: "Number of open change feed subscriptions.",
		},
	)
)

func init() {
	prometheus.MustRegister(eventsPublished)
	prometheus.MustRegister(eventsDropped)
	prometheus.MustRegister(subscribersActive)

	for _, op := range []string{model.OpPut, model.OpDelete} {
		eventsPublished.WithLabelValues(op)
	}
}
