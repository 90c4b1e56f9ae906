package pagination

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pagesFetchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "comms_pagination_pages_fetched_total",
		Help: "Total number of collection pages fetched by enumeration sessions",
	})

	itemsDeliveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "comms_pagination_items_delivered_total",
		Help: "Total number of items handed to enumeration consumers",
	})

	enumerationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "comms_pagination_enumerations_total",
		Help: "Finished enumeration sessions by end reason",
	}, []string{"reason"}) // exhausted, limit, stopped, aborted, failed, cancelled

	enumerationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "comms_pagination_enumeration_duration_seconds",
		Help:    "Wall time of enumeration sessions",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
	})
)
