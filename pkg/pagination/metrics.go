package pagination

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var pagesFetched = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "esi_pages_per_fetch",
	Help:    "Number of pages walked per paginated fetch",
	Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
})
