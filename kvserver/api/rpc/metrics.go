package rpc

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	clientRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sonek",
			Subsystem: "server",
			Name:      "client_requests_total",
			Help:      "The total number of client requests per method.",
		},
		[]string{"method"},
	)

	failedRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sonek",
			Subsystem: "server",
			Name:      "client_requests_failed_total",
			Help:      "The total number of failed client requests per method.",
		},
		[]string{"method"},
	)

	watchStreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sonek",
		Subsystem: "server",
		Name:      "watch_streams",
		Help:      "The number of open watch streams.",
	})

	sentWatchResponseSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sonek",
		Subsystem: "network",
		Name:      "watch_events_size_bytes",
		// 64 bytes to 16MB
		Buckets: []float64{64, 256, 512, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216},
		Help:    "The watch response size sent to watch clients in bytes.",
	})
)

func init() {
	prometheus.MustRegister(clientRequests)
	prometheus.MustRegister(failedRequests)
	prometheus.MustRegister(watchStreams)
	prometheus.MustRegister(sentWatchResponseSize)
}
