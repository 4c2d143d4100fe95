package service

import (
	"github.com/prometheus/client_golang/prometheus"
)

var slowWatchersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "sonek",
	Subsystem: "mvcc",
	Name:      "slow_watcher_total",
	Help:      "Total number of watchers waiting to deliver buffered responses.",
})

func init() {
	prometheus.MustRegister(slowWatchersGauge)
}
