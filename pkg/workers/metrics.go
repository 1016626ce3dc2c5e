package workers

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolSizeGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "adc",
		Subsystem: "workers",
		Name:      "pool_size",
		Help:      "Current number of workers in the pool.",
	})
	dispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "adc",
		Subsystem: "workers",
		Name:      "dispatch_total",
		Help:      "Dispatched method calls by result.",
	}, []string{"result"})
	resizeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "adc",
		Subsystem: "workers",
		Name:      "resize_total",
		Help:      "Pool resize decisions by direction.",
	}, []string{"direction"})
)
