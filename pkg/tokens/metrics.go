package tokens

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pairsIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "adc",
		Subsystem: "tokens",
		Name:      "pairs_issued_total",
		Help:      "Access/refresh token pairs issued.",
	})

	verifyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "adc",
		Subsystem: "tokens",
		Name:      "verify_total",
		Help:      "Access token verifications by result.",
	}, []string{"result"})

	refreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "adc",
		Subsystem: "tokens",
		Name:      "refresh_total",
		Help:      "Refresh token rotations by result.",
	}, []string{"result"})
)
