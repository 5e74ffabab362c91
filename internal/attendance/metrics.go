package attendance

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	credentialsIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qrattend",
		Name:      "credentials_issued_total",
		Help:      "Issuance outcomes per student.",
	}, []string{"result"}) // issued, reused, failed

	redemptions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qrattend",
		Name:      "redemptions_total",
		Help:      "Redemption outcomes.",
	}, []string{"outcome"})

	sweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qrattend",
		Name:      "sweep_runs_total",
		Help:      "Expiry sweep runs by outcome.",
	}, []string{"outcome"})

	sweepExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "qrattend",
		Name:      "sweep_expired_total",
		Help:      "Credentials moved to expired by the sweeper.",
	})

	storeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "qrattend",
		Name:      "store_op_seconds",
		Help:      "Latency of credential store calls.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})
)

func outcomeLabel(err error) string {
	if err == nil {
		return "present"
	}
	if r, ok := IsRejection(err); ok {
		return string(r.Reason)
	}
	if IsTransient(err) {
		return "transient"
	}
	return "error"
}
