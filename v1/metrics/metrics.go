package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AcquireCounter counts acquire calls by mode (try, blocking, timeout)
	// and result (acquired, held, timeout, error).
	AcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lease_acquire_total",
		Help: "Total number of lease acquire calls",
	}, []string{"mode", "result"})
	// AcquireDuration observes how long acquire calls took.
	AcquireDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lease_acquire_duration_seconds",
		Help:    "Latency of lease acquire calls",
		Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10),
	}, []string{"mode"})
	// RenewCounter counts renewals by result (renewed, lost, error).
	RenewCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lease_renew_total",
		Help: "Total number of lease renewals",
	}, []string{"result"})
	// ReleaseCounter counts remote deletes by result (released, absent, error).
	ReleaseCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lease_release_total",
		Help: "Total number of lease releases",
	}, []string{"result"})
	// ActiveGauge reports the number of leases held by this process.
	ActiveGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "leases_active",
		Help: "Current number of held leases",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterLeaseMetrics registers the lease metrics on the provided registry.
// Registering twice on the same registry is a no-op.
func RegisterLeaseMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{AcquireCounter, AcquireDuration, RenewCounter, ReleaseCounter, ActiveGauge} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// MustRegisterLeaseMetrics is like RegisterLeaseMetrics but panics on error.
func MustRegisterLeaseMetrics(reg prometheus.Registerer) {
	if err := RegisterLeaseMetrics(reg); err != nil {
		panic(err)
	}
}
