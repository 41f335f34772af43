package auth

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for session synchronization.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Notifications  prometheus.Counter
	Upserts        *prometheus.CounterVec
	UpsertFailures *prometheus.CounterVec
	SettingsLoads  *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Notifications: factory.NewCounter(prometheus.CounterOpts{
			Name: "metanoia_identity_notifications_total",
			Help: "Identity state notifications processed by the synchronizer",
		}),
		Upserts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "metanoia_profile_upserts_total",
			Help: "Profile reconciliations completed, by operation",
		}, []string{"op"}),
		UpsertFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "metanoia_profile_upsert_failures_total",
			Help: "Profile reconciliations that failed, by operation",
		}, []string{"op"}),
		SettingsLoads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "metanoia_settings_loads_total",
			Help: "Settings cache lookups, by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) notification() {
	if m == nil {
		return
	}
	m.Notifications.Inc()
}

func (m *Metrics) upsert(op ProfileUpsertOp, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.UpsertFailures.WithLabelValues(string(op)).Inc()
		return
	}
	m.Upserts.WithLabelValues(string(op)).Inc()
}

func (m *Metrics) settingsLoad(result string) {
	if m == nil {
		return
	}
	m.SettingsLoads.WithLabelValues(result).Inc()
}
