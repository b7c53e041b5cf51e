package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// StorefrontMetrics records cart, sign-in and page-session activity.
type StorefrontMetrics struct {
	merges          *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	remoteDuration  *prometheus.HistogramVec
	storageFailures *prometheus.CounterVec
	activePages     prometheus.Gauge
}

// NewStorefrontMetrics registers the storefront metrics on the provided registerer.
// A nil registerer yields a recorder whose methods are no-ops.
func NewStorefrontMetrics(reg prometheus.Registerer) *StorefrontMetrics {
	if reg == nil {
		return &StorefrontMetrics{}
	}
	merges := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cart_merge_total",
		Help: "Sign-in cart merges by outcome.",
	}, []string{"outcome"})
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_modal_transitions_total",
		Help: "Sign-in modal step transitions.",
	}, []string{"from", "to"})
	remoteDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "remote_call_duration_seconds",
		Help:    "Duration of identity and cart backend calls in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op", "outcome"})
	storageFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cart_storage_failures_total",
		Help: "Device cart storage operations that failed.",
	}, []string{"op"})
	activePages := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "page_sessions_active",
		Help: "Open page sessions on this instance.",
	})
	reg.MustRegister(merges, transitions, remoteDuration, storageFailures, activePages)
	return &StorefrontMetrics{
		merges:          merges,
		transitions:     transitions,
		remoteDuration:  remoteDuration,
		storageFailures: storageFailures,
		activePages:     activePages,
	}
}

// ObserveMerge counts a merge attempt with outcome merged, skipped or failed.
func (m *StorefrontMetrics) ObserveMerge(outcome string) {
	if m == nil || m.merges == nil {
		return
	}
	m.merges.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// ObserveTransition counts a modal step change.
func (m *StorefrontMetrics) ObserveTransition(from, to string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(normalizeLabel(from), normalizeLabel(to)).Inc()
}

// ObserveRemote records how long a backend call took.
func (m *StorefrontMetrics) ObserveRemote(op, outcome string, duration time.Duration) {
	if m == nil || m.remoteDuration == nil {
		return
	}
	m.remoteDuration.WithLabelValues(normalizeLabel(op), normalizeLabel(outcome)).Observe(duration.Seconds())
}

// IncStorageFailure counts a failed device cart read, write or clear.
func (m *StorefrontMetrics) IncStorageFailure(op string) {
	if m == nil || m.storageFailures == nil {
		return
	}
	m.storageFailures.WithLabelValues(normalizeLabel(op)).Inc()
}

// SetActivePages reports the number of open page sessions.
func (m *StorefrontMetrics) SetActivePages(n int) {
	if m == nil || m.activePages == nil {
		return
	}
	m.activePages.Set(float64(n))
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
