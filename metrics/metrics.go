package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the service counters. Every method is safe on a nil
// receiver so components can run without metrics in tests.
type Metrics struct {
	registry *prometheus.Registry

	// KYC status transitions by from and to status
	KYCTransitions *prometheus.CounterVec

	// Webhook deliveries by result: processed, duplicate, rejected, failed
	WebhookDeliveries *prometheus.CounterVec

	// Mint attempts by outcome: minted, already_minted, ambiguous, failed, rejected
	MintAttempts *prometheus.CounterVec

	// Gas estimations that fell back to the fixed ceiling
	GasFallbacks prometheus.Counter

	// MFA verifications by method and result
	MFAVerifications *prometheus.CounterVec

	// Time between mint submission and confirmed receipt
	MintConfirmation prometheus.Histogram
}

// New creates a Metrics instance on its own registry, so that several
// instances can coexist in one process.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		KYCTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kyc_transitions_total",
			Help:      "Applied KYC status transitions",
		}, []string{"from", "to"}),

		WebhookDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Provider webhook deliveries by result",
		}, []string{"result"}),

		MintAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mint_attempts_total",
			Help:      "Mint requests by outcome",
		}, []string{"outcome"}),

		GasFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mint_gas_fallbacks_total",
			Help:      "Mint gas estimations replaced by the fallback limit",
		}),

		MFAVerifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mfa_verifications_total",
			Help:      "MFA verification attempts by method and result",
		}, []string{"method", "result"}),

		MintConfirmation: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "mint_confirmation_seconds",
			Help:      "Duration from mint submission to confirmed receipt",
			Buckets:   []float64{1, 2.5, 5, 10, 20, 30, 60, 90, 120, 180},
		}),
	}
}

// Registry returns the registry the metrics are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// KYCTransition counts an applied status transition.
func (m *Metrics) KYCTransition(from, to string) {
	if m != nil {
		m.KYCTransitions.WithLabelValues(from, to).Inc()
	}
}

// WebhookDelivery counts a webhook delivery.
func (m *Metrics) WebhookDelivery(result string) {
	if m != nil {
		m.WebhookDeliveries.WithLabelValues(result).Inc()
	}
}

// MintAttempt counts a mint request outcome.
func (m *Metrics) MintAttempt(outcome string) {
	if m != nil {
		m.MintAttempts.WithLabelValues(outcome).Inc()
	}
}

// GasFallback counts a failed gas estimation.
func (m *Metrics) GasFallback() {
	if m != nil {
		m.GasFallbacks.Inc()
	}
}

// MFAVerification counts an MFA verification attempt.
func (m *Metrics) MFAVerification(method, result string) {
	if m != nil {
		m.MFAVerifications.WithLabelValues(method, result).Inc()
	}
}

// ObserveMintConfirmation records how long a mint took to confirm.
func (m *Metrics) ObserveMintConfirmation(d time.Duration) {
	if m != nil {
		m.MintConfirmation.Observe(d.Seconds())
	}
}
