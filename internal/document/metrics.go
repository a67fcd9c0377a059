package document

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeAllowed = "allowed"
	outcomeDenied  = "denied"
	outcomeError   = "error"
)

// Metrics holds the gatekeeper counters, partitioned by document type and
// outcome. Labels stay cardinality-bounded; document ids never appear.
type Metrics struct {
	authorizations *prometheus.CounterVec
}

// NewMetrics registers the gatekeeper counters on the provided registerer.
// A nil registerer yields unregistered (test-friendly) collectors.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	authorizations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trellis",
		Subsystem: "gatekeeper",
		Name:      "authorizations_total",
		Help:      "Connection authorization attempts by document type and outcome.",
	}, []string{"doc_type", "outcome"})
	if registerer != nil {
		registerer.MustRegister(authorizations)
	}
	return &Metrics{authorizations: authorizations}
}

func (m *Metrics) observe(docType DocType, outcome string) {
	if m == nil {
		return
	}
	m.authorizations.WithLabelValues(string(docType), outcome).Inc()
}
