// Package metrics exposes Prometheus collectors for ceremony progress. The
// Recorder is nil-safe: library consumers that never attach a metrics
// server pass nil and every method becomes a no-op.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder holds the custody collectors registered against one registry.
type Recorder struct {
	dkgPhase         *prometheus.GaugeVec
	signingRequests  prometheus.Counter
	approvals        prometheus.Counter
	finalisations    prometheus.Counter
	nonceCounter     prometheus.Gauge
	transportRetries prometheus.Counter
}

// phase values for the custody_dkg_phase gauge.
var phaseValues = map[string]float64{
	"idle":        0,
	"committed":   1,
	"distributed": 2,
	"finalized":   3,
}

// New registers the custody collectors on reg.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		dkgPhase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "custody_dkg_phase",
			Help: "DKG phase per round: 0 idle, 1 committed, 2 distributed, 3 finalized.",
		}, []string{"round_id"}),
		signingRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "custody_signing_requests_total",
			Help: "Signing requests created by this node.",
		}),
		approvals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "custody_signing_approvals_total",
			Help: "Signing requests approved by this node.",
		}),
		finalisations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "custody_signing_finalizations_total",
			Help: "Signing finalisations completed by this node.",
		}),
		nonceCounter: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "custody_nonce_counter",
			Help: "Current value of the secret module's monotonic nonce counter.",
		}),
		transportRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "custody_transport_retries_total",
			Help: "Board push retries caused by conflicts.",
		}),
	}
	reg.MustRegister(r.dkgPhase, r.signingRequests, r.approvals, r.finalisations,
		r.nonceCounter, r.transportRetries)
	return r
}

func (r *Recorder) DKGPhase(roundID, phase string) {
	if r == nil {
		return
	}
	r.dkgPhase.WithLabelValues(roundID).Set(phaseValues[phase])
}

func (r *Recorder) SigningRequested() {
	if r == nil {
		return
	}
	r.signingRequests.Inc()
}

func (r *Recorder) Approved() {
	if r == nil {
		return
	}
	r.approvals.Inc()
}

func (r *Recorder) Finalised() {
	if r == nil {
		return
	}
	r.finalisations.Inc()
}

func (r *Recorder) NonceCounter(value uint64) {
	if r == nil {
		return
	}
	r.nonceCounter.Set(float64(value))
}

func (r *Recorder) TransportRetries(delta uint64) {
	if r == nil {
		return
	}
	r.transportRetries.Add(float64(delta))
}

// Handler returns the scrape handler for a registry created with New.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
