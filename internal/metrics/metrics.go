// Package metrics exposes Prometheus instrumentation for the session
// layer (SPEC_FULL.md §4.7), grounded on the teacher's internal/metrics
// construction style — adapted to register against a caller-supplied
// *prometheus.Registry rather than the global default registerer, since
// this is a library component embedded into a larger process, not a
// server that owns process-wide metrics state.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every counter/histogram this package exposes.
type Metrics struct {
	RatchetSteps            *prometheus.CounterVec
	SkippedKeyEvictions     prometheus.Counter
	PatchVerificationResult *prometheus.CounterVec
	CounterBumps            *prometheus.CounterVec
}

// New registers every metric against reg and returns the bundle. Passing
// the same reg to two New calls panics on the second (prometheus refuses
// duplicate registration), matching the rest of the ecosystem's behavior.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		RatchetSteps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaysession_ratchet_steps_total",
				Help: "Total number of Double Ratchet DH-ratchet steps performed",
			},
			[]string{"role"}, // initiator, responder, group-sender
		),
		SkippedKeyEvictions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "relaysession_skipped_key_evictions_total",
				Help: "Total number of receiving chains evicted to enforce the skipped-key cap",
			},
		),
		PatchVerificationResult: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaysession_patch_verification_total",
				Help: "Total number of app-state patches verified, by outcome",
			},
			[]string{"collection", "result"}, // ok, mac_mismatch, missing_key, version_gap
		),
		CounterBumps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaysession_aead_counter_bumps_total",
				Help: "Total number of transport AEAD counter bumps",
			},
			[]string{"direction"}, // read, write
		),
	}

	reg.MustRegister(m.RatchetSteps, m.SkippedKeyEvictions, m.PatchVerificationResult, m.CounterBumps)
	return m
}
