package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersAllMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RatchetSteps.WithLabelValues("initiator").Inc()
	m.SkippedKeyEvictions.Inc()
	m.PatchVerificationResult.WithLabelValues("critical_block", "ok").Inc()
	m.CounterBumps.WithLabelValues("write").Inc()

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 4)

	names := map[string]bool{}
	for _, fam := range families {
		names[fam.GetName()] = true
	}
	require.True(t, names["relaysession_ratchet_steps_total"])
	require.True(t, names["relaysession_skipped_key_evictions_total"])
	require.True(t, names["relaysession_patch_verification_total"])
	require.True(t, names["relaysession_aead_counter_bumps_total"])
}

func TestNewPanicsOnDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	require.Panics(t, func() {
		New(reg)
	})
}

func TestCounterBumpsLabelledByDirection(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.CounterBumps.WithLabelValues("read").Inc()
	m.CounterBumps.WithLabelValues("read").Inc()
	m.CounterBumps.WithLabelValues("write").Inc()

	var metric dto.Metric
	require.NoError(t, m.CounterBumps.WithLabelValues("read").(prometheus.Metric).Write(&metric))
	require.Equal(t, float64(2), metric.GetCounter().GetValue())
}
