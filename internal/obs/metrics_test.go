package obs

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatherFamilies(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	fams, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(fams))
	for _, f := range fams {
		out[f.GetName()] = f
	}
	return out
}

func TestPromMeterCounter(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	m := NewPromMeter(reg)

	m.Counter("atcmd_commands_total", 1, Label{Key: "method", Value: "GET"})
	m.Counter("atcmd_commands_total", 2, Label{Key: "method", Value: "GET"})
	m.Counter("atcmd_commands_total", 5, Label{Key: "method", Value: "POST"})

	fam := gatherFamilies(t, reg)["atcmd_commands_total"]
	require.NotNil(t, fam)
	require.Len(t, fam.Metric, 2)

	byLabel := map[string]float64{}
	for _, mt := range fam.Metric {
		require.Len(t, mt.Label, 1)
		assert.Equal(t, "method", mt.Label[0].GetName())
		byLabel[mt.Label[0].GetValue()] = mt.GetCounter().GetValue()
	}
	assert.Equal(t, 3.0, byLabel["GET"])
	assert.Equal(t, 5.0, byLabel["POST"])
}

func TestPromMeterHistogram(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	m := NewPromMeter(reg)

	m.Histogram("modemhttp_exchange_seconds", 0.25, Label{Key: "method", Value: "GET"})
	m.Histogram("modemhttp_exchange_seconds", 1.75, Label{Key: "method", Value: "GET"})

	fam := gatherFamilies(t, reg)["modemhttp_exchange_seconds"]
	require.NotNil(t, fam)
	require.Len(t, fam.Metric, 1)
	h := fam.Metric[0].GetHistogram()
	assert.Equal(t, uint64(2), h.GetSampleCount())
	assert.InDelta(t, 2.0, h.GetSampleSum(), 1e-9)
}

func TestPromMeterUnlabeled(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	m := NewPromMeter(reg)

	m.Counter("atcmd_rx_bytes_total", 42)

	fam := gatherFamilies(t, reg)["atcmd_rx_bytes_total"]
	require.NotNil(t, fam)
	require.Len(t, fam.Metric, 1)
	assert.Equal(t, 42.0, fam.Metric[0].GetCounter().GetValue())
}
