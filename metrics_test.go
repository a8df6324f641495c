package dltraffic

import (
	"bytes"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExperimentCollector(t *testing.T) {
	exp, _ := runTwoFlow(t)
	collector := NewExperimentCollector(exp)

	// two per generator, five for the sink, the network, one per sampler
	assert.Equal(t, 2*2+5+1+2, testutil.CollectAndCount(collector))

	expected := `
# HELP dltraffic_sink_bytes_received_total Bytes counted as received by a sink.
# TYPE dltraffic_sink_bytes_received_total counter
dltraffic_sink_bytes_received_total{experiment="twoflow",sink="sink"} 700
`
	require.NoError(t, testutil.CollectAndCompare(collector, strings.NewReader(expected),
		"dltraffic_sink_bytes_received_total"))

	expected = `
# HELP dltraffic_generator_packets_sent_total Packets handed to the transport by a generator.
# TYPE dltraffic_generator_packets_sent_total counter
dltraffic_generator_packets_sent_total{experiment="twoflow",flow="1",generator="gen0"} 5
dltraffic_generator_packets_sent_total{experiment="twoflow",flow="2",generator="gen1"} 4
`
	require.NoError(t, testutil.CollectAndCompare(collector, strings.NewReader(expected),
		"dltraffic_generator_packets_sent_total"))
}

func TestWriteMetrics(t *testing.T) {
	exp, _ := runTwoFlow(t)
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(NewExperimentCollector(exp)))

	var buf bytes.Buffer
	require.NoError(t, WriteMetrics(reg, &buf))
	out := buf.String()
	assert.Contains(t, out, "# TYPE dltraffic_sink_mean_delay_seconds gauge")
	assert.Contains(t, out, `dltraffic_network_dropped_packets_total{experiment="twoflow"} 0`)
	assert.Contains(t, out, `dltraffic_sampler_mean_rate{experiment="twoflow",sampler="byflow"} 22.22`)
}
