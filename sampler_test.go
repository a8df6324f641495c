package dltraffic

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/iti/evt/evtm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// byteCounter is an RxByteSource the test sets directly
type byteCounter struct {
	bytes uint64
}

func (bc *byteCounter) RxBytes() uint64 { return bc.bytes }

var unitRate = SamplerConfig{Period: 1.0, BitsPerByte: 1.0, Normalization: 1.0}

func TestSamplerCadence(t *testing.T) {
	evtMgr := evtm.New()
	src := new(byteCounter)
	ts, err := CreateThroughputSampler("s", unitRate, src)
	require.NoError(t, err)

	ts.Start(evtMgr)
	scheduleAt(evtMgr, 1.5, func(em *evtm.EventManager) { src.bytes = 500 })
	scheduleAt(evtMgr, 2.5, func(em *evtm.EventManager) { src.bytes = 1500 })
	scheduleAt(evtMgr, 4.5, func(em *evtm.EventManager) { ts.Cancel() })
	evtMgr.Run(runLimit)

	// the poll at 1 only fixes the baseline
	samples := ts.Samples()
	require.Len(t, samples, 3)
	assert.Equal(t, []float64{500, 1000, 0}, ts.Rates())
	for idx, sample := range samples {
		assert.Equal(t, idx, sample.Index)
		assert.InDelta(t, float64(idx+2), sample.Time, 1e-9)
	}
	assert.False(t, ts.Active())
	assert.InDelta(t, 500.0, ts.MeanRate(), 1e-9)
}

func TestSamplerNeverStopsOnItsOwn(t *testing.T) {
	evtMgr := evtm.New()
	ts, err := CreateThroughputSampler("s", unitRate, new(byteCounter))
	require.NoError(t, err)

	ts.Start(evtMgr)
	var active bool
	scheduleAt(evtMgr, 99.5, func(em *evtm.EventManager) {
		active = ts.Active()
		ts.Cancel()
	})
	evtMgr.Run(runLimit)

	assert.True(t, active)
	assert.Len(t, ts.Samples(), 98)
}

func TestSamplerDefaultsToMbps(t *testing.T) {
	evtMgr := evtm.New()
	src := new(byteCounter)
	ts, err := CreateThroughputSampler("mbps", SamplerConfig{}, src)
	require.NoError(t, err)
	assert.Equal(t, DefaultSamplerConfig(), ts.Config())

	ts.Start(evtMgr)
	scheduleAt(evtMgr, 1.5, func(em *evtm.EventManager) { src.bytes = 1024 * 1024 / 8 })
	scheduleAt(evtMgr, 2.5, func(em *evtm.EventManager) { ts.Cancel() })
	evtMgr.Run(runLimit)

	assert.Equal(t, []float64{1.0}, ts.Rates())
}

func TestSamplerSamplesCopy(t *testing.T) {
	evtMgr := evtm.New()
	src := &byteCounter{bytes: 10}
	ts, err := CreateThroughputSampler("copy", unitRate, src)
	require.NoError(t, err)
	ts.Start(evtMgr)
	scheduleAt(evtMgr, 2.5, func(em *evtm.EventManager) { ts.Cancel() })
	evtMgr.Run(runLimit)

	samples := ts.Samples()
	require.Len(t, samples, 1)
	samples[0].Rate = 77
	assert.Equal(t, 0.0, ts.Samples()[0].Rate)
	assert.Equal(t, 0.0, new(ThroughputSampler).MeanRate())
}

func TestSamplerConfigValidation(t *testing.T) {
	_, err := CreateThroughputSampler("neg", SamplerConfig{Period: -1}, new(byteCounter))
	assert.Error(t, err)
	_, err = CreateThroughputSampler("nil", unitRate, nil)
	assert.Error(t, err)
}

func TestSeriesWriteToFile(t *testing.T) {
	series := &ThroughputSeries{Name: "s", Period: 1,
		Samples: []ThroughputSample{{Index: 0, Time: 2, Rate: 10}, {Index: 1, Time: 3, Rate: 20}}}

	filename := filepath.Join(t.TempDir(), "series.yaml")
	require.NoError(t, series.WriteToFile(filename))

	raw, err := os.ReadFile(filename)
	require.NoError(t, err)
	var back ThroughputSeries
	require.NoError(t, yaml.Unmarshal(raw, &back))
	assert.Equal(t, *series, back)

	assert.Error(t, series.WriteToFile(filepath.Join(t.TempDir(), "series.txt")))
}
