package dltraffic

import (
	"fmt"

	"github.com/iti/evt/evtm"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
)

// RxByteSource is anything that keeps a cumulative count of bytes received.
// A Sink is one, and so is the per-flow view of a FlowMonitor.
type RxByteSource interface {
	RxBytes() uint64
}

// SamplerConfig parameterizes a ThroughputSampler
type SamplerConfig struct {
	// seconds between samples
	Period float64 `json:"period" yaml:"period"`

	// multiplier taking bytes to the unit of the rate numerator
	BitsPerByte float64 `json:"bitsperbyte" yaml:"bitsperbyte"`

	// divisor applied to the rate, e.g. 1024*1024 to report Mbits/sec
	Normalization float64 `json:"normalization" yaml:"normalization"`
}

// DefaultSamplerConfig reports Mbits/sec once a second
func DefaultSamplerConfig() SamplerConfig {
	return SamplerConfig{Period: 1.0, BitsPerByte: 8.0, Normalization: 1024.0 * 1024.0}
}

func (sc *SamplerConfig) applyDefaults() {
	dflt := DefaultSamplerConfig()
	if sc.Period == 0 {
		sc.Period = dflt.Period
	}
	if sc.BitsPerByte == 0 {
		sc.BitsPerByte = dflt.BitsPerByte
	}
	if sc.Normalization == 0 {
		sc.Normalization = dflt.Normalization
	}
}

// Validate checks that the sampler would advance the clock and produce finite rates
func (sc *SamplerConfig) Validate() error {
	errs := []error{}
	if !(sc.Period > 0) {
		errs = append(errs, fmt.Errorf("sampler period %g is not positive", sc.Period))
	}
	if !(sc.BitsPerByte > 0) {
		errs = append(errs, fmt.Errorf("sampler bits per byte %g is not positive", sc.BitsPerByte))
	}
	if !(sc.Normalization > 0) {
		errs = append(errs, fmt.Errorf("sampler normalization %g is not positive", sc.Normalization))
	}
	return ReportErrs(errs)
}

// ThroughputSample is one entry of a sampler's series
type ThroughputSample struct {
	Index int     `json:"index" yaml:"index"`
	Time  float64 `json:"time" yaml:"time"`
	Rate  float64 `json:"rate" yaml:"rate"`
}

// ThroughputSeries is the serializable form of a sampler's output
type ThroughputSeries struct {
	Name    string             `json:"name" yaml:"name"`
	Period  float64            `json:"period" yaml:"period"`
	Samples []ThroughputSample `json:"samples" yaml:"samples"`
}

// WriteToFile stores the series in the named file, as yaml or json by extension
func (ts *ThroughputSeries) WriteToFile(filename string) error {
	return writeEncoded(filename, *ts)
}

// ThroughputSampler polls a cumulative byte count on a fixed period and records
// the rate over each window.  The first poll only fixes the baseline.  Once started
// it reschedules itself until cancelled.
type ThroughputSampler struct {
	name    string
	cfg     SamplerConfig
	source  RxByteSource
	samples []ThroughputSample

	primed    bool
	lastBytes uint64
	lastTime  float64
	pending   *EventHandle

	log *logrus.Entry
}

// CreateThroughputSampler is a constructor.  Zero fields of cfg take their defaults.
func CreateThroughputSampler(name string, cfg SamplerConfig, source RxByteSource) (*ThroughputSampler, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if source == nil {
		return nil, fmt.Errorf("sampler %s has nothing to sample", name)
	}
	ts := &ThroughputSampler{name: name, cfg: cfg, source: source,
		samples: make([]ThroughputSample, 0)}
	ts.log = appLogger("sampler", name)
	return ts, nil
}

func (ts *ThroughputSampler) Name() string          { return ts.name }
func (ts *ThroughputSampler) Config() SamplerConfig { return ts.cfg }

// Active is true while a poll is scheduled
func (ts *ThroughputSampler) Active() bool { return ts.pending.Pending() }

// Start schedules the first poll one period from now.  Starting an active sampler does nothing.
func (ts *ThroughputSampler) Start(evtMgr *evtm.EventManager) {
	if ts.Active() {
		return
	}
	ts.primed = false
	ts.pending = ScheduleEvent(evtMgr, ts, nil, samplerTick, ts.cfg.Period)
}

// Cancel stops the sampler.  Samples already taken are kept.
func (ts *ThroughputSampler) Cancel() {
	ts.pending.Cancel()
}

// samplerTick is the event handler of a poll
func samplerTick(evtMgr *evtm.EventManager, context any, data any) any {
	ts := context.(*ThroughputSampler)
	ts.poll(evtMgr)
	ts.pending = ScheduleEvent(evtMgr, ts, nil, samplerTick, ts.cfg.Period)
	return nil
}

func (ts *ThroughputSampler) poll(evtMgr *evtm.EventManager) {
	now := evtMgr.CurrentSeconds()
	bytes := ts.source.RxBytes()

	if !ts.primed {
		ts.primed = true
		ts.lastBytes, ts.lastTime = bytes, now
		return
	}

	// counters may have been reset under us
	var delta uint64
	if bytes >= ts.lastBytes {
		delta = bytes - ts.lastBytes
	}
	elapsed := now - ts.lastTime
	if elapsed <= 0 {
		return
	}

	rate := float64(delta) * ts.cfg.BitsPerByte / elapsed / ts.cfg.Normalization
	sample := ThroughputSample{Index: len(ts.samples), Time: roundFloat(now, rdigits), Rate: rate}
	ts.samples = append(ts.samples, sample)
	ts.lastBytes, ts.lastTime = bytes, now

	at(ts.log, evtMgr).WithFields(logrus.Fields{"index": sample.Index, "rate": rate}).Debug("throughput sample")
}

// Samples returns a copy of the series taken so far
func (ts *ThroughputSampler) Samples() []ThroughputSample {
	rtn := make([]ThroughputSample, len(ts.samples))
	copy(rtn, ts.samples)
	return rtn
}

// Rates returns just the rates of the series
func (ts *ThroughputSampler) Rates() []float64 {
	rates := make([]float64, len(ts.samples))
	for idx, sample := range ts.samples {
		rates[idx] = sample.Rate
	}
	return rates
}

// MeanRate is the unweighted mean of the sampled rates, zero when there are none
func (ts *ThroughputSampler) MeanRate() float64 {
	if len(ts.samples) == 0 {
		return 0.0
	}
	return stat.Mean(ts.Rates(), nil)
}

// Series packages the samples for export
func (ts *ThroughputSampler) Series() *ThroughputSeries {
	return &ThroughputSeries{Name: ts.name, Period: ts.cfg.Period, Samples: ts.Samples()}
}
