package dltraffic

import (
	"io"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

const metricsNamespace = "dltraffic"

// ExperimentCollector exposes the counters of an experiment's applications as
// Prometheus metrics.  Values are read when the collector is gathered.
type ExperimentCollector struct {
	exp *Experiment

	genBytes    *prometheus.Desc
	genPackets  *prometheus.Desc
	sinkBytes   *prometheus.Desc
	sinkPackets *prometheus.Desc
	sinkLate    *prometheus.Desc
	sinkDropped *prometheus.Desc
	sinkDelay   *prometheus.Desc
	netDropped  *prometheus.Desc
	sampleRate  *prometheus.Desc
}

// NewExperimentCollector is a constructor
func NewExperimentCollector(exp *Experiment) *ExperimentCollector {
	genLabels := []string{"generator", "flow"}
	sinkLabels := []string{"sink"}
	constLabels := prometheus.Labels{"experiment": exp.Name}
	desc := func(name, help string, labels []string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", name), help, labels, constLabels)
	}
	return &ExperimentCollector{
		exp:         exp,
		genBytes:    desc("generator_bytes_sent_total", "Bytes handed to the transport by a generator.", genLabels),
		genPackets:  desc("generator_packets_sent_total", "Packets handed to the transport by a generator.", genLabels),
		sinkBytes:   desc("sink_bytes_received_total", "Bytes counted as received by a sink.", sinkLabels),
		sinkPackets: desc("sink_packets_received_total", "Packets counted as received by a sink.", sinkLabels),
		sinkLate:    desc("sink_late_packets_total", "Packets observed after their deadline.", sinkLabels),
		sinkDropped: desc("sink_dropped_packets_total", "Late packets discarded before being counted.", sinkLabels),
		sinkDelay:   desc("sink_mean_delay_seconds", "Mean one-way delay of time-stamped packets.", sinkLabels),
		netDropped:  desc("network_dropped_packets_total", "Packets lost on the link or with no receiver.", nil),
		sampleRate:  desc("sampler_mean_rate", "Mean of the rates sampled so far.", []string{"sampler"}),
	}
}

// Describe helps ExperimentCollector implement prometheus.Collector
func (ec *ExperimentCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{ec.genBytes, ec.genPackets, ec.sinkBytes, ec.sinkPackets,
		ec.sinkLate, ec.sinkDropped, ec.sinkDelay, ec.netDropped, ec.sampleRate} {
		ch <- d
	}
}

// Collect helps ExperimentCollector implement prometheus.Collector
func (ec *ExperimentCollector) Collect(ch chan<- prometheus.Metric) {
	for _, gen := range ec.exp.Generators() {
		flow := strconv.Itoa(gen.FlowID())
		ch <- prometheus.MustNewConstMetric(ec.genBytes, prometheus.CounterValue,
			float64(gen.TotalBytesSent()), gen.Name(), flow)
		ch <- prometheus.MustNewConstMetric(ec.genPackets, prometheus.CounterValue,
			float64(gen.PacketsSent()), gen.Name(), flow)
	}
	for _, sink := range ec.exp.Sinks() {
		ch <- prometheus.MustNewConstMetric(ec.sinkBytes, prometheus.CounterValue, float64(sink.TotalRx()), sink.Name())
		ch <- prometheus.MustNewConstMetric(ec.sinkPackets, prometheus.CounterValue, float64(sink.PacketsReceived()), sink.Name())
		ch <- prometheus.MustNewConstMetric(ec.sinkLate, prometheus.CounterValue, float64(sink.LatePackets()), sink.Name())
		ch <- prometheus.MustNewConstMetric(ec.sinkDropped, prometheus.CounterValue, float64(sink.DroppedPackets()), sink.Name())
		ch <- prometheus.MustNewConstMetric(ec.sinkDelay, prometheus.GaugeValue, sink.MeanDelay(), sink.Name())
	}
	ch <- prometheus.MustNewConstMetric(ec.netDropped, prometheus.CounterValue, float64(ec.exp.Network().Dropped()))
	for _, sampler := range ec.exp.Samplers() {
		ch <- prometheus.MustNewConstMetric(ec.sampleRate, prometheus.GaugeValue, sampler.MeanRate(), sampler.Name())
	}
}

// WriteMetrics gathers from g and writes the result in the Prometheus text format
func WriteMetrics(g prometheus.Gatherer, w io.Writer) error {
	mfs, err := g.Gather()
	if err != nil {
		return err
	}
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
