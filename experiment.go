package dltraffic

// experiment.go builds the applications of an experiment from its description,
// hands out random streams, schedules the applications' start and stop times,
// runs the event manager and gathers the results.

import (
	"fmt"
	"io"

	"github.com/iti/evt/evtm"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Experiment is an ExpCfg brought to life
type Experiment struct {
	Name     string
	cfg      *ExpCfg
	evtMgr   *evtm.EventManager
	network  *Network
	flowMon  *FlowMonitor
	traceMgr *TraceManager

	gens       []*Generator
	sinks      []*Sink
	samplers   []*ThroughputSampler
	genByName  map[string]*Generator
	sinkByName map[string]*Sink

	// next object id given to the trace dictionary
	idCounter int
	objIDs    map[string]int

	streamsUsed int64
	finished    bool
	log         *logrus.Entry
}

// BuildExperiment creates every application the description names, assigns disjoint
// random streams to the generators starting at cfg.StreamBase, and schedules the
// applications' start and stop times and the end of the run on evtMgr
func BuildExperiment(cfg *ExpCfg, evtMgr *evtm.EventManager) (*Experiment, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "experiment %s", cfg.ExpName)
	}

	exp := new(Experiment)
	exp.Name = cfg.ExpName
	exp.cfg = cfg
	exp.evtMgr = evtMgr
	exp.network = CreateNetwork(cfg.ExpName, cfg.Link)
	exp.flowMon = CreateFlowMonitor()
	exp.traceMgr = CreateTraceManager(cfg.ExpName, cfg.Trace)
	exp.genByName = make(map[string]*Generator)
	exp.sinkByName = make(map[string]*Sink)
	exp.objIDs = make(map[string]int)
	exp.log = appLogger("experiment", cfg.ExpName)

	// sinks are built, and scheduled, ahead of the generators so that at equal
	// start times the sink is listening when the first packet is sent
	for idx := range cfg.Sinks {
		sd := cfg.Sinks[idx]
		sink, err := CreateSink(sd.SinkConfig, exp.network)
		if err != nil {
			return nil, err
		}
		exp.flowMon.WatchSink(sink)
		exp.traceMgr.WatchSink(exp.nextID(sink.Name(), "sink"), sink)
		exp.sinks = append(exp.sinks, sink)
		exp.sinkByName[sink.Name()] = sink
	}

	for idx := range cfg.Generators {
		gd := cfg.Generators[idx]
		gen, err := CreateGenerator(gd.GeneratorConfig, exp.network)
		if err != nil {
			return nil, err
		}
		exp.flowMon.WatchGenerator(gen)
		exp.traceMgr.WatchGenerator(exp.nextID(gen.Name(), "generator"), gen)
		exp.gens = append(exp.gens, gen)
		exp.genByName[gen.Name()] = gen
	}
	exp.streamsUsed = exp.AssignStreams(cfg.StreamBase)

	for idx := range cfg.Samplers {
		sd := cfg.Samplers[idx]
		var source RxByteSource
		if sd.Sink != "" {
			source = exp.sinkByName[sd.Sink]
		} else {
			source = exp.flowMon.RxSource(*sd.Flow)
		}
		sampler, err := CreateThroughputSampler(sd.Name, sd.SamplerConfig, source)
		if err != nil {
			return nil, err
		}
		exp.samplers = append(exp.samplers, sampler)
	}

	exp.schedule()
	return exp, nil
}

// nextID registers an application with the trace dictionary and returns its id
func (exp *Experiment) nextID(name, objDesc string) int {
	id := exp.idCounter
	exp.idCounter += 1
	exp.objIDs[name] = id
	if err := exp.traceMgr.AddName(id, name, objDesc); err != nil {
		exp.log.WithError(err).Warn("trace dictionary")
	}
	return id
}

// AssignStreams fixes the random streams of every generator, in description order,
// starting at stream, and returns the number of streams used
func (exp *Experiment) AssignStreams(stream int64) int64 {
	currentStream := stream
	for _, gen := range exp.gens {
		currentStream += gen.AssignStreams(currentStream)
	}
	return currentStream - stream
}

// schedule puts the starts, stops and end of run on the event list
func (exp *Experiment) schedule() {
	for idx, sink := range exp.sinks {
		sd := exp.cfg.Sinks[idx]
		ScheduleEvent(exp.evtMgr, exp, sink, startSink, sd.Start)
		if sd.Stop > 0 {
			ScheduleEvent(exp.evtMgr, exp, sink, stopSink, sd.Stop)
		}
	}
	for idx, gen := range exp.gens {
		gd := exp.cfg.Generators[idx]
		ScheduleEvent(exp.evtMgr, exp, gen, startGenerator, gd.Start)
		if gd.Stop > 0 {
			ScheduleEvent(exp.evtMgr, exp, gen, stopGenerator, gd.Stop)
		}
	}
	for idx, sampler := range exp.samplers {
		sd := exp.cfg.Samplers[idx]
		ScheduleEvent(exp.evtMgr, exp, sampler, startSampler, sd.Start)
		if sd.Stop > 0 {
			ScheduleEvent(exp.evtMgr, exp, sampler, stopSampler, sd.Stop)
		}
	}
	ScheduleEvent(exp.evtMgr, exp, nil, endExperiment, exp.cfg.Horizon)
}

func startSink(evtMgr *evtm.EventManager, context any, data any) any {
	exp := context.(*Experiment)
	sink := data.(*Sink)
	if err := sink.Start(evtMgr); err != nil {
		at(exp.log, evtMgr).WithError(err).WithField("sink", sink.Name()).Error("sink failed to start")
	}
	return nil
}

func stopSink(evtMgr *evtm.EventManager, context any, data any) any {
	data.(*Sink).Stop(evtMgr)
	return nil
}

func startGenerator(evtMgr *evtm.EventManager, context any, data any) any {
	exp := context.(*Experiment)
	gen := data.(*Generator)
	exp.traceMgr.AddTrace(evtMgr, exp.objID(gen.Name()), TraceStart, nil)
	gen.Start(evtMgr)
	return nil
}

func stopGenerator(evtMgr *evtm.EventManager, context any, data any) any {
	data.(*Generator).Stop(evtMgr)
	return nil
}

func startSampler(evtMgr *evtm.EventManager, context any, data any) any {
	data.(*ThroughputSampler).Start(evtMgr)
	return nil
}

func stopSampler(evtMgr *evtm.EventManager, context any, data any) any {
	data.(*ThroughputSampler).Cancel()
	return nil
}

// endExperiment stops whatever is still running, which empties the event list
// apart from packets still in flight
func endExperiment(evtMgr *evtm.EventManager, context any, data any) any {
	exp := context.(*Experiment)
	exp.Finish(evtMgr)
	return nil
}

// Finish stops every generator and sampler and then every sink.  It is called at the
// horizon and may be called earlier.
func (exp *Experiment) Finish(evtMgr *evtm.EventManager) {
	if exp.finished {
		return
	}
	exp.finished = true
	for _, gen := range exp.gens {
		if gen.State() != Stopped {
			gen.Stop(evtMgr)
		}
	}
	for _, sampler := range exp.samplers {
		sampler.Cancel()
	}
	for _, sink := range exp.sinks {
		sink.Stop(evtMgr)
	}
	at(exp.log, evtMgr).Info("experiment finished")
}

// objID recovers the trace id given to a named application
func (exp *Experiment) objID(name string) int {
	id, present := exp.objIDs[name]
	if !present {
		return -1
	}
	return id
}

// Run executes the event list up to the horizon and then finishes the experiment
func (exp *Experiment) Run() {
	exp.evtMgr.Run(exp.cfg.Horizon)
	exp.Finish(exp.evtMgr)
}

func (exp *Experiment) Config() *ExpCfg                { return exp.cfg }
func (exp *Experiment) Network() *Network              { return exp.network }
func (exp *Experiment) FlowMonitor() *FlowMonitor      { return exp.flowMon }
func (exp *Experiment) TraceManager() *TraceManager    { return exp.traceMgr }
func (exp *Experiment) Generators() []*Generator       { return exp.gens }
func (exp *Experiment) Sinks() []*Sink                 { return exp.sinks }
func (exp *Experiment) Samplers() []*ThroughputSampler { return exp.samplers }

// StreamsUsed is the number of random streams handed to the generators
func (exp *Experiment) StreamsUsed() int64 { return exp.streamsUsed }

// Generator looks up a generator by name
func (exp *Experiment) Generator(name string) (*Generator, bool) {
	gen, present := exp.genByName[name]
	return gen, present
}

// Sink looks up a sink by name
func (exp *Experiment) Sink(name string) (*Sink, bool) {
	sink, present := exp.sinkByName[name]
	return sink, present
}

// GeneratorSummary is the end-of-run state of a generator
type GeneratorSummary struct {
	Name        string `json:"name" yaml:"name"`
	FlowID      int    `json:"flowid" yaml:"flowid"`
	State       string `json:"state" yaml:"state"`
	BytesSent   uint64 `json:"bytessent" yaml:"bytessent"`
	PacketsSent uint64 `json:"packetssent" yaml:"packetssent"`
	Err         string `json:"err,omitempty" yaml:"err,omitempty"`
}

// SinkSummary is the end-of-run state of a sink
type SinkSummary struct {
	Name            string  `json:"name" yaml:"name"`
	BytesReceived   uint64  `json:"bytesreceived" yaml:"bytesreceived"`
	PacketsReceived uint64  `json:"packetsreceived" yaml:"packetsreceived"`
	OnTimePackets   uint64  `json:"ontimepackets" yaml:"ontimepackets"`
	LatePackets     uint64  `json:"latepackets" yaml:"latepackets"`
	DroppedPackets  uint64  `json:"droppedpackets" yaml:"droppedpackets"`
	MeanDelay       float64 `json:"meandelay" yaml:"meandelay"`
}

// ExpSummary gathers the results of a run for export
type ExpSummary struct {
	ExpName    string             `json:"expname" yaml:"expname"`
	RunID      string             `json:"runid" yaml:"runid"`
	Streams    int64              `json:"streams" yaml:"streams"`
	Dropped    uint64             `json:"networkdropped" yaml:"networkdropped"`
	Generators []GeneratorSummary `json:"generators" yaml:"generators"`
	Sinks      []SinkSummary      `json:"sinks" yaml:"sinks"`
	Flows      []FlowStats        `json:"flows" yaml:"flows"`
	Throughput []ThroughputSeries `json:"throughput" yaml:"throughput"`
}

// Summary collects the results of the experiment
func (exp *Experiment) Summary() *ExpSummary {
	es := &ExpSummary{ExpName: exp.Name, RunID: exp.traceMgr.RunID, Streams: exp.streamsUsed,
		Dropped: exp.network.Dropped()}
	for _, gen := range exp.gens {
		gs := GeneratorSummary{Name: gen.Name(), FlowID: gen.FlowID(), State: gen.State().String(),
			BytesSent: gen.TotalBytesSent(), PacketsSent: gen.PacketsSent()}
		if gen.Err() != nil {
			gs.Err = gen.Err().Error()
		}
		es.Generators = append(es.Generators, gs)
	}
	for _, sink := range exp.sinks {
		es.Sinks = append(es.Sinks, SinkSummary{Name: sink.Name(), BytesReceived: sink.TotalRx(),
			PacketsReceived: sink.PacketsReceived(), OnTimePackets: sink.OnTimePackets(),
			LatePackets: sink.LatePackets(), DroppedPackets: sink.DroppedPackets(), MeanDelay: sink.MeanDelay()})
	}
	es.Flows = exp.flowMon.AllStats()
	for _, sampler := range exp.samplers {
		es.Throughput = append(es.Throughput, *sampler.Series())
	}
	return es
}

// WriteToFile stores the summary to the named file, as yaml or json by extension
func (es *ExpSummary) WriteToFile(filename string) error {
	return writeEncoded(filename, *es)
}

// Report writes a human-readable account of the run
func (exp *Experiment) Report(w io.Writer) {
	fmt.Fprintf(w, "experiment %s (run %s)\n", exp.Name, exp.traceMgr.RunID)
	for _, gen := range exp.gens {
		fmt.Fprintf(w, "generator %s: %s, sent %d bytes in %d packets\n",
			gen.Name(), gen.State(), gen.TotalBytesSent(), gen.PacketsSent())
		if gen.Err() != nil {
			fmt.Fprintf(w, "  error: %v\n", gen.Err())
		}
	}
	for _, sink := range exp.sinks {
		fmt.Fprintf(w, "sink %s: received %d bytes in %d packets, %d late, %d dropped\n",
			sink.Name(), sink.TotalRx(), sink.PacketsReceived(), sink.LatePackets(), sink.DroppedPackets())
	}
	exp.flowMon.Report(w)
	for _, sampler := range exp.samplers {
		fmt.Fprintf(w, "sampler %s: %d samples, mean rate %.6f\n",
			sampler.Name(), len(sampler.Samples()), sampler.MeanRate())
	}
}
