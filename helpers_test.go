package dltraffic

import (
	"github.com/iti/evt/evtm"
)

// runLimit is far beyond any test scenario; every scenario empties the event list first
const runLimit = 1e6

// scheduleAt runs fn at absolute simulation time when.  Tests call it before Run.
func scheduleAt(evtMgr *evtm.EventManager, when float64, fn func(*evtm.EventManager)) *EventHandle {
	return ScheduleEvent(evtMgr, nil, nil, func(em *evtm.EventManager, context any, data any) any {
		fn(em)
		return nil
	}, when-evtMgr.CurrentSeconds())
}

// eventRecorder is a SocketOwner that keeps every event it is given and drains
// received packets as they become ready
type eventRecorder struct {
	events  []SocketEvent
	times   []float64
	packets []*Packet
	rxTimes []float64
}

func (er *eventRecorder) HandleSocketEvent(evtMgr *evtm.EventManager, ev SocketEvent) {
	er.events = append(er.events, ev)
	er.times = append(er.times, evtMgr.CurrentSeconds())
	if ev.Type != DataReady {
		return
	}
	for {
		pkt, _ := ev.Socket.Recv()
		if pkt == nil {
			return
		}
		er.packets = append(er.packets, pkt)
		er.rxTimes = append(er.rxTimes, evtMgr.CurrentSeconds())
	}
}

func (er *eventRecorder) count(typ SocketEventType) int {
	n := 0
	for _, ev := range er.events {
		if ev.Type == typ {
			n += 1
		}
	}
	return n
}

// fixedGenConfig is a generator whose draws are all constant
func fixedGenConfig(name string, remote Address, kind TransportKind, interval, size, deadline float64, budget uint64) GeneratorConfig {
	cfg := DefaultGeneratorConfig(name, remote, kind)
	cfg.FlowID = 1
	cfg.Interval = ConstantDist(interval)
	cfg.Size = ConstantDist(size)
	cfg.Deadline = ConstantDist(deadline)
	cfg.MaxBytes = budget
	return cfg
}

// testPair builds a network with the given link, a started sink at "sink:9" and a
// generator aimed at it, not yet started
func testPair(evtMgr *evtm.EventManager, link LinkDesc, gcfg GeneratorConfig, policy DeadlinePolicy) (*Network, *Generator, *Sink, error) {
	nw := CreateNetwork("test", link)
	sink, err := CreateSink(SinkConfig{Name: "sink", Local: "sink:9", Kind: gcfg.Kind, Policy: policy}, nw)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := sink.Start(evtMgr); err != nil {
		return nil, nil, nil, err
	}
	gen, err := CreateGenerator(gcfg, nw)
	if err != nil {
		return nil, nil, nil, err
	}
	gen.AssignStreams(0)
	return nw, gen, sink, nil
}
