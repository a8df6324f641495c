package dltraffic

// flowmon.go gathers per-flow statistics from the Tx and Rx hooks of the applications,
// keyed by the flow id each generator stamps on its packets.

import (
	"fmt"
	"io"

	"github.com/iti/evt/evtm"
	"golang.org/x/exp/slices"
)

// FlowStats accumulates what is known about one flow
type FlowStats struct {
	FlowID         int     `json:"flowid" yaml:"flowid"`
	TxBytes        uint64  `json:"txbytes" yaml:"txbytes"`
	RxBytes        uint64  `json:"rxbytes" yaml:"rxbytes"`
	TxPackets      uint64  `json:"txpackets" yaml:"txpackets"`
	RxPackets      uint64  `json:"rxpackets" yaml:"rxpackets"`
	LatePackets    uint64  `json:"latepackets" yaml:"latepackets"`
	DroppedPackets uint64  `json:"droppedpackets" yaml:"droppedpackets"`
	DelaySum       float64 `json:"delaysum" yaml:"delaysum"`
	Delayed        uint64  `json:"delayed" yaml:"delayed"`
	TimeFirstTx    float64 `json:"timefirsttx" yaml:"timefirsttx"`
	TimeLastTx     float64 `json:"timelasttx" yaml:"timelasttx"`
	TimeFirstRx    float64 `json:"timefirstrx" yaml:"timefirstrx"`
	TimeLastRx     float64 `json:"timelastrx" yaml:"timelastrx"`
}

// Duration is the time from the first transmission to the last reception
func (fs *FlowStats) Duration() float64 {
	if fs.RxPackets == 0 {
		return 0.0
	}
	return fs.TimeLastRx - fs.TimeFirstTx
}

// Throughput is the average received rate over the flow's duration, in Mbits/sec
func (fs *FlowStats) Throughput() float64 {
	dur := fs.Duration()
	if dur <= 0 {
		return 0.0
	}
	return float64(fs.RxBytes) * 8.0 / dur / 1024.0 / 1024.0
}

// MeanDelay is the mean one-way delay over packets that carried a send timestamp
func (fs *FlowStats) MeanDelay() float64 {
	if fs.Delayed == 0 {
		return 0.0
	}
	return fs.DelaySum / float64(fs.Delayed)
}

// LostPackets is the number of packets sent but neither received nor dropped as late
func (fs *FlowStats) LostPackets() uint64 {
	arrived := fs.RxPackets + fs.DroppedPackets
	if arrived >= fs.TxPackets {
		return 0
	}
	return fs.TxPackets - arrived
}

// FlowMonitor holds the FlowStats of every flow it has seen
type FlowMonitor struct {
	flows map[int]*FlowStats
}

// CreateFlowMonitor is a constructor
func CreateFlowMonitor() *FlowMonitor {
	return &FlowMonitor{flows: make(map[int]*FlowStats)}
}

func (fm *FlowMonitor) stats(flowID int) *FlowStats {
	fs, present := fm.flows[flowID]
	if !present {
		fs = &FlowStats{FlowID: flowID}
		fm.flows[flowID] = fs
	}
	return fs
}

// FlowStats returns a copy of the statistics of the flow, and whether it has been seen
func (fm *FlowMonitor) FlowStats(flowID int) (FlowStats, bool) {
	fs, present := fm.flows[flowID]
	if !present {
		return FlowStats{FlowID: flowID}, false
	}
	return *fs, true
}

// FlowIDs lists the flows seen, in increasing order
func (fm *FlowMonitor) FlowIDs() []int {
	ids := make([]int, 0, len(fm.flows))
	for id := range fm.flows {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// AllStats returns copies of every flow's statistics, ordered by flow id
func (fm *FlowMonitor) AllStats() []FlowStats {
	rtn := []FlowStats{}
	for _, id := range fm.FlowIDs() {
		rtn = append(rtn, *fm.flows[id])
	}
	return rtn
}

// RecordTx notes a packet handed to the transport
func (fm *FlowMonitor) RecordTx(evtMgr *evtm.EventManager, pkt *Packet) {
	fs := fm.stats(pkt.FlowID)
	now := evtMgr.CurrentSeconds()
	if fs.TxPackets == 0 {
		fs.TimeFirstTx = now
	}
	fs.TimeLastTx = now
	fs.TxPackets += 1
	fs.TxBytes += uint64(pkt.Size)
}

// RecordRx notes a packet counted by a sink.  The delay is the sink's measurement,
// negative when the packet carried no send timestamp.
func (fm *FlowMonitor) RecordRx(evtMgr *evtm.EventManager, pkt *Packet, delay float64) {
	fs := fm.stats(pkt.FlowID)
	now := evtMgr.CurrentSeconds()
	if fs.RxPackets == 0 {
		fs.TimeFirstRx = now
	}
	fs.TimeLastRx = now
	fs.RxPackets += 1
	fs.RxBytes += uint64(pkt.Size)
	if delay >= 0 {
		fs.DelaySum += delay
		fs.Delayed += 1
	}
}

// RecordDeadline notes the sink's verdict on a packet that carried a deadline
func (fm *FlowMonitor) RecordDeadline(pkt *Packet, cls Classification, dropped bool) {
	fs := fm.stats(pkt.FlowID)
	if cls == Late {
		fs.LatePackets += 1
	}
	if dropped {
		fs.DroppedPackets += 1
	}
}

// WatchGenerator chains the monitor onto the generator's Tx hook
func (fm *FlowMonitor) WatchGenerator(gen *Generator) {
	prior := gen.OnTx
	gen.OnTx = func(evtMgr *evtm.EventManager, pkt *Packet) {
		fm.RecordTx(evtMgr, pkt)
		if prior != nil {
			prior(evtMgr, pkt)
		}
	}
}

// WatchSink chains the monitor onto the sink's Rx and deadline hooks
func (fm *FlowMonitor) WatchSink(sink *Sink) {
	priorRx := sink.OnRx
	sink.OnRx = func(evtMgr *evtm.EventManager, pkt *Packet, from Address, cls Classification, delay float64) {
		fm.RecordRx(evtMgr, pkt, delay)
		if priorRx != nil {
			priorRx(evtMgr, pkt, from, cls, delay)
		}
	}
	priorDl := sink.OnDeadline
	sink.OnDeadline = func(evtMgr *evtm.EventManager, pkt *Packet, cls Classification, delay float64, dropped bool) {
		fm.RecordDeadline(pkt, cls, dropped)
		if priorDl != nil {
			priorDl(evtMgr, pkt, cls, delay, dropped)
		}
	}
}

// FlowBytes is the RxByteSource view of one flow, for sampling a flow's throughput
type FlowBytes struct {
	fm     *FlowMonitor
	flowID int
}

// RxSource returns an RxByteSource reading the received bytes of the flow
func (fm *FlowMonitor) RxSource(flowID int) *FlowBytes {
	return &FlowBytes{fm: fm, flowID: flowID}
}

func (fb *FlowBytes) RxBytes() uint64 {
	fs, present := fb.fm.flows[fb.flowID]
	if !present {
		return 0
	}
	return fs.RxBytes
}

// Report writes a summary line per flow
func (fm *FlowMonitor) Report(w io.Writer) {
	for _, fs := range fm.AllStats() {
		fmt.Fprintf(w, "flow %d: tx %d bytes (%d pkts), rx %d bytes (%d pkts), late %d, dropped %d, lost %d, duration %.6fs, throughput %.6f Mbps, mean delay %.6fs\n",
			fs.FlowID, fs.TxBytes, fs.TxPackets, fs.RxBytes, fs.RxPackets,
			fs.LatePackets, fs.DroppedPackets, fs.LostPackets(), fs.Duration(), fs.Throughput(), fs.MeanDelay())
	}
}
