package dltraffic

import (
	"fmt"
	"strconv"

	"github.com/iti/evt/evtm"
	"github.com/rs/xid"
)

// TraceOp names what happened to a packet or an application
type TraceOp string

const (
	TraceTx    TraceOp = "tx"
	TraceRx    TraceOp = "rx"
	TraceLate  TraceOp = "late"
	TraceDrop  TraceOp = "drop"
	TraceStart TraceOp = "start"
	TraceStop  TraceOp = "stop"
)

// AppTrace saves information about one observation of a packet or application,
// for post-run analysis
type AppTrace struct {
	Time     float64 `json:"time" yaml:"time"`
	Ticks    int64   `json:"ticks" yaml:"ticks"`
	Priority int64   `json:"priority" yaml:"priority"`
	ObjID    int     `json:"objid" yaml:"objid"`
	Op       TraceOp `json:"op" yaml:"op"`
	FlowID   int     `json:"flowid" yaml:"flowid"`
	UID      uint64  `json:"uid" yaml:"uid"`
	Bytes    uint32  `json:"bytes" yaml:"bytes"`
	Deadline float64 `json:"deadline,omitempty" yaml:"deadline,omitempty"`
}

// TraceInst is a trace record as stored by the TraceManager
type TraceInst struct {
	TraceTime string   `json:"tracetime" yaml:"tracetime"`
	TraceType string   `json:"tracetype" yaml:"tracetype"`
	Record    AppTrace `json:"record" yaml:"record"`
}

// NameType is an entry of the dictionary mapping object ids to (name,type) pairs
type NameType struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
}

// TraceManager gathers trace records of a run, grouped by the id of the object
// that produced them
type TraceManager struct {
	// experiment uses trace
	InUse bool `json:"inuse" yaml:"inuse"`

	// name of experiment
	ExpName string `json:"expname" yaml:"expname"`

	// unique to this run, so traces of repeated runs can be told apart
	RunID string `json:"runid" yaml:"runid"`

	// text name associated with each objID
	NameByID map[int]NameType `json:"namebyid" yaml:"namebyid"`

	// all trace records for this experiment
	Traces map[int][]TraceInst `json:"traces" yaml:"traces"`
}

// CreateTraceManager is a constructor.  When active is false every method that would
// record something returns at once, so calls can be left in place.
func CreateTraceManager(expName string, active bool) *TraceManager {
	tm := new(TraceManager)
	tm.InUse = active
	tm.ExpName = expName
	tm.RunID = xid.New().String()
	tm.NameByID = make(map[int]NameType)
	tm.Traces = make(map[int][]TraceInst)
	return tm
}

// Active tells the caller whether the trace manager is being used
func (tm *TraceManager) Active() bool {
	return tm != nil && tm.InUse
}

// AddName adds an element to the id -> (name,type) dictionary.  Re-using an id is an error.
func (tm *TraceManager) AddName(id int, name string, objDesc string) error {
	if !tm.Active() {
		return nil
	}
	if _, present := tm.NameByID[id]; present {
		return fmt.Errorf("duplicated id %d in trace dictionary", id)
	}
	tm.NameByID[id] = NameType{Name: name, Type: objDesc}
	return nil
}

// AddTrace stores a record under the id of the object that produced it
func (tm *TraceManager) AddTrace(evtMgr *evtm.EventManager, objID int, op TraceOp, pkt *Packet) {
	if !tm.Active() {
		return
	}
	vrt := evtMgr.CurrentTime()
	rec := AppTrace{Time: vrt.Seconds(), Ticks: vrt.Ticks(), Priority: vrt.Pri(), ObjID: objID, Op: op}
	if pkt != nil {
		rec.FlowID = pkt.FlowID
		rec.UID = pkt.UID
		rec.Bytes = pkt.Size
		var dl DeadlineTag
		if found, err := pkt.FindTag(&dl); found && err == nil {
			rec.Deadline = dl.Seconds()
		}
	}

	traceTime := strconv.FormatFloat(vrt.Seconds(), 'f', -1, 64)
	tm.Traces[objID] = append(tm.Traces[objID], TraceInst{TraceTime: traceTime, TraceType: "app", Record: rec})
}

// NumTraces counts the records stored for an object
func (tm *TraceManager) NumTraces(objID int) int {
	return len(tm.Traces[objID])
}

// CountOp counts the stored records, over all objects, of one kind
func (tm *TraceManager) CountOp(op TraceOp) int {
	count := 0
	for _, traces := range tm.Traces {
		for _, trace := range traces {
			if trace.Record.Op == op {
				count += 1
			}
		}
	}
	return count
}

// WatchGenerator records the generator's emissions and its stop under objID
func (tm *TraceManager) WatchGenerator(objID int, gen *Generator) {
	if !tm.Active() {
		return
	}
	priorTx := gen.OnTx
	gen.OnTx = func(evtMgr *evtm.EventManager, pkt *Packet) {
		tm.AddTrace(evtMgr, objID, TraceTx, pkt)
		if priorTx != nil {
			priorTx(evtMgr, pkt)
		}
	}
	priorStop := gen.OnStop
	gen.OnStop = func(evtMgr *evtm.EventManager, g *Generator) {
		tm.AddTrace(evtMgr, objID, TraceStop, nil)
		if priorStop != nil {
			priorStop(evtMgr, g)
		}
	}
}

// WatchSink records the sink's receptions, misses and drops under objID
func (tm *TraceManager) WatchSink(objID int, sink *Sink) {
	if !tm.Active() {
		return
	}
	priorDl := sink.OnDeadline
	sink.OnDeadline = func(evtMgr *evtm.EventManager, pkt *Packet, cls Classification, delay float64, dropped bool) {
		switch {
		case dropped:
			tm.AddTrace(evtMgr, objID, TraceDrop, pkt)
		case cls == Late:
			tm.AddTrace(evtMgr, objID, TraceLate, pkt)
		}
		if priorDl != nil {
			priorDl(evtMgr, pkt, cls, delay, dropped)
		}
	}
	priorRx := sink.OnRx
	sink.OnRx = func(evtMgr *evtm.EventManager, pkt *Packet, from Address, cls Classification, delay float64) {
		tm.AddTrace(evtMgr, objID, TraceRx, pkt)
		if priorRx != nil {
			priorRx(evtMgr, pkt, from, cls, delay)
		}
	}
}

// WriteToFile stores the TraceManager to the named file, as yaml or json by extension.
// It returns false without writing when the manager is not in use.
func (tm *TraceManager) WriteToFile(filename string) (bool, error) {
	if !tm.Active() {
		return false, nil
	}
	if err := writeEncoded(filename, *tm); err != nil {
		return false, err
	}
	return true, nil
}
