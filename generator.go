package dltraffic

// generator.go holds the random traffic application.  Each emission draws a
// packet size and a deadline offset, tags the packet with its absolute deadline,
// hands it to the transport, and draws the interval to the next emission, until
// the configured byte budget is used up.

import (
	"fmt"
	"math"

	"github.com/iti/evt/evtm"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// GeneratorStateCode is the state of a Generator
type GeneratorStateCode int

const (
	Idle GeneratorStateCode = iota
	Connecting
	Sending
	Stopped
)

var gscToStr map[GeneratorStateCode]string = map[GeneratorStateCode]string{
	Idle: "idle", Connecting: "connecting", Sending: "sending", Stopped: "stopped"}

func (gsc GeneratorStateCode) String() string {
	return gscToStr[gsc]
}

var (
	// ErrInvalidDistributionDraw is recorded when a draw would stall or corrupt the
	// emission clock, e.g. a non-positive interval
	ErrInvalidDistributionDraw = errors.New("invalid distribution draw")

	// ErrHandshakeFailure is recorded when a connection-oriented start-up fails
	ErrHandshakeFailure = errors.New("handshake failure")

	// ErrNullTransportOnStop is logged when a generator is stopped without a socket
	ErrNullTransportOnStop = errors.New("no socket to close on stop")
)

// GeneratorConfig is everything needed to build a Generator.  It is validated
// once, by CreateGenerator.
type GeneratorConfig struct {
	Name   string        `json:"name" yaml:"name"`
	FlowID int           `json:"flowid" yaml:"flowid"`
	Remote Address       `json:"remote" yaml:"remote"`
	Kind   TransportKind `json:"transport" yaml:"transport"`

	// total number of bytes to send; zero means no limit
	MaxBytes uint64 `json:"maxbytes" yaml:"maxbytes"`

	Interval DistSpec `json:"interval" yaml:"interval"` // seconds between emissions
	Size     DistSpec `json:"size" yaml:"size"`         // bytes per packet
	Deadline DistSpec `json:"deadline" yaml:"deadline"` // seconds from emission to deadline

	// attach a TimestampTag carrying the send time
	StampSendTime bool `json:"stamp" yaml:"stamp"`

	// attach a SimpleTag with this value
	Marker *uint8 `json:"marker,omitempty" yaml:"marker,omitempty"`

	// seed mixed into every assigned random stream
	RunSeed uint64 `json:"runseed" yaml:"runseed"`
}

// DefaultGeneratorConfig returns a configuration carrying the default distributions
func DefaultGeneratorConfig(name string, remote Address, kind TransportKind) GeneratorConfig {
	return GeneratorConfig{Name: name, Remote: remote, Kind: kind,
		Interval: DefaultInterval, Size: DefaultSize, Deadline: DefaultDeadline, RunSeed: 1}
}

// Validate returns an error describing every problem with the configuration
func (gc *GeneratorConfig) Validate() error {
	errs := []error{}
	if gc.Remote == "" {
		errs = append(errs, fmt.Errorf("generator %s has no remote address", gc.Name))
	}
	for _, ds := range []struct {
		label string
		spec  DistSpec
	}{{"interval", gc.Interval}, {"size", gc.Size}, {"deadline", gc.Deadline}} {
		if err := ds.spec.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("generator %s %s: %w", gc.Name, ds.label, err))
		}
	}
	return ReportErrs(errs)
}

// Generator is the random traffic application
type Generator struct {
	cfg       GeneratorConfig
	transport Transport
	streams   *RandomStreamSet
	socket    Socket
	state     GeneratorStateCode
	connected bool
	sendEvent *EventHandle
	err       error

	totBytes    uint64
	packetsSent uint64
	nxtUID      uint64 // last packet number used; survives ResetCounters

	// OnTx, if set, sees each packet just before it is handed to the transport
	OnTx func(evtMgr *evtm.EventManager, pkt *Packet)

	// OnStop, if set, is called once when the generator reaches Stopped
	OnStop func(evtMgr *evtm.EventManager, gen *Generator)

	log *logrus.Entry
}

// CreateGenerator is a constructor.  The distributions of cfg are installed in a fresh
// RandomStreamSet whose streams are unassigned until AssignStreams is called.
func CreateGenerator(cfg GeneratorConfig, transport Transport) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, fmt.Errorf("generator %s has no transport", cfg.Name)
	}

	gen := new(Generator)
	gen.cfg = cfg
	gen.transport = transport
	gen.state = Idle
	gen.streams = CreateRandomStreamSet(cfg.Name, cfg.RunSeed)
	gen.log = appLogger("generator", cfg.Name)

	specs := map[StreamKind]DistSpec{IntervalStream: cfg.Interval, SizeStream: cfg.Size, DeadlineStream: cfg.Deadline}
	for kind, spec := range specs {
		if err := gen.streams.Configure(kind, spec); err != nil {
			return nil, err
		}
	}
	return gen, nil
}

// Name returns the generator's configured name
func (gen *Generator) Name() string { return gen.cfg.Name }

// FlowID returns the flow id stamped on every packet the generator sends
func (gen *Generator) FlowID() int { return gen.cfg.FlowID }

// Config returns the configuration the generator was built from
func (gen *Generator) Config() GeneratorConfig { return gen.cfg }

// State returns the current state
func (gen *Generator) State() GeneratorStateCode { return gen.state }

// Connected reports whether the transport is ready to carry packets
func (gen *Generator) Connected() bool { return gen.connected }

// Socket returns the generator's socket, nil before Start
func (gen *Generator) Socket() Socket { return gen.socket }

// Streams gives access to the generator's random streams, e.g. to reconfigure a draw
func (gen *Generator) Streams() *RandomStreamSet { return gen.streams }

// TotalBytesSent is the sum of the sizes of every packet handed to the transport
func (gen *Generator) TotalBytesSent() uint64 { return gen.totBytes }

// PacketsSent is the number of packets handed to the transport
func (gen *Generator) PacketsSent() uint64 { return gen.packetsSent }

// Err returns the last error that changed the generator's course, or nil
func (gen *Generator) Err() error { return gen.err }

// PendingEvent returns the scheduled emission, if any
func (gen *Generator) PendingEvent() *EventHandle { return gen.sendEvent }

// ResetCounters zeroes the byte and packet counters
func (gen *Generator) ResetCounters() {
	gen.totBytes = 0
	gen.packetsSent = 0
}

// AssignStreams fixes the random stream identifiers of the three draws, starting
// at stream, and returns the number used
func (gen *Generator) AssignStreams(stream int64) int64 {
	gen.log.WithField("stream", stream).Debug("assign streams")
	return gen.streams.AssignStreams(stream)
}

// Start creates and connects the socket.  A datagram generator begins sending at once,
// a stream generator waits for the handshake.
func (gen *Generator) Start(evtMgr *evtm.EventManager) {
	log := at(gen.log, evtMgr)
	if gen.state != Idle {
		log.WithField("state", gen.state).Debug("start ignored")
		return
	}

	if gen.socket == nil {
		gen.err = nil
		gen.socket = gen.transport.CreateSocket(gen.cfg.Kind, gen)
		if err := gen.socket.Bind(""); err != nil {
			gen.fail(evtMgr, errors.Wrap(err, "bind"))
			return
		}
		if err := gen.socket.Connect(evtMgr, gen.cfg.Remote); err != nil {
			gen.fail(evtMgr, errors.Wrap(err, "connect"))
			return
		}
		gen.connected = !gen.cfg.Kind.ConnectionOriented()
	}

	if gen.connected {
		gen.startSending(evtMgr)
		return
	}
	gen.state = Connecting
	log.WithField("remote", gen.cfg.Remote).Debug("connecting")
}

// Stop cancels the pending emission, if any, and closes the socket
func (gen *Generator) Stop(evtMgr *evtm.EventManager) {
	if gen.state == Stopped {
		return
	}
	log := at(gen.log, evtMgr)

	gen.cancelEvents()
	if gen.socket != nil {
		if err := gen.socket.Close(evtMgr); err != nil {
			log.WithError(err).Warn("close")
		}
		gen.connected = false
	} else {
		// a generator that never got a socket keeps whatever error it already has
		log.WithError(ErrNullTransportOnStop).Warn("generator found null socket to close on stop")
	}
	gen.state = Stopped
	log.WithFields(logrus.Fields{"sent": gen.totBytes, "packets": gen.packetsSent}).Info("generator stopped")

	if gen.OnStop != nil {
		gen.OnStop(evtMgr, gen)
	}
}

func (gen *Generator) cancelEvents() {
	if gen.sendEvent.Pending() {
		gen.sendEvent.Cancel()
	}
}

// fail records a condition fatal to this flow and stops it
func (gen *Generator) fail(evtMgr *evtm.EventManager, err error) {
	gen.err = err
	at(gen.log, evtMgr).WithError(err).Error("generator failed")
	gen.Stop(evtMgr)
}

// HandleSocketEvent helps Generator implement SocketOwner
func (gen *Generator) HandleSocketEvent(evtMgr *evtm.EventManager, ev SocketEvent) {
	switch ev.Type {
	case ConnectSucceeded:
		gen.connectionSucceeded(evtMgr)
	case ConnectFailed:
		gen.connectionFailed(evtMgr)
	case PeerClosed, PeerErrored:
		at(gen.log, evtMgr).WithField("event", ev.Type).Debug("peer went away")
	}
}

func (gen *Generator) connectionSucceeded(evtMgr *evtm.EventManager) {
	if gen.state != Connecting {
		return
	}
	at(gen.log, evtMgr).Debug("connection succeeded")
	gen.connected = true
	gen.startSending(evtMgr)
}

// connectionFailed returns the generator to Idle without retrying.  The socket is
// released, so a later Start makes a fresh attempt.
func (gen *Generator) connectionFailed(evtMgr *evtm.EventManager) {
	if gen.state != Connecting {
		return
	}
	gen.err = errors.Wrapf(ErrHandshakeFailure, "remote %s", gen.cfg.Remote)
	at(gen.log, evtMgr).WithError(gen.err).Warn("connection failed")
	gen.socket.Close(evtMgr)
	gen.socket = nil
	gen.state = Idle
}

func (gen *Generator) startSending(evtMgr *evtm.EventManager) {
	gen.state = Sending
	gen.scheduleNextTx(evtMgr)
}

// scheduleNextTx draws the interval to the next emission and schedules it, or stops
// the generator if the byte budget has been met
func (gen *Generator) scheduleNextTx(evtMgr *evtm.EventManager) {
	if gen.cfg.MaxBytes != 0 && gen.totBytes >= gen.cfg.MaxBytes {
		// all done
		gen.Stop(evtMgr)
		return
	}

	nextTime := gen.streams.NextInterval()
	if !(nextTime > 0) || math.IsInf(nextTime, 0) {
		gen.fail(evtMgr, errors.Wrapf(ErrInvalidDistributionDraw,
			"packet interval %g from %s is not positive", nextTime, gen.streams.Spec(IntervalStream)))
		return
	}
	at(gen.log, evtMgr).WithField("next", nextTime).Debug("schedule next tx")
	gen.sendEvent = ScheduleEvent(evtMgr, gen, nil, genSendPacket, nextTime)
}

// genSendPacket is the event handler for an emission
func genSendPacket(evtMgr *evtm.EventManager, context any, data any) any {
	gen := context.(*Generator)
	if gen.state != Sending {
		return nil
	}
	gen.sendPacket(evtMgr)
	return nil
}

func (gen *Generator) sendPacket(evtMgr *evtm.EventManager) {
	sizeDraw := gen.streams.NextSize()
	if sizeDraw < 0 || math.IsNaN(sizeDraw) || sizeDraw > math.MaxUint32 {
		gen.fail(evtMgr, errors.Wrapf(ErrInvalidDistributionDraw, "packet size %g", sizeDraw))
		return
	}
	offset := gen.streams.NextDeadlineOffset()
	if offset < 0 || math.IsNaN(offset) || math.IsInf(offset, 0) {
		gen.fail(evtMgr, errors.Wrapf(ErrInvalidDistributionDraw, "deadline offset %g", offset))
		return
	}

	// sizes are whole bytes, the fraction is dropped
	packetSize := uint32(sizeDraw)
	pkt := CreatePacket(gen.cfg.FlowID, packetSize)
	gen.nxtUID += 1
	pkt.UID = gen.nxtUID

	now := evtMgr.CurrentTime().Ticks()
	pkt.AddTag(&DeadlineTag{Deadline: now + secondsToTicks(offset)})
	if gen.cfg.StampSendTime {
		pkt.AddTag(&TimestampTag{SendTime: now})
	}
	if gen.cfg.Marker != nil {
		pkt.AddTag(&SimpleTag{Value: *gen.cfg.Marker})
	}

	if gen.OnTx != nil {
		gen.OnTx(evtMgr, pkt)
	}
	if err := gen.socket.Send(evtMgr, pkt); err != nil {
		at(gen.log, evtMgr).WithError(err).WithField("uid", pkt.UID).Warn("send refused")
	}
	gen.totBytes += uint64(packetSize)
	gen.packetsSent += 1

	at(gen.log, evtMgr).WithFields(logrus.Fields{
		"packet": gen.packetsSent,
		"bytes":  packetSize,
		"remote": gen.cfg.Remote,
		"total":  gen.totBytes,
	}).Info("sent packet")

	gen.scheduleNextTx(evtMgr)
}
