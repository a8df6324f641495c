package dltraffic

// sink.go holds the receiving application.  It counts what arrives, judges each
// packet against the deadline it carries, and strips tags before passing packets on.

import (
	"fmt"

	"github.com/iti/evt/evtm"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
)

// DeadlinePolicy selects what the sink does with the deadline tag
type DeadlinePolicy int

const (
	// DeadlineClassify counts every packet and marks each as on time or late
	DeadlineClassify DeadlinePolicy = iota

	// DeadlineIgnore does not look at the deadline tag at all
	DeadlineIgnore

	// DeadlineDrop discards late packets before they are counted as received
	DeadlineDrop
)

var dpToStr map[DeadlinePolicy]string = map[DeadlinePolicy]string{
	DeadlineClassify: "classify", DeadlineIgnore: "ignore", DeadlineDrop: "drop"}

func (dp DeadlinePolicy) String() string {
	return dpToStr[dp]
}

func (dp DeadlinePolicy) MarshalText() ([]byte, error) {
	return []byte(dp.String()), nil
}

func (dp *DeadlinePolicy) UnmarshalText(text []byte) error {
	for code, str := range dpToStr {
		if str == string(text) {
			*dp = code
			return nil
		}
	}
	if len(text) == 0 {
		*dp = DeadlineClassify
		return nil
	}
	return fmt.Errorf("deadline policy %q not recognized", string(text))
}

// Classification is the sink's verdict on a delivered packet
type Classification int

const (
	NoDeadline Classification = iota
	OnTime
	Late
)

var clsToStr map[Classification]string = map[Classification]string{
	NoDeadline: "no-deadline", OnTime: "on-time", Late: "late"}

func (cls Classification) String() string {
	return clsToStr[cls]
}

// ClassifyDelivery judges a packet observed at tick now against its deadline tick.
// Delivery exactly at the deadline is on time.
func ClassifyDelivery(now, deadline int64) Classification {
	if now > deadline {
		return Late
	}
	return OnTime
}

// SinkConfig is everything needed to build a Sink
type SinkConfig struct {
	Name   string         `json:"name" yaml:"name"`
	Local  Address        `json:"local" yaml:"local"`
	Kind   TransportKind  `json:"transport" yaml:"transport"`
	Policy DeadlinePolicy `json:"policy" yaml:"policy"`
}

// Validate checks the sink configuration
func (sc *SinkConfig) Validate() error {
	if sc.Local == "" {
		return fmt.Errorf("sink %s has no local address", sc.Name)
	}
	if _, present := dpToStr[sc.Policy]; !present {
		return fmt.Errorf("sink %s has unknown deadline policy %d", sc.Name, int(sc.Policy))
	}
	return nil
}

// Sink is the packet sink application
type Sink struct {
	cfg             SinkConfig
	transport       Transport
	socket          Socket   // listening socket
	acceptedSockets []Socket // connections accepted, in order

	totalRx   uint64
	packetsRx uint64
	onTime    uint64
	late      uint64
	dropped   uint64
	eofs      uint64
	delaySum  float64 // seconds, over counted packets carrying a TimestampTag
	delayed   uint64  // packets contributing to delaySum

	// OnRx, if set, sees each counted packet after its tags have been stripped, with
	// the delay measured from its TimestampTag (negative when there was none)
	OnRx func(evtMgr *evtm.EventManager, pkt *Packet, from Address, cls Classification, delay float64)

	// OnDeadline, if set, sees every packet that carried a deadline, dropped or not,
	// with the delay measured from its TimestampTag (negative when there was none)
	OnDeadline func(evtMgr *evtm.EventManager, pkt *Packet, cls Classification, delay float64, dropped bool)

	log *logrus.Entry
}

// CreateSink is a constructor
func CreateSink(cfg SinkConfig, transport Transport) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, fmt.Errorf("sink %s has no transport", cfg.Name)
	}
	sink := new(Sink)
	sink.cfg = cfg
	sink.transport = transport
	sink.acceptedSockets = make([]Socket, 0)
	sink.log = appLogger("sink", cfg.Name)
	return sink, nil
}

func (sink *Sink) Name() string { return sink.cfg.Name }

func (sink *Sink) Config() SinkConfig { return sink.cfg }

// ListeningSocket returns the socket bound to the sink's local address, nil when not started
func (sink *Sink) ListeningSocket() Socket { return sink.socket }

// TotalRx is the number of payload bytes counted as received
func (sink *Sink) TotalRx() uint64 { return sink.totalRx }

// RxBytes lets a Sink serve as the byte source of a ThroughputSampler
func (sink *Sink) RxBytes() uint64 { return sink.totalRx }

func (sink *Sink) PacketsReceived() uint64 { return sink.packetsRx }

func (sink *Sink) OnTimePackets() uint64 { return sink.onTime }

func (sink *Sink) LatePackets() uint64 { return sink.late }

// DroppedPackets counts late packets discarded under DeadlineDrop
func (sink *Sink) DroppedPackets() uint64 { return sink.dropped }

// EndsOfStream counts the end-of-stream markers seen on accepted connections
func (sink *Sink) EndsOfStream() uint64 { return sink.eofs }

// MeanDelay is the mean one-way delay of packets that carried a send timestamp
func (sink *Sink) MeanDelay() float64 {
	if sink.delayed == 0 {
		return 0.0
	}
	return sink.delaySum / float64(sink.delayed)
}

// AcceptedSockets returns a copy of the list of open accepted connections
func (sink *Sink) AcceptedSockets() []Socket {
	return slices.Clone(sink.acceptedSockets)
}

// ResetCounters zeroes the accounting, leaving connections alone
func (sink *Sink) ResetCounters() {
	sink.totalRx, sink.packetsRx = 0, 0
	sink.onTime, sink.late, sink.dropped, sink.eofs = 0, 0, 0, 0
	sink.delaySum, sink.delayed = 0.0, 0
}

// Start binds and listens.  The listening socket is kept only once both succeed,
// so a failed Start may be retried.
func (sink *Sink) Start(evtMgr *evtm.EventManager) error {
	if sink.socket == nil {
		socket := sink.transport.CreateSocket(sink.cfg.Kind, sink)
		if err := socket.Bind(sink.cfg.Local); err != nil {
			socket.Close(evtMgr)
			return errors.Wrapf(err, "sink %s bind %s", sink.cfg.Name, sink.cfg.Local)
		}
		if err := socket.Listen(); err != nil {
			socket.Close(evtMgr)
			return errors.Wrapf(err, "sink %s listen", sink.cfg.Name)
		}
		sink.socket = socket
	}
	at(sink.log, evtMgr).WithField("local", sink.cfg.Local).Debug("sink listening")
	return nil
}

// Stop closes every accepted connection and the listening socket.  The sink may be started again.
func (sink *Sink) Stop(evtMgr *evtm.EventManager) {
	for len(sink.acceptedSockets) > 0 {
		accepted := sink.acceptedSockets[0]
		sink.acceptedSockets = sink.acceptedSockets[1:]
		accepted.Close(evtMgr)
	}
	if sink.socket != nil {
		sink.socket.Close(evtMgr)
		sink.socket.SetOwner(nil)
		sink.socket = nil
	}
	at(sink.log, evtMgr).WithFields(logrus.Fields{
		"rx": sink.totalRx, "packets": sink.packetsRx, "late": sink.late, "dropped": sink.dropped,
	}).Info("sink stopped")
}

// HandleSocketEvent helps Sink implement SocketOwner
func (sink *Sink) HandleSocketEvent(evtMgr *evtm.EventManager, ev SocketEvent) {
	switch ev.Type {
	case NewConnection:
		sink.handleAccept(evtMgr, ev.Socket, ev.Peer)
	case DataReady:
		sink.handleRead(evtMgr, ev.Socket)
	case PeerClosed, PeerErrored:
		sink.handlePeerClose(evtMgr, ev.Socket, ev.Type)
	}
}

func (sink *Sink) handleAccept(evtMgr *evtm.EventManager, s Socket, from Address) {
	at(sink.log, evtMgr).WithField("peer", from).Debug("accepted connection")
	s.SetOwner(sink)
	sink.acceptedSockets = append(sink.acceptedSockets, s)
}

func (sink *Sink) handlePeerClose(evtMgr *evtm.EventManager, s Socket, why SocketEventType) {
	at(sink.log, evtMgr).WithField("event", why).Debug("peer closed")
	sink.acceptedSockets = slices.DeleteFunc(sink.acceptedSockets, func(o Socket) bool { return o == s })
	s.Close(evtMgr)
}

// handleRead drains everything waiting on the socket
func (sink *Sink) handleRead(evtMgr *evtm.EventManager, s Socket) {
	for {
		pkt, from := s.Recv()
		if pkt == nil {
			return
		}
		if pkt.Size == 0 && s.Kind().ConnectionOriented() {
			// end of stream
			sink.eofs += 1
			return
		}
		sink.receive(evtMgr, pkt, from)
	}
}

// receive does the accounting for one delivered packet
func (sink *Sink) receive(evtMgr *evtm.EventManager, pkt *Packet, from Address) {
	log := at(sink.log, evtMgr)
	now := evtMgr.CurrentTime().Ticks()

	// delay is measured whatever the policy, negative when there is no timestamp
	delay := -1.0
	var ts TimestampTag
	if found, err := pkt.FindTag(&ts); found && err == nil {
		delay = ticksToSeconds(now - ts.SendTime)
	}

	cls := NoDeadline
	if sink.cfg.Policy != DeadlineIgnore {
		var dl DeadlineTag
		found, err := pkt.FindTag(&dl)
		if err != nil {
			log.WithError(err).Error("unreadable deadline tag")
		} else if found {
			cls = ClassifyDelivery(now, dl.Deadline)
			drop := cls == Late && sink.cfg.Policy == DeadlineDrop
			if cls == Late {
				sink.late += 1
				log.WithFields(logrus.Fields{"uid": pkt.UID, "deadline": dl.Seconds(), "from": from}).Info("deadline missed")
			} else {
				sink.onTime += 1
			}
			if sink.OnDeadline != nil {
				sink.OnDeadline(evtMgr, pkt, cls, delay, drop)
			}
			if drop {
				sink.dropped += 1
				return
			}
		}
	}

	if delay >= 0 {
		sink.delaySum += delay
		sink.delayed += 1
	}
	sink.packetsRx += 1
	sink.totalRx += uint64(pkt.Size)
	log.WithFields(logrus.Fields{
		"packet": sink.packetsRx,
		"bytes":  pkt.Size,
		"from":   from,
		"total":  sink.totalRx,
	}).Info("received packet")

	pkt.RemoveAllTags()
	if sink.OnRx != nil {
		sink.OnRx(evtMgr, pkt, from, cls, delay)
	}
}
