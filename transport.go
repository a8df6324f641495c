package dltraffic

// transport.go holds the interface through which the applications reach the
// transport, and an in-simulator implementation of it: sockets joined by a single
// point-to-point link with a latency, a bandwidth, and (for datagrams) a loss rate.
// Transport events are not callbacks; they are SocketEvent messages scheduled
// through the event manager to the socket's owner.

import (
	"fmt"
	"math"
	"strings"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
	"github.com/iti/rngstream"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// TransportKind is either connectionless (Datagram) or connection-oriented (Stream)
type TransportKind int

const (
	Datagram TransportKind = iota
	Stream
)

// ConnectionOriented is true for transports that need a handshake before sending
func (tk TransportKind) ConnectionOriented() bool {
	return tk == Stream
}

func (tk TransportKind) String() string {
	if tk == Stream {
		return "stream"
	}
	return "datagram"
}

// ParseTransportKind accepts the usual names for the two kinds of transport
func ParseTransportKind(kind string) (TransportKind, error) {
	switch strings.ToLower(kind) {
	case "udp", "datagram", "dgram", "":
		return Datagram, nil
	case "tcp", "stream", "connection":
		return Stream, nil
	}
	return Datagram, fmt.Errorf("transport kind %q not recognized", kind)
}

// MarshalText and UnmarshalText let a TransportKind appear by name in yaml and json
func (tk TransportKind) MarshalText() ([]byte, error) {
	return []byte(tk.String()), nil
}

func (tk *TransportKind) UnmarshalText(text []byte) error {
	kind, err := ParseTransportKind(string(text))
	if err != nil {
		return err
	}
	*tk = kind
	return nil
}

// Address names a socket end-point
type Address string

var (
	ErrSocketClosed = errors.New("socket closed")
	ErrNotConnected = errors.New("socket not connected")
	ErrAddrInUse    = errors.New("address in use")
)

// SocketEventType enumerates what a transport can report to a socket's owner
type SocketEventType int

const (
	ConnectSucceeded SocketEventType = iota
	ConnectFailed
	NewConnection
	DataReady
	PeerClosed
	PeerErrored
)

var setToStr map[SocketEventType]string = map[SocketEventType]string{
	ConnectSucceeded: "connect-succeeded",
	ConnectFailed:    "connect-failed",
	NewConnection:    "new-connection",
	DataReady:        "data-ready",
	PeerClosed:       "peer-closed",
	PeerErrored:      "peer-errored",
}

func (set SocketEventType) String() string {
	return setToStr[set]
}

// SocketEvent is the message delivered to a socket owner.  For NewConnection, Socket
// is the newly accepted socket and Peer the address of the connecting end.
type SocketEvent struct {
	Type   SocketEventType
	Socket Socket
	Peer   Address
}

// SocketOwner receives the events of the sockets it owns, one at a time
type SocketOwner interface {
	HandleSocketEvent(evtMgr *evtm.EventManager, ev SocketEvent)
}

// Socket is the handle an application holds on the transport
type Socket interface {
	Kind() TransportKind
	LocalAddr() Address
	PeerAddr() Address
	SetOwner(owner SocketOwner)
	Bind(local Address) error
	Listen() error
	Connect(evtMgr *evtm.EventManager, peer Address) error
	Send(evtMgr *evtm.EventManager, pkt *Packet) error
	Recv() (*Packet, Address)
	Close(evtMgr *evtm.EventManager) error
}

// Transport creates sockets
type Transport interface {
	CreateSocket(kind TransportKind, owner SocketOwner) Socket
}

// socketEventHandler hands a SocketEvent to the owner named as context
func socketEventHandler(evtMgr *evtm.EventManager, context any, data any) any {
	owner := context.(SocketOwner)
	ev := data.(SocketEvent)
	owner.HandleSocketEvent(evtMgr, ev)
	return nil
}

// LinkDesc describes the link joining every pair of sockets in a Network
type LinkDesc struct {
	// one-way propagation delay, in seconds
	Latency float64 `json:"latency" yaml:"latency"`

	// transmission rate in Mbits/sec.  Zero means packets take no time to serialize
	Bandwidth float64 `json:"bandwidth" yaml:"bandwidth"`

	// probability that a datagram is lost.  Streams are reliable
	LossRate float64 `json:"lossrate" yaml:"lossrate"`
}

// Validate checks that the link parameters are usable
func (ld LinkDesc) Validate() error {
	errs := []error{}
	if ld.Latency < 0 {
		errs = append(errs, fmt.Errorf("link latency %g is negative", ld.Latency))
	}
	if ld.Bandwidth < 0 {
		errs = append(errs, fmt.Errorf("link bandwidth %g is negative", ld.Bandwidth))
	}
	if ld.LossRate < 0 || ld.LossRate > 1 {
		errs = append(errs, fmt.Errorf("link loss rate %g is not a probability", ld.LossRate))
	}
	return ReportErrs(errs)
}

// Network is the in-simulator Transport
type Network struct {
	Name    string
	desc    LinkDesc
	bound   map[Address]*simSocket
	nxtPort int
	rngstrm *rngstream.RngStream // loss draws
	dropped uint64
	log     *logrus.Entry
}

// CreateNetwork is a constructor
func CreateNetwork(name string, desc LinkDesc) *Network {
	nw := new(Network)
	nw.Name = name
	nw.desc = desc
	nw.bound = make(map[Address]*simSocket)
	nw.rngstrm = rngstream.New(name)
	nw.log = appLogger("network", name)
	return nw
}

// Link returns the description of the network's link
func (nw *Network) Link() LinkDesc {
	return nw.desc
}

// Dropped is the number of packets the network discarded, by loss or for want of a receiver
func (nw *Network) Dropped() uint64 {
	return nw.dropped
}

// CreateSocket helps Network implement Transport
func (nw *Network) CreateSocket(kind TransportKind, owner SocketOwner) Socket {
	return nw.createSocket(kind, owner)
}

func (nw *Network) createSocket(kind TransportKind, owner SocketOwner) *simSocket {
	return &simSocket{nw: nw, kind: kind, owner: owner, state: sockOpen}
}

func (nw *Network) ephemeral() Address {
	nw.nxtPort += 1
	return Address(fmt.Sprintf("%s:%d", nw.Name, 49151+nw.nxtPort))
}

// serialization is the time to clock msgLen bytes onto the link
func (nw *Network) serialization(msgLen uint32) float64 {
	if nw.desc.Bandwidth <= 0 {
		return 0.0
	}
	msgLenMbits := float64(8*msgLen) / 1e6
	return msgLenMbits / nw.desc.Bandwidth
}

// lost draws whether a datagram is lost on the link
func (nw *Network) lost() bool {
	if nw.desc.LossRate <= 0 {
		return false
	}
	return nw.rngstrm.RandU01() < nw.desc.LossRate
}

type sockState int

const (
	sockOpen sockState = iota
	sockListening
	sockConnecting
	sockConnected
	sockClosed
)

// rxItem is a received packet waiting for the owner to Recv it
type rxItem struct {
	pkt  *Packet
	from Address
}

// simSocket is the Socket of a Network
type simSocket struct {
	nw        *Network
	kind      TransportKind
	owner     SocketOwner
	state     sockState
	local     Address
	peer      Address
	remote    *simSocket // the other end of a stream
	rxQ       []rxItem
	busyUntil float64 // time the last queued transmission leaves the socket
}

func (ss *simSocket) Kind() TransportKind { return ss.kind }
func (ss *simSocket) LocalAddr() Address  { return ss.local }
func (ss *simSocket) PeerAddr() Address   { return ss.peer }

func (ss *simSocket) SetOwner(owner SocketOwner) {
	ss.owner = owner
}

// notify schedules delivery of ev to the socket's owner
func (ss *simSocket) notify(evtMgr *evtm.EventManager, ev SocketEvent) {
	if ss.owner == nil {
		return
	}
	evtMgr.Schedule(ss.owner, ev, socketEventHandler, vrtime.SecondsToTime(0.0))
}

// Bind attaches the socket to an address.  An empty address picks an unused one.
func (ss *simSocket) Bind(local Address) error {
	if ss.state == sockClosed {
		return ErrSocketClosed
	}
	if local == "" {
		local = ss.nw.ephemeral()
	}
	if other, present := ss.nw.bound[local]; present && other != ss {
		return errors.Wrapf(ErrAddrInUse, "%s", local)
	}
	if ss.local != "" && ss.local != local {
		delete(ss.nw.bound, ss.local)
	}
	ss.local = local
	ss.nw.bound[local] = ss
	return nil
}

// Listen lets a bound stream socket accept connections.  For a datagram socket it
// only marks the socket as a receiver.
func (ss *simSocket) Listen() error {
	if ss.state == sockClosed {
		return ErrSocketClosed
	}
	if ss.local == "" {
		if err := ss.Bind(""); err != nil {
			return err
		}
	}
	ss.state = sockListening
	return nil
}

// Connect sets the peer.  A datagram socket is connected at once; a stream socket
// starts a handshake whose outcome reaches the owner as ConnectSucceeded or ConnectFailed.
func (ss *simSocket) Connect(evtMgr *evtm.EventManager, peer Address) error {
	if ss.state == sockClosed {
		return ErrSocketClosed
	}
	if ss.local == "" {
		if err := ss.Bind(""); err != nil {
			return err
		}
	}
	ss.peer = peer
	if !ss.kind.ConnectionOriented() {
		ss.state = sockConnected
		return nil
	}

	ss.state = sockConnecting
	evtMgr.Schedule(ss, nil, handshakeArrives, vrtime.SecondsToTime(ss.nw.desc.Latency))
	return nil
}

// handshakeArrives runs when the connection request reaches the peer address
func handshakeArrives(evtMgr *evtm.EventManager, context any, data any) any {
	client := context.(*simSocket)
	nw := client.nw
	if client.state != sockConnecting {
		return nil
	}

	listener, present := nw.bound[client.peer]
	if !present || listener.state != sockListening || !listener.kind.ConnectionOriented() {
		at(nw.log, evtMgr).WithField("peer", client.peer).Debug("connection refused")
		evtMgr.Schedule(client, false, handshakeReturns, vrtime.SecondsToTime(nw.desc.Latency))
		return nil
	}

	// the accepting end shares the listener's address but is not bound in its place
	server := nw.createSocket(Stream, listener.owner)
	server.local = listener.local
	server.peer = client.local
	server.state = sockConnected
	server.remote = client
	client.remote = server

	listener.notify(evtMgr, SocketEvent{Type: NewConnection, Socket: server, Peer: client.local})
	evtMgr.Schedule(client, true, handshakeReturns, vrtime.SecondsToTime(nw.desc.Latency))
	return nil
}

// handshakeReturns runs when the answer to a connection request reaches the client
func handshakeReturns(evtMgr *evtm.EventManager, context any, data any) any {
	client := context.(*simSocket)
	accepted := data.(bool)
	if client.state != sockConnecting {
		return nil
	}
	if !accepted {
		client.state = sockOpen
		client.notify(evtMgr, SocketEvent{Type: ConnectFailed, Socket: client, Peer: client.peer})
		return nil
	}
	client.state = sockConnected
	client.notify(evtMgr, SocketEvent{Type: ConnectSucceeded, Socket: client, Peer: client.peer})
	return nil
}

// transit is a packet crossing the link
type transit struct {
	pkt  *Packet
	from Address
	to   Address
	dst  *simSocket // nil for datagrams, which are matched to a socket on arrival
	eof  bool
}

// departure queues msgLen bytes behind whatever the socket is already sending and
// returns the offset from now at which they arrive at the far end
func (ss *simSocket) departure(evtMgr *evtm.EventManager, msgLen uint32) float64 {
	now := evtMgr.CurrentSeconds()
	leaves := math.Max(now, ss.busyUntil) + ss.nw.serialization(msgLen)
	ss.busyUntil = leaves
	return roundFloat(leaves-now+ss.nw.desc.Latency, rdigits)
}

// Send puts a copy of pkt on the link.  Tags travel with the copy.
func (ss *simSocket) Send(evtMgr *evtm.EventManager, pkt *Packet) error {
	switch {
	case ss.state == sockClosed:
		return ErrSocketClosed
	case ss.state != sockConnected:
		return ErrNotConnected
	}

	tr := &transit{pkt: pkt.Copy(), from: ss.local, to: ss.peer}
	if ss.kind.ConnectionOriented() {
		tr.dst = ss.remote
	}
	delay := ss.departure(evtMgr, pkt.Size)

	if !ss.kind.ConnectionOriented() && ss.nw.lost() {
		ss.nw.dropped += 1
		at(ss.nw.log, evtMgr).WithField("uid", pkt.UID).Debug("datagram lost")
		return nil
	}
	evtMgr.Schedule(ss.nw, tr, packetArrives, vrtime.SecondsToTime(delay))
	return nil
}

// packetArrives delivers a transit to its destination socket's receive queue
func packetArrives(evtMgr *evtm.EventManager, context any, data any) any {
	nw := context.(*Network)
	tr := data.(*transit)

	dst := tr.dst
	if dst == nil {
		dst = nw.bound[tr.to]
	}
	if dst == nil || dst.state == sockClosed || (dst.kind.ConnectionOriented() && tr.dst == nil) {
		nw.dropped += 1
		at(nw.log, evtMgr).WithField("to", tr.to).Debug("no receiver, packet discarded")
		return nil
	}

	dst.rxQ = append(dst.rxQ, rxItem{pkt: tr.pkt, from: tr.from})
	dst.notify(evtMgr, SocketEvent{Type: DataReady, Socket: dst, Peer: tr.from})
	if tr.eof {
		dst.notify(evtMgr, SocketEvent{Type: PeerClosed, Socket: dst, Peer: tr.from})
	}
	return nil
}

// Recv removes the oldest received packet.  A nil packet means nothing is waiting.
func (ss *simSocket) Recv() (*Packet, Address) {
	if len(ss.rxQ) == 0 {
		return nil, ""
	}
	item := ss.rxQ[0]
	ss.rxQ = ss.rxQ[1:]
	return item.pkt, item.from
}

// Close releases the socket.  Closing a connected stream sends a zero-length
// end-of-stream packet to the peer behind any data still in flight.
func (ss *simSocket) Close(evtMgr *evtm.EventManager) error {
	if ss.state == sockClosed {
		return nil
	}
	if ss.kind.ConnectionOriented() && ss.state == sockConnected && ss.remote != nil &&
		ss.remote.state != sockClosed {

		eof := CreatePacket(0, 0)
		tr := &transit{pkt: eof, from: ss.local, to: ss.peer, dst: ss.remote, eof: true}
		evtMgr.Schedule(ss.nw, tr, packetArrives, vrtime.SecondsToTime(ss.departure(evtMgr, 0)))
	}
	if bound, present := ss.nw.bound[ss.local]; present && bound == ss {
		delete(ss.nw.bound, ss.local)
	}
	ss.state = sockClosed
	ss.rxQ = nil
	return nil
}
