package dltraffic

import (
	"testing"

	"github.com/iti/evt/evtm"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTransportKind(t *testing.T) {
	for name, want := range map[string]TransportKind{
		"udp": Datagram, "UDP": Datagram, "datagram": Datagram, "": Datagram,
		"tcp": Stream, "stream": Stream,
	} {
		got, err := ParseTransportKind(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
	_, err := ParseTransportKind("sctp")
	assert.Error(t, err)

	assert.True(t, Stream.ConnectionOriented())
	assert.False(t, Datagram.ConnectionOriented())
}

func TestDatagramDelivery(t *testing.T) {
	evtMgr := evtm.New()
	nw := CreateNetwork("dg", LinkDesc{Latency: 0.5})

	rx := new(eventRecorder)
	server := nw.CreateSocket(Datagram, rx)
	require.NoError(t, server.Bind("srv:1"))
	require.NoError(t, server.Listen())

	client := nw.CreateSocket(Datagram, nil)
	require.NoError(t, client.Connect(evtMgr, "srv:1"))
	assert.NotEmpty(t, client.LocalAddr())
	assert.Equal(t, Address("srv:1"), client.PeerAddr())

	pkt := CreatePacket(4, 200)
	pkt.UID = 17
	pkt.AddTag(&DeadlineTag{Deadline: 12})
	require.NoError(t, client.Send(evtMgr, pkt))

	// the sender keeps its own copy
	pkt.RemoveAllTags()
	evtMgr.Run(runLimit)

	require.Len(t, rx.packets, 1)
	got := rx.packets[0]
	assert.Equal(t, pkt.UID, got.UID)
	assert.Equal(t, uint32(200), got.Size)
	assert.True(t, got.HasTag(DeadlineTagKind))
	assert.InDelta(t, 0.5, rx.rxTimes[0], 1e-9)
	assert.Equal(t, 1, rx.count(DataReady))
}

func TestDatagramWithoutReceiverIsDropped(t *testing.T) {
	evtMgr := evtm.New()
	nw := CreateNetwork("void", LinkDesc{Latency: 0.1})
	client := nw.CreateSocket(Datagram, nil)
	require.NoError(t, client.Connect(evtMgr, "nobody:1"))
	require.NoError(t, client.Send(evtMgr, CreatePacket(0, 10)))
	evtMgr.Run(runLimit)
	assert.Equal(t, uint64(1), nw.Dropped())
}

func TestDatagramLoss(t *testing.T) {
	evtMgr := evtm.New()
	nw := CreateNetwork("lossy", LinkDesc{Latency: 0.1, LossRate: 1.0})
	rx := new(eventRecorder)
	server := nw.CreateSocket(Datagram, rx)
	require.NoError(t, server.Bind("srv:1"))

	client := nw.CreateSocket(Datagram, nil)
	require.NoError(t, client.Connect(evtMgr, "srv:1"))
	for i := 0; i < 5; i++ {
		require.NoError(t, client.Send(evtMgr, CreatePacket(0, 10)))
	}
	evtMgr.Run(runLimit)
	assert.Empty(t, rx.packets)
	assert.Equal(t, uint64(5), nw.Dropped())
}

func TestSerializationQueues(t *testing.T) {
	evtMgr := evtm.New()
	// 1 Mbit/sec: 125000 bytes take one second to send
	nw := CreateNetwork("narrow", LinkDesc{Latency: 0.5, Bandwidth: 1})
	rx := new(eventRecorder)
	server := nw.CreateSocket(Datagram, rx)
	require.NoError(t, server.Bind("srv:1"))
	client := nw.CreateSocket(Datagram, nil)
	require.NoError(t, client.Connect(evtMgr, "srv:1"))

	require.NoError(t, client.Send(evtMgr, CreatePacket(0, 125000)))
	require.NoError(t, client.Send(evtMgr, CreatePacket(0, 125000)))
	evtMgr.Run(runLimit)

	require.Len(t, rx.rxTimes, 2)
	assert.InDelta(t, 1.5, rx.rxTimes[0], 1e-9)
	assert.InDelta(t, 2.5, rx.rxTimes[1], 1e-9)
}

func TestSocketErrors(t *testing.T) {
	evtMgr := evtm.New()
	nw := CreateNetwork("errs", LinkDesc{})

	first := nw.CreateSocket(Datagram, nil)
	require.NoError(t, first.Bind("a:1"))
	second := nw.CreateSocket(Datagram, nil)
	assert.True(t, errors.Is(second.Bind("a:1"), ErrAddrInUse))

	assert.True(t, errors.Is(second.Send(evtMgr, CreatePacket(0, 1)), ErrNotConnected))

	require.NoError(t, first.Close(evtMgr))
	assert.True(t, errors.Is(first.Send(evtMgr, CreatePacket(0, 1)), ErrSocketClosed))
	assert.True(t, errors.Is(first.Bind("a:2"), ErrSocketClosed))
	// closing twice is harmless
	assert.NoError(t, first.Close(evtMgr))

	// the address was released by the close
	assert.NoError(t, second.Bind("a:1"))
}

func TestStreamHandshakeAndClose(t *testing.T) {
	evtMgr := evtm.New()
	nw := CreateNetwork("tcp", LinkDesc{Latency: 0.25})

	srvOwner := new(eventRecorder)
	listener := nw.CreateSocket(Stream, srvOwner)
	require.NoError(t, listener.Bind("srv:80"))
	require.NoError(t, listener.Listen())

	cliOwner := new(eventRecorder)
	client := nw.CreateSocket(Stream, cliOwner)
	require.NoError(t, client.Connect(evtMgr, "srv:80"))

	// sending before the handshake completes is refused
	assert.True(t, errors.Is(client.Send(evtMgr, CreatePacket(0, 1)), ErrNotConnected))

	scheduleAt(evtMgr, 1.0, func(em *evtm.EventManager) {
		assert.NoError(t, client.Send(em, CreatePacket(0, 64)))
		assert.NoError(t, client.Close(em))
	})
	evtMgr.Run(runLimit)

	require.Equal(t, 1, srvOwner.count(NewConnection))
	assert.InDelta(t, 0.25, srvOwner.times[0], 1e-9)
	require.Equal(t, 1, cliOwner.count(ConnectSucceeded))
	assert.InDelta(t, 0.5, cliOwner.times[0], 1e-9)

	// the accepted socket got the data and then the zero-length end of stream
	require.Len(t, srvOwner.packets, 2)
	assert.Equal(t, uint32(64), srvOwner.packets[0].Size)
	assert.Equal(t, uint32(0), srvOwner.packets[1].Size)
	assert.Equal(t, 1, srvOwner.count(PeerClosed))
}

func TestStreamRefused(t *testing.T) {
	evtMgr := evtm.New()
	nw := CreateNetwork("refuse", LinkDesc{Latency: 0.1})

	// a datagram socket at the address does not accept connections
	dg := nw.CreateSocket(Datagram, nil)
	require.NoError(t, dg.Bind("srv:80"))

	owner := new(eventRecorder)
	client := nw.CreateSocket(Stream, owner)
	require.NoError(t, client.Connect(evtMgr, "srv:80"))
	evtMgr.Run(runLimit)

	require.Equal(t, 1, owner.count(ConnectFailed))
	assert.InDelta(t, 0.2, owner.times[0], 1e-9)
}

func TestLinkValidation(t *testing.T) {
	assert.NoError(t, LinkDesc{Latency: 0.1, Bandwidth: 10, LossRate: 0.01}.Validate())
	assert.Error(t, LinkDesc{Latency: -1}.Validate())
	assert.Error(t, LinkDesc{LossRate: 1.5}.Validate())
	assert.Error(t, LinkDesc{Bandwidth: -3}.Validate())
}

func TestEventHandleCancel(t *testing.T) {
	evtMgr := evtm.New()
	fired := []string{}
	keep := scheduleAt(evtMgr, 1, func(em *evtm.EventManager) { fired = append(fired, "keep") })
	drop := scheduleAt(evtMgr, 2, func(em *evtm.EventManager) { fired = append(fired, "drop") })

	assert.True(t, drop.Pending())
	assert.True(t, drop.Cancel())
	assert.False(t, drop.Cancel())
	assert.False(t, drop.Pending())
	evtMgr.Run(runLimit)

	assert.Equal(t, []string{"keep"}, fired)
	assert.False(t, keep.Pending())
	assert.False(t, keep.Cancel(), "a fired event cannot be cancelled")
	assert.True(t, drop.Cancelled())

	var none *EventHandle
	assert.False(t, none.Pending())
	assert.False(t, none.Cancel())
}
