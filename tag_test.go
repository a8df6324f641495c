package dltraffic

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTagRoundTrip(t *testing.T) {
	tags := []Tag{
		&SimpleTag{Value: 0},
		&SimpleTag{Value: 7},
		&SimpleTag{Value: math.MaxUint8},
		&TimestampTag{SendTime: 0},
		&TimestampTag{SendTime: 123456789},
		&TimestampTag{SendTime: math.MaxInt64},
		&DeadlineTag{Deadline: 0},
		&DeadlineTag{Deadline: 1},
		&DeadlineTag{Deadline: math.MaxInt64},
	}

	for _, tag := range tags {
		buf := Encode(tag)
		require.Len(t, buf, SizeOf(tag.Kind()), "%s", tag.Kind())
		require.Equal(t, tag.SerializedSize(), SizeOf(tag.Kind()))

		decoded, err := Decode(tag.Kind(), buf)
		require.NoError(t, err)
		assert.Equal(t, tag, decoded)
	}
}

func TestTagSizes(t *testing.T) {
	assert.Equal(t, 1, SizeOf(SimpleTagKind))
	assert.Equal(t, 8, SizeOf(TimestampTagKind))
	assert.Equal(t, 8, SizeOf(DeadlineTagKind))
	assert.Equal(t, -1, SizeOf(TagKind(42)))
}

func TestTagLittleEndian(t *testing.T) {
	buf := Encode(&DeadlineTag{Deadline: 0x0102})
	assert.Equal(t, []byte{0x02, 0x01, 0, 0, 0, 0, 0, 0}, buf)

	buf = Encode(&TimestampTag{SendTime: -1})
	assert.Equal(t, []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, buf)
}

func TestDecodeOnlyConsumesItsWidth(t *testing.T) {
	buf := append(Encode(&DeadlineTag{Deadline: 99}), 0xaa, 0xbb)
	decoded, err := Decode(DeadlineTagKind, buf)
	require.NoError(t, err)
	assert.Equal(t, int64(99), decoded.(*DeadlineTag).Deadline)
}

func TestDecodeMalformed(t *testing.T) {
	cases := []struct {
		kind TagKind
		buf  []byte
	}{
		{SimpleTagKind, nil},
		{TimestampTagKind, []byte{1, 2, 3}},
		{DeadlineTagKind, make([]byte, 7)},
	}
	for _, tc := range cases {
		_, err := Decode(tc.kind, tc.buf)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrMalformedTag), "%s: %v", tc.kind, err)
	}

	var dl DeadlineTag
	assert.True(t, errors.Is(dl.Serialize(make([]byte, 4)), ErrMalformedTag))
}

func TestDecodeUnknownKind(t *testing.T) {
	_, err := Decode(TagKind(9), make([]byte, 16))
	assert.True(t, errors.Is(err, ErrUnknownTagKind))
}

func TestTickConversion(t *testing.T) {
	assert.InDelta(t, 1.5, ticksToSeconds(secondsToTicks(1.5)), 1e-9)
	dl := DeadlineTag{Deadline: secondsToTicks(2.25)}
	assert.InDelta(t, 2.25, dl.Seconds(), 1e-9)
}

func TestPacketTags(t *testing.T) {
	pkt := CreatePacket(3, 512)
	assert.Equal(t, 0, pkt.NumTags())
	assert.False(t, pkt.HasTag(DeadlineTagKind))

	pkt.AddTag(&DeadlineTag{Deadline: 1000})
	pkt.AddTag(&TimestampTag{SendTime: 10})
	pkt.AddTag(&SimpleTag{Value: 4})
	assert.Equal(t, 3, pkt.NumTags())
	assert.Equal(t, 17, pkt.TagBytes())

	// a second tag of a kind replaces the first
	pkt.AddTag(&DeadlineTag{Deadline: 2000})
	assert.Equal(t, 3, pkt.NumTags())

	var dl DeadlineTag
	found, err := pkt.FindTag(&dl)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(2000), dl.Deadline)

	var st SimpleTag
	found, err = pkt.FindTag(&st)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint8(4), st.Value)

	pkt.RemoveAllTags()
	assert.Equal(t, 0, pkt.NumTags())
	found, err = pkt.FindTag(&dl)
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestPacketCopyIsIndependent(t *testing.T) {
	pkt := CreatePacket(1, 100)
	pkt.UID = 7
	pkt.AddTag(&DeadlineTag{Deadline: 5})

	cp := pkt.Copy()
	assert.Equal(t, pkt.UID, cp.UID)
	assert.Equal(t, pkt.Size, cp.Size)
	assert.Equal(t, pkt.FlowID, cp.FlowID)

	cp.RemoveAllTags()
	assert.True(t, pkt.HasTag(DeadlineTagKind))
	assert.False(t, cp.HasTag(DeadlineTagKind))

	// numbering is left to the sender
	assert.Equal(t, uint64(0), CreatePacket(1, 100).UID)
}
