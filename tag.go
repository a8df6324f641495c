package dltraffic

// tag.go holds the fixed-width tags that ride alongside a packet.  A tag
// is carried by the transport as opaque bytes; only the applications at the
// two ends interpret them.

import (
	"encoding/binary"
	"fmt"

	"github.com/iti/evt/vrtime"
	"github.com/pkg/errors"
)

// TagKind identifies which of the tag variants a serialized tag holds
type TagKind int

const (
	SimpleTagKind TagKind = iota
	TimestampTagKind
	DeadlineTagKind
)

var tagKindToStr map[TagKind]string = map[TagKind]string{
	SimpleTagKind:    "simple",
	TimestampTagKind: "timestamp",
	DeadlineTagKind:  "deadline",
}

func (tk TagKind) String() string {
	str, present := tagKindToStr[tk]
	if !present {
		return fmt.Sprintf("tagkind(%d)", int(tk))
	}
	return str
}

// serialized widths, in bytes
const (
	simpleTagSize = 1
	tickTagSize   = 8
)

// ErrMalformedTag is returned when a buffer is too short to hold the tag kind being decoded
var ErrMalformedTag = errors.New("malformed tag")

// ErrUnknownTagKind is returned when asked to size or decode a kind that is not defined
var ErrUnknownTagKind = errors.New("unknown tag kind")

// Tag is implemented by every kind of packet metadata.  SerializedSize
// reports the exact number of bytes Serialize writes and Deserialize consumes.
type Tag interface {
	Kind() TagKind
	SerializedSize() int
	Serialize(buf []byte) error
	Deserialize(buf []byte) error
}

// SizeOf returns the fixed serialized width of a tag kind, or -1 for an unknown kind
func SizeOf(kind TagKind) int {
	switch kind {
	case SimpleTagKind:
		return simpleTagSize
	case TimestampTagKind, DeadlineTagKind:
		return tickTagSize
	}
	return -1
}

// checkLen makes sure buf can hold a tag of the given kind
func checkLen(kind TagKind, buf []byte) error {
	if len(buf) < SizeOf(kind) {
		return errors.Wrapf(ErrMalformedTag, "%s tag needs %d bytes, buffer has %d",
			kind, SizeOf(kind), len(buf))
	}
	return nil
}

// SimpleTag is a one-byte marker with no meaning beyond equality
type SimpleTag struct {
	Value uint8
}

func (st *SimpleTag) Kind() TagKind       { return SimpleTagKind }
func (st *SimpleTag) SerializedSize() int { return simpleTagSize }

func (st *SimpleTag) Serialize(buf []byte) error {
	if err := checkLen(SimpleTagKind, buf); err != nil {
		return err
	}
	buf[0] = st.Value
	return nil
}

func (st *SimpleTag) Deserialize(buf []byte) error {
	if err := checkLen(SimpleTagKind, buf); err != nil {
		return err
	}
	st.Value = buf[0]
	return nil
}

func (st *SimpleTag) String() string {
	return fmt.Sprintf("v=%d", st.Value)
}

// TimestampTag records the simulation time (in ticks) at which a packet was sent.
// It is written once, at emission.
type TimestampTag struct {
	SendTime int64
}

func (tt *TimestampTag) Kind() TagKind       { return TimestampTagKind }
func (tt *TimestampTag) SerializedSize() int { return tickTagSize }

func (tt *TimestampTag) Serialize(buf []byte) error {
	if err := checkLen(TimestampTagKind, buf); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(buf, uint64(tt.SendTime))
	return nil
}

func (tt *TimestampTag) Deserialize(buf []byte) error {
	if err := checkLen(TimestampTagKind, buf); err != nil {
		return err
	}
	tt.SendTime = int64(binary.LittleEndian.Uint64(buf))
	return nil
}

// Seconds converts the send time to simulation seconds
func (tt *TimestampTag) Seconds() float64 {
	return ticksToSeconds(tt.SendTime)
}

func (tt *TimestampTag) String() string {
	return fmt.Sprintf("t=%gs", tt.Seconds())
}

// DeadlineTag carries the absolute simulation time (in ticks) by which the
// packet ought to have been delivered
type DeadlineTag struct {
	Deadline int64
}

func (dt *DeadlineTag) Kind() TagKind       { return DeadlineTagKind }
func (dt *DeadlineTag) SerializedSize() int { return tickTagSize }

func (dt *DeadlineTag) Serialize(buf []byte) error {
	if err := checkLen(DeadlineTagKind, buf); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(buf, uint64(dt.Deadline))
	return nil
}

func (dt *DeadlineTag) Deserialize(buf []byte) error {
	if err := checkLen(DeadlineTagKind, buf); err != nil {
		return err
	}
	dt.Deadline = int64(binary.LittleEndian.Uint64(buf))
	return nil
}

// Seconds converts the deadline to simulation seconds
func (dt *DeadlineTag) Seconds() float64 {
	return ticksToSeconds(dt.Deadline)
}

func (dt *DeadlineTag) String() string {
	return fmt.Sprintf("deadline=%gs", dt.Seconds())
}

// newTag returns an empty tag of the given kind
func newTag(kind TagKind) (Tag, error) {
	switch kind {
	case SimpleTagKind:
		return new(SimpleTag), nil
	case TimestampTagKind:
		return new(TimestampTag), nil
	case DeadlineTagKind:
		return new(DeadlineTag), nil
	}
	return nil, errors.Wrapf(ErrUnknownTagKind, "kind %d", int(kind))
}

// Encode serializes a tag into a freshly allocated buffer of exactly SizeOf(t.Kind()) bytes
func Encode(t Tag) []byte {
	buf := make([]byte, t.SerializedSize())

	// the buffer is sized by the tag itself, so Serialize cannot come up short
	if err := t.Serialize(buf); err != nil {
		panic(err)
	}
	return buf
}

// Decode reconstructs a tag of the named kind from buf.  Only the first
// SizeOf(kind) bytes are consumed.
func Decode(kind TagKind, buf []byte) (Tag, error) {
	t, err := newTag(kind)
	if err != nil {
		return nil, err
	}
	if err := t.Deserialize(buf); err != nil {
		return nil, err
	}
	return t, nil
}

// ticksPerSecond is learned from vrtime rather than assumed
func ticksPerSecond() int64 {
	return vrtime.SecondsToTime(1.0).Ticks()
}

// ticksToSeconds converts a tick count carried in a tag back to seconds
func ticksToSeconds(ticks int64) float64 {
	return float64(ticks) / float64(ticksPerSecond())
}

// secondsToTicks converts a duration in seconds to the tick count used in tags
func secondsToTicks(secs float64) int64 {
	return vrtime.SecondsToTime(secs).Ticks()
}
