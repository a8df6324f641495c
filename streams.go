package dltraffic

import (
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
)

// StreamKind selects one of the three draws a generator makes
type StreamKind int

const (
	IntervalStream StreamKind = iota
	SizeStream
	DeadlineStream
)

// NumStreams is the number of stream identifiers one RandomStreamSet consumes
const NumStreams int64 = 3

var streamKindToStr map[StreamKind]string = map[StreamKind]string{
	IntervalStream: "interval",
	SizeStream:     "size",
	DeadlineStream: "deadline",
}

func (sk StreamKind) String() string {
	str, present := streamKindToStr[sk]
	if !present {
		return fmt.Sprintf("stream(%d)", int(sk))
	}
	return str
}

// Unassigned marks a stream that has not been given an identifier
const Unassigned int64 = -1

// Default distributions for the three draws
var (
	DefaultInterval = ExponentialDist(0.1)
	DefaultSize     = ExponentialDist(512)
	DefaultDeadline = ExponentialDist(0.150)
)

// randomStream is one of the three draws.  The source persists when the
// distribution is replaced, so reconfiguration changes only later draws.
type randomStream struct {
	spec     DistSpec
	streamID int64
	src      rand.Source
	rv       rander
}

// RandomStreamSet holds the interval, size, and deadline-offset draws of one generator
type RandomStreamSet struct {
	name    string
	runSeed uint64
	streams [NumStreams]*randomStream
}

// CreateRandomStreamSet is a constructor.  name labels the rngstream streams used
// until AssignStreams is called; runSeed is mixed into the seed of every assigned stream.
func CreateRandomStreamSet(name string, runSeed uint64) *RandomStreamSet {
	rss := &RandomStreamSet{name: name, runSeed: runSeed}
	defaults := [NumStreams]DistSpec{DefaultInterval, DefaultSize, DefaultDeadline}
	for idx := range rss.streams {
		kind := StreamKind(idx)
		strm := &randomStream{spec: defaults[idx], streamID: Unassigned}
		strm.src = newRngSource(fmt.Sprintf("%s.%s", name, kind))

		// the defaults are known to be valid
		strm.rv, _ = buildRV(strm.spec, strm.src)
		rss.streams[idx] = strm
	}
	return rss
}

func (rss *RandomStreamSet) stream(kind StreamKind) (*randomStream, error) {
	if kind < 0 || int64(kind) >= NumStreams {
		return nil, errors.Errorf("stream kind %d out of range", int(kind))
	}
	return rss.streams[kind], nil
}

// Configure replaces the distribution of one draw.  Draws already made are unaffected.
func (rss *RandomStreamSet) Configure(kind StreamKind, spec DistSpec) error {
	strm, err := rss.stream(kind)
	if err != nil {
		return err
	}
	rv, err := buildRV(spec, strm.src)
	if err != nil {
		return errors.Wrapf(err, "configuring %s stream", kind)
	}
	strm.spec = spec
	strm.rv = rv
	return nil
}

// Spec returns the distribution currently configured for a draw
func (rss *RandomStreamSet) Spec(kind StreamKind) DistSpec {
	strm, err := rss.stream(kind)
	if err != nil {
		return DistSpec{}
	}
	return strm.spec
}

// AssignStreams gives the interval, size, and deadline draws the identifiers
// base, base+1 and base+2, and returns the number of identifiers used.  The draws
// restart from the beginning of the identified streams, so assigning the same base
// twice gives the same sequence.
func (rss *RandomStreamSet) AssignStreams(base int64) int64 {
	for idx, strm := range rss.streams {
		strm.streamID = base + int64(idx)
		strm.src = rand.NewSource(streamSeed(rss.runSeed, strm.streamID))
		strm.rv, _ = buildRV(strm.spec, strm.src)
	}
	return NumStreams
}

// StreamID returns the identifier assigned to a draw, or Unassigned
func (rss *RandomStreamSet) StreamID(kind StreamKind) int64 {
	strm, err := rss.stream(kind)
	if err != nil {
		return Unassigned
	}
	return strm.streamID
}

// NextInterval draws the time, in seconds, until the next emission
func (rss *RandomStreamSet) NextInterval() float64 {
	return rss.streams[IntervalStream].rv.Rand()
}

// NextSize draws a packet size, in bytes
func (rss *RandomStreamSet) NextSize() float64 {
	return rss.streams[SizeStream].rv.Rand()
}

// NextDeadlineOffset draws the time, in seconds, from emission to the packet's deadline
func (rss *RandomStreamSet) NextDeadlineOffset() float64 {
	return rss.streams[DeadlineStream].rv.Rand()
}
