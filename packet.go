package dltraffic

import (
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// Packet is the unit of data handed between an application and the transport.
// Payload bytes are not modeled, only the length.  Tags ride alongside in serialized
// form, at most one per kind, and are looked up by kind rather than position.
type Packet struct {
	UID    uint64 // sequence number within the flow, from 1.  Zero when not numbered
	FlowID int    // flow the packet belongs to, assigned by the sending application
	Size   uint32 // payload length in bytes

	tags map[TagKind][]byte
}

// CreatePacket is a constructor for an unnumbered packet with the given payload length.
// The sending application numbers the packets of its flow.
func CreatePacket(flowID int, size uint32) *Packet {
	return &Packet{FlowID: flowID, Size: size}
}

// AddTag serializes t and attaches it to the packet, replacing any tag of the same kind
func (pkt *Packet) AddTag(t Tag) {
	if pkt.tags == nil {
		pkt.tags = make(map[TagKind][]byte)
	}
	pkt.tags[t.Kind()] = Encode(t)
}

// HasTag reports whether a tag of the given kind is attached
func (pkt *Packet) HasTag(kind TagKind) bool {
	_, present := pkt.tags[kind]
	return present
}

// FindTag fills in t from the attached tag of the same kind.  The boolean is false
// when no such tag rides on the packet; an error means the carried bytes could not be decoded.
func (pkt *Packet) FindTag(t Tag) (bool, error) {
	buf, present := pkt.tags[t.Kind()]
	if !present {
		return false, nil
	}
	if err := t.Deserialize(buf); err != nil {
		return true, errors.Wrapf(err, "packet %d", pkt.UID)
	}
	return true, nil
}

// RemoveAllTags strips every tag from the packet
func (pkt *Packet) RemoveAllTags() {
	pkt.tags = nil
}

// NumTags returns the number of tags attached
func (pkt *Packet) NumTags() int {
	return len(pkt.tags)
}

// TagBytes returns the total serialized size of the attached tags
func (pkt *Packet) TagBytes() int {
	total := 0
	for _, buf := range pkt.tags {
		total += len(buf)
	}
	return total
}

// Copy returns a packet with the same identity, length and tags.  The tag bytes are
// copied so that stripping tags from one copy leaves the other alone.
func (pkt *Packet) Copy() *Packet {
	cp := &Packet{UID: pkt.UID, FlowID: pkt.FlowID, Size: pkt.Size}
	if pkt.tags != nil {
		cp.tags = make(map[TagKind][]byte, len(pkt.tags))
		for kind, buf := range pkt.tags {
			cp.tags[kind] = append([]byte(nil), buf...)
		}
	}
	return cp
}

func (pkt *Packet) String() string {
	kinds := make([]int, 0, len(pkt.tags))
	for kind := range pkt.tags {
		kinds = append(kinds, int(kind))
	}
	slices.Sort(kinds)

	str := fmt.Sprintf("pkt %d flow %d size %d", pkt.UID, pkt.FlowID, pkt.Size)
	for _, k := range kinds {
		t, err := Decode(TagKind(k), pkt.tags[TagKind(k)])
		if err != nil {
			str += fmt.Sprintf(" [%s:malformed]", TagKind(k))
			continue
		}
		str += fmt.Sprintf(" [%s:%v]", TagKind(k), t)
	}
	return str
}
