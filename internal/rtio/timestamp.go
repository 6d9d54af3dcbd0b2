package rtio

import "fmt"

// Timestamp is an absolute RTIO time in fine units. The low FineBits are the
// sub-cycle position; the remaining bits count coarse cycles.
type Timestamp uint64

// Coarse returns the coarse cycle of ts.
func (ts Timestamp) Coarse(fineBits uint) uint64 {
	return uint64(ts) >> fineBits
}

// Fine returns the sub-cycle part of ts.
func (ts Timestamp) Fine(fineBits uint) uint64 {
	return uint64(ts) & (uint64(1)<<fineBits - 1)
}

// At builds a timestamp from a coarse cycle and a fine offset.
func At(coarse uint64, fine uint64, fineBits uint) Timestamp {
	mask := uint64(1)<<fineBits - 1
	return Timestamp(coarse<<fineBits | fine&mask)
}

// Channel is a routed channel number: destination in bits 16..23, local
// channel index in bits 0..15.
type Channel uint32

const (
	DestinationShift = 16
	LocalMask        = 0xffff
)

// NewChannel composes a routed channel number.
func NewChannel(destination uint8, local uint16) Channel {
	return Channel(uint32(destination)<<DestinationShift | uint32(local))
}

func (c Channel) Destination() uint8 {
	return uint8(uint32(c) >> DestinationShift)
}

func (c Channel) Local() uint16 {
	return uint16(uint32(c) & LocalMask)
}

func (c Channel) String() string {
	return fmt.Sprintf("%d:%d", c.Destination(), c.Local())
}
