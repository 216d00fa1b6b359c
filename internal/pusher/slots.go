package pusher

import (
	"time"

	"github.com/rishav/fix-gateway/internal/fixmsg"
)

// Buffer geometry. Queue lengths must be powers of two.
const (
	alfaQueueLength    = 1024
	alfaSlotSize       = 4 * 1024
	bravoQueueLength   = 128
	charlieQueueLength = 512
	charlieSlotSize    = 512
	romeoQueueLength   = 128

	// headReserved gives the assembler room to prepend BeginString,
	// BodyLength, MsgType and MsgSeqNum in situ, without reallocation.
	headReserved = 256
	// tailReserved holds the checksum digits and the final separator.
	tailReserved = 4

	alfaMaxData    = alfaSlotSize - headReserved - tailReserved
	charlieMaxData = charlieSlotSize - headReserved - tailReserved
)

// msgTypeField is a fixed-size holder for the tag 35 value, avoiding a heap
// string per published slot.
type msgTypeField struct {
	len uint8
	buf [fixmsg.MsgTypeMaxLength]byte
}

func (m *msgTypeField) set(s string) {
	m.len = uint8(copy(m.buf[:], s))
}

func (m *msgTypeField) bytes() []byte {
	return m.buf[:m.len]
}

// alfaSlot carries one fast-path partial message inline. The partial bytes
// sit at data[headReserved : headReserved+length]; the surrounding
// reservations belong to the assembler.
type alfaSlot struct {
	length  uint32
	msgType msgTypeField
	ttl     time.Time
	data    [alfaSlotSize]byte
}

// charlieSlot is the session-queue variant of alfaSlot.
type charlieSlot struct {
	length  uint32
	msgType msgTypeField
	ttl     time.Time
	data    [charlieSlotSize]byte
}

// bravoSlot carries an oversize partial message in an owned heap buffer. The
// buffer layout matches the inline slots; its capacity grows on demand and
// never shrinks for the life of the buffer instance.
type bravoSlot struct {
	length  uint32
	msgType msgTypeField
	ttl     time.Time
	data    []byte
}

// ensure grows the slot buffer to hold a partial of n bytes plus the head
// and tail reservations.
func (s *bravoSlot) ensure(n int) {
	need := headReserved + n + tailReserved
	if cap(s.data) < need {
		s.data = make([]byte, need)
	}
	s.data = s.data[:cap(s.data)]
}

// romeoSlot is a resend-path entry. seq is the original outgoing sequence
// number the frame must carry; the assembler does not advance the outgoing
// counter for it.
type romeoSlot struct {
	seq     uint64
	length  uint32
	msgType msgTypeField
	data    []byte
}

func (s *romeoSlot) ensure(n int) {
	need := headReserved + n + tailReserved
	if cap(s.data) < need {
		s.data = make([]byte, need)
	}
	s.data = s.data[:cap(s.data)]
}
