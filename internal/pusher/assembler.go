package pusher

import (
	"github.com/rishav/fix-gateway/internal/fixmsg"
)

// completeFrame composes the full FIX frame in situ inside a slot buffer.
//
// The partial message occupies data[headReserved : headReserved+partialLen]
// and ends with "<SEP>10=". The prefix
// "8=<ver><SEP>9=<body_len><SEP>35=<type><SEP>34=<seq>" is formatted into
// the head reservation, left-aligned to end exactly at the partial bytes
// (whose leading separator terminates the 34 field). The checksum digits and
// final separator land in the tail reservation.
//
// Sample partial ('|' for SOH):
//
//	|49=EXEC|52=20121105-23:24:37|56=BANZAI|10=
//
// Complete frame for sequence 1 on FIX.4.1:
//
//	8=FIX.4.1|9=49|35=0|34=1|49=EXEC|52=20121105-23:24:37|56=BANZAI|10=227|
//
// The body length counts the bytes following the BodyLength field separator
// up to and including the separator immediately preceding the checksum tag;
// the trailing "10=" of the partial is excluded.
func (p *Pusher) completeFrame(seq uint64, msgType []byte, data []byte, partialLen int) []byte {
	bodyLen := 3 + len(msgType) + 1 + 3 + fixmsg.DigitCount(seq) + partialLen - 3

	prefixLen := len(p.startBytes) + fixmsg.DigitCount(uint64(bodyLen)) + 1 +
		3 + len(msgType) + 1 + 3 + fixmsg.DigitCount(seq)
	start := headReserved - prefixLen

	buf := data[start:start]
	buf = append(buf, p.startBytes...)
	buf = fixmsg.AppendUint(buf, uint64(bodyLen))
	buf = append(buf, p.sep, '3', '5', '=')
	buf = append(buf, msgType...)
	buf = append(buf, p.sep, '3', '4', '=')
	buf = fixmsg.AppendUint(buf, seq)

	end := headReserved + partialLen
	sum := fixmsg.Checksum(data[start : end-3])
	fixmsg.PutChecksum(data[end:end+3], sum)
	data[end+3] = p.sep

	return data[start : end+4]
}
