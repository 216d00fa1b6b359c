package fixmsg

import "time"

// MessageTX composes a partial FIX message: the field sequence beginning
// with the separator and ending with "<SEP>10=", ready to be handed to the
// pusher. Tags 8, 9, 34 and the checksum value are added later by the
// outbound assembler; tag 35 is captured out of band and returned by Expose.
//
// A MessageTX is not safe for concurrent use.
type MessageTX struct {
	version Version
	sep     byte
	buf     []byte
	msgType string

	sendingTimeSet bool
}

// NewMessageTX returns an empty composer for the given version and
// separator.
func NewMessageTX(version Version, sep byte) *MessageTX {
	return &MessageTX{
		version: version,
		sep:     sep,
		buf:     make([]byte, 0, 256),
	}
}

// Reset clears the composer for reuse.
func (tx *MessageTX) Reset() {
	tx.buf = tx.buf[:0]
	tx.msgType = ""
	tx.sendingTimeSet = false
}

// AppendField appends "<tag>=<value><SEP>". Tag 35 is captured as the
// message type instead of being written to the buffer; the assembler places
// it in the standard header. Reports failure for an oversized tag 35 value.
func (tx *MessageTX) AppendField(tag int, value []byte) bool {
	if tag == TagMsgType {
		if len(value) > MsgTypeMaxLength {
			return false
		}
		tx.msgType = string(value)
		return true
	}
	if tag == TagSendingTime {
		tx.sendingTimeSet = true
	}

	if len(tx.buf) == 0 {
		tx.buf = append(tx.buf, tx.sep)
	}
	tx.buf = AppendUint(tx.buf, uint64(tag))
	tx.buf = append(tx.buf, '=')
	tx.buf = append(tx.buf, value...)
	tx.buf = append(tx.buf, tx.sep)
	return true
}

// Expose finalizes and returns the message type and the partial message
// bytes. Tag 52 (SendingTime) is appended with the version's layout when the
// caller has not set it. The returned slice is valid until the next Reset or
// AppendField.
func (tx *MessageTX) Expose(now time.Time) (string, []byte, bool) {
	if tx.msgType == "" {
		return "", nil, false
	}
	if !tx.sendingTimeSet {
		if !tx.AppendField(TagSendingTime, []byte(now.UTC().Format(tx.version.SendingTimeLayout()))) {
			return "", nil, false
		}
		tx.sendingTimeSet = true
	}

	// Tack on the checksum tag prefix. The partial message contract is
	// "starts with the separator, ends with <SEP>10=".
	n := len(tx.buf)
	tx.buf = append(tx.buf, '1', '0', '=')
	partial := tx.buf[:n+3]
	tx.buf = tx.buf[:n]
	return tx.msgType, partial, true
}
