package fixmsg

// MsgTypeKey packs an up-to-4-byte message type value into a compact integer
// used as a lookup key. Reading stops at the separator or after four bytes.
// Zero is never a valid key for a well-formed type.
func MsgTypeKey(value []byte, sep byte) uint32 {
	var key uint32
	for i, c := range value {
		if c == sep || i == 4 {
			break
		}
		key = key<<8 | uint32(c)
	}
	return key
}

// msgTypeKeyString is MsgTypeKey over a complete string.
func msgTypeKeyString(s string) uint32 {
	var key uint32
	for i := 0; i < len(s) && i < 4; i++ {
		key = key<<8 | uint32(s[i])
	}
	return key
}

// Session-level message types. ResendRequest is intercepted and serviced by
// the splitter; the remainder of the set is routed to the session queue.
const (
	MsgTypeHeartbeat     = "0"
	MsgTypeTestRequest   = "1"
	MsgTypeResendRequest = "2"
	MsgTypeReject        = "3"
	MsgTypeSequenceReset = "4"
	MsgTypeLogout        = "5"
	MsgTypeLogon         = "A"
	MsgTypeXMLnonFIX     = "n"
)

var sessionMsgTypes = []string{
	MsgTypeHeartbeat,
	MsgTypeTestRequest,
	MsgTypeResendRequest,
	MsgTypeReject,
	MsgTypeSequenceReset,
	MsgTypeLogout,
	MsgTypeLogon,
	MsgTypeXMLnonFIX,
}

// newSessionTypeSet builds the per-instance session-type lookup. The set is
// identical across versions but owned by each iterator instance rather than
// a process-wide singleton.
func newSessionTypeSet() map[uint32]struct{} {
	set := make(map[uint32]struct{}, len(sessionMsgTypes))
	for _, s := range sessionMsgTypes {
		set[msgTypeKeyString(s)] = struct{}{}
	}
	return set
}
