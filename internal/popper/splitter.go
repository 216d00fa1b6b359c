package popper

import (
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/rishav/fix-gateway/internal/disruptor"
	"github.com/rishav/fix-gateway/internal/fixmsg"
)

// Splitter parse states over the concatenated Foxtrot payload.
type parseState int

const (
	findingBeginString parseState = iota
	findingBodyLength
	copyingBody
)

// maxBodyLengthDigits bounds the scratch accumulation for the tag 9 value.
const maxBodyLengthDigits = 20

// splitter holds the state machine's working set: the assembly target (a
// pre-acquired Delta slot used as scratch for every frame), the pre-acquired
// Echo slot, the RX iterator and TX composers, and the expected incoming
// sequence counter.
type splitter struct {
	p *Popper

	rx       *fixmsg.MessageRX
	resendTx *fixmsg.MessageTX
	rejectTx *fixmsg.MessageTX

	expected uint64

	state        parseState
	match        int    // begin-string match position
	lengthDigits []byte // tag 9 scratch
	prefixDigits int    // digit count of the current frame's BodyLength
	bytesLeft    int
	offset       int

	deltaSeq   uint64
	deltaEntry *deltaSlot
	echoSeq    uint64
	echoEntry  *echoSlot

	resendKey uint32
}

// splitterLoop extracts frames from Foxtrot and routes them to Delta and
// Echo forever and ever. It is the sole writer to the received journal.
// The Foxtrot consumer barrier is registered by New before the reader can
// publish anything.
func (p *Popper) splitterLoop(reg disruptor.ConsumerHandle, cursor uint64) {
	defer close(p.splitterDone)
	defer p.foxtrot.Unregister(reg)

	// Journal gating mirrors the pusher's writer: wait for the first
	// unpause, then open or abort.
	p.dbOpen.Store(false)
	for p.pause.Load() {
		if p.shutdown.Load() {
			return
		}
		runtime.Gosched()
	}
	if err := p.db.Open(); err != nil {
		p.log.Fatal("could not open local journal", zap.Error(err))
	}
	p.dbOpen.Store(true)

	expected, err := p.db.LatestRecvSeq()
	if err != nil {
		p.log.Fatal("error getting latest received sequence number", zap.Error(err))
	}

	s := &splitter{
		p:            p,
		rx:           fixmsg.NewMessageRX(p.version, p.sep),
		resendTx:     fixmsg.NewMessageTX(p.version, p.sep),
		rejectTx:     fixmsg.NewMessageTX(p.version, p.sep),
		expected:     expected,
		lengthDigits: make([]byte, 0, maxBodyLengthDigits+1),
		resendKey:    fixmsg.MsgTypeKey([]byte(fixmsg.MsgTypeResendRequest), p.sep),
	}

	// Acquire the publisher entries the routing step fills in.
	s.deltaSeq, _ = p.delta.AcquirePublisherSlot(true)
	s.deltaEntry = p.delta.AcquireEntry(s.deltaSeq)
	s.echoSeq, _ = p.echo.AcquirePublisherSlot(true)
	s.echoEntry = p.echo.AcquireEntry(s.echoSeq)

	defer func() {
		if err := p.db.Close(); err != nil {
			p.log.Error("could not close local journal", zap.Error(err))
		}
		p.dbOpen.Store(false)
	}()

	for {
		if p.shutdown.Load() {
			return
		}
		if p.pause.Load() {
			if err := p.db.Close(); err != nil {
				p.log.Error("could not close local journal", zap.Error(err))
				continue
			}
			p.dbOpen.Store(false)

			for p.pause.Load() {
				if p.shutdown.Load() {
					return
				}
				runtime.Gosched()
			}

			if err := p.db.Open(); err != nil {
				p.log.Fatal("could not open local journal", zap.Error(err))
			}
			p.dbOpen.Store(true)
		}

		upper, ok := p.foxtrot.WaitFor(cursor, false)
		if !ok {
			runtime.Gosched()
			continue
		}

		for n := cursor; n <= upper; n++ {
			entry := p.foxtrot.ShowEntry(n)
			s.consume(entry.data[:entry.length])
			// Release per entry: a message larger than the remaining
			// Foxtrot capacity must not deadlock against the reader.
			p.foxtrot.ReleaseEntry(reg, n)
		}
		cursor = upper + 1
	}
}

// consume runs the state machine over one Foxtrot payload.
func (s *splitter) consume(data []byte) {
	begin := s.p.beginString
	sep := s.p.sep

	k := 0
	for k < len(data) {
		switch s.state {
		case findingBeginString:
			c := data[k]
			if s.match < len(begin) && c == begin[s.match] {
				s.match++
				k++
				continue
			}
			if s.match == len(begin) && c >= '0' && c <= '9' {
				s.match = 0
				s.lengthDigits = s.lengthDigits[:0]
				s.state = findingBodyLength
				continue // same byte feeds the next state
			}
			if c == begin[0] {
				s.match = 1
			} else {
				s.match = 0
			}
			k++

		case findingBodyLength:
			c := data[k]
			if c >= '0' && c <= '9' {
				if len(s.lengthDigits) >= maxBodyLengthDigits {
					s.state = findingBeginString
					k++
					continue
				}
				s.lengthDigits = append(s.lengthDigits, c)
				k++
				continue
			}
			if c != sep {
				// Not a valid number; skip this message.
				s.state = findingBeginString
				k++
				continue
			}

			bodyLen, ok := fixmsg.ParseUint(s.lengthDigits)
			if !ok || bodyLen == 0 {
				s.state = findingBeginString
				k++
				continue
			}

			// The separator after the BodyLength field (not part of its
			// value) and the trailing checksum field ride along.
			s.bytesLeft = int(bodyLen) + 1 + 7
			s.prefixDigits = len(s.lengthDigits)
			total := len(begin) + s.prefixDigits + s.bytesLeft

			s.deltaEntry.ensure(total)
			s.deltaEntry.size = uint32(total)
			copy(s.deltaEntry.data, begin)
			copy(s.deltaEntry.data[len(begin):], s.lengthDigits)
			s.offset = len(begin) + s.prefixDigits
			s.state = copyingBody
			// The separator byte itself is the first body byte copied.

		case copyingBody:
			avail := len(data) - k
			if avail >= s.bytesLeft {
				copy(s.deltaEntry.data[s.offset:], data[k:k+s.bytesLeft])
				k += s.bytesLeft
				s.bytesLeft = 0
				s.routeFrame()
				s.state = findingBeginString
			} else {
				copy(s.deltaEntry.data[s.offset:], data[k:])
				s.offset += avail
				s.bytesLeft -= avail
				k = len(data)
			}
		}
	}
}

// routeFrame validates the assembled frame and routes it to Delta, Echo, or
// the automatic session responses.
func (s *splitter) routeFrame() {
	p := s.p
	frame := s.deltaEntry.data[:s.deltaEntry.size]

	// Checksum first; a corrupt frame is dropped silently and the gap is
	// repaired by sequence checking.
	if !fixmsg.VerifyChecksum(frame) {
		framesDropped.WithLabelValues("checksum").Inc()
		return
	}

	received := parseSeqNum(frame, p.sep)
	if received != s.expected+1 {
		p.log.Warn("wrong sequence number received",
			zap.Uint64("received", received),
			zap.Uint64("expected", s.expected+1))
		s.sendResendRequest(s.expected + 1)
		return
	}
	s.expected++

	msgtypeOffset := uint32(len(p.beginString) + s.prefixDigits + 4)
	if frame[msgtypeOffset] == p.sep {
		p.log.Warn("malformed message type value", zap.Uint64("seq", received))
		s.sendReject(received, "malformed message type value")
		return
	}

	key := fixmsg.MsgTypeKey(frame[msgtypeOffset:], p.sep)
	switch {
	case !s.rx.IsSessionMessage(key):
		s.deltaEntry.msgtypeOffset = msgtypeOffset
		if err := p.db.StoreRecv(received, frame); err != nil {
			p.log.Error("could not journal received message", zap.Uint64("seq", received), zap.Error(err))
		}

		p.delta.CommitPublisherSlot(s.deltaSeq)
		s.deltaSeq, _ = p.delta.AcquirePublisherSlot(true)
		s.deltaEntry = p.delta.AcquireEntry(s.deltaSeq)
		framesRouted.WithLabelValues("delta").Inc()

	case key == s.resendKey:
		s.serveResendRequest(frame, msgtypeOffset, received)

	default:
		if len(frame) > echoMaxData {
			p.log.Warn("oversized session message", zap.Uint64("seq", received))
			framesDropped.WithLabelValues("oversize").Inc()
			s.expected--
			return
		}
		if err := p.db.StoreRecv(received, frame); err != nil {
			p.log.Error("could not journal received message", zap.Uint64("seq", received), zap.Error(err))
		}

		s.echoEntry.size = uint32(len(frame))
		s.echoEntry.msgtypeOffset = msgtypeOffset
		copy(s.echoEntry.data[:], frame)

		p.echo.CommitPublisherSlot(s.echoSeq)
		s.echoSeq, _ = p.echo.AcquirePublisherSlot(true)
		s.echoEntry = p.echo.AcquireEntry(s.echoSeq)
		framesRouted.WithLabelValues("echo").Inc()
	}
}

// serveResendRequest parses tags 7 and 16 off an inbound ResendRequest and
// hands the range to the pusher. A negative tag or a missing bound draws a
// session-level Reject.
func (s *splitter) serveResendRequest(frame []byte, msgtypeOffset uint32, received uint64) {
	p := s.p

	var (
		begin, end uint64
		have       int
		bad        bool
	)
	s.rx.Imprint(msgtypeOffset, frame)
	for {
		tag, value := s.rx.NextField()
		if tag < 0 {
			bad = true
			break
		}
		if tag == 0 {
			break
		}
		if tag == fixmsg.TagBeginSeqNo {
			begin, _ = fixmsg.ParseUint(value)
			have |= 0x01
		}
		if tag == fixmsg.TagEndSeqNo {
			end, _ = fixmsg.ParseUint(value)
			have |= 0x10
		}
		if have == 0x11 {
			break
		}
	}
	s.rx.Done()

	if bad {
		p.log.Warn("invalid ResendRequest containing negative tag", zap.Uint64("seq", received))
		s.sendReject(received, "invalid ResendRequest message received containing negative tag")
		return
	}
	if have != 0x11 {
		p.log.Warn("invalid ResendRequest", zap.Uint64("seq", received))
		s.sendReject(received, "invalid resend request - missing one or both of tag 7 or tag 16")
		return
	}

	if err := p.pusher.Resend(begin, end); err != nil {
		p.log.Error("could not resend", zap.Uint64("from", begin), zap.Uint64("to", end), zap.Error(err))
		return
	}
	resendServed.Inc()
}

// sendResendRequest emits 35=2 with 7=<first missing> and 16=0 (through
// infinity) without advancing the expected counter.
func (s *splitter) sendResendRequest(from uint64) {
	s.resendTx.Reset()
	s.resendTx.AppendField(fixmsg.TagMsgType, []byte(fixmsg.MsgTypeResendRequest))
	s.resendTx.AppendField(fixmsg.TagBeginSeqNo, fixmsg.AppendUint(nil, from))
	s.resendTx.AppendField(fixmsg.TagEndSeqNo, []byte("0"))
	s.pushSessionMessage(s.resendTx)
	resendSent.Inc()
}

// sendReject emits a session-level Reject: 35=3, 45=<rejected seqnum> and
// 58 carrying the human reason.
func (s *splitter) sendReject(rejectedSeq uint64, reason string) {
	s.rejectTx.Reset()
	s.rejectTx.AppendField(fixmsg.TagMsgType, []byte(fixmsg.MsgTypeReject))
	s.rejectTx.AppendField(fixmsg.TagRefSeqNum, fixmsg.AppendUint(nil, rejectedSeq))
	s.rejectTx.AppendField(fixmsg.TagText, []byte(reason))
	s.pushSessionMessage(s.rejectTx)
	rejectsSent.Inc()
}

func (s *splitter) pushSessionMessage(tx *fixmsg.MessageTX) {
	p := s.p
	msgType, partial, ok := tx.Expose(time.Now())
	if !ok {
		p.log.Error("could not compose session response")
		return
	}
	if err := p.pusher.SessionPush(autoResponseTTL, partial, msgType); err != nil {
		p.log.Error("could not push session response", zap.Error(err))
	}
}

// parseSeqNum locates "<SEP>34=" in a checksum-verified frame and reads the
// decimal digits that follow. Returns 0 when absent or malformed.
func parseSeqNum(frame []byte, sep byte) uint64 {
	marker := [4]byte{sep, '3', '4', '='}
	for i := 0; i+4 < len(frame); i++ {
		if frame[i] != marker[0] || frame[i+1] != marker[1] || frame[i+2] != marker[2] || frame[i+3] != marker[3] {
			continue
		}
		j := i + 4
		var v uint64
		for j < len(frame) && frame[j] >= '0' && frame[j] <= '9' {
			v = v*10 + uint64(frame[j]-'0')
			j++
		}
		return v
	}
	return 0
}
