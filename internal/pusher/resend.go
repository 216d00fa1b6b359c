package pusher

import (
	"bytes"
	"time"

	"github.com/pkg/errors"

	"github.com/rishav/fix-gateway/internal/fixmsg"
	"github.com/rishav/fix-gateway/internal/journal"
)

// Resend injects previously sent messages back onto the resend path for the
// sink-writer to emit. end 0 means "through the highest sent sequence".
//
// Live journal rows are rewritten per the FIX resend rules: PossDupFlag
// (43=Y) is inserted, SendingTime (52) is refreshed and the original value
// carried in OrigSendingTime (122). Rows whose TTL has passed are never
// re-emitted; each run of expired sequence numbers collapses into one
// SequenceReset-GapFill (35=4, 123=Y) pointing past the run.
func (p *Pusher) Resend(start, end uint64) error {
	if !p.dbOpen.Load() {
		return errors.New("pusher: resend with closed journal")
	}

	records, err := p.db.GetSent(start, end)
	if err != nil {
		return errors.Wrap(err, "pusher: resend")
	}

	now := time.Now()
	for i := 0; i < len(records); {
		rec := &records[i]
		if !rec.Expired() {
			p.pushRomeo(rec.Seq, rec.MsgType, p.rewriteForResend(rec, now))
			i++
			continue
		}

		// Coalesce the run of expired rows into one gap fill.
		j := i
		for j < len(records) && records[j].Expired() {
			j++
		}
		p.pushRomeo(rec.Seq, fixmsg.MsgTypeSequenceReset, p.gapFillPartial(records[j-1].Seq+1, now))
		gapFillsSent.Inc()
		i = j
	}
	return nil
}

// pushRomeo publishes a prepared resend partial carrying its original
// outgoing sequence number.
func (p *Pusher) pushRomeo(seq uint64, msgType string, partial []byte) {
	s, _ := p.romeo.AcquirePublisherSlot(true)
	slot := p.romeo.AcquireEntry(s)
	slot.ensure(len(partial))
	slot.seq = seq
	slot.length = uint32(len(partial))
	slot.msgType.set(msgType)
	copy(slot.data[headReserved:], partial)
	p.romeo.CommitPublisherSlot(s)
}

// gapFillPartial composes the SequenceReset-GapFill partial replacing a run
// of expired messages: 123=Y and 36=<first sequence after the run>.
func (p *Pusher) gapFillPartial(newSeq uint64, now time.Time) []byte {
	tx := fixmsg.NewMessageTX(p.version, p.sep)
	tx.AppendField(fixmsg.TagMsgType, []byte(fixmsg.MsgTypeSequenceReset))
	tx.AppendField(fixmsg.TagGapFillFlag, []byte("Y"))
	tx.AppendField(fixmsg.TagNewSeqNo, fixmsg.AppendUint(nil, newSeq))
	_, partial, _ := tx.Expose(now)
	return append([]byte(nil), partial...)
}

// rewriteForResend prepares a journaled partial for re-emission: 43=Y goes
// in right after the leading separator, tag 52 is rewritten in place and its
// original value appended as tag 122 ahead of the checksum tag.
//
// The scan is field-wise on separators; a data field whose value embeds the
// separator byte would be split early, which matches the receive-side policy
// of treating resend traffic as already-validated session output.
func (p *Pusher) rewriteForResend(rec *journal.SentRecord, now time.Time) []byte {
	stamp := []byte(now.UTC().Format(p.version.SendingTimeLayout()))
	src := rec.Partial

	out := make([]byte, 0, len(src)+8+2*len(stamp))
	out = append(out, p.sep)
	out = append(out, '4', '3', '=', 'Y', p.sep)

	var origSendingTime []byte
	i := 1 // past the leading separator
	for i < len(src) {
		j := i
		for j < len(src) && src[j] != p.sep {
			j++
		}
		field := src[i:j]

		if j >= len(src) && bytes.Equal(field, []byte("10=")) {
			// Trailing checksum tag: slot in OrigSendingTime first.
			if origSendingTime != nil {
				out = append(out, '1', '2', '2', '=')
				out = append(out, origSendingTime...)
				out = append(out, p.sep)
			}
			out = append(out, '1', '0', '=')
			return out
		}

		if bytes.HasPrefix(field, []byte("52=")) {
			origSendingTime = append([]byte(nil), field[3:]...)
			out = append(out, '5', '2', '=')
			out = append(out, stamp...)
		} else {
			out = append(out, field...)
		}
		out = append(out, p.sep)
		i = j + 1
	}
	return out
}
