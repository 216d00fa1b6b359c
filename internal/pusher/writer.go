package pusher

import (
	"net"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/rishav/fix-gateway/internal/disruptor"
)

// iovMax caps the number of frames staged into a single vectored write.
const iovMax = 1024

// writerState is the sink-writer goroutine's private view: the outgoing
// sequence counter, the staging iovec and one consumer cursor per ring.
type writerState struct {
	lastOutgoing uint64
	iov          net.Buffers

	alfaReg    disruptor.ConsumerHandle
	alfaCur    uint64
	bravoReg   disruptor.ConsumerHandle
	bravoCur   uint64
	charlieReg disruptor.ConsumerHandle
	charlieCur uint64
	romeoReg   disruptor.ConsumerHandle
	romeoCur   uint64
}

// newWriterState registers the writer's consumer barriers. It runs inside
// New, before anything can be published, so no pre-start push is ever
// skipped.
func newWriterState(p *Pusher) *writerState {
	w := &writerState{iov: make(net.Buffers, 0, iovMax)}
	var start uint64
	w.alfaReg, start, _ = p.alfa.RegisterConsumer()
	w.alfaCur = start + 1
	w.bravoReg, start, _ = p.bravo.RegisterConsumer()
	w.bravoCur = start + 1
	w.charlieReg, start, _ = p.charlie.RegisterConsumer()
	w.charlieCur = start + 1
	w.romeoReg, start, _ = p.romeo.RegisterConsumer()
	w.romeoCur = start + 1
	return w
}

// writerLoop is the sole consumer of Alfa, Bravo, Charlie and Romeo and the
// sole writer to the sent journal. Priority order per pass is strictly
// Alfa, Bravo, Charlie, Romeo: a fast-queue message published after a
// slow-queue message may overtake it (size-based prioritization).
func (p *Pusher) writerLoop(w *writerState) {
	defer close(p.writerDone)

	// Journal gating: wait for the first unpause, then open. A journal
	// failure at startup aborts the process; data integrity is a
	// precondition.
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

	last, err := p.db.LatestSentSeq()
	if err != nil {
		p.log.Fatal("error getting latest sent sequence number", zap.Error(err))
	}
	w.lastOutgoing = last

	defer func() {
		p.alfa.Unregister(w.alfaReg)
		p.bravo.Unregister(w.bravoReg)
		p.charlie.Unregister(w.charlieReg)
		p.romeo.Unregister(w.romeoReg)
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

		nAlfa, err := p.drainAlfa(w)
		if err != nil {
			p.fail(err)
			return
		}
		nBravo, err := p.drainBravo(w, nAlfa)
		if err != nil {
			p.fail(err)
			return
		}
		nCharlie, err := p.drainCharlie(w)
		if err != nil {
			p.fail(err)
			return
		}
		nRomeo, err := p.drainRomeo(w)
		if err != nil {
			p.fail(err)
			return
		}

		if nAlfa+nBravo+nCharlie+nRomeo == 0 {
			runtime.Gosched()
		}
	}
}

func (p *Pusher) fail(err error) {
	p.errFlag.Store(err)
	p.log.Error("sink write failed, writer terminating", zap.Error(err))
}

// writeBatch emits the staged frames with vectored writes, retrying
// transient timeouts in place. net.Buffers advances past fully written
// buffers, so short writes resume at the correct iovec cursor.
func (p *Pusher) writeBatch(bufs *net.Buffers) error {
	for len(*bufs) > 0 {
		if _, err := bufs.WriteTo(p.sink); err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				continue
			}
			return err
		}
	}
	return nil
}

// nextFrame assigns the next outgoing sequence number and persists the
// partial to the sent journal before framing. A steady-state journal write
// failure is logged and the pipeline continues; the gap is repaired by the
// next successful write.
func (p *Pusher) nextFrame(w *writerState, slotMsgType *msgTypeField, expires time.Time, data []byte, partialLen int) []byte {
	w.lastOutgoing++
	mt := slotMsgType.bytes()
	if err := p.db.StoreSent(w.lastOutgoing, expires, string(mt), data[headReserved:headReserved+partialLen]); err != nil {
		p.log.Error("could not journal sent message", zap.Uint64("seq", w.lastOutgoing), zap.Error(err))
	}
	return p.completeFrame(w.lastOutgoing, mt, data, partialLen)
}

func (p *Pusher) drainAlfa(w *writerState) (int, error) {
	upper, ok := p.alfa.WaitFor(w.alfaCur, false)
	if !ok {
		return 0, nil
	}

	n := 0
	w.iov = w.iov[:0]
	for seq := w.alfaCur; seq <= upper; seq++ {
		slot := p.alfa.AcquireEntry(seq)
		w.iov = append(w.iov, p.nextFrame(w, &slot.msgType, slot.ttl, slot.data[:], int(slot.length)))
		n++
		if len(w.iov) == iovMax {
			if err := p.writeBatch(&w.iov); err != nil {
				return n, err
			}
			w.iov = w.iov[:0]
		}
	}
	if err := p.writeBatch(&w.iov); err != nil {
		return n, err
	}

	p.alfa.ReleaseEntry(w.alfaReg, upper)
	w.alfaCur = upper + 1
	framesSent.WithLabelValues("alfa").Add(float64(n))
	return n, nil
}

func (p *Pusher) drainBravo(w *writerState, alfaDrained int) (int, error) {
	upper, ok := p.bravo.WaitFor(w.bravoCur, false)
	if !ok {
		return 0, nil
	}
	if alfaDrained > 0 {
		// Strict Alfa-before-Bravo ordering can starve large messages
		// behind sustained small-message traffic; count the passes
		// where that happened.
		bravoDelayedPasses.Inc()
	}

	n := 0
	w.iov = w.iov[:0]
	for seq := w.bravoCur; seq <= upper; seq++ {
		slot := p.bravo.AcquireEntry(seq)
		w.iov = append(w.iov, p.nextFrame(w, &slot.msgType, slot.ttl, slot.data, int(slot.length)))
		n++
		if len(w.iov) == iovMax {
			if err := p.writeBatch(&w.iov); err != nil {
				return n, err
			}
			w.iov = w.iov[:0]
		}
	}
	if err := p.writeBatch(&w.iov); err != nil {
		return n, err
	}

	p.bravo.ReleaseEntry(w.bravoReg, upper)
	w.bravoCur = upper + 1
	framesSent.WithLabelValues("bravo").Add(float64(n))
	return n, nil
}

func (p *Pusher) drainCharlie(w *writerState) (int, error) {
	upper, ok := p.charlie.WaitFor(w.charlieCur, false)
	if !ok {
		return 0, nil
	}

	n := 0
	w.iov = w.iov[:0]
	for seq := w.charlieCur; seq <= upper; seq++ {
		slot := p.charlie.AcquireEntry(seq)
		w.iov = append(w.iov, p.nextFrame(w, &slot.msgType, slot.ttl, slot.data[:], int(slot.length)))
		n++
		if len(w.iov) == iovMax {
			if err := p.writeBatch(&w.iov); err != nil {
				return n, err
			}
			w.iov = w.iov[:0]
		}
	}
	if err := p.writeBatch(&w.iov); err != nil {
		return n, err
	}

	p.charlie.ReleaseEntry(w.charlieReg, upper)
	w.charlieCur = upper + 1
	framesSent.WithLabelValues("charlie").Add(float64(n))
	return n, nil
}

// drainRomeo emits resend frames. Romeo entries carry their original
// sequence numbers and are already journaled, so the assembler frames them
// without advancing the outgoing counter or re-persisting.
func (p *Pusher) drainRomeo(w *writerState) (int, error) {
	upper, ok := p.romeo.WaitFor(w.romeoCur, false)
	if !ok {
		return 0, nil
	}

	n := 0
	w.iov = w.iov[:0]
	for seq := w.romeoCur; seq <= upper; seq++ {
		slot := p.romeo.AcquireEntry(seq)
		w.iov = append(w.iov, p.completeFrame(slot.seq, slot.msgType.bytes(), slot.data, int(slot.length)))
		n++
		if len(w.iov) == iovMax {
			if err := p.writeBatch(&w.iov); err != nil {
				return n, err
			}
			w.iov = w.iov[:0]
		}
	}
	if err := p.writeBatch(&w.iov); err != nil {
		return n, err
	}

	p.romeo.ReleaseEntry(w.romeoReg, upper)
	w.romeoCur = upper + 1
	framesResent.Add(float64(n))
	return n, nil
}
