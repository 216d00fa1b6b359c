package popper

import (
	"io"
	"net"
	"runtime"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// readerLoop pulls bytes from the source socket onto Foxtrot until peer
// disconnect, a non-transient error, or Shutdown. Each read deposits
// directly into a Foxtrot slot's inline buffer; the byte count goes into
// the slot's length prefix.
func (p *Popper) readerLoop() {
	defer close(p.readerDone)

	// Wait for the first unpause before touching the source.
	for p.pause.Load() {
		if p.shutdown.Load() {
			return
		}
		runtime.Gosched()
	}

	p.readerRunning.Store(true)
	defer p.readerRunning.Store(false)

	for {
		if p.shutdown.Load() {
			return
		}
		if p.pause.Load() {
			p.readerRunning.Store(false)
			for p.pause.Load() {
				if p.shutdown.Load() {
					return
				}
				runtime.Gosched()
			}
			p.readerRunning.Store(true)
		}

		seq, ok := p.foxtrot.AcquirePublisherSlot(false)
		if !ok {
			runtime.Gosched()
			continue
		}
		slot := p.foxtrot.AcquireEntry(seq)

		n, err := p.readOnce(slot.data[:])
		if err != nil {
			// Commit the open slot zero-length so the splitter never
			// sees a stale entry, then exit.
			slot.length = 0
			p.foxtrot.CommitPublisherSlot(seq)
			switch {
			case err == errShutdown:
			case err == io.EOF:
				p.log.Error("peer closed connection")
			default:
				p.errFlag.Store(err)
				p.log.Error("error reading source", zap.Error(err))
			}
			return
		}

		slot.length = uint32(n)
		p.foxtrot.CommitPublisherSlot(seq)
	}
}

// readOnce reads into buf, retrying transient timeouts while observing the
// pause and shutdown flags. io.EOF reports peer disconnect; errShutdown
// reports engine shutdown.
func (p *Popper) readOnce(buf []byte) (int, error) {
	for {
		_ = p.source.SetReadDeadline(time.Now().Add(sourceReadTimeout))
		n, err := p.source.Read(buf)
		if n > 0 {
			return n, nil
		}
		if err == nil {
			continue
		}

		if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
			if p.shutdown.Load() {
				return 0, errShutdown
			}
			if p.pause.Load() {
				p.readerRunning.Store(false)
				for p.pause.Load() {
					if p.shutdown.Load() {
						return 0, errShutdown
					}
					runtime.Gosched()
				}
				p.readerRunning.Store(true)
			}
			continue
		}
		return 0, err
	}
}

// errShutdown signals the reader to exit without treating the condition as
// a peer disconnect.
var errShutdown = errors.New("popper: shutting down")
