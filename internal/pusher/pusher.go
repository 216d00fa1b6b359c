// Package pusher implements the outbound half of the FIX gateway: a
// thread-safe multi-producer path that accepts partial FIX messages, frames
// each with the standard header fields and checksum, persists it to the
// message journal and writes it to the sink socket in batches.
//
// Architecture:
//   - Push publishes onto the Alfa ring (fast, inline 4 KiB slots) or the
//     Bravo ring (oversize, owned heap buffers).
//   - SessionPush publishes onto the Charlie ring (session engine only,
//     single producer).
//   - Resend loads journal rows onto the Romeo ring.
//   - A single writer goroutine drains Alfa, Bravo, Charlie then Romeo each
//     pass, composes complete frames in situ and emits each batch with one
//     vectored write.
package pusher

import (
	"io"
	"runtime"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/rishav/fix-gateway/internal/disruptor"
	"github.com/rishav/fix-gateway/internal/fixmsg"
	"github.com/rishav/fix-gateway/internal/journal"
)

var (
	// ErrMsgTypeTooLong is returned when the tag 35 value exceeds the
	// maximum length. No side effects.
	ErrMsgTypeTooLong = errors.New("pusher: message type exceeds maximum length")

	// ErrOversizeSessionMessage is returned by SessionPush for partial
	// messages that do not fit a session slot. No side effects.
	ErrOversizeSessionMessage = errors.New("pusher: session message oversized")

	// ErrSettingsWhileStarted is returned by Start when settings change on
	// a started pusher.
	ErrSettingsWhileStarted = errors.New("pusher: attempt to change settings while started")

	// ErrNotConfigured is returned by Start when no FIX version or sink has
	// ever been supplied.
	ErrNotConfigured = errors.New("pusher: no FIX version or sink configured")
)

// Pusher owns the outbound rings and the sink-writer goroutine. Construct
// with New, configure and unpause with Start, pause with Stop. The writer
// goroutine lives until Shutdown.
type Pusher struct {
	sep byte
	log *zap.Logger

	alfa    *disruptor.RingBuffer[alfaSlot]
	bravo   *disruptor.RingBuffer[bravoSlot]
	charlie *disruptor.RingBuffer[charlieSlot]
	romeo   *disruptor.RingBuffer[romeoSlot]

	db *journal.Journal

	// startBytes is the prefilled frame prefix "8=<ver><SEP>9=". Mutated
	// only while stopped; read by the writer after observing unpause.
	startBytes []byte
	version    fixmsg.Version
	sink       io.Writer

	pause    *atomic.Bool
	dbOpen   *atomic.Bool
	started  *atomic.Bool
	shutdown *atomic.Bool
	errFlag  *atomic.Error

	writerDone chan struct{}
}

// New creates a pusher using sep as the field separator (SOH in production,
// parameterizable for testing) and spawns the paused writer goroutine.
func New(sep byte, log *zap.Logger) *Pusher {
	p := &Pusher{
		sep:        sep,
		log:        log,
		alfa:       disruptor.NewRingBuffer[alfaSlot](alfaQueueLength),
		bravo:      disruptor.NewRingBuffer[bravoSlot](bravoQueueLength),
		charlie:    disruptor.NewRingBuffer[charlieSlot](charlieQueueLength),
		romeo:      disruptor.NewRingBuffer[romeoSlot](romeoQueueLength),
		db:         journal.New("", log),
		pause:      atomic.NewBool(true),
		dbOpen:     atomic.NewBool(false),
		started:    atomic.NewBool(false),
		shutdown:   atomic.NewBool(false),
		errFlag:    atomic.NewError(nil),
		writerDone: make(chan struct{}),
	}
	go p.writerLoop(newWriterState(p))
	return p
}

// Push enqueues a partial FIX message for framing and emission. The partial
// must begin with the field separator and end with "<SEP>10="; it must not
// contain tags 8, 9, 35 or 34. Those are added by the assembler, as is the
// checksum value. The pusher does not take ownership of data.
//
// Messages that fit the fast-slot budget publish on Alfa, larger ones on
// Bravo. ttl bounds resendability: once passed, the message is only ever
// gap-filled, never re-emitted.
//
// Push is safe for concurrent use.
func (p *Pusher) Push(ttl time.Duration, data []byte, msgType string) error {
	if len(msgType) > fixmsg.MsgTypeMaxLength {
		return ErrMsgTypeTooLong
	}
	expires := time.Now().Add(ttl)

	if len(data) <= alfaMaxData {
		seq, _ := p.alfa.AcquirePublisherSlot(true)
		slot := p.alfa.AcquireEntry(seq)
		slot.length = uint32(len(data))
		slot.msgType.set(msgType)
		slot.ttl = expires
		copy(slot.data[headReserved:], data)
		p.alfa.CommitPublisherSlot(seq)
	} else {
		seq, _ := p.bravo.AcquirePublisherSlot(true)
		slot := p.bravo.AcquireEntry(seq)
		slot.ensure(len(data))
		slot.length = uint32(len(data))
		slot.msgType.set(msgType)
		slot.ttl = expires
		copy(slot.data[headReserved:], data)
		p.bravo.CommitPublisherSlot(seq)
	}

	return p.errFlag.Load()
}

// SessionPush is Push for the session engine's Charlie ring. Only one
// goroutine must call it. Oversize session messages fail with
// ErrOversizeSessionMessage.
func (p *Pusher) SessionPush(ttl time.Duration, data []byte, msgType string) error {
	if len(msgType) > fixmsg.MsgTypeMaxLength {
		return ErrMsgTypeTooLong
	}
	if len(data) > charlieMaxData {
		p.log.Error("session message oversized", zap.Int("len", len(data)))
		return ErrOversizeSessionMessage
	}

	seq, _ := p.charlie.AcquirePublisherSlot(true)
	slot := p.charlie.AcquireEntry(seq)
	slot.length = uint32(len(data))
	slot.msgType.set(msgType)
	slot.ttl = time.Now().Add(ttl)
	copy(slot.data[headReserved:], data)
	p.charlie.CommitPublisherSlot(seq)

	return p.errFlag.Load()
}

// Start sets parameters and unpauses the writer. Settings may only change
// while stopped: on a started pusher any non-zero argument fails. A zero
// value leaves the corresponding setting untouched.
//
// fixVersion must be a valid BeginString value ("FIX.4.2", "FIXT.1.1", ...).
// journalPath follows SQLite naming: ":memory:" is a private in-memory
// store, the empty string keeps the previously configured path.
func (p *Pusher) Start(journalPath, fixVersion string, sink io.Writer) error {
	if p.started.Load() {
		if journalPath != "" || fixVersion != "" || sink != nil {
			return ErrSettingsWhileStarted
		}
		return nil
	}

	if fixVersion != "" {
		p.version = fixmsg.ParseBeginString(fixVersion)
		p.startBytes = append([]byte("8="+fixVersion), p.sep, '9', '=')
	}
	if len(p.startBytes) == 0 {
		return ErrNotConfigured
	}
	if sink != nil {
		p.sink = sink
	}
	if p.sink == nil {
		return ErrNotConfigured
	}
	if journalPath != "" {
		if !p.db.SetPath(journalPath) {
			return errors.New("pusher: could not set journal path")
		}
	}

	p.pause.Store(false)
	for !p.dbOpen.Load() {
		if p.shutdown.Load() {
			return errors.New("pusher: shut down")
		}
		runtime.Gosched()
	}

	p.started.Store(true)
	return nil
}

// Stop pauses the writer and closes the journal. Idempotent.
func (p *Pusher) Stop() error {
	if !p.started.Load() {
		return nil
	}

	p.pause.Store(true)
	for p.dbOpen.Load() {
		runtime.Gosched()
	}

	p.started.Store(false)
	return nil
}

// Shutdown terminates the writer goroutine. The pusher is unusable
// afterwards; Stop the pusher first.
func (p *Pusher) Shutdown() {
	p.shutdown.Store(true)
	<-p.writerDone
}

// Err returns the writer's sticky error, set when a non-transient sink
// write failure terminated the writer.
func (p *Pusher) Err() error {
	return p.errFlag.Load()
}
