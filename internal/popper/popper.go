// Package popper implements the inbound half of the FIX gateway: a reader
// goroutine appends raw socket bytes to the Foxtrot ring, a splitter
// goroutine extracts FIX frames, verifies checksums, enforces the expected
// incoming sequence number, persists accepted messages to the journal and
// routes them to the Delta (application) or Echo (session) ring. Sequence
// gaps trigger an automatic ResendRequest through the paired pusher;
// malformed message types trigger a session-level Reject.
package popper

import (
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/rishav/fix-gateway/internal/disruptor"
	"github.com/rishav/fix-gateway/internal/fixmsg"
	"github.com/rishav/fix-gateway/internal/journal"
)

// SessionPusher is the outbound contract the popper needs to service
// sequence gaps, malformed frames and inbound ResendRequests.
type SessionPusher interface {
	SessionPush(ttl time.Duration, data []byte, msgType string) error
	Resend(start, end uint64) error
}

// ErrSettingsWhileStarted is returned by Start when settings change on a
// started popper.
var ErrSettingsWhileStarted = errors.New("popper: attempt to change settings while started")

// ErrNotConfigured is returned by Start when no FIX version or source has
// ever been supplied.
var ErrNotConfigured = errors.New("popper: no FIX version or source configured")

// sourceReadTimeout is the receive timeout on the source socket; the reader
// wakes at this cadence to observe the pause flag.
const sourceReadTimeout = time.Second

// autoResponseTTL bounds resendability of the popper's own session
// responses.
const autoResponseTTL = 30 * time.Second

// Popper owns the inbound rings and the reader and splitter goroutines.
// Construct with New, configure and unpause with Start, pause with Stop.
// The goroutines live until Shutdown.
type Popper struct {
	sep byte
	log *zap.Logger

	delta   *disruptor.RingBuffer[deltaSlot]
	echo    *disruptor.RingBuffer[echoSlot]
	foxtrot *disruptor.RingBuffer[foxtrotSlot]

	db *journal.Journal

	// Mutated only while stopped; read by the goroutines after observing
	// unpause.
	version     fixmsg.Version
	beginString []byte // "8=<ver><SEP>9="
	pusher      SessionPusher
	source      net.Conn

	pause         *atomic.Bool
	dbOpen        *atomic.Bool
	readerRunning *atomic.Bool
	started       *atomic.Bool
	shutdown      *atomic.Bool
	errFlag       *atomic.Error

	readerDone   chan struct{}
	splitterDone chan struct{}

	// Multi-consumer pop state over Delta; the mutex serializes the
	// sequence reservation of the shared-cursor variant.
	popMu      sync.Mutex
	deltaReg   disruptor.ConsumerHandle
	deltaNext  uint64
	deltaUpper uint64

	// Single-caller session pop state over Echo.
	echoReg   disruptor.ConsumerHandle
	echoNext  uint64
	echoUpper uint64
}

// New creates a popper using sep as the field separator and spawns the
// paused reader and splitter goroutines.
func New(sep byte, log *zap.Logger) *Popper {
	p := &Popper{
		sep:           sep,
		log:           log,
		delta:         disruptor.NewRingBuffer[deltaSlot](deltaQueueLength),
		echo:          disruptor.NewRingBuffer[echoSlot](echoQueueLength),
		foxtrot:       disruptor.NewRingBuffer[foxtrotSlot](foxtrotQueueLength),
		db:            journal.New("", log),
		pause:         atomic.NewBool(true),
		dbOpen:        atomic.NewBool(false),
		readerRunning: atomic.NewBool(false),
		started:       atomic.NewBool(false),
		shutdown:      atomic.NewBool(false),
		errFlag:       atomic.NewError(nil),
		readerDone:    make(chan struct{}),
		splitterDone:  make(chan struct{}),
	}

	var start uint64
	p.deltaReg, start, _ = p.delta.RegisterConsumer()
	p.deltaNext = start + 1
	p.deltaUpper = start
	p.echoReg, start, _ = p.echo.RegisterConsumer()
	p.echoNext = start + 1
	p.echoUpper = start

	foxtrotReg, foxtrotStart, _ := p.foxtrot.RegisterConsumer()

	go p.readerLoop()
	go p.splitterLoop(foxtrotReg, foxtrotStart+1)
	return p
}

// Start binds the source, sets the configured version string and unpauses
// the reader and splitter. The pusher reference is used for automatic
// ResendRequest and Reject responses. Settings may only change while
// stopped; zero-valued arguments leave the corresponding setting untouched.
func (p *Popper) Start(journalPath, fixVersion string, pusher SessionPusher, source net.Conn) error {
	if pusher != nil {
		p.pusher = pusher
	}

	if p.started.Load() {
		if journalPath != "" || fixVersion != "" || source != nil {
			return ErrSettingsWhileStarted
		}
		return nil
	}

	if fixVersion != "" {
		p.version = fixmsg.ParseBeginString(fixVersion)
		p.beginString = append([]byte("8="+fixVersion), p.sep, '9', '=')
	}
	if len(p.beginString) == 0 {
		return ErrNotConfigured
	}
	if source != nil {
		p.source = source
	}
	if p.source == nil {
		return ErrNotConfigured
	}
	if journalPath != "" {
		if !p.db.SetPath(journalPath) {
			return errors.New("popper: could not set journal path")
		}
	}

	p.pause.Store(false)
	for !p.dbOpen.Load() || !p.readerRunning.Load() {
		if p.shutdown.Load() {
			return errors.New("popper: shut down")
		}
		runtime.Gosched()
	}

	p.started.Store(true)
	return nil
}

// Stop pauses the reader and splitter and closes the journal. Idempotent.
//
// Stop spin-yields with no deadline, mirroring the pause protocol of the
// rest of the engine: if the splitter is wedged mid-batch behind a full
// downstream ring that nothing is draining, Stop blocks until it drains.
func (p *Popper) Stop() error {
	if !p.started.Load() {
		return nil
	}

	p.pause.Store(true)
	for p.dbOpen.Load() || p.readerRunning.Load() {
		runtime.Gosched()
	}

	p.started.Store(false)
	return nil
}

// Shutdown terminates the reader and splitter goroutines. The popper is
// unusable afterwards; Stop it first.
func (p *Popper) Shutdown() {
	p.shutdown.Store(true)
	<-p.readerDone
	<-p.splitterDone
}

// ReaderDone is closed when the reader goroutine exits: on peer disconnect,
// a non-transient source error, or Shutdown.
func (p *Popper) ReaderDone() <-chan struct{} {
	return p.readerDone
}

// Err returns the reader's sticky error.
func (p *Popper) Err() error {
	return p.errFlag.Load()
}

// Pop reads one complete application message. It is safe for concurrent
// use; callers contend on an internal mutex for the sequence reservation.
// Ownership of the returned Data transfers to the caller; the slot is
// nulled and released. Pop blocks until a message is available.
func (p *Popper) Pop() (RawMessage, error) {
	p.popMu.Lock()
	defer p.popMu.Unlock()

	n := p.deltaNext
	if n > p.deltaUpper {
		upper, _ := p.delta.WaitFor(n, true)
		p.deltaUpper = upper
	}

	entry := p.delta.AcquireEntry(n)
	msg := RawMessage{Len: entry.size, MsgTypeOffset: entry.msgtypeOffset, Data: entry.data[:entry.size:entry.size]}
	entry.size = 0
	entry.msgtypeOffset = 0
	entry.data = nil
	p.delta.ReleaseEntry(p.deltaReg, n)
	p.deltaNext = n + 1

	return msg, nil
}

// RegisterPopper allocates a lock-free consumer over Delta. The returned
// cursor is the caller's private position for PopBatch.
func (p *Popper) RegisterPopper() (disruptor.ConsumerHandle, uint64, error) {
	handle, start, err := p.delta.RegisterConsumer()
	return handle, start + 1, err
}

// UnregisterPopper frees a consumer registered with RegisterPopper.
func (p *Popper) UnregisterPopper(handle disruptor.ConsumerHandle) {
	p.delta.Unregister(handle)
}

// PopBatch collects the batch of messages available at the caller's cursor,
// ordered by arrival. It blocks until at least one message is available.
// The caller owns each RawMessage's Data.
func (p *Popper) PopBatch(handle disruptor.ConsumerHandle, cursor *uint64) []RawMessage {
	upper, _ := p.delta.WaitFor(*cursor, true)

	msgs := make([]RawMessage, 0, upper-*cursor+1)
	for n := *cursor; n <= upper; n++ {
		entry := p.delta.AcquireEntry(n)
		msgs = append(msgs, RawMessage{Len: entry.size, MsgTypeOffset: entry.msgtypeOffset, Data: entry.data[:entry.size:entry.size]})
		entry.size = 0
		entry.msgtypeOffset = 0
		entry.data = nil
	}
	p.delta.ReleaseEntry(handle, upper)
	*cursor = upper + 1

	return msgs
}

// SessionPop reads one complete session message. Only one goroutine must
// call it. The returned bytes are a non-owning reference into the Echo
// slot: the caller may mutate but must not retain them past the next call,
// which releases the previous slot. SessionPop blocks until a message is
// available.
func (p *Popper) SessionPop() (uint32, uint32, []byte) {
	p.echo.ReleaseEntry(p.echoReg, p.echoNext-1)

	n := p.echoNext
	if n > p.echoUpper {
		upper, _ := p.echo.WaitFor(n, true)
		p.echoUpper = upper
	}
	entry := p.echo.AcquireEntry(n)
	p.echoNext = n + 1

	return entry.size, entry.msgtypeOffset, entry.data[:entry.size]
}
