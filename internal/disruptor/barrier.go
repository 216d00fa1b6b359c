package disruptor

import (
	"runtime"

	"github.com/pkg/errors"
)

// ErrNoBarrierSlots is returned when all barrier slots are taken.
var ErrNoBarrierSlots = errors.New("disruptor: no free consumer barrier slots")

// RegisterConsumer allocates a barrier entry. The returned starting sequence
// is the highest committed sequence below the first claimed-but-uncommitted
// slot, so a newly registered consumer sees every entry published after
// registration, including slots claimed earlier and committed later. The
// consumer's first entry is startingSequence + 1.
func (rb *RingBuffer[T]) RegisterConsumer() (ConsumerHandle, uint64, error) {
	rb.regMu.Lock()
	defer rb.regMu.Unlock()

	for i := range rb.barriers {
		b := &rb.barriers[i]
		if b.active.Load() {
			continue
		}
		start := rb.cursor.Load()
		low := uint64(0)
		if start > rb.capacity {
			low = start - rb.capacity
		}
		for s := low + 1; s <= start; s++ {
			if rb.avail[s&rb.mask].Load() != s {
				start = s - 1
				break
			}
		}
		b.released.Store(start)
		b.active.Store(true)
		return ConsumerHandle{index: i}, start, nil
	}
	return ConsumerHandle{}, 0, ErrNoBarrierSlots
}

// Unregister frees the barrier entry held by handle.
func (rb *RingBuffer[T]) Unregister(handle ConsumerHandle) {
	rb.barriers[handle.index].active.Store(false)
}

// WaitFor returns the highest committed sequence at or above upper. With
// block set it sleep-yields until upper is committed; otherwise it reports
// not-ready. The returned sequence is contiguous: every sequence in
// [upper, highest] has been committed, so the caller may batch.
func (rb *RingBuffer[T]) WaitFor(upper uint64, block bool) (uint64, bool) {
	for rb.avail[upper&rb.mask].Load() != upper {
		if !block {
			return 0, false
		}
		runtime.Gosched()
	}

	highest := upper
	for {
		next := highest + 1
		if rb.avail[next&rb.mask].Load() != next {
			break
		}
		highest = next
	}
	return highest, true
}

// ReleaseEntry marks the handle's consumer position as advanced through seq.
// Publishers may then reuse slots up to seq once all consumers have done the
// same.
func (rb *RingBuffer[T]) ReleaseEntry(handle ConsumerHandle, seq uint64) {
	rb.barriers[handle.index].released.Store(seq)
}
