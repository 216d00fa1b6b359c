package pusher

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/rishav/fix-gateway/internal/fixmsg"
)

// testSink is a concurrency-safe in-memory sink.
type testSink struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *testSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *testSink) snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.buf.Bytes()...)
}

// waitContains polls until the sink contains want or the deadline passes.
func (s *testSink) waitContains(t *testing.T, want []byte) []byte {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got := s.snapshot()
		if bytes.Contains(got, want) {
			return got
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("sink never contained %q; have %q", want, s.snapshot())
	return nil
}

func newStartedPusher(t *testing.T, sep byte, version string) (*Pusher, *testSink) {
	t.Helper()
	sink := &testSink{}
	p := New(sep, zaptest.NewLogger(t))
	require.NoError(t, p.Start(filepath.Join(t.TempDir(), "sent.db"), version, sink))
	t.Cleanup(func() {
		_ = p.Stop()
		p.Shutdown()
	})
	return p, sink
}

func TestPusher_EmitsReferenceFrame(t *testing.T) {
	p, sink := newStartedPusher(t, fixmsg.SOH, "FIX.4.1")

	// Two pushes; the second must produce the reference frame
	// 8=FIX.4.1|9=49|35=0|34=2|49=BANZAI|52=20121105-23:24:37|56=EXEC|10=228|
	partial1 := []byte("\x0149=EXEC\x0152=20121105-23:24:37\x0156=BANZAI\x0110=")
	partial2 := []byte("\x0149=BANZAI\x0152=20121105-23:24:37\x0156=EXEC\x0110=")
	require.NoError(t, p.Push(time.Minute, partial1, "0"))
	require.NoError(t, p.Push(time.Minute, partial2, "0"))

	want := []byte("8=FIX.4.1\x019=49\x0135=0\x0134=2\x0149=BANZAI\x0152=20121105-23:24:37\x0156=EXEC\x0110=228\x01")
	got := sink.waitContains(t, want)

	// Both frames verify and sit back to back.
	frames := splitFrames(got, fixmsg.SOH)
	require.Len(t, frames, 2)
	for _, f := range frames {
		assert.True(t, fixmsg.VerifyChecksum(f), "frame %q", f)
	}
	assert.True(t, bytes.Contains(frames[0], []byte("\x0134=1\x01")))
	assert.Equal(t, want, frames[1])
}

func TestPusher_OversizeRoutesToBravo(t *testing.T) {
	p, sink := newStartedPusher(t, fixmsg.SOH, "FIX.4.2")

	// A 10 KiB body bypasses the 4 KiB fast slots but must still frame
	// and checksum correctly.
	payload := strings.Repeat("X", 10*1024)
	partial := []byte(fmt.Sprintf("\x01start\x0158=%s\x01end\x0110=", payload))
	require.Greater(t, len(partial), alfaMaxData)

	require.NoError(t, p.Push(time.Minute, partial, "B"))

	got := sink.waitContains(t, []byte(payload))
	frames := splitFrames(got, fixmsg.SOH)
	require.Len(t, frames, 1)
	assert.True(t, fixmsg.VerifyChecksum(frames[0]))
	assert.True(t, bytes.HasPrefix(frames[0], []byte("8=FIX.4.2\x019=")))
	assert.True(t, bytes.Contains(frames[0], []byte("\x0135=B\x0134=1\x01")))
	// The partial survives byte-identical inside the frame.
	assert.True(t, bytes.Contains(frames[0], partial))
}

func TestPusher_SequenceNumbersAreMonotonic(t *testing.T) {
	p, sink := newStartedPusher(t, fixmsg.SOH, "FIX.4.2")

	const total = 50
	for i := 0; i < total; i++ {
		require.NoError(t, p.Push(time.Minute, []byte(fmt.Sprintf("\x0158=m%03d\x0110=", i)), "D"))
	}

	got := sink.waitContains(t, []byte("m049"))
	frames := splitFrames(got, fixmsg.SOH)
	require.Len(t, frames, total)
	for i, f := range frames {
		assert.True(t, bytes.Contains(f, []byte(fmt.Sprintf("\x0134=%d\x01", i+1))), "frame %d", i)
		assert.True(t, bytes.Contains(f, []byte(fmt.Sprintf("m%03d", i))), "payload order preserved")
	}
}

func TestPusher_MsgTypeTooLong(t *testing.T) {
	p, _ := newStartedPusher(t, fixmsg.SOH, "FIX.4.2")
	assert.ErrorIs(t, p.Push(time.Minute, []byte("\x0110="), "0123456789ABCDEF"), ErrMsgTypeTooLong)
	assert.ErrorIs(t, p.SessionPush(time.Minute, []byte("\x0110="), "0123456789ABCDEF"), ErrMsgTypeTooLong)
}

func TestPusher_OversizeSessionMessage(t *testing.T) {
	p, _ := newStartedPusher(t, fixmsg.SOH, "FIX.4.2")
	big := append([]byte("\x0158="), bytes.Repeat([]byte("y"), charlieMaxData)...)
	big = append(big, "\x0110="...)
	assert.ErrorIs(t, p.SessionPush(time.Minute, big, "0"), ErrOversizeSessionMessage)
}

func TestPusher_SessionPushEmits(t *testing.T) {
	p, sink := newStartedPusher(t, fixmsg.SOH, "FIX.4.2")
	require.NoError(t, p.SessionPush(time.Minute, []byte("\x01112=ping\x0110="), "1"))

	got := sink.waitContains(t, []byte("112=ping"))
	frames := splitFrames(got, fixmsg.SOH)
	require.Len(t, frames, 1)
	assert.True(t, fixmsg.VerifyChecksum(frames[0]))
	assert.True(t, bytes.Contains(frames[0], []byte("\x0135=1\x01")))
}

func TestPusher_StartRejectsSettingsWhileStarted(t *testing.T) {
	p, _ := newStartedPusher(t, fixmsg.SOH, "FIX.4.2")

	assert.ErrorIs(t, p.Start("", "FIX.4.4", nil), ErrSettingsWhileStarted)
	assert.ErrorIs(t, p.Start("other.db", "", nil), ErrSettingsWhileStarted)
	assert.NoError(t, p.Start("", "", nil), "all-zero Start on a started pusher is a no-op")
}

func TestPusher_StopStartCycle(t *testing.T) {
	p, sink := newStartedPusher(t, fixmsg.SOH, "FIX.4.2")

	require.NoError(t, p.Push(time.Minute, []byte("\x0158=one\x0110="), "D"))
	sink.waitContains(t, []byte("58=one"))

	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop(), "stop is idempotent")
	require.NoError(t, p.Start("", "", nil))

	require.NoError(t, p.Push(time.Minute, []byte("\x0158=two\x0110="), "D"))
	got := sink.waitContains(t, []byte("58=two"))
	assert.True(t, bytes.Contains(got, []byte("\x0134=2\x01")), "sequence resumes after restart")
}

func TestPusher_SequenceResumesFromJournal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sent.db")
	sink := &testSink{}
	log := zaptest.NewLogger(t)

	p := New(fixmsg.SOH, log)
	require.NoError(t, p.Start(path, "FIX.4.2", sink))
	require.NoError(t, p.Push(time.Minute, []byte("\x0158=a\x0110="), "D"))
	require.NoError(t, p.Push(time.Minute, []byte("\x0158=b\x0110="), "D"))
	sink.waitContains(t, []byte("58=b"))
	require.NoError(t, p.Stop())
	p.Shutdown()

	p2 := New(fixmsg.SOH, log)
	require.NoError(t, p2.Start(path, "FIX.4.2", sink))
	defer func() {
		_ = p2.Stop()
		p2.Shutdown()
	}()
	require.NoError(t, p2.Push(time.Minute, []byte("\x0158=c\x0110="), "D"))
	got := sink.waitContains(t, []byte("58=c"))
	assert.True(t, bytes.Contains(got, []byte("\x0134=3\x01")), "outgoing counter initializes from the journal")
}

func TestPusher_ResendRewritesAndGapFills(t *testing.T) {
	p, sink := newStartedPusher(t, fixmsg.SOH, "FIX.4.2")

	// Seq 1 live, seq 2 already expired, seq 3 live.
	require.NoError(t, p.Push(time.Hour, []byte("\x0152=20240101-00:00:00.000\x0158=a\x0110="), "D"))
	require.NoError(t, p.Push(-time.Second, []byte("\x0158=b\x0110="), "D"))
	require.NoError(t, p.Push(time.Hour, []byte("\x0158=c\x0110="), "D"))
	sink.waitContains(t, []byte("58=c"))
	before := len(splitFrames(sink.snapshot(), fixmsg.SOH))

	require.NoError(t, p.Resend(1, 3))

	deadline := time.Now().Add(5 * time.Second)
	var frames [][]byte
	for time.Now().Before(deadline) {
		frames = splitFrames(sink.snapshot(), fixmsg.SOH)
		if len(frames) >= before+3 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	require.Len(t, frames, before+3)

	resent := frames[before:]
	for _, f := range resent {
		assert.True(t, fixmsg.VerifyChecksum(f))
	}

	// Seq 1: PossDupFlag inserted, SendingTime rewritten, original kept.
	assert.True(t, bytes.Contains(resent[0], []byte("\x0134=1\x0143=Y\x01")))
	assert.True(t, bytes.Contains(resent[0], []byte("\x01122=20240101-00:00:00.000\x01")))
	assert.False(t, bytes.Contains(resent[0], []byte("\x0152=20240101-00:00:00.000\x01")),
		"SendingTime must be refreshed")

	// Seq 2 expired: replaced by a SequenceReset-GapFill pointing at 3.
	assert.True(t, bytes.Contains(resent[1], []byte("\x0135=4\x0134=2\x01")))
	assert.True(t, bytes.Contains(resent[1], []byte("\x01123=Y\x01")))
	assert.True(t, bytes.Contains(resent[1], []byte("\x0136=3\x01")))

	// Seq 3 live again.
	assert.True(t, bytes.Contains(resent[2], []byte("\x0134=3\x0143=Y\x01")))
	assert.True(t, bytes.Contains(resent[2], []byte("58=c")))
}

func TestPusher_ShutdownLeaksNothing(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sink := &testSink{}
	p := New(fixmsg.SOH, zaptest.NewLogger(t))
	require.NoError(t, p.Start(filepath.Join(t.TempDir(), "sent.db"), "FIX.4.2", sink))
	require.NoError(t, p.Push(time.Minute, []byte("\x0158=z\x0110="), "D"))
	sink.waitContains(t, []byte("58=z"))
	require.NoError(t, p.Stop())
	p.Shutdown()
}

// splitFrames cuts a byte stream of complete frames on the "8=" boundary
// that follows each trailing checksum separator.
func splitFrames(stream []byte, sep byte) [][]byte {
	var frames [][]byte
	for len(stream) > 0 {
		// Locate the end of the checksum field: "<sep>10=NNN<sep>".
		idx := -1
		for i := 0; i+8 <= len(stream); i++ {
			if stream[i] == sep && stream[i+1] == '1' && stream[i+2] == '0' && stream[i+3] == '=' && stream[i+7] == sep {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		frames = append(frames, stream[:idx+8])
		stream = stream[idx+8:]
	}
	return frames
}
