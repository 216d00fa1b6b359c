package session

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rishav/fix-gateway/internal/fixmsg"
	"github.com/rishav/fix-gateway/internal/popper"
	"github.com/rishav/fix-gateway/internal/pusher"
)

// TestRoundTrip pushes partial messages through a pusher whose sink feeds a
// popper's source, and checks the round-trip laws: each popped frame parses
// back to the byte-identical partial with the pushed MsgType, in push
// order.
func TestRoundTrip(t *testing.T) {
	log := zaptest.NewLogger(t)
	dir := t.TempDir()

	sinkEnd, sourceEnd := net.Pipe()

	push := pusher.New(fixmsg.SOH, log)
	require.NoError(t, push.Start(filepath.Join(dir, "sent.db"), "FIX.4.2", sinkEnd))

	// The popper's own responses drain into the void; this session only
	// flows one way.
	respond := pusher.New(fixmsg.SOH, log)
	require.NoError(t, respond.Start(filepath.Join(dir, "respond.db"), "FIX.4.2", io.Discard))

	pop := popper.New(fixmsg.SOH, log)
	require.NoError(t, pop.Start(filepath.Join(dir, "recv.db"), "FIX.4.2", respond, sourceEnd))

	defer func() {
		_ = sinkEnd.Close()
		_ = sourceEnd.Close()
		_ = pop.Stop()
		_ = respond.Stop()
		_ = push.Stop()
		pop.Shutdown()
		respond.Shutdown()
		push.Shutdown()
	}()

	const total = 20
	partials := make([][]byte, total)
	for i := range partials {
		partials[i] = []byte(fmt.Sprintf("\x0149=EXEC\x0156=BANZAI\x0158=payload-%04d\x0110=", i))
		require.NoError(t, push.Push(time.Minute, partials[i], "8"))
	}

	for i := 0; i < total; i++ {
		done := make(chan popper.RawMessage, 1)
		go func() {
			msg, _ := pop.Pop()
			done <- msg
		}()

		var msg popper.RawMessage
		select {
		case msg = <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("pop %d timed out", i)
		}

		require.True(t, fixmsg.VerifyChecksum(msg.Data))
		assert.Equal(t, byte('8'), msg.Data[msg.MsgTypeOffset], "MsgType survives the trip")
		assert.Equal(t, partials[i], extractPartial(t, msg.Data),
			"partial %d survives byte-identical and in order", i)
	}
}

// extractPartial cuts the caller-supplied partial back out of a complete
// frame: everything after the MsgSeqNum digits, without the checksum digits
// and final separator.
func extractPartial(t *testing.T, frame []byte) []byte {
	t.Helper()
	marker := []byte{fixmsg.SOH, '3', '4', '='}
	idx := bytes.Index(frame, marker)
	require.GreaterOrEqual(t, idx, 0)

	pos := idx + len(marker)
	for frame[pos] >= '0' && frame[pos] <= '9' {
		pos++
	}
	return frame[pos : len(frame)-4]
}
