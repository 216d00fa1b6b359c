package session

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// TestInstance_TearsDownOnPeerClose runs one duplex instance over a real
// TCP connection and checks that peer disconnect ends Run.
func TestInstance_TearsDownOnPeerClose(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	remoteCh := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			t.Error(err)
			return
		}
		remoteCh <- conn
	}()

	local, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	remote := <-remoteCh

	inst := NewInstance('\x01', filepath.Join(t.TempDir(), "session.db"), "FIX.4.2",
		local, local, zaptest.NewLogger(t))

	done := make(chan error, 1)
	go func() { done <- inst.Run(context.Background()) }()

	// Let the instance come up, then drop the connection.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, remote.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("instance did not tear down on peer close")
	}
}

// TestInstance_StopsOnContextCancel covers the scheduled-end path.
func TestInstance_StopsOnContextCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err == nil {
			defer conn.Close()
			// Hold the remote open until the test ends.
			buf := make([]byte, 1024)
			for {
				if _, err := conn.Read(buf); err != nil {
					return
				}
			}
		}
	}()

	local, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	inst := NewInstance('\x01', filepath.Join(t.TempDir(), "session.db"), "FIX.4.2",
		local, local, zaptest.NewLogger(t))

	done := make(chan error, 1)
	go func() { done <- inst.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("instance did not stop on context cancel")
	}
}
