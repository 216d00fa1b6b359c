package session

import (
	"context"
	"net"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/rishav/fix-gateway/internal/popper"
	"github.com/rishav/fix-gateway/internal/pusher"
)

// Instance is one live FIX connection: a Pusher and a Popper bound to the
// same journal path and field separator, started and stopped together. When
// Run returns (connection closed, context cancelled or scheduled end), the
// instance is torn down and its sockets closed.
type Instance struct {
	id          string
	sep         byte
	journalPath string
	beginString string
	log         *zap.Logger

	source net.Conn // the popper reads from this
	sink   net.Conn // the pusher writes to this
}

// NewInstance wires an instance onto a source/sink socket pair. For duplex
// sessions both are the same connection; Go connections carry independent
// read and write paths, so no descriptor duplication is needed.
func NewInstance(sep byte, journalPath, beginString string, source, sink net.Conn, log *zap.Logger) *Instance {
	id := uuid.NewString()
	return &Instance{
		id:          id,
		sep:         sep,
		journalPath: journalPath,
		beginString: beginString,
		log:         log.With(zap.String("instance", id)),
		source:      source,
		sink:        sink,
	}
}

// Run starts the pusher/popper pair and blocks until the connection dies or
// ctx expires, then tears everything down.
func (i *Instance) Run(ctx context.Context) error {
	i.log.Info("FIX session instance starting",
		zap.String("remote", i.source.RemoteAddr().String()))

	push := pusher.New(i.sep, i.log)
	pop := popper.New(i.sep, i.log)

	defer func() {
		_ = i.source.Close()
		if i.sink != i.source {
			_ = i.sink.Close()
		}
	}()

	if err := push.Start(i.journalPath, i.beginString, i.sink); err != nil {
		push.Shutdown()
		pop.Shutdown()
		return err
	}
	if err := pop.Start(i.journalPath, i.beginString, push, i.source); err != nil {
		_ = push.Stop()
		push.Shutdown()
		pop.Shutdown()
		return err
	}

	select {
	case <-ctx.Done():
	case <-pop.ReaderDone():
		// Peer disconnect or source error; the session is dead.
	}

	err := multierr.Combine(pop.Stop(), push.Stop())
	pop.Shutdown()
	push.Shutdown()

	err = multierr.Combine(err, pop.Err(), push.Err())
	i.log.Info("FIX session instance finished", zap.Error(err))
	return err
}
