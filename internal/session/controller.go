// Package session schedules and wires FIX session instances: endpoint
// bring-up (connect or listen), duplex vs. simplex socket wiring, warm-up
// and scheduled-end handling.
package session

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/rishav/fix-gateway/internal/config"
	"github.com/rishav/fix-gateway/internal/fixmsg"
)

const (
	connectRetryDelay = 60 * time.Second
	connectTimeout    = 10 * time.Second
	acceptPollPeriod  = time.Second
)

// Controller drives one configured session through its scheduled windows.
type Controller struct {
	cfg         *config.Session
	journalPath string
	sep         byte
	log         *zap.Logger
}

// New creates a controller. The journal path is shared by the pusher and
// popper of every instance the controller spawns.
func New(cfg *config.Session, journalPath string, log *zap.Logger) *Controller {
	return &Controller{
		cfg:         cfg,
		journalPath: journalPath,
		sep:         fixmsg.SOH,
		log:         log,
	}
}

// Run sleeps until warm-up start when outside the active window, brings up
// the configured endpoints for the window, and tears down at scheduled end.
func (c *Controller) Run(ctx context.Context) error {
	w, ok := c.nextWindow(time.Now())
	if !ok {
		return errors.New("session: no scheduled days")
	}

	if err := sleepUntil(ctx, c.warmUpStart(w)); err != nil {
		return err
	}

	// Bound all instance work by the scheduled end.
	wctx, cancel := context.WithDeadline(ctx, w.end)
	defer cancel()

	var err error
	switch {
	case c.cfg.IsDuplex && c.cfg.InGoing.Kind == config.ListenOnThis:
		err = c.acceptDuplexConnections(wctx, w)
	case c.cfg.IsDuplex:
		err = c.runDuplexConnect(wctx)
	default:
		err = c.runSimplex(wctx, w)
	}
	if err != nil && wctx.Err() == nil {
		return err
	}

	return sleepUntil(ctx, w.end)
}

// acceptDuplexConnections accepts in a loop for the remainder of the
// window, running one session instance per accepted connection. The
// connection serves both directions.
func (c *Controller) acceptDuplexConnections(ctx context.Context, w window) error {
	ln, err := net.Listen(c.cfg.InGoing.Network(), c.cfg.InGoing.HostPort())
	if err != nil {
		return errors.Wrap(err, "session: listen")
	}
	defer ln.Close()
	c.log.Info("listening for duplex FIX connections", zap.String("addr", ln.Addr().String()))

	tcpLn := ln.(*net.TCPListener)
	for {
		if ctx.Err() != nil || !c.activeOrWarmingUp(w, time.Now()) {
			return nil
		}

		_ = tcpLn.SetDeadline(time.Now().Add(acceptPollPeriod))
		conn, err := tcpLn.Accept()
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				continue
			}
			return errors.Wrap(err, "session: accept")
		}

		inst := NewInstance(c.sep, c.journalPath, c.cfg.BeginString(), conn, conn, c.log)
		if err := inst.Run(ctx); err != nil {
			c.log.Error("session instance failed", zap.Error(err))
		}
	}
}

// runDuplexConnect dials the remote endpoint, retrying on a fixed back-off,
// and runs one instance over the established connection.
func (c *Controller) runDuplexConnect(ctx context.Context) error {
	conn, err := c.dial(ctx, c.cfg.InGoing)
	if err != nil {
		return err
	}
	return NewInstance(c.sep, c.journalPath, c.cfg.BeginString(), conn, conn, c.log).Run(ctx)
}

// runSimplex brings up the in-going and out-going endpoints independently
// and wires the two sockets into one instance.
func (c *Controller) runSimplex(ctx context.Context, w window) error {
	source, err := c.bringUp(ctx, c.cfg.InGoing, w)
	if err != nil {
		return err
	}
	sink, err := c.bringUp(ctx, c.cfg.OutGoing, w)
	if err != nil {
		_ = source.Close()
		return err
	}
	return NewInstance(c.sep, c.journalPath, c.cfg.BeginString(), source, sink, c.log).Run(ctx)
}

// bringUp establishes one simplex endpoint: listen-accept-once or connect.
func (c *Controller) bringUp(ctx context.Context, ep config.Endpoint, w window) (net.Conn, error) {
	if ep.Kind == config.ConnectToThis {
		return c.dial(ctx, ep)
	}

	ln, err := net.Listen(ep.Network(), ep.HostPort())
	if err != nil {
		return nil, errors.Wrap(err, "session: listen")
	}
	defer ln.Close()

	tcpLn := ln.(*net.TCPListener)
	for {
		if ctx.Err() != nil || !c.activeOrWarmingUp(w, time.Now()) {
			return nil, errors.New("session: window ended before connection")
		}
		_ = tcpLn.SetDeadline(time.Now().Add(acceptPollPeriod))
		conn, err := tcpLn.Accept()
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				continue
			}
			return nil, errors.Wrap(err, "session: accept")
		}
		return conn, nil
	}
}

// dial connects with a fixed retry back-off until the context expires.
func (c *Controller) dial(ctx context.Context, ep config.Endpoint) (net.Conn, error) {
	dialer := net.Dialer{Timeout: connectTimeout}
	for {
		conn, err := dialer.DialContext(ctx, ep.Network(), ep.HostPort())
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		c.log.Error("could not connect, retrying",
			zap.String("addr", ep.HostPort()),
			zap.Duration("delay", connectRetryDelay),
			zap.Error(err))

		timer := time.NewTimer(connectRetryDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}
