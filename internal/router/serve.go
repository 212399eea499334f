package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"safechat/server/internal/directory"
	"safechat/server/internal/protocol"
)

// Transport is one framed bidirectional connection. ReadEnvelope blocks for
// the next frame; a decode failure on an intact frame comes back wrapped in
// *FrameError so the router can answer it without closing, while any bare
// error means the transport is done. WriteEnvelope applies its own write
// deadline. Close must be safe to call more than once and must unblock a
// pending read.
type Transport interface {
	ReadEnvelope() (*protocol.Envelope, error)
	WriteEnvelope(*protocol.Envelope) error
	Close() error
}

// FrameError marks a frame that arrived intact but could not be decoded.
type FrameError struct {
	Err error
}

func (e *FrameError) Error() string { return fmt.Sprintf("bad frame: %v", e.Err) }
func (e *FrameError) Unwrap() error { return e.Err }

// ServeConn runs one connection to completion: admission, welcome frame,
// reader loop feeding the worker queue, writer draining the send queue. It
// returns once the transport is dead and the connection released.
func (r *Router) ServeConn(ctx context.Context, t Transport, remoteIP string, remotePort int) {
	c := directory.NewConn(remoteIP, directory.DefaultSendBuffer)
	c.RemotePort = remotePort

	if err := r.dir.Register(c); err != nil {
		r.errors.Add(1)
		slog.Warn("connection rejected", "remote", remoteIP, "err", err)
		_ = t.WriteEnvelope(admissionError(err))
		_ = t.Close()
		return
	}
	slog.Debug("connection accepted", "conn_id", c.ID, "remote", remoteIP, "port", remotePort)

	// The writer owns every transport write from here on.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		r.writerLoop(c, t)
	}()

	// Wake the blocked reader when the supervisor shuts down.
	stop := context.AfterFunc(ctx, func() { _ = t.Close() })
	defer stop()

	// First frame out, queued before any client frame is read.
	r.dir.SendToConn(c, protocol.NewWelcome(r.cfg.Version, c.ID))

	r.readLoop(ctx, c, t)

	username := c.Username()
	r.reg.Disconnect(c)
	<-writerDone
	_ = t.Close()
	slog.Debug("connection closed", "conn_id", c.ID, "user", username)
}

// readLoop pumps frames into the work queue until the transport fails or a
// protocol-fatal error ends the connection. Recoverable decode failures
// are answered with an error envelope and counted; the connection closes
// with policy_violation once the consecutive count crosses the limit.
func (r *Router) readLoop(ctx context.Context, c *directory.Conn, t Transport) {
	sess := &session{conn: c}
	malformed := 0

	for {
		if c.State() >= directory.StateClosing {
			return
		}
		env, err := t.ReadEnvelope()
		if err != nil {
			var fe *FrameError
			if !errors.As(err, &fe) {
				if errors.Is(err, protocol.ErrPayloadTooLarge) {
					// Oversize is fatal on every transport: tell the client
					// why, then close.
					r.errors.Add(1)
					r.dir.SendToConn(c, protocol.NewError(
						protocol.CodePayloadTooLarge, "payload exceeds the frame limit"))
					return
				}
				if ctx.Err() == nil && c.State() < directory.StateClosing {
					slog.Debug("read failed", "conn_id", c.ID, "err", err)
				}
				return
			}

			r.errors.Add(1)
			if errors.Is(fe.Err, protocol.ErrPayloadTooLarge) {
				r.dir.SendToConn(c, protocol.NewError(
					protocol.CodePayloadTooLarge, "payload exceeds the frame limit"))
				return
			}
			malformed++
			r.dir.SendToConn(c, protocol.NewError(protocol.CodeMalformed, "cannot decode frame"))
			if malformed >= r.cfg.MaxMalformed {
				slog.Warn("closing connection after repeated malformed frames",
					"conn_id", c.ID, "remote", c.RemoteIP, "count", malformed)
				r.dir.SendToConn(c, protocol.NewError(
					protocol.CodePolicyViolation, "too many malformed frames"))
				return
			}
			continue
		}

		if err := env.Validate(); err != nil {
			r.errors.Add(1)
			malformed++
			code := protocol.CodeMalformed
			if errors.Is(err, protocol.ErrUnknownType) {
				code = protocol.CodeUnknownType
			}
			r.dir.SendToConn(c, protocol.NewError(code, err.Error()))
			if malformed >= r.cfg.MaxMalformed {
				slog.Warn("closing connection after repeated malformed frames",
					"conn_id", c.ID, "remote", c.RemoteIP, "count", malformed)
				r.dir.SendToConn(c, protocol.NewError(
					protocol.CodePolicyViolation, "too many malformed frames"))
				return
			}
			continue
		}

		malformed = 0
		c.Touch()
		r.framesIn.Add(1)
		r.enqueue(ctx, sess, env)
	}
}

// writerLoop drains the send queue onto the transport in FIFO order. On a
// write failure it drops the connection and discards what is left. Closing
// the transport on the way out wakes the reader after a Drop from anywhere
// else (slow-consumer policy, CloseAll).
func (r *Router) writerLoop(c *directory.Conn, t Transport) {
	defer func() { _ = t.Close() }()
	for env := range c.Send {
		if err := t.WriteEnvelope(env); err != nil {
			if c.State() < directory.StateClosing {
				slog.Debug("write failed", "conn_id", c.ID, "err", err)
			}
			r.dir.Drop(c)
			for range c.Send {
			}
			return
		}
		r.framesOut.Add(1)
	}
}

// admissionError maps a directory admission failure to its wire error.
func admissionError(err error) *protocol.Envelope {
	switch {
	case errors.Is(err, directory.ErrServerBusy):
		return protocol.NewError(protocol.CodeServerBusy, "server is at capacity")
	case errors.Is(err, directory.ErrIPLimit):
		return protocol.NewError(protocol.CodeIPLimit, "too many connections from this address")
	default:
		return protocol.NewError(protocol.CodeInternal, "cannot accept connection")
	}
}
