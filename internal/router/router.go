// Package router runs the connection machinery: a reader and a writer per
// live connection plus a shared worker pool draining a bounded queue.
// Frames from one connection are dispatched in arrival order and their
// responses leave in that same order; distinct connections are not ordered
// against each other.
package router

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"safechat/server/internal/directory"
	"safechat/server/internal/handlers"
	"safechat/server/internal/protocol"
)

// Defaults for Config zero values.
const (
	DefaultWorkers      = 8
	DefaultQueueSize    = 10000
	DefaultMaxMalformed = 5
)

// enqueueBackoff is how long a reader parks when the work queue is full
// before retrying.
const enqueueBackoff = 5 * time.Millisecond

// Config tunes the router. Zero values fall back to the defaults.
type Config struct {
	Workers      int    // worker goroutines draining the queue
	QueueSize    int    // bounded work queue depth
	MaxMalformed int    // consecutive bad frames before policy_violation
	Version      string // advertised in the welcome frame
}

// Stats is a snapshot of the router's cumulative counters.
type Stats struct {
	FramesIn   uint64 `json:"frames_in"`
	FramesOut  uint64 `json:"frames_out"`
	FanOuts    uint64 `json:"fan_outs"`
	Drops      uint64 `json:"drops"`
	Errors     uint64 `json:"errors"`
	QueueDepth int    `json:"queue_depth"`
}

// Router owns the worker pool and serves connections over any Transport.
type Router struct {
	dir *directory.Directory
	reg *handlers.Registry
	cfg Config

	queue chan *session
	wg    sync.WaitGroup

	framesIn  atomic.Uint64
	framesOut atomic.Uint64
	fanOuts   atomic.Uint64
	drops     atomic.Uint64
	errors    atomic.Uint64
}

// New builds a router over the directory and handler registry.
func New(dir *directory.Directory, reg *handlers.Registry, cfg Config) *Router {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.MaxMalformed <= 0 {
		cfg.MaxMalformed = DefaultMaxMalformed
	}
	return &Router{
		dir:   dir,
		reg:   reg,
		cfg:   cfg,
		queue: make(chan *session, cfg.QueueSize),
	}
}

// Start launches the worker pool. Workers exit when ctx is cancelled; Wait
// joins them.
func (r *Router) Start(ctx context.Context) {
	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.workerLoop(ctx)
		}()
	}
	slog.Info("router started", "workers", r.cfg.Workers, "queue", r.cfg.QueueSize)
}

// Wait blocks until every worker has returned.
func (r *Router) Wait() { r.wg.Wait() }

// Shutdown says goodbye to every live connection and closes them after
// grace. The caller stops intake (cancels the serve context) around this.
func (r *Router) Shutdown(grace time.Duration) {
	n := r.dir.Broadcast(protocol.NewSystemNotification("server shutting down"))
	if n > 0 && grace > 0 {
		time.Sleep(grace)
	}
	closed := r.dir.CloseAll()
	slog.Info("router shut down", "notified", n, "closed", closed)
}

// session is one connection's place in the work queue. The pending list
// keeps arrival order; queued holds the session in the queue at most once,
// so a single worker owns it at any time and dispatch stays FIFO per
// connection.
type session struct {
	conn *directory.Conn

	mu      sync.Mutex
	pending []*protocol.Envelope
	queued  bool
}

// enqueue appends env to the session and schedules it when not already
// scheduled.
func (r *Router) enqueue(ctx context.Context, s *session, env *protocol.Envelope) {
	s.mu.Lock()
	s.pending = append(s.pending, env)
	schedule := !s.queued
	if schedule {
		s.queued = true
	}
	s.mu.Unlock()
	if schedule {
		r.push(ctx, s)
	}
}

// push places s on the work queue, parking briefly while it is full. Each
// session occupies at most one slot, so with a queue at least as deep as
// the connection cap this never parks.
func (r *Router) push(ctx context.Context, s *session) {
	for {
		select {
		case r.queue <- s:
			return
		case <-ctx.Done():
			return
		default:
		}
		select {
		case r.queue <- s:
			return
		case <-ctx.Done():
			return
		case <-time.After(enqueueBackoff):
		}
	}
}

func (r *Router) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-r.queue:
			r.serveNext(ctx, s)
		}
	}
}

// serveNext takes one pending envelope from s, processes it, and reschedules
// the session when more arrived meanwhile. One envelope per turn keeps a
// busy connection from starving the rest.
func (r *Router) serveNext(ctx context.Context, s *session) {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.queued = false
		s.mu.Unlock()
		return
	}
	env := s.pending[0]
	s.pending = s.pending[1:]
	s.mu.Unlock()

	r.process(s.conn, env)

	s.mu.Lock()
	more := len(s.pending) > 0
	if !more {
		s.queued = false
	}
	s.mu.Unlock()
	if more {
		r.push(ctx, s)
	}
}

// process runs the handler and routes its output: the response to the
// source connection, fan-out deliveries to every live session of each
// recipient.
func (r *Router) process(c *directory.Conn, env *protocol.Envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			r.errors.Add(1)
			slog.Error("handler panic",
				"type", env.Type, "conn_id", c.ID, "panic", rec, "stack", string(debug.Stack()))
			resp := protocol.NewResponse(env.Type, false, "server error")
			resp.Code = protocol.CodeInternal
			r.dir.SendToConn(c, resp)
		}
	}()

	res := r.reg.Dispatch(c, env)
	if res.Response != nil {
		if !r.dir.SendToConn(c, res.Response) {
			r.drops.Add(1)
		}
	}
	for _, d := range res.FanOut {
		r.fanOuts.Add(uint64(r.dir.SendToUser(d.UserID, d.Env)))
	}
}

// Stats returns the cumulative counters plus the current queue depth.
func (r *Router) Stats() Stats {
	return Stats{
		FramesIn:   r.framesIn.Load(),
		FramesOut:  r.framesOut.Load(),
		FanOuts:    r.fanOuts.Load(),
		Drops:      r.drops.Load(),
		Errors:     r.errors.Load(),
		QueueDepth: len(r.queue),
	}
}
