package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"safechat/server/internal/auth"
	"safechat/server/internal/blob"
	"safechat/server/internal/directory"
	"safechat/server/internal/handlers"
	"safechat/server/internal/httpapi"
	"safechat/server/internal/protocol"
	"safechat/server/internal/router"
	"safechat/server/internal/store"
)

// Config is everything main resolves from flags and the environment.
type Config struct {
	APIAddr          string
	Host             string
	WTPort           int
	ServerName       string
	Workers          int
	MaxConns         int
	MaxPerIP         int
	MaxPerUser       int
	Compress         bool
	Secret           []byte
	SessionTTL       time.Duration
	HeartbeatTimeout time.Duration
	CleanupInterval  time.Duration
	MetricsInterval  time.Duration
	ShutdownGrace    time.Duration
}

// Server wires the subsystems together and runs them until its context ends.
type Server struct {
	cfg   Config
	st    *store.Store
	blobs *blob.Store
	dir   *directory.Directory
	auth  *auth.Manager
	rt    *router.Router
	codec *protocol.Codec
}

// NewServer builds the full stack on an opened store and blob store.
func NewServer(cfg Config, st *store.Store, blobs *blob.Store) *Server {
	dir := directory.New(cfg.MaxConns, cfg.MaxPerIP, cfg.MaxPerUser)
	am := auth.New(st, cfg.Secret, cfg.SessionTTL)
	reg := handlers.New(st, am, dir, blobs)
	rt := router.New(dir, reg, router.Config{Workers: cfg.Workers, Version: Version})
	return &Server{
		cfg:   cfg,
		st:    st,
		blobs: blobs,
		dir:   dir,
		auth:  am,
		rt:    rt,
		codec: protocol.NewCodec(cfg.Compress),
	}
}

// Run starts every subsystem and blocks until ctx is canceled or a listener
// fails. On cancellation, connected clients get a shutdown notice and the
// grace period before their connections close.
func (s *Server) Run(ctx context.Context) error {
	// Presence is reconstructed from live connections, so flags left over
	// from a previous process are stale.
	if n, err := s.st.ResetOnlineFlags(); err != nil {
		slog.Warn("reset online flags", "err", err)
	} else if n > 0 {
		slog.Info("cleared stale online flags", "users", n)
	}
	if s.cfg.ServerName != "" {
		if err := s.st.SetSetting("server_name", s.cfg.ServerName); err != nil {
			slog.Warn("persist server name", "err", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.rt.Start(runCtx)
	go s.runCleanup(runCtx)
	go RunMetrics(runCtx, s.rt, s.dir, s.cfg.MetricsInterval)

	api := httpapi.New(runCtx, s.rt, s.dir, s.st, s.auth, s.blobs, s.codec)

	errCh := make(chan error, 2)
	go func() { errCh <- api.Run(runCtx, s.cfg.APIAddr) }()
	slog.Info("api listening", "addr", s.cfg.APIAddr)

	if s.cfg.WTPort > 0 {
		tlsConf, fingerprint, err := generateTLSConfig(wtCertValidity, s.cfg.Host)
		if err != nil {
			cancel()
			s.rt.Wait()
			return fmt.Errorf("webtransport tls: %w", err)
		}
		slog.Info("webtransport certificate", "sha256", fingerprint)

		wtAddr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.WTPort))
		ss := NewStreamServer(s.rt, s.codec)
		go func() { errCh <- ss.Run(runCtx, wtAddr, tlsConf) }()
	}

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down", "grace", s.cfg.ShutdownGrace)
		s.rt.Shutdown(s.cfg.ShutdownGrace)
	case runErr = <-errCh:
		if runErr != nil {
			slog.Error("listener failed", "err", runErr)
		}
	}

	cancel()
	s.rt.Wait()
	return runErr
}

// runCleanup periodically prunes idle connections, reaps expired sessions,
// and re-syncs online flags that drifted from the live directory.
func (s *Server) runCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dropped := s.dir.Prune(s.cfg.HeartbeatTimeout)

			cutoff := time.Now().Add(-s.cfg.SessionTTL).UnixMilli()
			purged, err := s.st.PurgeSessions(cutoff)
			if err != nil {
				slog.Warn("purge sessions", "err", err)
			}

			swept := s.sweepOnlineFlags()

			if dropped > 0 || purged > 0 || swept > 0 {
				slog.Info("cleanup pass",
					"conns_dropped", dropped,
					"sessions_purged", purged,
					"flags_swept", swept)
			}
		}
	}
}

// sweepOnlineFlags marks accounts offline whose is_online flag outlived their
// connections, e.g. after a failed write at disconnect. Returns how many were
// fixed.
func (s *Server) sweepOnlineFlags() int {
	flagged, err := s.st.OnlineUserIDs()
	if err != nil {
		slog.Warn("list online flags", "err", err)
		return 0
	}

	swept := 0
	for _, id := range flagged {
		if s.dir.IsOnline(id) {
			continue
		}
		if err := s.st.SetOnline(id, false, "", 0); err != nil {
			slog.Warn("sweep online flag", "user_id", id, "err", err)
			continue
		}
		swept++
	}
	return swept
}
