package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"

	"safechat/server/internal/blob"
	"safechat/server/internal/router"
	"safechat/server/internal/store"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	os.Exit(run())
}

func run() int {
	host := flag.String("host", "0.0.0.0", "bind address for every listener")
	port := flag.Int("port", 8080, "REST and websocket port")
	apiAddr := flag.String("api-addr", "", "listen address override (default <host>:<port>)")
	wtPort := flag.Int("wt-port", 0, "WebTransport stream port (0 disables)")
	maxConns := flag.Int("max-connections", defaultMaxConns, "concurrent connection cap")
	dbPath := flag.String("db-path", "safechat.db", "SQLite database path")
	blobsDir := flag.String("blobs-dir", "", "backup blob directory (default <db-dir>/blobs)")
	workers := flag.Int("workers", router.DefaultWorkers, "request worker count")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	logFile := flag.String("log-file", "", "write logs to this file instead of stderr")
	compress := flag.Bool("enable-compression", false, "compress large payloads on the wire")
	cleanupInterval := flag.Duration("cleanup-interval", defaultCleanupInterval, "idle and session cleanup interval")
	serverName := flag.String("server-name", "safechat", "server display name")
	secret := flag.String("secret", "", "session token signing key (or SAFECHAT_SECRET)")
	flag.Parse()

	// A subcommand takes the place of running the server.
	if flag.NArg() > 0 {
		if RunCLI(flag.Args(), *dbPath) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "unknown command %q\n", flag.Arg(0))
		return 1
	}

	if err := setupLogging(*logLevel, *logFile); err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		return 1
	}

	slog.Info("starting server", "version", Version, "db", *dbPath)

	st, err := store.Open(*dbPath)
	if err != nil {
		slog.Error("open store", "err", err)
		return 1
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("close store", "err", closeErr)
		}
	}()

	blobRoot := strings.TrimSpace(*blobsDir)
	if blobRoot == "" {
		blobRoot = filepath.Join(filepath.Dir(*dbPath), "blobs")
	}
	blobs, err := blob.NewStore(blobRoot, st)
	if err != nil {
		slog.Error("initialize blob store", "err", err)
		return 1
	}

	addr := strings.TrimSpace(*apiAddr)
	if addr == "" {
		addr = net.JoinHostPort(*host, strconv.Itoa(*port))
	}

	cfg := Config{
		APIAddr:          addr,
		Host:             *host,
		WTPort:           *wtPort,
		ServerName:       *serverName,
		Workers:          *workers,
		MaxConns:         *maxConns,
		MaxPerIP:         defaultMaxPerIP,
		MaxPerUser:       defaultMaxPerUser,
		Compress:         *compress,
		Secret:           resolveSecret(*secret),
		SessionTTL:       defaultSessionTTL,
		HeartbeatTimeout: defaultHeartbeatTimeout,
		CleanupInterval:  *cleanupInterval,
		MetricsInterval:  defaultMetricsInterval,
		ShutdownGrace:    shutdownGrace,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	interrupted := make(chan struct{})
	go func() {
		<-sigCh
		slog.Info("received interrupt, shutting down")
		close(interrupted)
		cancel()
	}()

	srv := NewServer(cfg, st, blobs)
	if err := srv.Run(ctx); err != nil {
		slog.Error("server error", "err", err)
		return 1
	}
	slog.Info("server stopped")

	select {
	case <-interrupted:
		return 130
	default:
		return 0
	}
}

// setupLogging installs the process-wide logger: tinted console output on a
// terminal, plain text otherwise or when logging to a file.
func setupLogging(levelName, file string) error {
	var level slog.Level
	switch strings.ToLower(levelName) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("unknown log level %q", levelName)
	}

	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: level})))
		return nil
	}

	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:   level,
		NoColor: !isatty.IsTerminal(os.Stderr.Fd()),
	})))
	return nil
}

// resolveSecret picks the token signing key: the flag, then the environment,
// then a fresh random key that will not survive a restart.
func resolveSecret(flagValue string) []byte {
	if s := strings.TrimSpace(flagValue); s != "" {
		return []byte(s)
	}
	if s := strings.TrimSpace(os.Getenv("SAFECHAT_SECRET")); s != "" {
		return []byte(s)
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		panic(err)
	}
	slog.Warn("no token secret configured, using an ephemeral key; sessions will not survive a restart")
	return key
}
