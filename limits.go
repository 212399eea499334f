package main

import "time"

// Operational defaults, named in one place instead of scattered across flag
// declarations and tickers.
const (
	// defaultMaxConns caps concurrently accepted connections.
	defaultMaxConns = 10000

	// defaultMaxPerIP caps accepted connections per remote address.
	defaultMaxPerIP = 100

	// defaultMaxPerUser caps live authenticated sessions per account.
	defaultMaxPerUser = 10

	// defaultSessionTTL is how long an idle login session stays valid.
	// Past it, authentication fails and the row is reaped.
	defaultSessionTTL = 24 * time.Hour

	// defaultHeartbeatTimeout is how long a connection may stay silent
	// before the cleanup pass drops it. Any frame resets the clock.
	defaultHeartbeatTimeout = 300 * time.Second

	// defaultCleanupInterval paces the janitor that prunes idle
	// connections and expired sessions.
	defaultCleanupInterval = time.Minute

	// defaultMetricsInterval paces the traffic log line.
	defaultMetricsInterval = 30 * time.Second

	// shutdownGrace is the pause between the shutdown notice and the
	// server closing every connection.
	shutdownGrace = 3 * time.Second

	// wtCertValidity is the lifetime of the self-signed certificate
	// generated for the WebTransport listener.
	wtCertValidity = 14 * 24 * time.Hour
)
