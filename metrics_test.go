package main

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"safechat/server/internal/directory"
	"safechat/server/internal/router"
)

// metricsHarness returns an unstarted router and a directory; RunMetrics
// only reads their counters, so no workers are needed.
func metricsHarness() (*router.Router, *directory.Directory) {
	d := directory.New(10, 0, 0)
	rt := router.New(d, nil, router.Config{Workers: 1, QueueSize: 8})
	return rt, d
}

// captureSlog swaps the default logger for one writing to a buffer and
// returns the buffer plus a restore func.
func captureSlog() (*bytes.Buffer, func()) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	return &buf, func() { slog.SetDefault(prev) }
}

func TestRunMetricsLogsWhenActive(t *testing.T) {
	rt, dir := metricsHarness()

	// One registered connection is enough to count as activity.
	c := directory.NewConn("10.0.0.1", 8)
	if err := dir.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}

	buf, restore := captureSlog()
	defer restore()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunMetrics(ctx, rt, dir, 50*time.Millisecond)
		close(done)
	}()

	// Wait for at least one tick.
	time.Sleep(120 * time.Millisecond)
	cancel()
	<-done // wait for goroutine to exit before reading buf

	output := buf.String()
	if !strings.Contains(output, "msg=traffic") {
		t.Errorf("expected traffic log output, got: %q", output)
	}
	if !strings.Contains(output, "conns=1") {
		t.Errorf("expected conns=1 in output, got: %q", output)
	}
}

func TestRunMetricsSilentWhenIdle(t *testing.T) {
	rt, dir := metricsHarness()

	buf, restore := captureSlog()
	defer restore()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunMetrics(ctx, rt, dir, 50*time.Millisecond)
		close(done)
	}()

	time.Sleep(120 * time.Millisecond)
	cancel()
	<-done

	if strings.Contains(buf.String(), "msg=traffic") {
		t.Errorf("expected no output for idle server, got: %q", buf.String())
	}
}

func TestRunMetricsStopsOnCancel(t *testing.T) {
	rt, dir := metricsHarness()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		RunMetrics(ctx, rt, dir, 50*time.Millisecond)
		close(done)
	}()

	cancel()
	select {
	case <-done:
		// OK
	case <-time.After(2 * time.Second):
		t.Fatal("RunMetrics did not exit after cancel")
	}
}
