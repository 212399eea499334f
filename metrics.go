package main

import (
	"context"
	"log/slog"
	"time"

	"safechat/server/internal/directory"
	"safechat/server/internal/router"
)

// RunMetrics logs traffic stats every interval until ctx is canceled. Router
// counters are cumulative, so each tick reports the delta since the last one;
// directory delivery counters reset themselves on read. Nothing is logged
// while the server sits idle.
func RunMetrics(ctx context.Context, rt *router.Router, dir *directory.Directory, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	prev := rt.Stats()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur := rt.Stats()
			ds := dir.Stats()
			in := cur.FramesIn - prev.FramesIn
			out := cur.FramesOut - prev.FramesOut
			errs := cur.Errors - prev.Errors
			prev = cur

			if ds.Conns == 0 && in == 0 && out == 0 {
				continue
			}
			slog.Info("traffic",
				"conns", ds.Conns, "users", ds.Users,
				"frames_in", in, "frames_out", out,
				"delivered", ds.Delivered, "dropped", ds.Dropped,
				"errors", errs, "queue", cur.QueueDepth)
		}
	}
}
