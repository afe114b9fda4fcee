package services

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Reaper periodically sweeps the broadcaster registry and ends streams the
// per-session watchers could not catch: streams that never produced media
// within the connect window, and live streams nobody has watched for the
// idle window. Viewer sessions need no sweep of their own since ending a
// stream cascades over them.
type Reaper struct {
	orchestrator *Orchestrator
	cfg          Config
	logger       *zap.SugaredLogger
}

func NewReaper(orchestrator *Orchestrator, cfg Config, logger *zap.SugaredLogger) *Reaper {
	return &Reaper{orchestrator: orchestrator, cfg: cfg, logger: logger}
}

// Run blocks until ctx is cancelled, sweeping every SweepInterval.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	now := time.Now()
	for _, st := range r.orchestrator.ListStreams(ctx) {
		age := now.Sub(st.StartedAt)

		switch {
		case !st.Live && age > r.cfg.ConnectTimeout:
			r.logger.Warnw("reaping stream that never went live",
				"stream_id", st.StreamID,
				"age", age,
			)
		case st.Live && st.ViewerCount == 0 && age > r.cfg.IdleTimeout:
			r.logger.Infow("reaping idle stream",
				"stream_id", st.StreamID,
				"age", age,
			)
		default:
			continue
		}

		if err := r.orchestrator.EndBroadcast(ctx, st.StreamID); err != nil {
			r.logger.Errorw("failed to reap stream", "stream_id", st.StreamID, "error", err)
		}
	}
}
