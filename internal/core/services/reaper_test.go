package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.uber.org/zap"
)

func TestReaperSweep(t *testing.T) {
	t.Run("reaps stream that never went live", func(t *testing.T) {
		cfg := defaultTestConfig()
		cfg.ConnectTimeout = 10 * time.Millisecond

		orch, _, _ := newTestOrchestrator(cfg)
		reaper := NewReaper(orch, cfg, zap.NewNop().Sugar())

		_, err := orch.HandleBroadcastOffer(context.Background(), "stuck", "v=0\r\n")
		require.NoError(t, err)

		time.Sleep(20 * time.Millisecond)
		reaper.sweep(context.Background())

		assert.Empty(t, orch.ListStreams(context.Background()))
	})

	t.Run("reaps live stream nobody watches", func(t *testing.T) {
		cfg := defaultTestConfig()
		cfg.IdleTimeout = 10 * time.Millisecond

		orch, factory, _ := newTestOrchestrator(cfg)
		reaper := NewReaper(orch, cfg, zap.NewNop().Sugar())

		startBroadcast(t, orch, factory, "lonely")

		time.Sleep(20 * time.Millisecond)
		reaper.sweep(context.Background())

		assert.Empty(t, orch.ListStreams(context.Background()))
	})

	t.Run("leaves watched streams alone", func(t *testing.T) {
		cfg := defaultTestConfig()
		cfg.IdleTimeout = 10 * time.Millisecond

		orch, factory, _ := newTestOrchestrator(cfg)
		reaper := NewReaper(orch, cfg, zap.NewNop().Sugar())

		startBroadcast(t, orch, factory, "popular")
		_, err := orch.HandleViewerJoin(context.Background(), "popular", "viewer-1")
		require.NoError(t, err)

		time.Sleep(20 * time.Millisecond)
		reaper.sweep(context.Background())

		assert.Len(t, orch.ListStreams(context.Background()), 1)
	})

	t.Run("fresh streams survive", func(t *testing.T) {
		cfg := defaultTestConfig()
		orch, _, _ := newTestOrchestrator(cfg)
		reaper := NewReaper(orch, cfg, zap.NewNop().Sugar())

		_, err := orch.HandleBroadcastOffer(context.Background(), "fresh", "v=0\r\n")
		require.NoError(t, err)

		reaper.sweep(context.Background())
		assert.Len(t, orch.ListStreams(context.Background()), 1)
	})
}
