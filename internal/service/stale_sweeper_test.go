package service

import (
	"context"
	"testing"
	"time"

	"lopeswhatsapp/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaleSweeper_RunOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	base := time.Now()
	h.registry.now = func() time.Time { return base }

	old := h.register(t, convA, "stuck")
	h.registry.now = func() time.Time { return base.Add(4 * time.Minute) }
	fresh := h.register(t, convA, "recent")

	sweeper, err := NewStaleSweeper(h.registry, h.pub, "", 3*time.Minute)
	require.NoError(t, err)
	sweeper.now = h.registry.now

	stale, err := sweeper.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old.Token, stale[0].Token)
	assert.NotNil(t, stale[0].StaleNotifiedAt)

	events := h.pub.ofType(models.RealtimePendingStale)
	require.Len(t, events, 1)
	assert.Equal(t, old.Token, events[0].Payload.(models.PendingPayload).Placeholder)

	t.Run("announces once and drops nothing", func(t *testing.T) {
		stale, err := sweeper.RunOnce(ctx)
		require.NoError(t, err)
		assert.Len(t, stale, 1)
		assert.Len(t, h.pub.ofType(models.RealtimePendingStale), 1)

		pending, err := h.registry.ListUnresolved(ctx, convA)
		require.NoError(t, err)
		assert.Len(t, pending, 2)
		assert.Equal(t, fresh.Token, pending[1].Token)
	})
}

func TestStaleSweeper_Run(t *testing.T) {
	h := newHarness(t)

	_, err := NewStaleSweeper(h.registry, h.pub, "not a cron", time.Minute)
	assert.Error(t, err)

	sweeper, err := NewStaleSweeper(h.registry, h.pub, DefaultSweepCron, time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()
	cancel()

	assert.Eventually(t, func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}
