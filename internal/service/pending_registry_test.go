package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"lopeswhatsapp/internal/models"
	"lopeswhatsapp/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestPendingRegistry_Lifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	p := h.register(t, convA, "hello")
	assert.True(t, h.registry.IsPlaceholder(p.Token))
	assert.False(t, h.registry.IsPlaceholder("3EB0A1"))
	assert.Equal(t, models.PendingStatePending, p.State)
	assert.Equal(t, models.KindText, p.Kind)

	created := h.pub.ofType(models.RealtimePendingCreated)
	require.Len(t, created, 1)
	assert.Equal(t, p.Token, created[0].Payload.(models.PendingPayload).Placeholder)

	t.Run("resolve is idempotent", func(t *testing.T) {
		require.NoError(t, h.registry.Resolve(ctx, p.Token, "WA1"))
		require.NoError(t, h.registry.Resolve(ctx, p.Token, "WA2"))

		got, err := h.registry.Get(ctx, p.Token)
		require.NoError(t, err)
		assert.Equal(t, "WA1", got.ResolvedID)
		assert.NotNil(t, got.ResolvedAt)
	})

	t.Run("resolve of an unknown token is a no-op", func(t *testing.T) {
		assert.NoError(t, h.registry.Resolve(ctx, "local-missing", "WA1"))
	})

	t.Run("fail after resolve keeps the resolution", func(t *testing.T) {
		require.NoError(t, h.registry.Fail(ctx, p.Token, errors.New("late"), false))
		got, err := h.registry.Get(ctx, p.Token)
		require.NoError(t, err)
		assert.Equal(t, models.PendingStateResolved, got.State)
		assert.Empty(t, h.pub.ofType(models.RealtimePendingFailed))
	})

	t.Run("fail records the cause", func(t *testing.T) {
		q := h.register(t, convA, "again")
		require.NoError(t, h.registry.Fail(ctx, q.Token, errors.New("gateway down"), true))

		got, err := h.registry.Get(ctx, q.Token)
		require.NoError(t, err)
		assert.Equal(t, models.PendingStateError, got.State)
		assert.True(t, got.TimedOut)
		assert.Equal(t, "gateway down", got.Error)

		failed := h.pub.ofType(models.RealtimePendingFailed)
		require.Len(t, failed, 1)
		assert.True(t, failed[0].Payload.(models.PendingPayload).TimedOut)
	})

	t.Run("get of an unknown token", func(t *testing.T) {
		_, err := h.registry.Get(ctx, "local-missing")
		assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
	})
}

func TestPendingRegistry_Candidates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	base := time.Now()
	h.registry.now = func() time.Time { return base }

	none, err := h.registry.FindUnresolvedCandidate(ctx, convA)
	require.NoError(t, err)
	assert.Nil(t, none)

	first := h.register(t, convA, "one")
	h.registry.now = func() time.Time { return base.Add(time.Minute) }
	second := h.register(t, convA, "two")

	got, err := h.registry.FindUnresolvedCandidate(ctx, convA)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.Token, got.Token)

	// The first one ages out of the grace window.
	h.registry.now = func() time.Time { return base.Add(DefaultPendingGrace + 30*time.Second) }
	got, err = h.registry.FindUnresolvedCandidate(ctx, convA)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, second.Token, got.Token)

	stale, err := h.registry.Stale(ctx, 2*time.Minute)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, first.Token, stale[0].Token)
}

func TestOrphanStatuses(t *testing.T) {
	o := newOrphanStatuses(2)

	o.put("A", models.StatusDelivered)
	o.put("A", models.StatusRead)
	o.put("A", models.StatusSent)
	status, ok := o.peek("A")
	require.True(t, ok)
	assert.Equal(t, models.StatusRead, status)

	o.put("", models.StatusRead)
	o.put("X", "bogus")
	assert.Equal(t, 1, o.len())

	o.put("B", models.StatusSent)
	o.put("C", models.StatusSent)
	_, ok = o.peek("A")
	assert.False(t, ok, "oldest entry is evicted")
	assert.Equal(t, 2, o.len())

	status, ok = o.take("B")
	require.True(t, ok)
	assert.Equal(t, models.StatusSent, status)
	_, ok = o.take("B")
	assert.False(t, ok)
	assert.Equal(t, 1, o.len())
}

func TestConversationLocks(t *testing.T) {
	locks := newConversationLocks()

	var (
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock(convA)
			counter++
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, counter)
	assert.Zero(t, locks.size())

	// Different conversations do not wait on each other.
	unlockA := locks.Lock(convA)
	unlockB := locks.Lock(convB)
	assert.Equal(t, 2, locks.size())
	unlockB()
	unlockA()
	assert.Zero(t, locks.size())
}

// staleReads serves a snapshot taken before a concurrent resolution, the way
// a timed out dispatcher sees the placeholder.
type staleReads struct {
	repository.PendingRepository
	snapshot models.PendingSend
}

func (s staleReads) Get(context.Context, string) (*models.PendingSend, error) {
	p := s.snapshot
	return &p, nil
}

func TestPendingRegistry_FailDoesNotOverwriteResolution(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	p := h.register(t, convA, "hello")
	snapshot := *p

	h.apply(t, outboundText(convA, "WA1", 1_000, "hello"))

	orig := h.store.Pending
	h.store.Pending = staleReads{PendingRepository: orig, snapshot: snapshot}
	require.NoError(t, h.registry.Fail(ctx, p.Token, context.DeadlineExceeded, true))
	h.store.Pending = orig

	got, err := h.registry.Get(ctx, p.Token)
	require.NoError(t, err)
	assert.Equal(t, models.PendingStateResolved, got.State)
	assert.Equal(t, "WA1", got.ResolvedID)
	assert.Empty(t, got.Error)
	assert.Empty(t, h.pub.ofType(models.RealtimePendingFailed))

	pending, err := h.registry.ListUnresolved(ctx, convA)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
