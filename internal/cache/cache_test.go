package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestInitRedis(t *testing.T) {
	mr, _ := newRedis(t)

	t.Run("plain address", func(t *testing.T) {
		c := InitRedis(mr.Addr())
		require.NotNil(t, c)
		assert.Same(t, c, GetClient())
		assert.NoError(t, Close())
		assert.Nil(t, GetClient())
	})

	t.Run("url form", func(t *testing.T) {
		c := InitRedis("redis://" + mr.Addr() + "/0")
		require.NotNil(t, c)
		assert.NoError(t, Close())
	})

	t.Run("empty or invalid disables the cache", func(t *testing.T) {
		assert.Nil(t, InitRedis(""))
		assert.Nil(t, InitRedis("redis://%zz"))
		assert.Nil(t, GetClient())
	})
}

func TestJSONHelpers(t *testing.T) {
	mr, rdb := newRedis(t)
	ctx := context.Background()

	type entry struct {
		Count int `json:"count"`
	}

	require.NoError(t, SetJSON(ctx, rdb, "k", entry{Count: 3}, time.Minute))

	var got entry
	found, err := GetJSON(ctx, rdb, "k", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 3, got.Count)

	mr.FastForward(2 * time.Minute)
	found, err = GetJSON(ctx, rdb, "k", &got)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, SetJSON(ctx, rdb, "k", entry{Count: 1}, time.Minute))
	Invalidate(ctx, rdb, "k")
	assert.False(t, mr.Exists("k"))

	found, err = GetJSON(ctx, nil, "k", &got)
	assert.NoError(t, err)
	assert.False(t, found)
	assert.NoError(t, SetJSON(ctx, nil, "k", entry{}, time.Minute))
}

func TestWebhookSink(t *testing.T) {
	ctx := context.Background()

	t.Run("redis backed", func(t *testing.T) {
		mr, rdb := newRedis(t)
		sink := NewWebhookSink(rdb)

		require.NoError(t, sink.Record(ctx, "LopesInstance", []byte(`{"event":"messages.upsert"}`)))
		assert.True(t, mr.Exists(WebhookLastKey("LopesInstance")))
		assert.Equal(t, WebhookLastTTL, mr.TTL(WebhookLastKey("LopesInstance")))

		// A second sink sharing Redis sees the payload.
		other := NewWebhookSink(rdb)
		last, ok, err := other.Last(ctx, "LopesInstance")
		require.NoError(t, err)
		require.True(t, ok)
		assert.JSONEq(t, `{"event":"messages.upsert"}`, string(last.Payload))
	})

	t.Run("memory fallback", func(t *testing.T) {
		sink := NewWebhookSink(nil)
		_, ok, err := sink.Last(ctx, "x")
		assert.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, sink.Record(ctx, "x", []byte("not json")))
		last, ok, err := sink.Last(ctx, "x")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, `"not json"`, string(last.Payload))
	})
}
