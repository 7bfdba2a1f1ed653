package service

import (
	"context"
	"log/slog"
	"time"

	"lopeswhatsapp/internal/cache"
	"lopeswhatsapp/internal/middleware"
	"lopeswhatsapp/internal/models"
	"lopeswhatsapp/internal/repository"

	"github.com/redis/go-redis/v9"
)

// UnreadTracker owns the per-conversation read watermarks. A watermark only
// moves forward; unread counts are always derived from stored messages.
type UnreadTracker struct {
	store     *repository.Store
	rdb       *redis.Client
	ttl       time.Duration
	publisher Publisher
	now       func() time.Time
}

// NewUnreadTracker creates a tracker. rdb may be nil, which disables the
// summary cache; ttl <= 0 uses cache.DefaultUnreadCacheTTL.
func NewUnreadTracker(store *repository.Store, rdb *redis.Client, ttl time.Duration, publisher Publisher) *UnreadTracker {
	if ttl <= 0 {
		ttl = cache.DefaultUnreadCacheTTL
	}
	return &UnreadTracker{
		store:     store,
		rdb:       rdb,
		ttl:       ttl,
		publisher: publisherOrNop(publisher),
		now:       time.Now,
	}
}

// MarkRead moves the watermark of convID to now and returns the stored value.
func (t *UnreadTracker) MarkRead(ctx context.Context, convID string) (int64, error) {
	return t.Advance(ctx, convID, t.now().UnixMilli())
}

// Advance moves the watermark of convID to ts unless it is already past it.
func (t *UnreadTracker) Advance(ctx context.Context, convID string, ts int64) (int64, error) {
	wm, err := t.store.ReadState.AdvanceWatermark(ctx, convID, ts)
	if err != nil {
		return 0, err
	}
	t.changed(ctx, convID)
	return wm, nil
}

// UnreadCount counts inbound messages of convID newer than its watermark.
func (t *UnreadTracker) UnreadCount(ctx context.Context, convID string) (int64, error) {
	return t.store.ReadState.CountUnread(ctx, convID)
}

// Watermark returns the current watermark of convID, 0 when never read.
func (t *UnreadTracker) Watermark(ctx context.Context, convID string) (int64, error) {
	return t.store.ReadState.GetWatermark(ctx, convID)
}

// Summary returns the unread count of every visible conversation. Results
// are cached briefly and invalidated whenever a count may have changed.
func (t *UnreadTracker) Summary(ctx context.Context) (map[string]int64, error) {
	var summary map[string]int64
	found, err := cache.GetJSON(ctx, t.rdb, cache.UnreadSummaryKey, &summary)
	if err != nil {
		middleware.Logger.WarnContext(ctx, "unread summary cache read failed", slog.String("error", err.Error()))
	}
	if found && summary != nil {
		return summary, nil
	}

	summary, err = t.store.ReadState.UnreadSummary(ctx)
	if err != nil {
		return nil, err
	}
	if err := cache.SetJSON(ctx, t.rdb, cache.UnreadSummaryKey, summary, t.ttl); err != nil {
		middleware.Logger.WarnContext(ctx, "unread summary cache write failed", slog.String("error", err.Error()))
	}
	return summary, nil
}

// Invalidate drops the cached summary.
func (t *UnreadTracker) Invalidate(ctx context.Context) {
	cache.Invalidate(ctx, t.rdb, cache.UnreadSummaryKey)
}

// changed invalidates the cache and announces the new count of convID.
func (t *UnreadTracker) changed(ctx context.Context, convID string) {
	t.Invalidate(ctx)

	wm, err := t.store.ReadState.GetWatermark(ctx, convID)
	if err != nil {
		middleware.Logger.WarnContext(ctx, "unread watermark lookup failed",
			slog.String("conversation_id", convID),
			slog.String("error", err.Error()),
		)
		return
	}
	n, err := t.store.ReadState.CountUnread(ctx, convID)
	if err != nil {
		middleware.Logger.WarnContext(ctx, "unread count failed",
			slog.String("conversation_id", convID),
			slog.String("error", err.Error()),
		)
		return
	}
	t.publisher.Publish(ctx, models.RealtimeEvent{
		Type:           models.RealtimeUnreadChanged,
		ConversationID: convID,
		Payload:        models.UnreadPayload{ConversationID: convID, Watermark: wm, Unread: n},
	})
}
