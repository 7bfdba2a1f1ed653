package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"lopeswhatsapp/internal/middleware"
	"lopeswhatsapp/internal/models"
	"lopeswhatsapp/internal/observability"

	"github.com/adhocore/gronx"
	"github.com/dustin/go-humanize"
)

const DefaultSweepCron = "*/1 * * * *"

// StaleSweeper reports placeholders that have waited too long for the
// gateway. It only announces them; nothing is dropped or retried.
type StaleSweeper struct {
	registry   *PendingRegistry
	publisher  Publisher
	cron       string
	staleAfter time.Duration
	now        func() time.Time
}

// NewStaleSweeper creates a sweeper running on cronExpr.
func NewStaleSweeper(registry *PendingRegistry, publisher Publisher, cronExpr string, staleAfter time.Duration) (*StaleSweeper, error) {
	if cronExpr == "" {
		cronExpr = DefaultSweepCron
	}
	if !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("invalid sweep cron expression: %s", cronExpr)
	}
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	return &StaleSweeper{
		registry:   registry,
		publisher:  publisherOrNop(publisher),
		cron:       cronExpr,
		staleAfter: staleAfter,
		now:        time.Now,
	}, nil
}

// Run sweeps on every cron tick until ctx is cancelled.
func (s *StaleSweeper) Run(ctx context.Context) {
	middleware.Logger.Info("stale_sweeper_started", slog.String("cron", s.cron))
	for {
		next, err := gronx.NextTickAfter(s.cron, s.now().UTC(), false)
		if err != nil {
			middleware.Logger.Error("stale_sweeper_nexttick_failed", slog.String("cron", s.cron), slog.String("error", err.Error()))
			next = s.now().Add(30 * time.Second)
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			middleware.Logger.Info("stale_sweeper_stopping")
			return
		case <-timer.C:
		}

		if _, err := s.RunOnce(ctx); err != nil {
			middleware.Logger.Error("stale_sweep_failed", slog.String("error", err.Error()))
		}
	}
}

// RunOnce lists stale placeholders, announces the ones not announced before
// and returns all of them.
func (s *StaleSweeper) RunOnce(ctx context.Context) ([]*models.PendingSend, error) {
	stale, err := s.registry.Stale(ctx, s.staleAfter)
	if err != nil {
		return nil, err
	}
	observability.PendingStale.Set(float64(len(stale)))

	now := s.now()
	var notified []string
	for _, p := range stale {
		if p.StaleNotifiedAt != nil {
			continue
		}
		middleware.Logger.WarnContext(ctx, "pending send is stale",
			slog.String("placeholder", p.Token),
			slog.String("conversation_id", p.ConversationID),
			slog.String("age", humanize.RelTime(p.CreatedAt, now, "old", "ahead")),
		)
		s.publisher.Publish(ctx, models.RealtimeEvent{
			Type:           models.RealtimePendingStale,
			ConversationID: p.ConversationID,
			Payload: models.PendingPayload{
				Placeholder: p.Token,
				Error:       p.Error,
				TimedOut:    p.TimedOut,
				Message:     p.AsMessage(),
			},
		})
		notified = append(notified, p.Token)
	}
	if len(notified) == 0 {
		return stale, nil
	}
	if err := s.registry.store.Pending.MarkStaleNotified(ctx, notified, now); err != nil {
		return nil, err
	}
	for _, p := range stale {
		if p.StaleNotifiedAt == nil {
			at := now
			p.StaleNotifiedAt = &at
		}
	}
	return stale, nil
}
