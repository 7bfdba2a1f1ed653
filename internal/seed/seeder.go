package seed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"lopeswhatsapp/internal/middleware"
	"lopeswhatsapp/internal/models"
	"lopeswhatsapp/internal/normalizer"
	"lopeswhatsapp/internal/service"
)

// Stats counts what happened to the generated payloads.
type Stats struct {
	Conversations int
	Payloads      int
	Created       int
	Updated       int
	Duplicate     int
	Ignored       int
	Discarded     int
}

func (s Stats) String() string {
	return fmt.Sprintf("conversations=%d payloads=%d created=%d updated=%d duplicate=%d ignored=%d discarded=%d",
		s.Conversations, s.Payloads, s.Created, s.Updated, s.Duplicate, s.Ignored, s.Discarded)
}

// Seeder feeds generated webhook payloads through the ingest path.
type Seeder struct {
	normalizer *normalizer.Normalizer
	reconciler *service.Reconciler
	factory    *Factory
	logger     *slog.Logger
}

// NewSeeder creates a Seeder.
func NewSeeder(n *normalizer.Normalizer, r *service.Reconciler, opts Options) *Seeder {
	return &Seeder{
		normalizer: n,
		reconciler: r,
		factory:    NewFactory(opts),
		logger:     middleware.Logger,
	}
}

// Run generates and applies every conversation. It stops at the first store
// failure; payloads the normalizer rejects are counted and skipped.
func (s *Seeder) Run(ctx context.Context) (Stats, error) {
	var stats Stats
	opts := s.factory.Options()
	spacing := 24 * time.Hour / time.Duration(opts.Conversations+1)

	for i := 0; i < opts.Conversations; i++ {
		contact := s.factory.Contact()
		start := opts.Start.Add(time.Duration(i) * spacing)

		for _, raw := range s.factory.Conversation(contact, start) {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			stats.Payloads++

			ev, err := s.normalizer.Normalize(ctx, raw)
			if err != nil {
				if errors.Is(err, normalizer.ErrMalformedEvent) {
					s.logger.Warn("seed payload rejected", slog.String("error", err.Error()))
				}
				stats.Discarded++
				continue
			}

			res, err := s.reconciler.Apply(ctx, ev)
			if err != nil {
				return stats, fmt.Errorf("apply seed payload for %s: %w", contact.Number, err)
			}
			switch res {
			case models.ResultCreated:
				stats.Created++
			case models.ResultUpdated:
				stats.Updated++
			case models.ResultDuplicate:
				stats.Duplicate++
			default:
				stats.Ignored++
			}
		}
		stats.Conversations++
	}

	s.logger.Info("seed complete", slog.String("stats", stats.String()))
	return stats, nil
}
