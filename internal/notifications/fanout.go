package notifications

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"lopeswhatsapp/internal/middleware"
	"lopeswhatsapp/internal/models"
	"lopeswhatsapp/internal/observability"
)

const (
	defaultRelayQueue = 1024
	relayTimeout      = 2 * time.Second
)

// Sink receives every realtime event besides the websocket hub, such as the
// event export bus. Implementations must not block.
type Sink interface {
	Publish(ctx context.Context, ev models.RealtimeEvent)
}

// Fanout delivers reconciled events to operators and extra sinks. With redis
// configured frames are relayed through the notifier so every instance's hub
// receives them; otherwise they go straight to the local hub.
type Fanout struct {
	hub      *Hub
	notifier *Notifier
	sinks    []Sink

	mu     sync.Mutex
	frames chan []byte
}

// NewFanout creates a Fanout. notifier may be nil.
func NewFanout(hub *Hub, notifier *Notifier, sinks ...Sink) *Fanout {
	return &Fanout{
		hub:      hub,
		notifier: notifier,
		sinks:    sinks,
		frames:   make(chan []byte, defaultRelayQueue),
	}
}

// Publish encodes ev once and hands it to every destination without waiting
// on any of them.
func (f *Fanout) Publish(ctx context.Context, ev models.RealtimeEvent) {
	for _, s := range f.sinks {
		s.Publish(ctx, ev)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		middleware.Logger.ErrorContext(ctx, "failed to encode realtime event",
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()),
		)
		return
	}

	if !f.notifier.Enabled() {
		f.hub.BroadcastAll(data)
		return
	}
	f.enqueue(data)
}

func (f *Fanout) enqueue(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	select {
	case f.frames <- data:
		return
	default:
	}
	select {
	case <-f.frames:
		observability.FanoutDrops.WithLabelValues("redis", "full").Inc()
	default:
	}
	select {
	case f.frames <- data:
	default:
		observability.FanoutDrops.WithLabelValues("redis", "full").Inc()
	}
}

// Run relays queued frames to redis until ctx is cancelled. A frame that
// cannot be relayed is still delivered to the local hub.
func (f *Fanout) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-f.frames:
			pubCtx, cancel := context.WithTimeout(ctx, relayTimeout)
			err := f.notifier.Publish(pubCtx, data)
			cancel()
			if err != nil {
				middleware.Logger.WarnContext(ctx, "realtime relay failed, delivering locally",
					slog.String("error", err.Error()),
				)
				observability.FanoutDrops.WithLabelValues("redis", "error").Inc()
				f.hub.BroadcastAll(data)
			}
		}
	}
}
