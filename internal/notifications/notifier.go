package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"lopeswhatsapp/internal/middleware"

	"github.com/redis/go-redis/v9"
)

// RealtimeChannel carries every realtime frame between server instances.
const RealtimeChannel = "wa:realtime"

// Notifier publishes realtime frames into redis. A nil client turns every
// call into a no-op.
type Notifier struct {
	rdb *redis.Client
}

// NewNotifier creates a new Notifier instance using the provided Redis client.
func NewNotifier(rdb *redis.Client) *Notifier {
	return &Notifier{rdb: rdb}
}

// Enabled reports whether frames actually go through redis.
func (n *Notifier) Enabled() bool {
	return n != nil && n.rdb != nil
}

// Publish sends payload to every subscribed instance.
func (n *Notifier) Publish(ctx context.Context, payload []byte) error {
	if !n.Enabled() {
		return nil
	}
	if err := n.rdb.Publish(ctx, RealtimeChannel, payload).Err(); err != nil {
		return fmt.Errorf("publish realtime frame: %w", err)
	}
	return nil
}

// StartSubscriber calls onMessage for every frame published on
// RealtimeChannel until ctx is cancelled.
func (n *Notifier) StartSubscriber(ctx context.Context, onMessage func(payload string)) error {
	if !n.Enabled() {
		return nil
	}
	sub := n.rdb.Subscribe(ctx, RealtimeChannel)
	// Wait for the subscription so frames published right after are not lost.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe %s: %w", RealtimeChannel, err)
	}
	ch := sub.Channel()

	go func() {
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				func() {
					defer func() {
						if r := recover(); r != nil {
							middleware.Logger.Error("panic in realtime subscriber",
								slog.Any("panic", r),
								slog.String("stack", string(debug.Stack())),
							)
						}
					}()
					onMessage(msg.Payload)
				}()
			}
		}
	}()

	return nil
}
