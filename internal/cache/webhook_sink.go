package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// LastWebhook is the most recent raw payload received for an instance.
type LastWebhook struct {
	Instance   string          `json:"instance"`
	ReceivedAt time.Time       `json:"received_at"`
	Payload    json.RawMessage `json:"payload"`
}

// WebhookSink keeps the last webhook per instance for debugging. It writes
// to Redis when available and always keeps an in-process copy.
type WebhookSink struct {
	rdb *redis.Client
	ttl time.Duration

	mu   sync.RWMutex
	last map[string]LastWebhook
}

// NewWebhookSink creates a sink; rdb may be nil.
func NewWebhookSink(rdb *redis.Client) *WebhookSink {
	return &WebhookSink{
		rdb:  rdb,
		ttl:  WebhookLastTTL,
		last: make(map[string]LastWebhook),
	}
}

// Record stores raw as the last payload of instance. Invalid JSON is stored
// as a JSON string so the debug endpoint can still show it.
func (s *WebhookSink) Record(ctx context.Context, instance string, raw []byte) error {
	payload := json.RawMessage(append([]byte(nil), raw...))
	if !json.Valid(payload) {
		quoted, _ := json.Marshal(string(raw))
		payload = quoted
	}
	entry := LastWebhook{Instance: instance, ReceivedAt: time.Now().UTC(), Payload: payload}

	s.mu.Lock()
	s.last[instance] = entry
	s.mu.Unlock()

	return SetJSON(ctx, s.rdb, WebhookLastKey(instance), entry, s.ttl)
}

// Last returns the last payload of instance, preferring Redis so every
// replica sees the same value.
func (s *WebhookSink) Last(ctx context.Context, instance string) (*LastWebhook, bool, error) {
	var entry LastWebhook
	found, err := GetJSON(ctx, s.rdb, WebhookLastKey(instance), &entry)
	if err == nil && found {
		return &entry, true, nil
	}

	s.mu.RLock()
	local, ok := s.last[instance]
	s.mu.RUnlock()
	if ok {
		return &local, true, nil
	}
	return nil, false, err
}
