// Package normalizer turns raw Evolution API webhook payloads into
// canonical events.
//
// Payloads are loosely typed and vary per gateway version, so fields are
// read by path with gjson instead of being decoded into fixed structs.
// Anything that cannot be classified is discarded: Normalize returns one of
// the sentinel errors below, which callers use for logging and metrics only.
package normalizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"lopeswhatsapp/internal/middleware"
	"lopeswhatsapp/internal/models"
	"lopeswhatsapp/internal/observability"

	"github.com/tidwall/gjson"
)

var (
	// ErrNotActionable marks events that carry nothing to reconcile,
	// such as presence or connection updates and unmapped status codes.
	ErrNotActionable = errors.New("event not actionable")
	// ErrMalformedEvent marks payloads missing the fields their type requires.
	ErrMalformedEvent = errors.New("malformed event")
	// ErrUnknownMessageKind marks message envelopes with no supported content.
	ErrUnknownMessageKind = errors.New("unknown message kind")
)

// MediaStore turns inline media into a retrievable reference.
type MediaStore interface {
	Save(ctx context.Context, data []byte, mimeType, fileName string) (string, error)
}

// Normalizer converts gateway payloads into canonical events.
type Normalizer struct {
	media  MediaStore
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithClock overrides the wall clock used for missing timestamps.
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) { n.now = now }
}

// New returns a Normalizer. media may be nil, in which case inline payloads
// are dropped and messages fall back to their caption.
func New(media MediaStore, opts ...Option) *Normalizer {
	n := &Normalizer{
		media:  media,
		now:    time.Now,
		logger: middleware.Logger,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// EventName returns the gateway discriminator of a raw payload, lowercased
// with "_" replaced by "." so MESSAGES_UPSERT and messages.upsert compare equal.
func EventName(raw []byte) string {
	name := strings.ToLower(gjson.GetBytes(raw, "event").String())
	return strings.ReplaceAll(name, "_", ".")
}

// Normalize classifies raw and returns its canonical event.
func (n *Normalizer) Normalize(ctx context.Context, raw []byte) (*models.NormalizedEvent, error) {
	ev, err := n.normalize(ctx, raw)
	if err != nil {
		n.recordDiscard(ctx, raw, err)
		return nil, err
	}
	ev.Raw = append([]byte(nil), raw...)
	observability.EventsNormalized.WithLabelValues(string(ev.Type), string(ev.Kind)).Inc()
	return ev, nil
}

func (n *Normalizer) normalize(ctx context.Context, raw []byte) (*models.NormalizedEvent, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: invalid json", ErrMalformedEvent)
	}
	root := gjson.ParseBytes(raw)
	event := EventName(raw)

	data := root.Get("data")
	if data.IsArray() {
		items := data.Array()
		if len(items) == 0 || !resemblesRecord(items[0]) {
			return nil, fmt.Errorf("%w: batch without a message-like first element", ErrNotActionable)
		}
		data = items[0]
	}
	if !data.IsObject() {
		return nil, fmt.Errorf("%w: missing data object", ErrMalformedEvent)
	}

	switch {
	case isStatusUpdate(event, data):
		return n.statusEvent(ctx, data)
	case isProfileUpdate(event):
		return n.profileEvent(data)
	case event == "messages.delete":
		return n.deleteEvent(ctx, data)
	case data.Get("message").IsObject():
		return n.messageEvent(ctx, data)
	}
	return nil, fmt.Errorf("%w: %q", ErrNotActionable, event)
}

func resemblesRecord(v gjson.Result) bool {
	return v.IsObject() && (v.Get("key").Exists() || v.Get("remoteJid").Exists() || v.Get("id").Exists() || v.Get("keyId").Exists())
}

func isStatusUpdate(event string, data gjson.Result) bool {
	if strings.Contains(event, "messages.update") {
		return true
	}
	return data.Get("status").Exists() && messageID(data) != "" && !data.Get("message").Exists()
}

func isProfileUpdate(event string) bool {
	switch event {
	case "contacts.update", "contacts.upsert", "contacts.set":
		return true
	}
	return false
}

// messageID prefers the WhatsApp key id over gateway-internal ids.
func messageID(data gjson.Result) string {
	return firstString(data, "key.id", "keyId", "id", "messageId")
}

func remoteJID(data gjson.Result) string {
	return firstString(data, "key.remoteJid", "remoteJid", "key.remoteJidAlt")
}

func fromMe(data gjson.Result) bool {
	if v := data.Get("key.fromMe"); v.Exists() {
		return v.Bool()
	}
	return data.Get("fromMe").Bool()
}

func firstString(v gjson.Result, paths ...string) string {
	for _, p := range paths {
		if s := strings.TrimSpace(v.Get(p).String()); s != "" {
			return s
		}
	}
	return ""
}

func (n *Normalizer) statusEvent(ctx context.Context, data gjson.Result) (*models.NormalizedEvent, error) {
	id := messageID(data)
	if id == "" {
		return nil, fmt.Errorf("%w: status update without message id", ErrMalformedEvent)
	}
	status, ok := MapStatus(data.Get("status"))
	if !ok {
		return nil, fmt.Errorf("%w: unmapped status %q", ErrNotActionable, data.Get("status").String())
	}
	ts := n.timestamp(ctx, firstResult(data, "messageTimestamp", "datetime", "date_time"), id, true)
	return &models.NormalizedEvent{
		Type:           models.EventStatus,
		ConversationID: models.ConversationIDFromAddress(remoteJID(data)),
		FromMe:         fromMe(data),
		MessageID:      id,
		Timestamp:      ts,
		Status:         status,
	}, nil
}

func (n *Normalizer) profileEvent(data gjson.Result) (*models.NormalizedEvent, error) {
	convID := models.ConversationIDFromAddress(firstString(data, "remoteJid", "id", "key.remoteJid"))
	if convID == "" {
		return nil, fmt.Errorf("%w: contact update without address", ErrMalformedEvent)
	}
	name := firstString(data, "pushName", "name", "verifiedName", "notify")
	avatar := firstString(data, "profilePictureUrl", "profilePicUrl", "imgUrl")
	if name == "" && avatar == "" {
		return nil, fmt.Errorf("%w: contact update without attributes", ErrNotActionable)
	}
	return &models.NormalizedEvent{
		Type:           models.EventProfile,
		ConversationID: convID,
		SenderName:     name,
		AvatarURL:      avatar,
		Timestamp:      n.now().UnixMilli(),
	}, nil
}

func (n *Normalizer) deleteEvent(ctx context.Context, data gjson.Result) (*models.NormalizedEvent, error) {
	id := messageID(data)
	if id == "" {
		return nil, fmt.Errorf("%w: delete without message id", ErrMalformedEvent)
	}
	ts := n.timestamp(ctx, firstResult(data, "messageTimestamp", "datetime"), id, true)
	return &models.NormalizedEvent{
		Type:           models.EventDelete,
		ConversationID: models.ConversationIDFromAddress(remoteJID(data)),
		FromMe:         fromMe(data),
		TargetID:       id,
		Timestamp:      ts,
	}, nil
}

// timestamp normalizes v and records any diagnostic. With optional set an
// absent value is expected and defaults silently.
func (n *Normalizer) timestamp(ctx context.Context, v gjson.Result, id string, optional bool) int64 {
	ts, diag := NormalizeTimestamp(v, n.now())
	if diag == "" || (optional && !v.Exists()) {
		return ts
	}
	observability.TimestampDiagnostics.WithLabelValues(diag).Inc()
	n.logger.WarnContext(ctx, "timestamp adjusted",
		slog.String("diagnostic", diag),
		slog.String("message_id", id),
		slog.String("raw_timestamp", v.Raw),
	)
	return ts
}

func firstResult(v gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if r := v.Get(p); r.Exists() {
			return r
		}
	}
	return gjson.Result{}
}

func (n *Normalizer) recordDiscard(ctx context.Context, raw []byte, err error) {
	switch {
	case errors.Is(err, ErrUnknownMessageKind):
		observability.EventsDiscarded.WithLabelValues("unknown_kind").Inc()
		// Kept verbatim so new gateway message types can be added later.
		n.logger.WarnContext(ctx, "gateway event with unknown message kind",
			slog.String("error", err.Error()),
			slog.String("raw", string(raw)),
		)
	case errors.Is(err, ErrMalformedEvent):
		observability.EventsDiscarded.WithLabelValues("malformed").Inc()
		n.logger.DebugContext(ctx, "malformed gateway event discarded", slog.String("error", err.Error()))
	default:
		observability.EventsDiscarded.WithLabelValues("not_actionable").Inc()
		n.logger.DebugContext(ctx, "gateway event not actionable", slog.String("error", err.Error()))
	}
}
