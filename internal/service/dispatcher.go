package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"lopeswhatsapp/internal/gateway"
	"lopeswhatsapp/internal/middleware"
	"lopeswhatsapp/internal/models"
	"lopeswhatsapp/internal/normalizer"
	"lopeswhatsapp/internal/observability"

	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultDomainSuffix   = "@s.whatsapp.net"
	DefaultGatewayTimeout = 15 * time.Second
)

// GatewayClient is the outbound side of the WhatsApp gateway.
type GatewayClient interface {
	Send(ctx context.Context, cmd gateway.SendCommand) (*gateway.SendResult, error)
	FetchProfile(ctx context.Context, number string) (*gateway.Profile, error)
	ConnectionState(ctx context.Context) (string, error)
}

// DispatchResult is returned for every accepted command. MessageID stays
// empty until the gateway reports an id; Placeholder is empty for mutations.
type DispatchResult struct {
	Placeholder    string               `json:"placeholder,omitempty"`
	MessageID      string               `json:"message_id,omitempty"`
	ConversationID string               `json:"conversation_id"`
	Status         models.MessageStatus `json:"status"`
}

type TextIntent struct {
	Target string
	Text   string
}

// MediaIntent carries either a URL or a base64 payload in Media.
type MediaIntent struct {
	Target    string
	MediaKind models.MessageKind
	Media     string
	Caption   string
	FileName  string
	MimeType  string
}

type AudioIntent struct {
	Target string
	Audio  string
}

type LocationIntent struct {
	Target   string
	Location models.Location
}

type PollIntent struct {
	Target string
	Poll   models.Poll
}

type ReactIntent struct {
	Target    string
	MessageID string
	Emoji     string
}

type DeleteIntent struct {
	Target    string
	MessageID string
}

type EditIntent struct {
	Target    string
	MessageID string
	Text      string
}

// ForwardIntent copies message MessageID of conversation From to Target.
type ForwardIntent struct {
	From      string
	MessageID string
	Target    string
}

type ReplyIntent struct {
	Target    string
	MessageID string
	Text      string
}

// Dispatcher turns operator intents into gateway calls. Content sends are
// shown immediately as placeholders; mutations are applied optimistically
// and flagged when the gateway rejects them.
type Dispatcher struct {
	reconciler *Reconciler
	registry   *PendingRegistry
	unread     *UnreadTracker
	gateway    GatewayClient
	media      normalizer.MediaStore
	suffix     string
	timeout    time.Duration
	now        func() time.Time
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDomainSuffix sets the suffix appended to bare numbers.
func WithDomainSuffix(suffix string) DispatcherOption {
	return func(d *Dispatcher) {
		if suffix != "" {
			d.suffix = suffix
		}
	}
}

// WithGatewayTimeout bounds every gateway call.
func WithGatewayTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithMediaStore stores base64 uploads so their placeholders have a URL.
func WithMediaStore(store normalizer.MediaStore) DispatcherOption {
	return func(d *Dispatcher) { d.media = store }
}

// NewDispatcher creates a Dispatcher. unread may be nil.
func NewDispatcher(reconciler *Reconciler, registry *PendingRegistry, unread *UnreadTracker, gw GatewayClient, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		reconciler: reconciler,
		registry:   registry,
		unread:     unread,
		gateway:    gw,
		suffix:     DefaultDomainSuffix,
		timeout:    DefaultGatewayTimeout,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) SendText(ctx context.Context, in TextIntent) (*DispatchResult, error) {
	if strings.TrimSpace(in.Text) == "" {
		return nil, models.NewValidationError("text is required")
	}
	return d.sendContent(ctx, in.Target,
		PendingInput{Kind: models.KindText, Content: in.Text},
		gateway.SendCommand{Kind: gateway.CommandText, Text: in.Text},
		nil,
	)
}

func (d *Dispatcher) SendMedia(ctx context.Context, in MediaIntent) (*DispatchResult, error) {
	if in.Media == "" {
		return nil, models.NewValidationError("media is required")
	}
	kind := in.MediaKind
	if kind == "" {
		kind = models.KindImage
	}
	if !kind.HasMedia() || kind == models.KindAudio {
		return nil, models.NewValidationError("unsupported media kind " + string(kind))
	}
	return d.sendContent(ctx, in.Target,
		PendingInput{
			Kind:     kind,
			Content:  in.Caption,
			MediaURL: d.placeholderMediaURL(ctx, in.Media, in.MimeType, in.FileName),
		},
		gateway.SendCommand{
			Kind:      gateway.CommandMedia,
			MediaKind: kind,
			Media:     in.Media,
			Caption:   in.Caption,
			FileName:  in.FileName,
			MimeType:  in.MimeType,
		},
		nil,
	)
}

func (d *Dispatcher) SendAudio(ctx context.Context, in AudioIntent) (*DispatchResult, error) {
	if in.Audio == "" {
		return nil, models.NewValidationError("audio is required")
	}
	return d.sendContent(ctx, in.Target,
		PendingInput{
			Kind:     models.KindAudio,
			MediaURL: d.placeholderMediaURL(ctx, in.Audio, "audio/ogg", ""),
		},
		gateway.SendCommand{Kind: gateway.CommandAudio, Media: in.Audio},
		nil,
	)
}

func (d *Dispatcher) SendLocation(ctx context.Context, in LocationIntent) (*DispatchResult, error) {
	loc := in.Location
	if loc.Latitude < -90 || loc.Latitude > 90 || loc.Longitude < -180 || loc.Longitude > 180 {
		return nil, models.NewValidationError("latitude or longitude out of range")
	}
	return d.sendContent(ctx, in.Target,
		PendingInput{Kind: models.KindLocation, Content: firstNonEmpty(loc.Name, loc.Address)},
		gateway.SendCommand{Kind: gateway.CommandLocation, Location: &loc},
		func(ev *models.NormalizedEvent) { ev.Location = &loc },
	)
}

func (d *Dispatcher) SendPoll(ctx context.Context, in PollIntent) (*DispatchResult, error) {
	poll := in.Poll
	if strings.TrimSpace(poll.Title) == "" || len(poll.Options) < 2 {
		return nil, models.NewValidationError("a poll needs a title and at least two options")
	}
	if poll.SelectableCount < 0 || poll.SelectableCount > len(poll.Options) {
		return nil, models.NewValidationError("selectable_count out of range")
	}
	return d.sendContent(ctx, in.Target,
		PendingInput{Kind: models.KindPoll, Content: poll.Title},
		gateway.SendCommand{Kind: gateway.CommandPoll, Poll: &poll},
		func(ev *models.NormalizedEvent) { ev.Poll = &poll },
	)
}

// Reply sends text quoting MessageID of the same conversation.
func (d *Dispatcher) Reply(ctx context.Context, in ReplyIntent) (*DispatchResult, error) {
	if strings.TrimSpace(in.Text) == "" {
		return nil, models.NewValidationError("text is required")
	}
	_, convID, err := d.address(in.Target)
	if err != nil {
		return nil, err
	}
	quoted, err := d.confirmedMessage(ctx, convID, in.MessageID)
	if err != nil {
		return nil, err
	}
	return d.sendContent(ctx, in.Target,
		PendingInput{Kind: models.KindText, Content: in.Text, QuotedID: quoted.ExternalID},
		gateway.SendCommand{Kind: gateway.CommandText, Text: in.Text, QuotedID: quoted.ExternalID},
		nil,
	)
}

// Forward resends the content of a stored message as a new send.
func (d *Dispatcher) Forward(ctx context.Context, in ForwardIntent) (*DispatchResult, error) {
	from := models.ConversationIDFromAddress(in.From)
	if from == "" || in.MessageID == "" {
		return nil, models.NewValidationError("source conversation and message are required")
	}
	src, err := d.reconciler.GetMessage(ctx, from, in.MessageID)
	if err != nil {
		return nil, err
	}
	if src.Status == models.StatusDeleted {
		return nil, models.NewValidationError("deleted messages cannot be forwarded")
	}

	switch src.Kind {
	case models.KindText:
		return d.SendText(ctx, TextIntent{Target: in.Target, Text: src.Content})
	case models.KindAudio:
		return d.SendAudio(ctx, AudioIntent{Target: in.Target, Audio: src.MediaURL})
	case models.KindLocation:
		var meta struct {
			Location *models.Location `json:"location"`
		}
		if err := json.Unmarshal(src.Metadata, &meta); err != nil || meta.Location == nil {
			return nil, models.NewValidationError("location message has no coordinates")
		}
		return d.SendLocation(ctx, LocationIntent{Target: in.Target, Location: *meta.Location})
	case models.KindPoll:
		var meta struct {
			Poll *models.Poll `json:"poll"`
		}
		if err := json.Unmarshal(src.Metadata, &meta); err != nil || meta.Poll == nil {
			return nil, models.NewValidationError("poll message has no options")
		}
		return d.SendPoll(ctx, PollIntent{Target: in.Target, Poll: *meta.Poll})
	}
	if src.Kind.HasMedia() && src.MediaURL != "" {
		return d.SendMedia(ctx, MediaIntent{
			Target:    in.Target,
			MediaKind: src.Kind,
			Media:     src.MediaURL,
			Caption:   src.Content,
			FileName:  src.FileName,
			MimeType:  src.MimeType,
		})
	}
	return nil, models.NewValidationError("message of kind " + string(src.Kind) + " cannot be forwarded")
}

func (d *Dispatcher) React(ctx context.Context, in ReactIntent) (*DispatchResult, error) {
	return d.mutate(ctx, in.Target, in.MessageID,
		&models.NormalizedEvent{Type: models.EventReaction, Reaction: in.Emoji},
		gateway.SendCommand{Kind: gateway.CommandReact, Reaction: in.Emoji},
	)
}

func (d *Dispatcher) Delete(ctx context.Context, in DeleteIntent) (*DispatchResult, error) {
	return d.mutate(ctx, in.Target, in.MessageID,
		&models.NormalizedEvent{Type: models.EventDelete},
		gateway.SendCommand{Kind: gateway.CommandDelete},
	)
}

func (d *Dispatcher) Edit(ctx context.Context, in EditIntent) (*DispatchResult, error) {
	if strings.TrimSpace(in.Text) == "" {
		return nil, models.NewValidationError("text is required")
	}
	return d.mutate(ctx, in.Target, in.MessageID,
		&models.NormalizedEvent{Type: models.EventEdit, Content: in.Text},
		gateway.SendCommand{Kind: gateway.CommandEdit, Text: in.Text},
	)
}

// ConnectionState reports the gateway instance state.
func (d *Dispatcher) ConnectionState(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.gateway.ConnectionState(ctx)
}

func (d *Dispatcher) address(target string) (addr, convID string, err error) {
	addr = models.AddressFor(target, d.suffix)
	convID = models.ConversationIDFromAddress(addr)
	if convID == "" {
		return "", "", models.NewValidationError("target is required")
	}
	return addr, convID, nil
}

// sendContent registers a placeholder, calls the gateway and feeds the
// confirmation back through the reconciler. decorate adds kind specific
// fields to the synthetic confirmation.
func (d *Dispatcher) sendContent(ctx context.Context, target string, in PendingInput, cmd gateway.SendCommand, decorate func(*models.NormalizedEvent)) (_ *DispatchResult, err error) {
	addr, convID, err := d.address(target)
	if err != nil {
		return nil, err
	}

	ctx, span := observability.StartSpan(ctx, "dispatcher", string(cmd.Kind),
		attribute.String("conversation.id", convID),
	)
	defer func() { observability.EndSpan(span, err) }()

	if _, err := d.reconciler.EnsureConversation(ctx, convID); err != nil {
		return nil, err
	}

	in.ConversationID = convID
	in.Command = string(cmd.Kind)
	p, err := d.registry.Register(ctx, in)
	if err != nil {
		return nil, err
	}

	cmd.Number = addr
	res, err := d.call(ctx, cmd)
	if err != nil {
		timedOut := errors.Is(err, context.DeadlineExceeded)
		if failErr := d.registry.Fail(ctx, p.Token, err, timedOut); failErr != nil {
			middleware.Logger.ErrorContext(ctx, "failed to mark placeholder as failed",
				slog.String("placeholder", p.Token),
				slog.String("error", failErr.Error()),
			)
		}
		return nil, models.NewGatewayDispatchError(string(cmd.Kind), err, timedOut).WithDetail("placeholder", p.Token)
	}

	result := &DispatchResult{
		Placeholder:    p.Token,
		ConversationID: convID,
		Status:         models.StatusPending,
	}
	if res.MessageID == "" {
		// The echo webhook will claim the placeholder.
		d.markRead(ctx, convID)
		return result, nil
	}

	ts := res.Timestamp
	if ts == 0 {
		ts = d.now().UnixMilli()
	}
	ev := &models.NormalizedEvent{
		Type:             models.EventMessage,
		ConversationID:   convID,
		FromMe:           true,
		MessageID:        res.MessageID,
		Timestamp:        ts,
		Kind:             in.Kind,
		Content:          in.Content,
		MediaURL:         in.MediaURL,
		QuotedID:         in.QuotedID,
		Status:           res.Status,
		CorrelationToken: p.Token,
	}
	if decorate != nil {
		decorate(ev)
	}
	if _, err := d.reconciler.Apply(ctx, ev); err != nil {
		return nil, err
	}
	d.markRead(ctx, convID)

	result.MessageID = res.MessageID
	result.Status = res.Status
	return result, nil
}

// markRead advances the watermark after a send the gateway accepted.
func (d *Dispatcher) markRead(ctx context.Context, convID string) {
	if d.unread == nil {
		return
	}
	if _, err := d.unread.MarkRead(ctx, convID); err != nil {
		middleware.Logger.WarnContext(ctx, "mark read after send failed",
			slog.String("conversation_id", convID),
			slog.String("error", err.Error()),
		)
	}
}

// mutate applies ev to the stored message first and then asks the gateway
// to do the same. A rejected call leaves the change in place, flagged.
func (d *Dispatcher) mutate(ctx context.Context, target, msgID string, ev *models.NormalizedEvent, cmd gateway.SendCommand) (_ *DispatchResult, err error) {
	addr, convID, err := d.address(target)
	if err != nil {
		return nil, err
	}
	msg, err := d.confirmedMessage(ctx, convID, msgID)
	if err != nil {
		return nil, err
	}
	if cmd.Kind == gateway.CommandEdit && msg.Direction != models.DirectionOutbound {
		return nil, models.NewValidationError("only own messages can be edited")
	}

	ctx, span := observability.StartSpan(ctx, "dispatcher", string(cmd.Kind),
		attribute.String("conversation.id", convID),
		attribute.String("message.id", msg.ExternalID),
	)
	defer func() { observability.EndSpan(span, err) }()

	ev.ConversationID = convID
	ev.FromMe = true
	ev.TargetID = msg.ExternalID
	ev.Timestamp = d.now().UnixMilli()
	result, err := d.reconciler.Apply(ctx, ev)
	if err != nil {
		return nil, err
	}
	switch result {
	case models.ResultIgnored:
		return nil, models.NewValidationError("message can no longer be changed")
	case models.ResultDuplicate:
		return d.mutationResult(ctx, convID, msg), nil
	}

	cmd.Number = addr
	cmd.TargetID = msg.ExternalID
	cmd.TargetFromMe = msg.Direction == models.DirectionOutbound
	if _, err := d.call(ctx, cmd); err != nil {
		if markErr := d.reconciler.MarkMutationFailed(ctx, convID, msg.ExternalID, string(cmd.Kind)); markErr != nil {
			middleware.Logger.ErrorContext(ctx, "failed to flag rejected mutation",
				slog.String("message_id", msg.ExternalID),
				slog.String("error", markErr.Error()),
			)
		}
		return nil, models.NewGatewayDispatchError(string(cmd.Kind), err, errors.Is(err, context.DeadlineExceeded)).
			WithDetail("message_id", msg.ExternalID)
	}
	return d.mutationResult(ctx, convID, msg), nil
}

func (d *Dispatcher) mutationResult(ctx context.Context, convID string, msg *models.Message) *DispatchResult {
	res := &DispatchResult{MessageID: msg.ExternalID, ConversationID: convID, Status: msg.Status}
	if fresh, err := d.reconciler.GetMessage(ctx, convID, msg.ExternalID); err == nil {
		res.Status = fresh.Status
	}
	return res
}

// call runs one gateway command under the dispatch timeout and records the
// failure metric.
func (d *Dispatcher) call(ctx context.Context, cmd gateway.SendCommand) (*gateway.SendResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	res, err := d.gateway.Send(callCtx, cmd)
	if err != nil {
		reason := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "timeout"
		}
		observability.DispatchFailures.WithLabelValues(string(cmd.Kind), reason).Inc()
		middleware.Logger.WarnContext(ctx, "gateway command failed",
			slog.String("command", string(cmd.Kind)),
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	if res == nil {
		res = &gateway.SendResult{Status: models.StatusSent}
	}
	if !res.Status.Valid() {
		res.Status = models.StatusSent
	}
	return res, nil
}

// confirmedMessage returns msgID of convID, refusing placeholders that the
// gateway has not confirmed yet.
func (d *Dispatcher) confirmedMessage(ctx context.Context, convID, msgID string) (*models.Message, error) {
	if msgID == "" {
		return nil, models.NewValidationError("message_id is required")
	}
	msg, err := d.reconciler.GetMessage(ctx, convID, msgID)
	if err != nil {
		return nil, err
	}
	if msg.IsPlaceholder() {
		return nil, models.NewValidationError("message has not been confirmed by the gateway yet")
	}
	return msg, nil
}

// placeholderMediaURL returns a URL the operator can render while the send
// is in flight. Base64 uploads are stored first when a media store is set.
func (d *Dispatcher) placeholderMediaURL(ctx context.Context, media, mimeType, fileName string) string {
	if strings.HasPrefix(media, "http://") || strings.HasPrefix(media, "https://") || strings.HasPrefix(media, "/") {
		return media
	}
	if d.media == nil {
		return ""
	}
	payload := media
	if i := strings.Index(payload, ","); strings.HasPrefix(payload, "data:") && i >= 0 {
		payload = payload[i+1:]
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return ""
	}
	url, err := d.media.Save(ctx, data, mimeType, fileName)
	if err != nil {
		middleware.Logger.WarnContext(ctx, "failed to store outgoing media", slog.String("error", err.Error()))
		return ""
	}
	return url
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
