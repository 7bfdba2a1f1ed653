package normalizer

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"lopeswhatsapp/internal/models"

	"github.com/tidwall/gjson"
)

type kindRule struct {
	path string
	kind models.MessageKind
}

// kindPrecedence is evaluated in order; the first populated entry decides
// the message kind.
var kindPrecedence = []kindRule{
	{"conversation", models.KindText},
	{"extendedTextMessage", models.KindText},
	{"imageMessage", models.KindImage},
	{"audioMessage", models.KindAudio},
	{"documentMessage", models.KindDocument},
	{"documentWithCaptionMessage.message.documentMessage", models.KindDocument},
	{"videoMessage", models.KindVideo},
	{"stickerMessage", models.KindSticker},
	{"locationMessage", models.KindLocation},
	{"liveLocationMessage", models.KindLocation},
	{"pollCreationMessage", models.KindPoll},
	{"pollCreationMessageV2", models.KindPoll},
	{"pollCreationMessageV3", models.KindPoll},
}

// Protocol message types as sent by the gateway, by name or number.
const (
	protocolRevoke      = "REVOKE"
	protocolRevokeNum   = "0"
	protocolMessageEdit = "MESSAGE_EDIT"
	protocolEditNum     = "14"
)

func (n *Normalizer) messageEvent(ctx context.Context, data gjson.Result) (*models.NormalizedEvent, error) {
	address := remoteJID(data)
	if address == "" {
		return nil, fmt.Errorf("%w: message without remoteJid", ErrMalformedEvent)
	}
	id := messageID(data)
	if id == "" {
		return nil, fmt.Errorf("%w: message without id", ErrMalformedEvent)
	}

	ts := n.timestamp(ctx, data.Get("messageTimestamp"), id, false)

	ev := &models.NormalizedEvent{
		ConversationID: models.ConversationIDFromAddress(address),
		FromMe:         fromMe(data),
		MessageID:      id,
		Timestamp:      ts,
		SenderName:     strings.TrimSpace(data.Get("pushName").String()),
	}

	msg := data.Get("message")
	if edited := msg.Get("editedMessage.message.protocolMessage"); edited.IsObject() {
		return editEvent(ev, edited)
	}
	if reaction := msg.Get("reactionMessage"); reaction.IsObject() {
		ev.Type = models.EventReaction
		ev.Kind = models.KindReactionTarget
		ev.TargetID = reaction.Get("key.id").String()
		ev.Reaction = reaction.Get("text").String()
		if ev.TargetID == "" {
			return nil, fmt.Errorf("%w: reaction without target", ErrMalformedEvent)
		}
		return ev, nil
	}
	if proto := msg.Get("protocolMessage"); proto.IsObject() {
		switch proto.Get("type").String() {
		case protocolRevoke, protocolRevokeNum:
			ev.Type = models.EventDelete
			ev.TargetID = proto.Get("key.id").String()
			if ev.TargetID == "" {
				return nil, fmt.Errorf("%w: revoke without target", ErrMalformedEvent)
			}
			return ev, nil
		case protocolMessageEdit, protocolEditNum:
			return editEvent(ev, proto)
		}
		return nil, fmt.Errorf("%w: protocol message %q", ErrNotActionable, proto.Get("type").String())
	}

	ev.Type = models.EventMessage
	ev.QuotedID = quotedID(data, msg)
	if err := n.resolveContent(ctx, ev, data, msg); err != nil {
		return nil, err
	}
	return ev, nil
}

func editEvent(ev *models.NormalizedEvent, proto gjson.Result) (*models.NormalizedEvent, error) {
	ev.Type = models.EventEdit
	ev.TargetID = proto.Get("key.id").String()
	if ev.TargetID == "" {
		return nil, fmt.Errorf("%w: edit without target", ErrMalformedEvent)
	}
	edited := proto.Get("editedMessage")
	ev.Content = firstString(edited,
		"conversation",
		"extendedTextMessage.text",
		"imageMessage.caption",
		"videoMessage.caption",
		"documentMessage.caption",
	)
	return ev, nil
}

func quotedID(data, msg gjson.Result) string {
	if id := data.Get("contextInfo.stanzaId").String(); id != "" {
		return id
	}
	for _, rule := range kindPrecedence {
		if id := msg.Get(rule.path + ".contextInfo.stanzaId").String(); id != "" {
			return id
		}
	}
	return ""
}

func populated(v gjson.Result) bool {
	switch v.Type {
	case gjson.String:
		return strings.TrimSpace(v.String()) != ""
	case gjson.JSON:
		return v.IsObject()
	}
	return false
}

func (n *Normalizer) resolveContent(ctx context.Context, ev *models.NormalizedEvent, data, msg gjson.Result) error {
	for _, rule := range kindPrecedence {
		node := msg.Get(rule.path)
		if !populated(node) {
			continue
		}
		if rule.path == "extendedTextMessage" && node.Get("text").String() == "" {
			continue
		}
		ev.Kind = rule.kind

		switch rule.kind {
		case models.KindText:
			if node.Type == gjson.String {
				ev.Content = node.String()
			} else {
				ev.Content = node.Get("text").String()
			}
		case models.KindLocation:
			ev.Location = &models.Location{
				Latitude:  node.Get("degreesLatitude").Float(),
				Longitude: node.Get("degreesLongitude").Float(),
				Name:      node.Get("name").String(),
				Address:   node.Get("address").String(),
			}
			ev.Content = firstNonEmpty(ev.Location.Name, ev.Location.Address,
				strconv.FormatFloat(ev.Location.Latitude, 'f', 6, 64)+","+strconv.FormatFloat(ev.Location.Longitude, 'f', 6, 64))
		case models.KindPoll:
			poll := &models.Poll{
				Title:           node.Get("name").String(),
				SelectableCount: int(node.Get("selectableOptionsCount").Int()),
			}
			for _, opt := range node.Get("options").Array() {
				poll.Options = append(poll.Options, opt.Get("optionName").String())
			}
			ev.Poll = poll
			ev.Content = poll.Title
		default:
			n.resolveMedia(ctx, ev, data, msg, node)
		}
		return nil
	}
	return fmt.Errorf("%w: no supported content in message", ErrUnknownMessageKind)
}

// resolveMedia prefers an explicit URL, then inline base64 content, and
// falls back to a caption-only message when neither yields a reference.
func (n *Normalizer) resolveMedia(ctx context.Context, ev *models.NormalizedEvent, data, msg, node gjson.Result) {
	ev.Content = node.Get("caption").String()
	ev.MimeType = node.Get("mimetype").String()
	ev.FileName = firstString(node, "fileName", "title")

	ev.MediaURL = firstString(msg, "mediaUrl")
	if ev.MediaURL == "" {
		ev.MediaURL = firstString(data, "mediaUrl")
	}
	if ev.MediaURL == "" {
		ev.MediaURL = firstString(node, "url")
	}
	if ev.MediaURL == "" {
		if inline := firstString(msg, "base64"); inline != "" {
			ev.MediaURL = n.storeInline(ctx, ev, inline)
		} else if inline := firstString(data, "base64"); inline != "" {
			ev.MediaURL = n.storeInline(ctx, ev, inline)
		}
	}
	if ev.MediaURL == "" && ev.Content == "" {
		ev.Content = models.Preview(ev.Kind, "")
	}
}

func (n *Normalizer) storeInline(ctx context.Context, ev *models.NormalizedEvent, inline string) string {
	if n.media == nil {
		return ""
	}
	if i := strings.Index(inline, ";base64,"); i >= 0 {
		inline = inline[i+len(";base64,"):]
	}
	raw, err := base64.StdEncoding.DecodeString(inline)
	if err != nil {
		n.logger.WarnContext(ctx, "inline media is not valid base64",
			slog.String("message_id", ev.MessageID),
			slog.String("error", err.Error()),
		)
		return ""
	}
	url, err := n.media.Save(ctx, raw, ev.MimeType, ev.FileName)
	if err != nil {
		n.logger.ErrorContext(ctx, "failed to store inline media",
			slog.String("message_id", ev.MessageID),
			slog.String("error", err.Error()),
		)
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
