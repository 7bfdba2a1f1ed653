package server

import (
	"log/slog"

	"lopeswhatsapp/internal/middleware"
	"lopeswhatsapp/internal/models"
	"lopeswhatsapp/internal/service"

	"github.com/gofiber/fiber/v2"
)

type textRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

type mediaRequest struct {
	To          string             `json:"to"`
	MediaURL    string             `json:"media_url"`
	MediaBase64 string             `json:"media_base64"`
	MediaKind   models.MessageKind `json:"media_kind"`
	Caption     string             `json:"caption"`
	FileName    string             `json:"file_name"`
	MimeType    string             `json:"mime_type"`
}

type audioRequest struct {
	To          string `json:"to"`
	AudioBase64 string `json:"audio_base64"`
	AudioURL    string `json:"audio_url"`
}

type locationRequest struct {
	To        string  `json:"to"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name"`
	Address   string  `json:"address"`
}

type pollRequest struct {
	To              string   `json:"to"`
	Title           string   `json:"title"`
	Options         []string `json:"options"`
	SelectableCount int      `json:"selectable_count"`
}

// targetRequest covers react, delete, edit and reply: all address an
// existing message of conversation To.
type targetRequest struct {
	To        string `json:"to"`
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
	Text      string `json:"text"`
}

type forwardRequest struct {
	From      string `json:"from"`
	MessageID string `json:"message_id"`
	To        string `json:"to"`
}

// accepted writes a dispatch result. Commands are asynchronous from the
// operator's view: the timeline catches up through realtime events.
func accepted(c *fiber.Ctx, command string, res *service.DispatchResult, err error) error {
	if err != nil {
		middleware.Logger.WarnContext(c.UserContext(), "command rejected",
			slog.String("command", command),
			slog.String("operator", operatorFrom(c)),
			slog.String("error", err.Error()),
		)
		return respondError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(res)
}

// SendText handles POST /api/commands/text
func (s *Server) SendText(c *fiber.Ctx) error {
	var req textRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err)
	}
	res, err := s.dispatcher.SendText(c.UserContext(), service.TextIntent{Target: req.To, Text: req.Text})
	return accepted(c, "text", res, err)
}

// SendMedia handles POST /api/commands/media
func (s *Server) SendMedia(c *fiber.Ctx) error {
	var req mediaRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err)
	}
	payload := req.MediaURL
	if payload == "" {
		payload = req.MediaBase64
	}
	res, err := s.dispatcher.SendMedia(c.UserContext(), service.MediaIntent{
		Target:    req.To,
		MediaKind: req.MediaKind,
		Media:     payload,
		Caption:   req.Caption,
		FileName:  req.FileName,
		MimeType:  req.MimeType,
	})
	return accepted(c, "media", res, err)
}

// SendAudio handles POST /api/commands/audio
func (s *Server) SendAudio(c *fiber.Ctx) error {
	var req audioRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err)
	}
	audio := req.AudioBase64
	if audio == "" {
		audio = req.AudioURL
	}
	res, err := s.dispatcher.SendAudio(c.UserContext(), service.AudioIntent{Target: req.To, Audio: audio})
	return accepted(c, "audio", res, err)
}

// SendLocation handles POST /api/commands/location
func (s *Server) SendLocation(c *fiber.Ctx) error {
	var req locationRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err)
	}
	res, err := s.dispatcher.SendLocation(c.UserContext(), service.LocationIntent{
		Target: req.To,
		Location: models.Location{
			Latitude:  req.Latitude,
			Longitude: req.Longitude,
			Name:      req.Name,
			Address:   req.Address,
		},
	})
	return accepted(c, "location", res, err)
}

// SendPoll handles POST /api/commands/poll
func (s *Server) SendPoll(c *fiber.Ctx) error {
	var req pollRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err)
	}
	res, err := s.dispatcher.SendPoll(c.UserContext(), service.PollIntent{
		Target: req.To,
		Poll: models.Poll{
			Title:           req.Title,
			Options:         req.Options,
			SelectableCount: req.SelectableCount,
		},
	})
	return accepted(c, "poll", res, err)
}

// React handles POST /api/commands/react
func (s *Server) React(c *fiber.Ctx) error {
	var req targetRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err)
	}
	res, err := s.dispatcher.React(c.UserContext(), service.ReactIntent{
		Target:    req.To,
		MessageID: req.MessageID,
		Emoji:     req.Emoji,
	})
	return accepted(c, "react", res, err)
}

// DeleteMessage handles POST /api/commands/delete
func (s *Server) DeleteMessage(c *fiber.Ctx) error {
	var req targetRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err)
	}
	res, err := s.dispatcher.Delete(c.UserContext(), service.DeleteIntent{Target: req.To, MessageID: req.MessageID})
	return accepted(c, "delete", res, err)
}

// EditMessage handles POST /api/commands/edit
func (s *Server) EditMessage(c *fiber.Ctx) error {
	var req targetRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err)
	}
	res, err := s.dispatcher.Edit(c.UserContext(), service.EditIntent{
		Target:    req.To,
		MessageID: req.MessageID,
		Text:      req.Text,
	})
	return accepted(c, "edit", res, err)
}

// Forward handles POST /api/commands/forward
func (s *Server) Forward(c *fiber.Ctx) error {
	var req forwardRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err)
	}
	res, err := s.dispatcher.Forward(c.UserContext(), service.ForwardIntent{
		From:      req.From,
		MessageID: req.MessageID,
		Target:    req.To,
	})
	return accepted(c, "forward", res, err)
}

// Reply handles POST /api/commands/reply
func (s *Server) Reply(c *fiber.Ctx) error {
	var req targetRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err)
	}
	res, err := s.dispatcher.Reply(c.UserContext(), service.ReplyIntent{
		Target:    req.To,
		MessageID: req.MessageID,
		Text:      req.Text,
	})
	return accepted(c, "reply", res, err)
}
