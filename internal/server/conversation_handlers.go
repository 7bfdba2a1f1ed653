package server

import (
	"lopeswhatsapp/internal/models"
	"lopeswhatsapp/internal/service"

	"github.com/gofiber/fiber/v2"
)

// GetConversations handles GET /api/conversations
func (s *Server) GetConversations(c *fiber.Ctx) error {
	convs, err := s.reconciler.ListConversations(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	if convs == nil {
		convs = []*models.Conversation{}
	}
	return c.JSON(convs)
}

// GetMessages handles GET /api/conversations/:id/messages. Unresolved
// placeholders appear in the page at the position they were sent.
func (s *Server) GetMessages(c *fiber.Ctx) error {
	convID, err := conversationParam(c)
	if err != nil {
		return respondError(c, err)
	}
	page := parsePagination(c, service.DefaultTimelineLimit, service.MaxTimelineLimit)

	msgs, err := s.reconciler.Timeline(c.UserContext(), convID, page.Limit, page.Offset)
	if err != nil {
		return respondError(c, err)
	}
	if msgs == nil {
		msgs = []*models.Message{}
	}
	return c.JSON(msgs)
}

// DeleteConversation handles DELETE /api/conversations/:id
func (s *Server) DeleteConversation(c *fiber.Ctx) error {
	convID, err := conversationParam(c)
	if err != nil {
		return respondError(c, err)
	}
	if err := s.reconciler.DeleteConversation(c.UserContext(), convID); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// MarkRead handles POST /api/conversations/:id/read
func (s *Server) MarkRead(c *fiber.Ctx) error {
	convID, err := conversationParam(c)
	if err != nil {
		return respondError(c, err)
	}
	if _, err := s.reconciler.GetConversation(c.UserContext(), convID); err != nil {
		return respondError(c, err)
	}

	watermark, err := s.unread.MarkRead(c.UserContext(), convID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"conversation_id": convID,
		"watermark":       watermark,
	})
}

// GetUnread handles GET /api/conversations/:id/unread
func (s *Server) GetUnread(c *fiber.Ctx) error {
	convID, err := conversationParam(c)
	if err != nil {
		return respondError(c, err)
	}
	n, err := s.unread.UnreadCount(c.UserContext(), convID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"conversation_id": convID,
		"unread":          n,
	})
}

// GetUnreadSummary handles GET /api/unread
func (s *Server) GetUnreadSummary(c *fiber.Ctx) error {
	summary, err := s.unread.Summary(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(summary)
}

// RefreshProfile handles POST /api/conversations/:id/profile/refresh
func (s *Server) RefreshProfile(c *fiber.Ctx) error {
	convID, err := conversationParam(c)
	if err != nil {
		return respondError(c, err)
	}
	conv, err := s.profiles.Refresh(c.UserContext(), convID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(conv)
}

// GetStalePending handles GET /api/pending/stale. Listing does not notify;
// announcing stale placeholders is the sweeper's job.
func (s *Server) GetStalePending(c *fiber.Ctx) error {
	after := s.config.PendingStaleAfter()
	stale, err := s.registry.Stale(c.UserContext(), after)
	if err != nil {
		return respondError(c, err)
	}
	if stale == nil {
		stale = []*models.PendingSend{}
	}
	return c.JSON(fiber.Map{
		"stale_after_seconds": int64(after.Seconds()),
		"pending":             stale,
	})
}
