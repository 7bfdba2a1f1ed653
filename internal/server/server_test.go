package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"lopeswhatsapp/internal/config"
	"lopeswhatsapp/internal/gateway"
	"lopeswhatsapp/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestHealthChecks(t *testing.T) {
	ts := newTestServer(t)

	status, _ := ts.send(t, http.MethodGet, "/health/live", nil, nil)
	assert.Equal(t, http.StatusOK, status)

	status, body := ts.send(t, http.MethodGet, "/health/ready", nil, nil)
	assert.Equal(t, http.StatusOK, status)
	var ready struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(body, &ready))
	assert.Equal(t, "healthy", ready.Status)
	assert.Equal(t, "disabled", ready.Checks["redis"])

	t.Run("gateway open", func(t *testing.T) {
		ts.gw.On("ConnectionState", mock.Anything).Return("open", nil).Once()
		status, body := ts.send(t, http.MethodGet, "/health/gateway", nil, nil)
		assert.Equal(t, http.StatusOK, status)
		assert.Contains(t, string(body), `"open"`)
	})

	t.Run("gateway disconnected", func(t *testing.T) {
		ts.gw.On("ConnectionState", mock.Anything).Return("close", nil).Once()
		status, _ := ts.send(t, http.MethodGet, "/health/gateway", nil, nil)
		assert.Equal(t, http.StatusServiceUnavailable, status)
	})

	t.Run("gateway unreachable", func(t *testing.T) {
		ts.gw.On("ConnectionState", mock.Anything).Return("", errors.New("dial tcp: refused")).Once()
		status, body := ts.send(t, http.MethodGet, "/health/gateway", nil, nil)
		assert.Equal(t, http.StatusServiceUnavailable, status)
		assert.Contains(t, string(body), "unreachable")
	})
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)

	status, _ := ts.send(t, http.MethodGet, "/api/conversations", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = ts.send(t, http.MethodGet, "/api/conversations", nil,
		map[string]string{"Authorization": "Bearer not.a.token"})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = ts.send(t, http.MethodGet, "/api/conversations?token="+ts.token, nil, nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestWebhookFlow(t *testing.T) {
	ts := newTestServer(t)

	status, out := ts.webhook(t, inboundPayload("3EB0A1", "Olá", 1717000000))
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "created", out["result"])

	status, out = ts.webhook(t, inboundPayload("3EB0A1", "Olá", 1717000000))
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "duplicate", out["result"])

	status, out = ts.webhook(t, "definitely not json")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ignored", out["result"])
	assert.Equal(t, "malformed", out["reason"])

	status, out = ts.webhook(t, `{"event":"connection.update","data":{"state":"open"}}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ignored", out["result"])

	t.Run("conversation listing carries the unread badge", func(t *testing.T) {
		status, body := ts.do(t, http.MethodGet, "/api/conversations", nil)
		require.Equal(t, http.StatusOK, status)
		var convs []models.Conversation
		require.NoError(t, json.Unmarshal(body, &convs))
		require.Len(t, convs, 1)
		assert.Equal(t, convA, convs[0].ID)
		assert.Equal(t, "João", convs[0].Name)
		assert.Equal(t, int64(1), convs[0].UnreadCount)
		assert.Equal(t, "Olá", convs[0].LastMessagePreview)
	})

	t.Run("timeline", func(t *testing.T) {
		status, body := ts.do(t, http.MethodGet, "/api/conversations/"+convA+"/messages?limit=10", nil)
		require.Equal(t, http.StatusOK, status)
		var msgs []models.Message
		require.NoError(t, json.Unmarshal(body, &msgs))
		require.Len(t, msgs, 1)
		assert.Equal(t, "3EB0A1", msgs[0].ExternalID)
		assert.Equal(t, int64(1_717_000_000_000), msgs[0].Timestamp)
	})

	t.Run("mark read", func(t *testing.T) {
		status, body := ts.do(t, http.MethodGet, "/api/conversations/"+convA+"/unread", nil)
		require.Equal(t, http.StatusOK, status)
		assert.JSONEq(t, `{"conversation_id":"`+convA+`","unread":1}`, string(body))

		status, body = ts.do(t, http.MethodPost, "/api/conversations/"+convA+"/read", nil)
		require.Equal(t, http.StatusOK, status)
		var read struct {
			Watermark int64 `json:"watermark"`
		}
		require.NoError(t, json.Unmarshal(body, &read))
		assert.GreaterOrEqual(t, read.Watermark, int64(1_717_000_000_000))

		status, body = ts.do(t, http.MethodGet, "/api/unread", nil)
		require.Equal(t, http.StatusOK, status)
		assert.JSONEq(t, `{"`+convA+`":0}`, string(body))

		status, _ = ts.do(t, http.MethodPost, "/api/conversations/5500000000000/read", nil)
		assert.Equal(t, http.StatusNotFound, status)
	})

	t.Run("last webhook", func(t *testing.T) {
		status, body := ts.do(t, http.MethodGet, "/api/debug/webhook/last?instance=main", nil)
		require.Equal(t, http.StatusOK, status)
		assert.Contains(t, string(body), "connection.update")

		status, _ = ts.do(t, http.MethodGet, "/api/debug/webhook/last?instance=other", nil)
		assert.Equal(t, http.StatusNotFound, status)
	})

	t.Run("soft delete", func(t *testing.T) {
		status, _ := ts.do(t, http.MethodDelete, "/api/conversations/"+convA, nil)
		require.Equal(t, http.StatusNoContent, status)

		status, body := ts.do(t, http.MethodGet, "/api/conversations", nil)
		require.Equal(t, http.StatusOK, status)
		assert.JSONEq(t, `[]`, string(body))

		status, _ = ts.do(t, http.MethodDelete, "/api/conversations/5500000000000", nil)
		assert.Equal(t, http.StatusNotFound, status)
	})
}

func TestWebhookToken(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) { cfg.WebhookToken = "s3cret" })
	payload := inboundPayload("3EB0B1", "oi", 1717000000)

	status, _ := ts.send(t, http.MethodPost, "/webhook/main", payload, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = ts.send(t, http.MethodPost, "/webhook/main", payload, map[string]string{"apikey": "s3cret"})
	assert.Equal(t, http.StatusOK, status)

	status, _ = ts.send(t, http.MethodPost, "/webhook/main?token=s3cret", payload, nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestSendTextCommand(t *testing.T) {
	ts := newTestServer(t)
	ts.gw.On("Send", mock.Anything, mock.MatchedBy(func(cmd gateway.SendCommand) bool {
		return cmd.Kind == gateway.CommandText && cmd.Number == convA+"@s.whatsapp.net" && cmd.Text == "bom dia"
	})).Return(&gateway.SendResult{MessageID: "WA1", Status: models.StatusSent}, nil).Once()

	status, body := ts.do(t, http.MethodPost, "/api/commands/text", map[string]string{"to": convA, "text": "bom dia"})
	require.Equal(t, http.StatusAccepted, status, string(body))

	var res struct {
		Placeholder    string `json:"placeholder"`
		MessageID      string `json:"message_id"`
		ConversationID string `json:"conversation_id"`
		Status         string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(body, &res))
	assert.NotEmpty(t, res.Placeholder)
	assert.Equal(t, "WA1", res.MessageID)
	assert.Equal(t, convA, res.ConversationID)
	ts.gw.AssertExpectations(t)

	status, body = ts.do(t, http.MethodGet, "/api/conversations/"+convA+"/messages", nil)
	require.Equal(t, http.StatusOK, status)
	var msgs []models.Message
	require.NoError(t, json.Unmarshal(body, &msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, "WA1", msgs[0].ExternalID)
	assert.Equal(t, models.DirectionOutbound, msgs[0].Direction)
}

func TestSendTextCommand_GatewayFailure(t *testing.T) {
	ts := newTestServer(t)
	ts.gw.On("Send", mock.Anything, mock.Anything).
		Return(nil, &gateway.Error{Operation: "sendText", StatusCode: 500, Body: "boom"}).Once()

	status, body := ts.do(t, http.MethodPost, "/api/commands/text", map[string]string{"to": convA, "text": "oi"})
	require.Equal(t, http.StatusBadGateway, status)

	var res models.ErrorResponse
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, models.CodeGatewayDispatchFailure, res.Code)
	placeholder := res.Details["placeholder"]
	require.NotEmpty(t, placeholder)

	status, body = ts.do(t, http.MethodGet, "/api/conversations/"+convA+"/messages", nil)
	require.Equal(t, http.StatusOK, status)
	var msgs []models.Message
	require.NoError(t, json.Unmarshal(body, &msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, placeholder, msgs[0].ExternalID)
	assert.Equal(t, models.StatusError, msgs[0].Status)
}

func TestCommandValidation(t *testing.T) {
	ts := newTestServer(t)

	cases := []struct {
		name string
		path string
		body interface{}
	}{
		{"malformed body", "/api/commands/text", "{"},
		{"empty text", "/api/commands/text", map[string]string{"to": convA, "text": "  "}},
		{"missing target", "/api/commands/text", map[string]string{"text": "oi"}},
		{"poll with one option", "/api/commands/poll", map[string]interface{}{"to": convA, "title": "?", "options": []string{"a"}}},
		{"location out of range", "/api/commands/location", map[string]interface{}{"to": convA, "latitude": 123.0, "longitude": 0.0}},
		{"react to unknown message", "/api/commands/react", map[string]string{"to": convA, "message_id": "NOPE", "emoji": "👍"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := ts.do(t, http.MethodPost, tc.path, tc.body)
			assert.Contains(t, []int{http.StatusBadRequest, http.StatusNotFound}, status, string(body))
		})
	}
	ts.gw.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

func TestRefreshProfile(t *testing.T) {
	ts := newTestServer(t)

	status, _ := ts.do(t, http.MethodPost, "/api/conversations/"+convA+"/profile/refresh", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = ts.webhook(t, inboundPayload("3EB0C1", "oi", 1717000000))
	require.Equal(t, http.StatusOK, status)

	ts.gw.On("FetchProfile", mock.Anything, convA).
		Return(&gateway.Profile{Number: convA, Name: "João Silva", PictureURL: "https://cdn.example/p.jpg"}, nil).Once()

	status, body := ts.do(t, http.MethodPost, "/api/conversations/"+convA+"/profile/refresh", nil)
	require.Equal(t, http.StatusOK, status)
	var conv models.Conversation
	require.NoError(t, json.Unmarshal(body, &conv))
	assert.Equal(t, "João Silva", conv.Name)
	assert.Equal(t, "https://cdn.example/p.jpg", conv.AvatarURL)
}

func TestGetStalePending(t *testing.T) {
	ts := newTestServer(t)

	status, body := ts.do(t, http.MethodGet, "/api/pending/stale", nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"stale_after_seconds":300,"pending":[]}`, string(body))
}
