package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"lopeswhatsapp/internal/config"
	"lopeswhatsapp/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captured struct {
	method string
	path   string
	apiKey string
	body   map[string]any
}

func newTestClient(t *testing.T, status int, response string) (*Client, *captured) {
	t.Helper()
	got := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.method = r.Method
		got.path = r.URL.Path
		got.apiKey = r.Header.Get("apikey")
		raw, _ := io.ReadAll(r.Body)
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &got.body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)

	client := NewClient(&config.Config{
		EvolutionURL:         srv.URL + "/",
		EvolutionAPIKey:      "secret",
		InstanceName:         "LopesInstance",
		GatewayRatePerSecond: 100,
		GatewayBurst:         10,
	})
	return client, got
}

func TestClient_SendText(t *testing.T) {
	client, got := newTestClient(t, http.StatusCreated,
		`{"key":{"remoteJid":"5511999999999@s.whatsapp.net","fromMe":true,"id":"BAE5F1"},"messageTimestamp":"1717000000","status":"PENDING"}`)

	res, err := client.Send(context.Background(), SendCommand{
		Kind:     CommandText,
		Number:   "5511999999999@s.whatsapp.net",
		Text:     "Olá",
		QuotedID: "ORIG",
	})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "/message/sendText/LopesInstance", got.path)
	assert.Equal(t, "secret", got.apiKey)
	assert.Equal(t, "5511999999999@s.whatsapp.net", got.body["number"])
	assert.Equal(t, map[string]any{"text": "Olá"}, got.body["textMessage"])

	opts := got.body["options"].(map[string]any)
	assert.Equal(t, float64(1200), opts["delay"])
	assert.Equal(t, "composing", opts["presence"])
	assert.Equal(t, false, opts["linkPreview"])
	quoted := opts["quoted"].(map[string]any)["key"].(map[string]any)
	assert.Equal(t, "ORIG", quoted["id"])

	assert.Equal(t, "BAE5F1", res.MessageID)
	assert.Equal(t, int64(1_717_000_000_000), res.Timestamp)
	assert.Equal(t, models.StatusSent, res.Status)
}

func TestClient_RequestShapes(t *testing.T) {
	tests := []struct {
		name       string
		cmd        SendCommand
		wantMethod string
		wantPath   string
		check      func(t *testing.T, body map[string]any)
	}{
		{
			name:       "media",
			cmd:        SendCommand{Kind: CommandMedia, Number: "n@s.whatsapp.net", MediaKind: models.KindDocument, Media: "https://files/a.pdf", Caption: "doc", FileName: "a.pdf"},
			wantMethod: http.MethodPost,
			wantPath:   "/message/sendMedia/LopesInstance",
			check: func(t *testing.T, body map[string]any) {
				media := body["mediaMessage"].(map[string]any)
				assert.Equal(t, "document", media["mediatype"])
				assert.Equal(t, "https://files/a.pdf", media["media"])
				assert.Equal(t, "a.pdf", media["fileName"])
			},
		},
		{
			name:       "audio",
			cmd:        SendCommand{Kind: CommandAudio, Number: "n@s.whatsapp.net", Media: "aGVsbG8="},
			wantMethod: http.MethodPost,
			wantPath:   "/message/sendWhatsAppAudio/LopesInstance",
			check: func(t *testing.T, body map[string]any) {
				assert.Equal(t, map[string]any{"audio": "aGVsbG8="}, body["audioMessage"])
			},
		},
		{
			name:       "location",
			cmd:        SendCommand{Kind: CommandLocation, Number: "n@s.whatsapp.net", Location: &models.Location{Latitude: -23.5, Longitude: -46.6, Name: "Loja"}},
			wantMethod: http.MethodPost,
			wantPath:   "/message/sendLocation/LopesInstance",
			check: func(t *testing.T, body map[string]any) {
				loc := body["locationMessage"].(map[string]any)
				assert.Equal(t, -23.5, loc["latitude"])
				assert.Equal(t, "Loja", loc["name"])
			},
		},
		{
			name:       "poll",
			cmd:        SendCommand{Kind: CommandPoll, Number: "n@s.whatsapp.net", Poll: &models.Poll{Title: "Qual?", Options: []string{"A", "B"}}},
			wantMethod: http.MethodPost,
			wantPath:   "/message/sendPoll/LopesInstance",
			check: func(t *testing.T, body map[string]any) {
				poll := body["pollMessage"].(map[string]any)
				assert.Equal(t, "Qual?", poll["name"])
				assert.Equal(t, float64(1), poll["selectableCount"])
				assert.Equal(t, []any{"A", "B"}, poll["values"])
			},
		},
		{
			name:       "reaction",
			cmd:        SendCommand{Kind: CommandReact, Number: "n@s.whatsapp.net", TargetID: "WA1", TargetFromMe: true, Reaction: "❤️"},
			wantMethod: http.MethodPost,
			wantPath:   "/message/sendReaction/LopesInstance",
			check: func(t *testing.T, body map[string]any) {
				reaction := body["reactionMessage"].(map[string]any)
				assert.Equal(t, "❤️", reaction["reaction"])
				key := reaction["key"].(map[string]any)
				assert.Equal(t, "WA1", key["id"])
				assert.Equal(t, true, key["fromMe"])
			},
		},
		{
			name:       "delete",
			cmd:        SendCommand{Kind: CommandDelete, Number: "n@s.whatsapp.net", TargetID: "WA1"},
			wantMethod: http.MethodDelete,
			wantPath:   "/chat/deleteMessageForEveryone/LopesInstance",
			check: func(t *testing.T, body map[string]any) {
				assert.Equal(t, "WA1", body["id"])
				assert.Equal(t, "n@s.whatsapp.net", body["remoteJid"])
			},
		},
		{
			name:       "edit",
			cmd:        SendCommand{Kind: CommandEdit, Number: "n@s.whatsapp.net", TargetID: "WA1", TargetFromMe: true, Text: "novo"},
			wantMethod: http.MethodPut,
			wantPath:   "/chat/updateMessage/LopesInstance",
			check: func(t *testing.T, body map[string]any) {
				assert.Equal(t, "novo", body["text"])
				assert.Equal(t, "WA1", body["key"].(map[string]any)["id"])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, got := newTestClient(t, http.StatusOK, `{}`)
			res, err := client.Send(context.Background(), tt.cmd)
			require.NoError(t, err)
			assert.Empty(t, res.MessageID)
			assert.Equal(t, tt.wantMethod, got.method)
			assert.Equal(t, tt.wantPath, got.path)
			tt.check(t, got.body)
		})
	}
}

func TestClient_Errors(t *testing.T) {
	t.Run("non-2xx becomes a gateway error", func(t *testing.T) {
		client, _ := newTestClient(t, http.StatusBadRequest, `{"message":"number not on whatsapp"}`)
		_, err := client.Send(context.Background(), SendCommand{Kind: CommandText, Number: "x@s.whatsapp.net", Text: "hi"})
		var gwErr *Error
		require.True(t, errors.As(err, &gwErr))
		assert.Equal(t, http.StatusBadRequest, gwErr.StatusCode)
		assert.Contains(t, gwErr.Body, "not on whatsapp")
		assert.False(t, gwErr.Temporary())
	})

	t.Run("timeout is a deadline error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}))
		defer srv.Close()
		client := NewClient(&config.Config{EvolutionURL: srv.URL, InstanceName: "i", GatewayRatePerSecond: 10, GatewayBurst: 1})

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := client.Send(ctx, SendCommand{Kind: CommandText, Number: "x@s.whatsapp.net", Text: "hi"})
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
	})

	t.Run("invalid commands fail before the network", func(t *testing.T) {
		client, got := newTestClient(t, http.StatusOK, `{}`)
		_, err := client.Send(context.Background(), SendCommand{Kind: CommandText})
		assert.Error(t, err)
		_, err = client.Send(context.Background(), SendCommand{Kind: CommandPoll, Number: "n"})
		assert.Error(t, err)
		_, err = client.Send(context.Background(), SendCommand{Kind: "sticker", Number: "n"})
		assert.Error(t, err)
		assert.Empty(t, got.path)
	})
}

func TestClient_ProfileAndState(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/fetchProfile/LopesInstance", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"wuid":"5511@s.whatsapp.net","name":"Maria","status":{"status":"Disponível"}}`))
	})
	mux.HandleFunc("/chat/fetchProfilePictureUrl/LopesInstance", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"wuid":"5511@s.whatsapp.net","profilePictureUrl":"https://pps/a.jpg"}`))
	})
	mux.HandleFunc("/instance/connectionState/LopesInstance", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		_, _ = w.Write([]byte(`{"instance":{"instanceName":"LopesInstance","state":"open"}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewClient(&config.Config{EvolutionURL: srv.URL, InstanceName: "LopesInstance", GatewayRatePerSecond: 100, GatewayBurst: 10})
	ctx := context.Background()

	profile, err := client.FetchProfile(ctx, "5511")
	require.NoError(t, err)
	assert.Equal(t, "Maria", profile.Name)
	assert.Equal(t, "Disponível", profile.Status)
	assert.Equal(t, "https://pps/a.jpg", profile.PictureURL)

	state, err := client.ConnectionState(ctx)
	require.NoError(t, err)
	assert.Equal(t, "open", state)
}
