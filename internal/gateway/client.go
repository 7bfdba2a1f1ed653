package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"lopeswhatsapp/internal/config"
	"lopeswhatsapp/internal/middleware"
	"lopeswhatsapp/internal/models"
	"lopeswhatsapp/internal/normalizer"
	"lopeswhatsapp/internal/observability"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

const maxErrorBody = 2048

// Client calls the Evolution API of one instance. Calls are paced by a
// token bucket shared by all operations.
type Client struct {
	baseURL    string
	apiKey     string
	instance   string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a client from cfg.
func NewClient(cfg *config.Config) *Client {
	perSecond := cfg.GatewayRatePerSecond
	if perSecond <= 0 {
		perSecond = 5
	}
	burst := cfg.GatewayBurst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.EvolutionURL, "/"),
		apiKey:     cfg.EvolutionAPIKey,
		instance:   cfg.InstanceName,
		httpClient: &http.Client{},
		limiter:    rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

// Instance is the gateway instance name the client talks to.
func (c *Client) Instance() string { return c.instance }

type quotedKey struct {
	RemoteJID string `json:"remoteJid,omitempty"`
	FromMe    bool   `json:"fromMe"`
	ID        string `json:"id"`
}

type sendOptions struct {
	Delay       int    `json:"delay"`
	Presence    string `json:"presence"`
	LinkPreview bool   `json:"linkPreview"`
	Quoted      *struct {
		Key quotedKey `json:"key"`
	} `json:"quoted,omitempty"`
}

func defaultOptions(number, quotedID string) sendOptions {
	opts := sendOptions{Delay: 1200, Presence: "composing"}
	if quotedID != "" {
		opts.Quoted = &struct {
			Key quotedKey `json:"key"`
		}{Key: quotedKey{RemoteJID: number, ID: quotedID}}
	}
	return opts
}

// Send performs cmd and returns what the gateway reported about it.
func (c *Client) Send(ctx context.Context, cmd SendCommand) (*SendResult, error) {
	if strings.TrimSpace(cmd.Number) == "" {
		return nil, errors.New("gateway: empty destination")
	}

	var (
		method = http.MethodPost
		path   string
		body   any
	)

	switch cmd.Kind {
	case CommandText:
		path = "/message/sendText/"
		body = map[string]any{
			"number":      cmd.Number,
			"options":     defaultOptions(cmd.Number, cmd.QuotedID),
			"textMessage": map[string]string{"text": cmd.Text},
		}
	case CommandMedia:
		path = "/message/sendMedia/"
		mediaType := string(cmd.MediaKind)
		if mediaType == "" {
			mediaType = string(models.KindImage)
		}
		body = map[string]any{
			"number":  cmd.Number,
			"options": defaultOptions(cmd.Number, cmd.QuotedID),
			"mediaMessage": map[string]string{
				"mediatype": mediaType,
				"caption":   cmd.Caption,
				"media":     cmd.Media,
				"fileName":  cmd.FileName,
			},
		}
	case CommandAudio:
		path = "/message/sendWhatsAppAudio/"
		opts := defaultOptions(cmd.Number, cmd.QuotedID)
		opts.Presence = "recording"
		body = map[string]any{
			"number":       cmd.Number,
			"options":      opts,
			"audioMessage": map[string]string{"audio": cmd.Media},
		}
	case CommandLocation:
		if cmd.Location == nil {
			return nil, errors.New("gateway: location command without location")
		}
		path = "/message/sendLocation/"
		body = map[string]any{
			"number":  cmd.Number,
			"options": defaultOptions(cmd.Number, ""),
			"locationMessage": map[string]any{
				"name":      cmd.Location.Name,
				"address":   cmd.Location.Address,
				"latitude":  cmd.Location.Latitude,
				"longitude": cmd.Location.Longitude,
			},
		}
	case CommandPoll:
		if cmd.Poll == nil {
			return nil, errors.New("gateway: poll command without poll")
		}
		path = "/message/sendPoll/"
		selectable := cmd.Poll.SelectableCount
		if selectable <= 0 {
			selectable = 1
		}
		body = map[string]any{
			"number":  cmd.Number,
			"options": defaultOptions(cmd.Number, ""),
			"pollMessage": map[string]any{
				"name":            cmd.Poll.Title,
				"selectableCount": selectable,
				"values":          cmd.Poll.Options,
			},
		}
	case CommandReact:
		path = "/message/sendReaction/"
		body = map[string]any{
			"reactionMessage": map[string]any{
				"key":      quotedKey{RemoteJID: cmd.Number, FromMe: cmd.TargetFromMe, ID: cmd.TargetID},
				"reaction": cmd.Reaction,
			},
		}
	case CommandDelete:
		method = http.MethodDelete
		path = "/chat/deleteMessageForEveryone/"
		body = quotedKey{RemoteJID: cmd.Number, FromMe: cmd.TargetFromMe, ID: cmd.TargetID}
	case CommandEdit:
		method = http.MethodPut
		path = "/chat/updateMessage/"
		body = map[string]any{
			"number": cmd.Number,
			"text":   cmd.Text,
			"key":    quotedKey{RemoteJID: cmd.Number, FromMe: cmd.TargetFromMe, ID: cmd.TargetID},
		}
	default:
		return nil, fmt.Errorf("gateway: unsupported command %q", cmd.Kind)
	}

	raw, err := c.do(ctx, string(cmd.Kind), method, path+c.instance, body)
	if err != nil {
		return nil, err
	}
	return parseSendResult(raw), nil
}

func parseSendResult(raw []byte) *SendResult {
	res := &SendResult{Status: models.StatusSent}
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return res
	}
	root := gjson.ParseBytes(raw)
	res.MessageID = root.Get("key.id").String()
	if ts := root.Get("messageTimestamp"); ts.Exists() {
		res.Timestamp, _ = normalizer.NormalizeTimestamp(ts, time.Now())
	}
	if status, ok := normalizer.MapStatus(root.Get("status")); ok && status != models.StatusError {
		res.Status = status
	}
	return res
}

// FetchProfile returns the display name, about text and picture of number.
func (c *Client) FetchProfile(ctx context.Context, number string) (*Profile, error) {
	raw, err := c.do(ctx, "fetch_profile", http.MethodPost, "/chat/fetchProfile/"+c.instance, map[string]string{"number": number})
	if err != nil {
		return nil, err
	}
	root := gjson.ParseBytes(raw)
	profile := &Profile{
		Number:     number,
		Name:       firstOf(root, "name", "pushName", "verifiedName"),
		Status:     firstOf(root, "status.status", "status"),
		PictureURL: firstOf(root, "picture", "profilePictureUrl"),
	}
	if profile.PictureURL == "" {
		if url, err := c.FetchProfilePictureURL(ctx, number); err == nil {
			profile.PictureURL = url
		}
	}
	return profile, nil
}

// FetchProfilePictureURL returns the current avatar URL of number.
func (c *Client) FetchProfilePictureURL(ctx context.Context, number string) (string, error) {
	raw, err := c.do(ctx, "fetch_picture", http.MethodPost, "/chat/fetchProfilePictureUrl/"+c.instance, map[string]string{"number": number})
	if err != nil {
		return "", err
	}
	return firstOf(gjson.ParseBytes(raw), "profilePictureUrl", "picture"), nil
}

// ConnectionState reports the instance connection state ("open", "close",
// "connecting").
func (c *Client) ConnectionState(ctx context.Context) (string, error) {
	raw, err := c.do(ctx, "connection_state", http.MethodGet, "/instance/connectionState/"+c.instance, nil)
	if err != nil {
		return "", err
	}
	root := gjson.ParseBytes(raw)
	return firstOf(root, "instance.state", "state"), nil
}

func firstOf(root gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := root.Get(p); v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

func (c *Client) do(ctx context.Context, operation, method, path string, payload any) (_ []byte, err error) {
	ctx, span := observability.StartSpan(ctx, "gateway", operation, attribute.String("http.method", method))
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
			if errors.Is(err, context.DeadlineExceeded) {
				outcome = "timeout"
			}
		}
		observability.GatewayRequests.WithLabelValues(operation, outcome).Inc()
		observability.GatewayLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
		observability.EndSpan(span, err)
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// The limiter refuses waits that would outlast the deadline.
		return nil, fmt.Errorf("%w: rate limited", context.DeadlineExceeded)
	}

	var reader io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s request: %w", operation, err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", operation, err)
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway %s: %w", operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		gwErr := &Error{Operation: operation, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		middleware.Logger.WarnContext(ctx, "gateway call rejected",
			slog.String("operation", operation),
			slog.Int("status", resp.StatusCode),
		)
		return nil, gwErr
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", operation, err)
	}
	return raw, nil
}
