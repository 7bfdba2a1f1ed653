package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"lopeswhatsapp/internal/config"
	"lopeswhatsapp/internal/gateway"
	"lopeswhatsapp/internal/middleware"
	"lopeswhatsapp/internal/testutil"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	testSecret   = "test-secret"
	testOperator = "ana"
	convA        = "5511999999999"
)

type gatewayMock struct {
	mock.Mock
}

func (m *gatewayMock) Send(ctx context.Context, cmd gateway.SendCommand) (*gateway.SendResult, error) {
	args := m.Called(ctx, cmd)
	res, _ := args.Get(0).(*gateway.SendResult)
	return res, args.Error(1)
}

func (m *gatewayMock) FetchProfile(ctx context.Context, number string) (*gateway.Profile, error) {
	args := m.Called(ctx, number)
	p, _ := args.Get(0).(*gateway.Profile)
	return p, args.Error(1)
}

func (m *gatewayMock) ConnectionState(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

type testServer struct {
	srv   *Server
	app   *fiber.App
	gw    *gatewayMock
	token string
}

func newTestServer(t *testing.T, configure ...func(*config.Config)) *testServer {
	t.Helper()
	cfg := &config.Config{
		Env:                   "test",
		JWTSecret:             testSecret,
		InstanceName:          "main",
		GatewayTimeoutSecs:    2,
		PendingStaleAfterSecs: 300,
		MediaDir:              t.TempDir(),
	}
	for _, fn := range configure {
		fn(cfg)
	}

	gw := new(gatewayMock)
	srv, err := NewServerWithDeps(cfg, Deps{DB: testutil.NewTestDB(t), Gateway: gw})
	require.NoError(t, err)

	token, err := middleware.IssueToken(testSecret, testOperator, time.Hour)
	require.NoError(t, err)

	return &testServer{srv: srv, app: srv.App(), gw: gw, token: token}
}

// do sends an authenticated request and returns the status and body.
func (ts *testServer) do(t *testing.T, method, path string, body interface{}) (int, []byte) {
	t.Helper()
	return ts.send(t, method, path, body, map[string]string{"Authorization": "Bearer " + ts.token})
}

func (ts *testServer) send(t *testing.T, method, path string, body interface{}, headers map[string]string) (int, []byte) {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := ts.app.Test(req, -1)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func (ts *testServer) webhook(t *testing.T, payload string) (int, map[string]interface{}) {
	t.Helper()
	status, body := ts.send(t, http.MethodPost, "/webhook/main", payload, nil)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &out))
	return status, out
}

func inboundPayload(id, text string, ts int64) string {
	return `{"event":"messages.upsert","instance":"main","data":{
		"key":{"remoteJid":"` + convA + `@s.whatsapp.net","fromMe":false,"id":"` + id + `"},
		"pushName":"João","message":{"conversation":"` + text + `"},"messageTimestamp":` + jsonInt(ts) + `}}`
}

func jsonInt(n int64) string {
	raw, _ := json.Marshal(n)
	return string(raw)
}
