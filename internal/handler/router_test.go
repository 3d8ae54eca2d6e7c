package handler

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/kvtavern/internal/engine/fake"
	middlewarePkg "github.com/zhouzirui/kvtavern/internal/middleware"
	"github.com/zhouzirui/kvtavern/internal/model/chat"
	"github.com/zhouzirui/kvtavern/internal/monitoring"
	sessionService "github.com/zhouzirui/kvtavern/internal/service/session"
)

type testEnv struct {
	server   *httptest.Server
	engine   *fake.Engine
	registry *sessionService.Registry
}

func setup(t *testing.T, cfg sessionService.Config, opts Options) *testEnv {
	t.Helper()
	eng := fake.New()
	reg := sessionService.NewRegistry(eng, cfg)
	srv := httptest.NewServer(NewRouter(reg, opts))
	t.Cleanup(func() {
		srv.Close()
		_ = reg.Close(context.Background())
	})
	return &testEnv{server: srv, engine: eng, registry: reg}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := sonic.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, sonic.Unmarshal(raw, &out))
	}
	return resp.StatusCode, out
}

func (e *testEnv) createSession(t *testing.T) string {
	t.Helper()
	status, body := e.do(t, http.MethodPost, "/api/sessions", nil)
	require.Equal(t, http.StatusCreated, status)
	id, _ := body["session_id"].(string)
	require.NotEmpty(t, id)
	return id
}

func TestHealth(t *testing.T) {
	env := setup(t, sessionService.Config{}, Options{})
	env.createSession(t)

	status, body := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 1, body["active_sessions"])
}

func TestSessionLifecycle(t *testing.T) {
	env := setup(t, sessionService.Config{}, Options{})
	id := env.createSession(t)

	status, body := env.do(t, http.MethodPost, "/api/sessions/"+id+"/chat", map[string]string{"message": "hello"})
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, body["response"])

	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/api/sessions/"+id, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var detail struct {
		Session chat.SessionInfo `json:"session"`
		History []chat.Turn      `json:"history"`
	}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, sonic.Unmarshal(raw, &detail))
	assert.Equal(t, id, detail.Session.ID)
	require.Len(t, detail.History, 3)
	assert.Equal(t, chat.RoleSystem, detail.History[0].Role)
	assert.Equal(t, "hello", detail.History[1].Content)

	status, body = env.do(t, http.MethodDelete, "/api/sessions/"+id, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "session ended", body["status"])
	assert.Equal(t, 0, env.engine.Live())

	status, body = env.do(t, http.MethodDelete, "/api/sessions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "session not found", body["error"])

	status, body = env.do(t, http.MethodPost, "/api/sessions/"+id+"/chat", map[string]string{"message": "hi"})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "invalid session id", body["error"])

	status, _ = env.do(t, http.MethodGet, "/api/sessions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestListSessions(t *testing.T) {
	env := setup(t, sessionService.Config{}, Options{})
	first := env.createSession(t)
	second := env.createSession(t)

	resp, err := http.Get(env.server.URL + "/api/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var infos []chat.SessionInfo
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, sonic.Unmarshal(raw, &infos))
	require.Len(t, infos, 2)
	ids := []string{infos[0].ID, infos[1].ID}
	assert.ElementsMatch(t, []string{first, second}, ids)
}

func TestChatValidation(t *testing.T) {
	env := setup(t, sessionService.Config{}, Options{})
	id := env.createSession(t)

	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/api/sessions/"+id+"/chat", strings.NewReader("not json"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	status, body := env.do(t, http.MethodPost, "/api/sessions/"+id+"/chat", map[string]string{"message": "   "})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "message is required", body["error"])
}

func TestCreateFailures(t *testing.T) {
	env := setup(t, sessionService.Config{MaxSessions: 1}, Options{})

	env.engine.FailNext("allocate", fake.ErrInjected)
	status, body := env.do(t, http.MethodPost, "/api/sessions", nil)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Contains(t, body["error"], "session creation failed")

	env.createSession(t)
	status, _ = env.do(t, http.MethodPost, "/api/sessions", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestChatEngineFailure(t *testing.T) {
	env := setup(t, sessionService.Config{}, Options{})
	id := env.createSession(t)

	env.engine.FailNext("evaluate", fake.ErrInjected)
	status, body := env.do(t, http.MethodPost, "/api/sessions/"+id+"/chat", map[string]string{"message": "hello"})
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Contains(t, body["error"], "error processing message")

	status, _ = env.do(t, http.MethodPost, "/api/sessions/"+id+"/chat", map[string]string{"message": "again"})
	assert.Equal(t, http.StatusInternalServerError, status)
}

func TestStream(t *testing.T) {
	env := setup(t, sessionService.Config{}, Options{})
	id := env.createSession(t)

	resp, err := http.Get(env.server.URL + "/api/stream/" + id + "?message=hello")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(raw)
	assert.Contains(t, text, "event: start\n")
	assert.Contains(t, text, "event: message\n")
	assert.Contains(t, text, "event: end\n")
	assert.Contains(t, text, "echo: User: hello")
	assert.Less(t, strings.Index(text, "event: start"), strings.Index(text, "event: message"))

	history, err := env.registry.History(id)
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestStreamValidation(t *testing.T) {
	env := setup(t, sessionService.Config{}, Options{})
	id := env.createSession(t)

	resp, err := http.Get(env.server.URL + "/api/stream/" + id)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(env.server.URL + "/api/stream/missing?message=hi")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStreamReportsEngineErrors(t *testing.T) {
	env := setup(t, sessionService.Config{}, Options{})
	id := env.createSession(t)
	env.engine.FailNext("generate", fake.ErrInjected)

	resp, err := http.Get(env.server.URL + "/api/stream/" + id + "?message=hello")
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "event: error\n")
	assert.NotContains(t, string(raw), "event: end\n")
}

func TestWebSocketConversation(t *testing.T) {
	env := setup(t, sessionService.Config{}, Options{})
	id := env.createSession(t)

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/api/sessions/" + id + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	type frame struct {
		Response string `json:"response"`
		Error    string `json:"error"`
		Status   int    `json:"status"`
	}
	exchange := func(payload string) frame {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(payload)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var f frame
		require.NoError(t, sonic.Unmarshal(data, &f))
		return f
	}

	f := exchange(`{"message":"first"}`)
	assert.Contains(t, f.Response, "first")
	f = exchange(`{"message":"second"}`)
	assert.Contains(t, f.Response, "second")

	f = exchange(`{"message":"  "}`)
	assert.Equal(t, http.StatusBadRequest, f.Status)
	f = exchange(`not json`)
	assert.Equal(t, http.StatusBadRequest, f.Status)

	history, err := env.registry.History(id)
	require.NoError(t, err)
	assert.Len(t, history, 5)

	require.True(t, env.registry.Terminate(context.Background(), id))
	f = exchange(`{"message":"after"}`)
	assert.Equal(t, http.StatusNotFound, f.Status)
}

func TestWebSocketUnknownSession(t *testing.T) {
	env := setup(t, sessionService.Config{}, Options{})

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/api/sessions/missing/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	env := setup(t, sessionService.Config{}, Options{Metrics: monitoring.NewMetrics()})

	resp, err := http.Get(env.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "kvtavern_uptime_seconds")
}

func TestRateLimit(t *testing.T) {
	env := setup(t, sessionService.Config{}, Options{
		RateLimit: &middlewarePkg.RateLimitConfig{RequestsPerSecond: 1, Burst: 1},
	})

	status, _ := env.do(t, http.MethodGet, "/api/sessions", nil)
	assert.Equal(t, http.StatusOK, status)
	status, body := env.do(t, http.MethodGet, "/api/sessions", nil)
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, "rate limit exceeded", body["error"])

	// health stays outside the limiter
	status, _ = env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)
}
