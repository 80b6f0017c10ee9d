package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/harun/relay/pkg/channels"
	"github.com/harun/relay/pkg/cron"
	"github.com/harun/relay/pkg/tasks"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockConnections struct {
	mock.Mock
}

func (m *mockConnections) Connections(ctx context.Context, userID string) ([]channels.ChannelConnection, error) {
	args := m.Called(ctx, userID)
	conns, _ := args.Get(0).([]channels.ChannelConnection)
	return conns, args.Error(1)
}

func (m *mockConnections) Connect(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockConnections) Disconnect(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockConnections) Reconnect(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockConnections) Status(ctx context.Context, id string) (channels.Status, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(channels.Status), args.Error(1)
}

func (m *mockConnections) QRCode(id string) string {
	return m.Called(id).String(0)
}

type fakeTasks struct {
	records []tasks.Record
	filter  tasks.Filter
	aborted []string
}

func (f *fakeTasks) List(filter tasks.Filter) []tasks.Record {
	f.filter = filter
	return f.records
}

func (f *fakeTasks) Abort(runID, reason string) bool {
	for _, r := range f.records {
		if r.RunID == runID && r.Status == tasks.StatusRunning {
			f.aborted = append(f.aborted, runID)
			return true
		}
	}
	return false
}

type fakeJobs []cron.Job

func (f fakeJobs) Jobs() []cron.Job { return f }

func newTestServer(t *testing.T, conns Connections, opts ServerOptions) (*Server, http.Handler) {
	t.Helper()
	if opts.UserID == "" {
		opts.UserID = "default"
	}
	s, err := NewServer(opts, conns, &fakeTasks{records: []tasks.Record{
		{RunID: "run-1", Kind: tasks.KindChannel, SessionID: "s-1", Status: tasks.StatusRunning},
	}}, fakeJobs{{Name: "interactive-purge", Schedule: "@every 30s"}}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(s.rateLimiter.Stop)
	return s, s.Handler()
}

func do(t *testing.T, h http.Handler, method, path string, header ...string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var body map[string]interface{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestNewServer_RequiresConnections(t *testing.T) {
	_, err := NewServer(ServerOptions{}, nil, nil, nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestHealthAndMetrics(t *testing.T) {
	_, h := newTestServer(t, &mockConnections{}, ServerOptions{})

	rec, body := do(t, h, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])

	rec, _ = do(t, h, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "relay_")

	rec, _ = do(t, h, http.MethodPost, "/health")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestListConnections_HidesCredentials(t *testing.T) {
	conns := &mockConnections{}
	conns.On("Connections", mock.Anything, "default").Return([]channels.ChannelConnection{
		{
			ID: "wa-1", UserID: "default", ChannelType: channels.ChannelWhatsApp,
			Status: channels.StatusConnecting,
		},
		{
			ID: "tg-1", UserID: "default", ChannelType: channels.ChannelTelegram,
			Status: channels.StatusConnected,
			Config: channels.ConnectionConfig{Telegram: &channels.TelegramConfig{BotToken: "123:secret"}},
		},
	}, nil)
	conns.On("QRCode", "wa-1").Return("2@pairing")
	conns.On("QRCode", "tg-1").Return("")
	_, h := newTestServer(t, conns, ServerOptions{})

	rec, body := do(t, h, http.MethodGet, "/connections")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "123:secret")

	list := body["connections"].([]interface{})
	require.Len(t, list, 2)
	first := list[0].(map[string]interface{})
	assert.Equal(t, "wa-1", first["id"])
	assert.Equal(t, "connecting", first["status"])
	assert.Equal(t, true, first["has_qr"])
	conns.AssertExpectations(t)
}

func TestListConnections_UserOverrideAndFailure(t *testing.T) {
	conns := &mockConnections{}
	conns.On("Connections", mock.Anything, "alice").Return(nil, errors.New("database is locked"))
	_, h := newTestServer(t, conns, ServerOptions{})

	rec, body := do(t, h, http.MethodGet, "/connections?user_id=alice")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "failed to list connections", body["error"])
}

func TestConnectionActions(t *testing.T) {
	tests := []struct {
		name     string
		action   string
		method   string
		err      error
		wantCode int
	}{
		{name: "connect", action: "connect", method: "Connect", wantCode: http.StatusOK},
		{name: "disconnect", action: "disconnect", method: "Disconnect", wantCode: http.StatusOK},
		{name: "reconnect", action: "reconnect", method: "Reconnect", wantCode: http.StatusOK},
		{name: "unknown", action: "connect", method: "Connect", err: channels.ErrUnknownConnection, wantCode: http.StatusNotFound},
		{name: "platform failure", action: "connect", method: "Connect", err: errors.New("invalid token"), wantCode: http.StatusBadGateway},
		{name: "timeout", action: "reconnect", method: "Reconnect", err: context.DeadlineExceeded, wantCode: http.StatusGatewayTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conns := &mockConnections{}
			conns.On(tt.method, mock.Anything, "tg-1").Return(tt.err)
			conns.On("Status", mock.Anything, "tg-1").Return(channels.StatusConnected, nil).Maybe()
			_, h := newTestServer(t, conns, ServerOptions{})

			rec, body := do(t, h, http.MethodPost, "/connections/tg-1/"+tt.action)
			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.err == nil {
				assert.Equal(t, "connected", body["status"])
			}
			conns.AssertExpectations(t)
		})
	}
}

func TestConnectionActions_SurviveClientCancel(t *testing.T) {
	conns := &mockConnections{}
	conns.On("Connect", mock.Anything, "tg-1").Run(func(args mock.Arguments) {
		ctx := args.Get(0).(context.Context)
		assert.NoError(t, ctx.Err())
	}).Return(nil)
	conns.On("Status", mock.Anything, "tg-1").Return(channels.StatusConnected, nil)
	_, h := newTestServer(t, conns, ServerOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/connections/tg-1/connect", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusAndQR(t *testing.T) {
	conns := &mockConnections{}
	conns.On("Status", mock.Anything, "wa-1").Return(channels.StatusConnecting, nil)
	conns.On("Status", mock.Anything, "nope").Return(channels.Status(""), channels.ErrUnknownConnection)
	conns.On("QRCode", "wa-1").Return("2@pairing")
	conns.On("QRCode", "tg-1").Return("")
	_, h := newTestServer(t, conns, ServerOptions{})

	rec, body := do(t, h, http.MethodGet, "/connections/wa-1/status")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "connecting", body["status"])

	rec, _ = do(t, h, http.MethodGet, "/connections/nope/status")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = do(t, h, http.MethodGet, "/connections/wa-1/qr")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2@pairing", body["qr"])

	rec, _ = do(t, h, http.MethodGet, "/connections/tg-1/qr")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTasksAndJobs(t *testing.T) {
	s, h := newTestServer(t, &mockConnections{}, ServerOptions{})
	ft := s.tasks.(*fakeTasks)

	rec, body := do(t, h, http.MethodGet, "/tasks?session_id=s-1&status=running")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["tasks"], 1)
	assert.Equal(t, tasks.Filter{SessionID: "s-1", Status: tasks.StatusRunning}, ft.filter)

	rec, _ = do(t, h, http.MethodPost, "/tasks/run-1/abort")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"run-1"}, ft.aborted)

	rec, _ = do(t, h, http.MethodPost, "/tasks/run-9/abort")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = do(t, h, http.MethodGet, "/jobs")
	assert.Equal(t, http.StatusOK, rec.Code)
	jobs := body["jobs"].([]interface{})
	require.Len(t, jobs, 1)
	assert.Equal(t, "interactive-purge", jobs[0].(map[string]interface{})["name"])
}

func TestTokenAuth(t *testing.T) {
	conns := &mockConnections{}
	conns.On("Connections", mock.Anything, "default").Return([]channels.ChannelConnection{}, nil)
	_, h := newTestServer(t, conns, ServerOptions{Token: "s3cret"})

	rec, _ := do(t, h, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, h, http.MethodGet, "/connections")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = do(t, h, http.MethodGet, "/connections", "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = do(t, h, http.MethodGet, "/connections", "Authorization", "bearer s3cret")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimited(t *testing.T) {
	_, h := newTestServer(t, &mockConnections{}, ServerOptions{RateLimitPerMinute: 2})

	for i := 0; i < 2; i++ {
		rec, _ := do(t, h, http.MethodGet, "/health")
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec, _ := do(t, h, http.MethodGet, "/health")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestStartStop(t *testing.T) {
	s, err := NewServer(ServerOptions{Host: "127.0.0.1", Port: freePort(t)}, &mockConnections{}, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Start())
	assert.Error(t, s.Start())

	resp, err := http.Get("http://" + s.Addr() + "/health")
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Nil task and job sources answer with empty lists.
	resp, err = http.Get("http://" + s.Addr() + "/tasks")
	require.NoError(t, err)
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.JSONEq(t, `{"tasks":[]}`, string(data))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.Empty(t, s.Addr())
	require.NoError(t, s.Stop(ctx))
}

func freePort(t *testing.T) int {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.Listener.Addr().String()
	srv.Close()
	var port int
	_, err := fmt.Sscanf(addr[strings.LastIndex(addr, ":")+1:], "%d", &port)
	require.NoError(t, err)
	return port
}
