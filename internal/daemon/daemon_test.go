package daemon

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harun/relay/internal/config"
	"github.com/harun/relay/internal/logger"
	"github.com/harun/relay/pkg/channels"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConnector struct {
	*channels.StatusTracker
	conn    channels.ChannelConnection
	inbound channels.InboundHandler

	mu   sync.Mutex
	sent []channels.SendPayload
}

func (f *fakeConnector) Connect(context.Context) error {
	if f.BeginConnect() {
		f.SetStatus(channels.StatusConnected, nil)
	}
	return nil
}

func (f *fakeConnector) Disconnect(context.Context) error {
	f.SetStatus(channels.StatusDisconnected, nil)
	return nil
}

func (f *fakeConnector) SendMessage(_ context.Context, p channels.SendPayload) (*channels.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, p)
	return &channels.SendResult{ExternalMessageID: fmt.Sprintf("out-%d", len(f.sent))}, nil
}

func (f *fakeConnector) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, p := range f.sent {
		out = append(out, p.Text)
	}
	return out
}

type fakeFactory struct {
	mu    sync.Mutex
	made  map[string][]*fakeConnector
	order []string
}

func (ff *fakeFactory) factory(conn channels.ChannelConnection, sink channels.EventSink, inbound channels.InboundHandler) (channels.Connector, error) {
	c := &fakeConnector{StatusTracker: channels.NewStatusTracker(conn.ID, sink), conn: conn, inbound: inbound}
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if ff.made == nil {
		ff.made = make(map[string][]*fakeConnector)
	}
	ff.made[conn.ID] = append(ff.made[conn.ID], c)
	ff.order = append(ff.order, conn.ID)
	return c, nil
}

func (ff *fakeFactory) latest(id string) *fakeConnector {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	list := ff.made[id]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

func (ff *fakeFactory) count(id string) int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return len(ff.made[id])
}

const seedYAML = `connections:
  - id: tg-1
    character_id: helper
    channel_type: telegram
    config:
      telegram:
        bot_token: "123:abc"
`

func newAgentServer(t *testing.T, reply string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: {\"type\":\"text-delta\",\"delta\":%q}\n\n", reply)
		fmt.Fprint(w, "data: {\"type\":\"finish\",\"finishReason\":\"stop\"}\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestConfig(t *testing.T, agentURL string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.Storage.Dir = filepath.Join(dir, "files")
	cfg.Logging.File = filepath.Join(dir, "relay.log")
	cfg.Agent.BaseURL = agentURL + "/api"
	cfg.Agent.BackoffMs = 10
	cfg.Admin.Port = freePort(t)
	seed := filepath.Join(dir, "connections.yaml")
	require.NoError(t, os.WriteFile(seed, []byte(seedYAML), 0600))
	cfg.ConnectionsFile = seed
	return cfg
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Out: io.Discard})
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	return log
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

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Agent.BaseURL = ""
	_, err := New(cfg, newTestLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent.base_url")
}

func TestDaemon_EndToEnd(t *testing.T) {
	agent := newAgentServer(t, "hello back")
	cfg := newTestConfig(t, agent.URL)
	ff := &fakeFactory{}

	d, err := New(cfg, newTestLogger(t), WithFactory(channels.ChannelTelegram, ff.factory))
	require.NoError(t, err)
	require.NoError(t, d.Start())
	assert.Error(t, d.Start())

	// The seed is stored and bootstrapped.
	require.Eventually(t, func() bool {
		c := ff.latest("tg-1")
		return c != nil && c.Status() == channels.StatusConnected
	}, 5*time.Second, 20*time.Millisecond)
	conn, err := d.Store().GetConnection(context.Background(), "tg-1")
	require.NoError(t, err)
	assert.Equal(t, "helper", conn.CharacterID)
	assert.Equal(t, "default", conn.UserID)

	_, err = os.Stat(cfg.PIDFile())
	assert.NoError(t, err)
	assert.True(t, d.Status().Running)

	resp, err := http.Get("http://" + d.AdminAddr() + "/connections")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"id":"tg-1"`)
	assert.NotContains(t, string(body), "123:abc")

	// A message flows through the pipeline to the agent and back.
	c := ff.latest("tg-1")
	c.inbound.HandleInbound(context.Background(), channels.InboundMessage{
		ConnectionID: "tg-1",
		CharacterID:  "helper",
		ChannelType:  channels.ChannelTelegram,
		PeerID:       "42",
		PeerName:     "Ana",
		MessageID:    "m-1",
		Text:         "hi",
		Timestamp:    time.Now(),
	})
	require.Eventually(t, func() bool {
		for _, text := range c.texts() {
			if strings.Contains(text, "hello back") {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, d.Stop())
	assert.Error(t, d.Stop())
	assert.Equal(t, channels.StatusDisconnected, c.Status())
	_, err = os.Stat(cfg.PIDFile())
	assert.True(t, os.IsNotExist(err))
}

func TestDaemon_ReloadsSeedAndReconnects(t *testing.T) {
	agent := newAgentServer(t, "ok")
	cfg := newTestConfig(t, agent.URL)
	cfg.Admin.Enabled = false
	ff := &fakeFactory{}

	d, err := New(cfg, newTestLogger(t), WithFactory(channels.ChannelTelegram, ff.factory))
	require.NoError(t, err)
	require.NoError(t, d.Start())
	defer d.Stop()
	assert.Empty(t, d.AdminAddr())

	require.Eventually(t, func() bool { return ff.count("tg-1") == 1 }, 5*time.Second, 20*time.Millisecond)

	edited := strings.Replace(seedYAML, "character_id: helper", "character_id: concierge", 1)
	require.NoError(t, os.WriteFile(cfg.ConnectionsFile, []byte(edited), 0600))

	require.Eventually(t, func() bool {
		c := ff.latest("tg-1")
		return ff.count("tg-1") == 2 && c.Status() == channels.StatusConnected
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "concierge", ff.latest("tg-1").conn.CharacterID)

	// Rewriting identical content changes nothing.
	require.NoError(t, os.WriteFile(cfg.ConnectionsFile, []byte(edited), 0600))
	time.Sleep(DefaultSeedDebounce + 300*time.Millisecond)
	assert.Equal(t, 2, ff.count("tg-1"))
}

func TestDaemon_HousekeepingJobs(t *testing.T) {
	agent := newAgentServer(t, "ok")

	cfg := newTestConfig(t, agent.URL)
	cfg.Admin.Enabled = false
	d, err := New(cfg, newTestLogger(t))
	require.NoError(t, err)
	jobs := d.Cron().Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, jobInteractivePurge, jobs[0].Name)
	require.NoError(t, d.Cron().RunNow(context.Background(), jobInteractivePurge))
	d.release()

	cfg = newTestConfig(t, agent.URL)
	cfg.Admin.Enabled = false
	cfg.Session.IdleArchiveMinutes = 15
	d, err = New(cfg, newTestLogger(t))
	require.NoError(t, err)
	defer d.release()
	names := []string{}
	for _, j := range d.Cron().Jobs() {
		names = append(names, j.Name)
	}
	assert.Equal(t, []string{jobInteractivePurge, jobSessionArchive}, names)
	require.NoError(t, d.Cron().RunNow(context.Background(), jobSessionArchive))
}

type syncBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestDaemon_MasksConnectionCredentials(t *testing.T) {
	agent := newAgentServer(t, "ok")
	cfg := newTestConfig(t, agent.URL)
	cfg.Admin.Enabled = false
	const token = "987654:seeded-credential"
	seed := strings.Replace(seedYAML, "123:abc", token, 1)
	require.NoError(t, os.WriteFile(cfg.ConnectionsFile, []byte(seed), 0600))

	out := &syncBuffer{}
	log, err := logger.New(logger.Config{Level: "info", Out: out, Redaction: true})
	require.NoError(t, err)
	ff := &fakeFactory{}

	d, err := New(cfg, log, WithFactory(channels.ChannelTelegram, ff.factory))
	require.NoError(t, err)
	require.NoError(t, d.Start())
	defer d.Stop()

	zl := log.Component("test")
	zl.Info().Msg("credential " + token)
	assert.NotContains(t, out.String(), token)
	assert.Contains(t, out.String(), "credential [REDACTED:")
}

func TestDaemon_StartFailsWhenAlreadyRunning(t *testing.T) {
	agent := newAgentServer(t, "ok")
	cfg := newTestConfig(t, agent.URL)
	cfg.Admin.Enabled = false
	require.NoError(t, os.WriteFile(cfg.PIDFile(), []byte(fmt.Sprint(os.Getppid())), 0644))

	d, err := New(cfg, newTestLogger(t))
	require.NoError(t, err)
	defer d.release()

	err = d.Start()
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.False(t, d.Status().Running)
}
