package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/relay/pkg/channels"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSeed(t *testing.T) {
	t.Setenv("RELAY_TEST_SLACK_BOT", "xoxb-1")

	conns, err := parseSeed([]byte(`
connections:
  - id: wa-main
    channel_type: whatsapp
  - id: slack-ops
    user_id: ops
    character_id: oncall
    channel_type: slack
    config:
      slack:
        bot_token: ${RELAY_TEST_SLACK_BOT}
        app_token: xapp-1-abc
`), "default")
	require.NoError(t, err)
	require.Len(t, conns, 2)

	assert.Equal(t, "wa-main", conns[0].ID)
	assert.Equal(t, "default", conns[0].UserID)
	assert.Equal(t, channels.ChannelWhatsApp, conns[0].ChannelType)

	assert.Equal(t, "ops", conns[1].UserID)
	require.NotNil(t, conns[1].Config.Slack)
	assert.Equal(t, "xoxb-1", conns[1].Config.Slack.BotToken)
}

func TestParseSeed_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing id",
			yaml: "connections:\n  - channel_type: whatsapp\n",
			want: "id is required",
		},
		{
			name: "duplicate id",
			yaml: "connections:\n  - id: a\n    channel_type: whatsapp\n  - id: a\n    channel_type: whatsapp\n",
			want: "duplicate id",
		},
		{
			name: "unknown channel",
			yaml: "connections:\n  - id: a\n    channel_type: irc\n",
			want: "unsupported channel type",
		},
		{
			name: "missing token",
			yaml: "connections:\n  - id: a\n    channel_type: discord\n",
			want: "discord bot token is required",
		},
		{
			name: "unknown field",
			yaml: "connections:\n  - id: a\n    channel_type: whatsapp\n    colour: blue\n",
			want: "failed to parse",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseSeed([]byte(tt.yaml), "default")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseSeed_Empty(t *testing.T) {
	conns, err := parseSeed(nil, "default")
	require.NoError(t, err)
	assert.Empty(t, conns)
}

type recordingUpserter struct {
	changed map[string]bool
	fail    string
	seen    []string
}

func (r *recordingUpserter) UpsertConnection(_ context.Context, conn channels.ChannelConnection) (bool, error) {
	if conn.ID == r.fail {
		return false, errors.New("disk full")
	}
	r.seen = append(r.seen, conn.ID)
	return r.changed[conn.ID], nil
}

func TestSyncSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "connections.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedYAML+`  - id: wa-1
    channel_type: whatsapp
`), 0600))

	store := &recordingUpserter{changed: map[string]bool{"wa-1": true}}
	changed, err := SyncSeed(context.Background(), path, "default", store)
	require.NoError(t, err)
	assert.Equal(t, []string{"tg-1", "wa-1"}, store.seen)
	assert.Equal(t, []string{"wa-1"}, changed)

	store = &recordingUpserter{fail: "wa-1"}
	_, err = SyncSeed(context.Background(), path, "default", store)
	assert.ErrorContains(t, err, "connection wa-1: disk full")

	_, err = SyncSeed(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"), "default", store)
	assert.Error(t, err)
}

func TestSeedWatcher_DebouncesChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "connections.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0600))

	var calls atomic.Int32
	w, err := NewSeedWatcher(path, 100*time.Millisecond, func() { calls.Add(1) }, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	// Another file in the directory is ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x"), 0600))
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0600))
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	// Atomic rename-over saves are seen too.
	tmp := filepath.Join(dir, ".connections.yaml.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte(seedYAML), 0600))
	require.NoError(t, os.Rename(tmp, path))
	require.Eventually(t, func() bool { return calls.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestSeedWatcher_StopDropsPending(t *testing.T) {
	path := filepath.Join(t.TempDir(), "connections.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0600))

	var calls atomic.Int32
	w, err := NewSeedWatcher(path, 200*time.Millisecond, func() { calls.Add(1) }, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, w.Start())

	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0600))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}
