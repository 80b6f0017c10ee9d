package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harun/relay/pkg/channels"
	"github.com/harun/relay/pkg/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedStore writes connections into the database under dir.
func seedStore(t *testing.T, dir string, conns ...channels.ChannelConnection) {
	t.Helper()
	st, err := store.Open(filepath.Join(dir, "relay.db"), zerolog.Nop())
	require.NoError(t, err)
	defer st.Close()
	for _, c := range conns {
		_, err := st.UpsertConnection(context.Background(), c)
		require.NoError(t, err)
	}
}

func telegramConn(id, user string) channels.ChannelConnection {
	return channels.ChannelConnection{
		ID:          id,
		UserID:      user,
		CharacterID: "helper",
		ChannelType: channels.ChannelTelegram,
		Config:      channels.ConnectionConfig{Telegram: &channels.TelegramConfig{BotToken: "123:secret"}},
	}
}

func TestStatusCommand(t *testing.T) {
	t.Run("stopped without database", func(t *testing.T) {
		path, dir := writeConfig(t, nil)
		out, err := execute(t, path, "status")
		require.NoError(t, err)
		assert.Contains(t, out, "Status: stopped")
		assert.Contains(t, out, "No connections")

		_, err = os.Stat(filepath.Join(dir, "relay.db"))
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("running with connections", func(t *testing.T) {
		path, dir := writeConfig(t, nil)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "relay.pid"), []byte(fmt.Sprint(os.Getpid())), 0644))
		seedStore(t, dir, telegramConn("tg-1", "default"), telegramConn("tg-other", "someone-else"))

		out, err := execute(t, path, "status")
		require.NoError(t, err)
		assert.Contains(t, out, "Status: running")
		assert.Contains(t, out, fmt.Sprintf("PID: %d", os.Getpid()))
		assert.Contains(t, out, "tg-1")
		assert.NotContains(t, out, "tg-other")
		assert.NotContains(t, out, "123:secret")
	})
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{5 * time.Second, "5s"},
		{90 * time.Second, "1m30s"},
		{2*time.Hour + 3*time.Minute + 4*time.Second, "2h3m4s"},
		{1400 * time.Millisecond, "1s"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatDuration(tt.in))
	}
}
