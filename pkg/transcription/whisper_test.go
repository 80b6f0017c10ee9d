package transcription

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_UnavailableWithoutKey(t *testing.T) {
	s := New(Config{}, zerolog.Nop())
	assert.False(t, s.IsAvailable())

	_, err := s.Transcribe(context.Background(), []byte("audio"), "audio/ogg", "")
	assert.ErrorIs(t, err, ErrUnavailable)

	var nilService *Service
	assert.False(t, nilService.IsAvailable())
}

func TestService_Transcribe(t *testing.T) {
	var gotModel, gotFormat string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/audio/transcriptions"), r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		gotModel = r.FormValue("model")
		gotFormat = r.FormValue("response_format")

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":" hello there ","language":"en","duration":3.5}`))
	}))
	defer srv.Close()

	s := New(Config{APIKey: "sk-test", BaseURL: srv.URL + "/"}, zerolog.Nop())
	require.True(t, s.IsAvailable())

	res, err := s.Transcribe(context.Background(), []byte("OggS"), "audio/ogg", "")
	require.NoError(t, err)
	assert.Equal(t, "hello there", res.Text)
	assert.Equal(t, "openai-whisper", res.Provider)
	require.NotNil(t, res.DurationSeconds)
	assert.InDelta(t, 3.5, *res.DurationSeconds, 0.001)
	assert.Equal(t, "whisper-1", gotModel)
	assert.Equal(t, "verbose_json", gotFormat)
}

func TestService_EmptyAudio(t *testing.T) {
	s := New(Config{APIKey: "sk-test"}, zerolog.Nop())
	_, err := s.Transcribe(context.Background(), nil, "audio/ogg", "")
	assert.Error(t, err)
}

func TestExtensionFor(t *testing.T) {
	assert.Equal(t, ".ogg", extensionFor("audio/ogg; codecs=opus"))
	assert.Equal(t, ".mp3", extensionFor("audio/mpeg"))
	assert.Equal(t, ".m4a", extensionFor("audio/mp4"))
	assert.Equal(t, ".ogg", extensionFor(""))
}
