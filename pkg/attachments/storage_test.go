package attachments

import (
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := NewStorage(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	return s
}

func TestSaveAndRead(t *testing.T) {
	s := newTestStorage(t)

	saved, err := s.SaveFile([]byte("png-bytes"), "sess-1", "photo.png", "images")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(saved.URL, "/files/sess-1/images/"))
	assert.True(t, strings.HasSuffix(saved.URL, "-photo.png"))
	assert.Equal(t, 9, saved.Size)
	assert.True(t, IsLocalURL(saved.URL))

	data, err := s.ReadLocalFile(saved.URL)
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), data)

	// The same file by root-relative path.
	data, err = s.ReadLocalFile(strings.TrimPrefix(saved.URL, URLPrefix))
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), data)
}

func TestSaveFile_SanitizesNames(t *testing.T) {
	s := newTestStorage(t)

	saved, err := s.SaveFile([]byte("x"), "sess", "../../etc/pass wd", "")
	require.NoError(t, err)
	assert.Contains(t, saved.URL, "/files/sess/files/")
	assert.True(t, strings.HasSuffix(saved.URL, "-pass_wd"))

	_, err = os.Stat(saved.Path)
	assert.NoError(t, err)
	assert.True(t, strings.HasPrefix(saved.Path, s.Root()))

	saved, err = s.SaveFile([]byte("x"), "sess", "", "audio")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(saved.URL, "-file"))
}

func TestSaveFile_RejectsBadSegments(t *testing.T) {
	s := newTestStorage(t)

	_, err := s.SaveFile([]byte("x"), "", "a.txt", "files")
	assert.Error(t, err)
	_, err = s.SaveFile([]byte("x"), "../escape", "a.txt", "files")
	assert.ErrorIs(t, err, ErrInvalidPath)
	_, err = s.SaveFile([]byte("x"), "sess", "a.txt", "..")
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestReadLocalFile_RejectsTraversal(t *testing.T) {
	s := newTestStorage(t)

	for _, p := range []string{
		"/files/../secret",
		"../outside.txt",
		"/files/sess/../../x",
		"",
		"/files/",
	} {
		_, err := s.ReadLocalFile(p)
		assert.ErrorIs(t, err, ErrInvalidPath, p)
	}

	_, err := s.ReadLocalFile("/files/sess/images/missing.png")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidPath)
}
