// Package attachments stores inbound media on local disk and serves it back
// by URL path.
package attachments

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// URLPrefix is the path prefix of every stored file URL.
const URLPrefix = "/files/"

// ErrInvalidPath is returned for paths that escape the storage root.
var ErrInvalidPath = errors.New("invalid attachment path")

// Saved describes a stored file.
type Saved struct {
	URL  string
	Path string
	Size int
}

// Storage is a directory of session-scoped files.
type Storage struct {
	root   string
	logger zerolog.Logger
}

// NewStorage creates the storage root if needed.
func NewStorage(root string, logger zerolog.Logger) (*Storage, error) {
	if root == "" {
		return nil, errors.New("storage directory is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &Storage{
		root:   abs,
		logger: logger.With().Str("component", "attachments").Logger(),
	}, nil
}

// Root returns the absolute storage directory.
func (s *Storage) Root() string {
	return s.root
}

// SaveFile writes data under <session>/<kind>/ and returns its URL.
func (s *Storage) SaveFile(data []byte, sessionID, filename, kind string) (*Saved, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	if kind == "" {
		kind = "files"
	}
	if !validSegment(sessionID) || !validSegment(kind) {
		return nil, fmt.Errorf("%w: %s/%s", ErrInvalidPath, sessionID, kind)
	}

	id, err := gonanoid.New(12)
	if err != nil {
		return nil, fmt.Errorf("failed to generate file id: %w", err)
	}
	name := id + "-" + sanitizeFilename(filename)

	dir := filepath.Join(s.root, sessionID, kind)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create attachment directory: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write attachment: %w", err)
	}

	s.logger.Debug().
		Str("session_id", sessionID).
		Str("kind", kind).
		Int("size", len(data)).
		Msg("Attachment saved")

	return &Saved{
		URL:  URLPrefix + sessionID + "/" + kind + "/" + name,
		Path: path,
		Size: len(data),
	}, nil
}

// ReadLocalFile reads a stored file by URL ("/files/...") or path relative
// to the storage root.
func (s *Storage) ReadLocalFile(relative string) ([]byte, error) {
	path, err := s.resolve(relative)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read attachment: %w", err)
	}
	return data, nil
}

// IsLocalURL reports whether u points into this storage.
func IsLocalURL(u string) bool {
	return strings.HasPrefix(u, URLPrefix)
}

func (s *Storage) resolve(relative string) (string, error) {
	rel := strings.TrimPrefix(relative, URLPrefix)
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" || strings.Contains(rel, "..") || strings.ContainsRune(rel, 0) {
		return "", fmt.Errorf("%w: %s", ErrInvalidPath, relative)
	}

	abs := filepath.Join(s.root, filepath.FromSlash(rel))
	within, err := filepath.Rel(s.root, abs)
	if err != nil || within == "." || strings.HasPrefix(within, "..") {
		return "", fmt.Errorf("%w: %s", ErrInvalidPath, relative)
	}
	return abs, nil
}

func validSegment(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`) && !strings.ContainsRune(s, 0)
}

func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	if name == "." || name == "/" || name == "" || name == ".." {
		return "file"
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if out == "" {
		return "file"
	}
	return out
}
