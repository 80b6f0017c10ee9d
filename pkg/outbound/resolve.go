package outbound

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/harun/relay/pkg/attachments"
	"github.com/harun/relay/pkg/channels"
)

const (
	defaultMaxBytes     = 20 * 1024 * 1024
	defaultFetchTimeout = 30 * time.Second
)

// LocalReader reads files from attachment storage.
type LocalReader interface {
	ReadLocalFile(relative string) ([]byte, error)
}

// Resolver turns an image reference into attachment bytes.
type Resolver struct {
	local    LocalReader
	http     *http.Client
	maxBytes int64
}

// NewResolver creates a Resolver. local may be nil, in which case storage
// paths cannot be resolved.
func NewResolver(local LocalReader, client *http.Client) *Resolver {
	if client == nil {
		client = &http.Client{Timeout: defaultFetchTimeout}
	}
	return &Resolver{local: local, http: client, maxBytes: defaultMaxBytes}
}

// Resolve loads ref, which is a data: URL, an http(s) URL or a storage path.
func (r *Resolver) Resolve(ctx context.Context, ref string) (*channels.Attachment, error) {
	switch {
	case strings.HasPrefix(ref, "data:"):
		return decodeDataURL(ref)
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return r.fetch(ctx, ref)
	case attachments.IsLocalURL(ref):
		if r.local == nil {
			return nil, errors.New("attachment storage is not configured")
		}
		data, err := r.local.ReadLocalFile(ref)
		if err != nil {
			return nil, err
		}
		return imageAttachment(data, mimeFromName(ref), path.Base(ref)), nil
	}
	return nil, fmt.Errorf("unsupported image reference %q", truncate(ref, 64))
}

func (r *Resolver) fetch(ctx context.Context, ref string) (*channels.Attachment, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build image request: %w", err)
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch image: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	if int64(len(data)) > r.maxBytes {
		return nil, fmt.Errorf("image exceeds %d bytes", r.maxBytes)
	}

	mimeType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}
	name := "image"
	if u, err := url.Parse(ref); err == nil && path.Base(u.Path) != "/" && path.Base(u.Path) != "." {
		name = path.Base(u.Path)
	}
	return imageAttachment(data, mimeType, name), nil
}

func decodeDataURL(ref string) (*channels.Attachment, error) {
	header, payload, ok := strings.Cut(strings.TrimPrefix(ref, "data:"), ",")
	if !ok {
		return nil, errors.New("malformed data URL")
	}
	mimeType := "application/octet-stream"
	isBase64 := false
	for i, field := range strings.Split(header, ";") {
		switch {
		case i == 0 && field != "":
			mimeType = field
		case field == "base64":
			isBase64 = true
		}
	}

	var data []byte
	if isBase64 {
		decoded, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			decoded, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
			if err != nil {
				return nil, fmt.Errorf("failed to decode data URL: %w", err)
			}
		}
		data = decoded
	} else {
		unescaped, err := url.PathUnescape(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to decode data URL: %w", err)
		}
		data = []byte(unescaped)
	}
	if len(data) == 0 {
		return nil, errors.New("data URL is empty")
	}
	return imageAttachment(data, mimeType, "image"), nil
}

func imageAttachment(data []byte, mimeType, name string) *channels.Attachment {
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	if path.Ext(name) == "" {
		if exts, _ := mime.ExtensionsByType(mimeType); len(exts) > 0 {
			name += exts[0]
		}
	}
	return &channels.Attachment{
		Type:     channels.AttachmentImage,
		Filename: name,
		MimeType: mimeType,
		Data:     data,
	}
}

func mimeFromName(name string) string {
	return mime.TypeByExtension(path.Ext(name))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
