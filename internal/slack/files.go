package slack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/harun/relay/pkg/channels"
	"github.com/slack-go/slack/slackevents"
)

// MaxFileSize caps inbound file downloads.
const MaxFileSize = 20 * 1024 * 1024

// errMissingScope marks a 403 from the file host.
var errMissingScope = errors.New("missing files:read scope")

// downloadFiles fetches shared files. Each failure produces a diagnostic
// line for the message text so the agent knows a file was dropped.
func (c *Connector) downloadFiles(ctx context.Context, files []slackevents.File) ([]channels.Attachment, []string) {
	var (
		out         []channels.Attachment
		diagnostics []string
	)
	for _, f := range files {
		att, err := c.downloadFile(ctx, f.ID)
		if err != nil {
			name := f.Name
			if name == "" {
				name = f.ID
			}
			reason := "download failed"
			if errors.Is(err, errMissingScope) {
				reason = errMissingScope.Error()
			}
			c.logger.Warn().
				Err(err).
				Str("file_id", f.ID).
				Msg("Failed to download Slack file")
			diagnostics = append(diagnostics, fmt.Sprintf("[Attachment %s could not be downloaded: %s]", name, reason))
			continue
		}
		out = append(out, *att)
	}
	return out, diagnostics
}

func (c *Connector) downloadFile(ctx context.Context, fileID string) (*channels.Attachment, error) {
	api, err := c.client()
	if err != nil {
		return nil, err
	}
	info, _, _, err := api.GetFileInfoContext(ctx, fileID, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to get file info: %w", err)
	}
	if info.Size > MaxFileSize {
		return nil, fmt.Errorf("file size %d exceeds maximum %d", info.Size, MaxFileSize)
	}

	url := info.URLPrivateDownload
	if url == "" {
		url = info.URLPrivate
	}
	if url == "" {
		return nil, errors.New("file has no download url")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.botToken)
	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download file: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusForbidden:
		return nil, errMissingScope
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("download failed with status: %d", resp.StatusCode)
	}
	// Without the scope Slack serves its login page instead of the file.
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") && !strings.HasPrefix(info.Mimetype, "text/html") {
		return nil, errMissingScope
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if len(data) > MaxFileSize {
		return nil, fmt.Errorf("file exceeds maximum %d bytes", MaxFileSize)
	}

	return &channels.Attachment{
		Type:     attachmentType(info.Mimetype),
		Filename: info.Name,
		MimeType: info.Mimetype,
		Data:     data,
	}, nil
}

func attachmentType(mimeType string) channels.AttachmentType {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return channels.AttachmentImage
	case strings.HasPrefix(mimeType, "audio/"):
		return channels.AttachmentAudio
	default:
		return channels.AttachmentFile
	}
}
