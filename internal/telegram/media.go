package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/relay/pkg/channels"
)

// MaxMediaSize is the Bot API download limit.
const MaxMediaSize = 20 * 1024 * 1024

// mediaRef points at one downloadable file of a message.
type mediaRef struct {
	fileID   string
	kind     channels.AttachmentType
	filename string
	mimeType string
	size     int
}

func mediaRefs(msg *tgbotapi.Message) []mediaRef {
	var refs []mediaRef
	if n := len(msg.Photo); n > 0 {
		largest := msg.Photo[n-1]
		refs = append(refs, mediaRef{fileID: largest.FileID, kind: channels.AttachmentImage, mimeType: "image/jpeg", size: largest.FileSize})
	}
	if v := msg.Voice; v != nil {
		mime := v.MimeType
		if mime == "" {
			mime = "audio/ogg"
		}
		refs = append(refs, mediaRef{fileID: v.FileID, kind: channels.AttachmentAudio, mimeType: mime, size: v.FileSize})
	}
	if a := msg.Audio; a != nil {
		refs = append(refs, mediaRef{fileID: a.FileID, kind: channels.AttachmentAudio, filename: a.FileName, mimeType: a.MimeType, size: a.FileSize})
	}
	if d := msg.Document; d != nil {
		kind := channels.AttachmentFile
		if strings.HasPrefix(d.MimeType, "image/") {
			kind = channels.AttachmentImage
		}
		refs = append(refs, mediaRef{fileID: d.FileID, kind: kind, filename: d.FileName, mimeType: d.MimeType, size: d.FileSize})
	}
	return refs
}

// downloadAttachments fetches every file of msg. Failed downloads are
// logged and skipped.
func (c *Connector) downloadAttachments(ctx context.Context, api *tgbotapi.BotAPI, msg *tgbotapi.Message) []channels.Attachment {
	var out []channels.Attachment
	for _, ref := range mediaRefs(msg) {
		att, err := c.download(ctx, api, ref)
		if err != nil {
			c.logger.Warn().
				Err(err).
				Str("file_id", ref.fileID).
				Str("type", string(ref.kind)).
				Msg("Failed to download media")
			continue
		}
		out = append(out, *att)
	}
	return out
}

func (c *Connector) download(ctx context.Context, api *tgbotapi.BotAPI, ref mediaRef) (*channels.Attachment, error) {
	if ref.size > MaxMediaSize {
		return nil, fmt.Errorf("file size %d exceeds maximum %d", ref.size, MaxMediaSize)
	}

	file, err := api.GetFile(tgbotapi.FileConfig{FileID: ref.fileID})
	if err != nil {
		return nil, fmt.Errorf("failed to get file info: %w", err)
	}

	url := fmt.Sprintf(c.opts.FileEndpoint, api.Token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download failed with status: %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxMediaSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if len(data) > MaxMediaSize {
		return nil, fmt.Errorf("file exceeds maximum %d bytes", MaxMediaSize)
	}

	name := ref.filename
	if name == "" {
		name = path.Base(file.FilePath)
	}
	return &channels.Attachment{Type: ref.kind, Filename: name, MimeType: ref.mimeType, Data: data}, nil
}

// uploadTarget maps an attachment to its Bot API method and form field.
func uploadTarget(att channels.Attachment) (method, field string) {
	switch att.Type {
	case channels.AttachmentImage:
		return "sendPhoto", "photo"
	case channels.AttachmentAudio:
		if isVoice(att.MimeType) {
			return "sendVoice", "voice"
		}
		return "sendAudio", "audio"
	default:
		return "sendDocument", "document"
	}
}

// isVoice reports whether Telegram will render the audio as a voice note.
func isVoice(mimeType string) bool {
	m := strings.ToLower(mimeType)
	return m == "" || strings.Contains(m, "ogg") || strings.Contains(m, "opus")
}

func (c *Connector) sendMedia(api *tgbotapi.BotAPI, chatID int64, threadID, replyTo int, att channels.Attachment, caption string) (int, error) {
	method, field := uploadTarget(att)

	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", chatID)
	params.AddNonZero("message_thread_id", threadID)
	params.AddNonZero("reply_to_message_id", replyTo)
	params.AddNonEmpty("caption", caption)
	if replyTo != 0 {
		params.AddBool("allow_sending_without_reply", true)
	}

	name := att.Filename
	if name == "" {
		name = field
	}
	resp, err := api.UploadFiles(method, params, []tgbotapi.RequestFile{{
		Name: field,
		Data: tgbotapi.FileBytes{Name: name, Bytes: att.Data},
	}})
	if err != nil {
		return 0, fmt.Errorf("%s failed: %w", method, err)
	}
	return messageID(resp), nil
}
