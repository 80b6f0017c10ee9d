package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/relay/pkg/channels"
	"github.com/tidwall/gjson"
)

// CaptionLimit is the media caption limit, smaller than the text limit.
const CaptionLimit = 1024

var videoURL = regexp.MustCompile(`(?i)https?://(?:www\.|m\.)?(?:youtube\.com|youtu\.be|vimeo\.com|(?:vm\.)?tiktok\.com)/\S*`)

// SendMessage sends text and at most one image plus one audio attachment.
// Captions that do not fit are truncated and the full text follows.
func (c *Connector) SendMessage(ctx context.Context, payload channels.SendPayload) (*channels.SendResult, error) {
	api, release, err := c.client(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	chatID, err := strconv.ParseInt(payload.PeerID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat id %q: %w", payload.PeerID, err)
	}
	threadID := atoi(payload.ThreadID)
	replyTo := atoi(payload.ReplyToMessageID)

	result := &channels.SendResult{ChunkIndex: payload.ChunkIndex, TotalChunks: payload.TotalChunks}

	if len(payload.Attachments) == 0 {
		id, err := c.sendText(api, chatID, threadID, replyTo, payload.Text)
		if err != nil {
			return nil, err
		}
		result.ExternalMessageID = strconv.Itoa(id)
		return result, nil
	}

	photoID := 0
	var followUp string
	for i, att := range payload.Attachments {
		caption := ""
		if i == 0 {
			caption, followUp = captionFor(att, payload.Text)
		}
		reply := replyTo
		if att.Type == channels.AttachmentAudio && photoID != 0 {
			reply = photoID
		}

		id, err := c.sendMedia(api, chatID, threadID, reply, att, caption)
		if err != nil && caption != "" && isCaptionError(err) {
			c.logger.Warn().Err(err).Msg("Caption rejected, resending without it")
			id, err = c.sendMedia(api, chatID, threadID, reply, att, "")
			followUp = payload.Text
		}
		if err != nil {
			return nil, err
		}

		if att.Type == channels.AttachmentImage && photoID == 0 {
			photoID = id
		}
		result.AddMessageID(formatID(id))
	}

	if strings.TrimSpace(followUp) != "" {
		id, err := c.sendText(api, chatID, threadID, 0, followUp)
		if err != nil {
			return nil, fmt.Errorf("failed to send caption follow-up: %w", err)
		}
		result.AddMessageID(formatID(id))
	}
	return result, nil
}

func (c *Connector) sendText(api *tgbotapi.BotAPI, chatID int64, threadID, replyTo int, text string) (int, error) {
	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", chatID)
	params.AddNonEmpty("text", text)
	params.AddNonZero("message_thread_id", threadID)
	params.AddNonZero("reply_to_message_id", replyTo)
	if replyTo != 0 {
		params.AddBool("allow_sending_without_reply", true)
	}

	resp, err := api.MakeRequest("sendMessage", params)
	if err != nil {
		return 0, fmt.Errorf("failed to send message: %w", err)
	}
	id := messageID(resp)
	c.logger.Debug().Int64("chat_id", chatID).Int("message_id", id).Msg("Message sent")
	return id, nil
}

// captionFor returns the caption to attach and the text, if any, that must
// follow as its own message.
func captionFor(att channels.Attachment, text string) (caption, followUp string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ""
	}

	caption = text
	if att.Type == channels.AttachmentAudio {
		if stripped := StripVideoURLs(text); stripped != text {
			caption, followUp = stripped, text
		}
	}
	if utf8.RuneCountInString(caption) > CaptionLimit {
		caption, followUp = TruncateCaption(caption, CaptionLimit), text
	}
	return caption, followUp
}

// TruncateCaption shortens text to at most limit runes, cutting at a word
// boundary when one exists and ending with an ellipsis.
func TruncateCaption(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	if limit <= 1 {
		return "…"
	}

	cut := string(runes[:limit-1])
	if !unicode.IsSpace(runes[limit-1]) {
		if i := strings.LastIndexAny(cut, " \n\t"); i > len(cut)/2 {
			cut = cut[:i]
		}
	}
	return strings.TrimRight(cut, " \n\t.,;:") + "…"
}

// StripVideoURLs removes video-platform links, which Telegram would
// otherwise preview next to a voice note.
func StripVideoURLs(text string) string {
	if !videoURL.MatchString(text) {
		return text
	}
	out := videoURL.ReplaceAllString(text, "")
	fields := strings.FieldsFunc(out, func(r rune) bool { return r == ' ' || r == '\t' })
	lines := strings.Split(strings.Join(fields, " "), "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// isCaptionError matches on the description: upload responses do not carry
// the error code.
func isCaptionError(err error) bool {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.Code != 0 && apiErr.Code != http.StatusBadRequest {
		return false
	}
	return strings.Contains(strings.ToLower(apiErr.Message), "caption")
}

func formatID(id int) string {
	if id == 0 {
		return ""
	}
	return strconv.Itoa(id)
}

func messageID(resp *tgbotapi.APIResponse) int {
	if resp == nil {
		return 0
	}
	return int(gjson.GetBytes(resp.Result, "message_id").Int())
}
