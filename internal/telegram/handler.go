package telegram

import (
	"context"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/relay/pkg/channels"
)

// handleUpdate normalizes one update and hands it to the inbound handler.
func (c *Connector) handleUpdate(ctx context.Context, api *tgbotapi.BotAPI, update tgbotapi.Update, threadID int64) {
	msg := update.Message
	if msg == nil || msg.Chat == nil || msg.From == nil {
		return
	}

	in := channels.InboundMessage{
		ConnectionID: c.conn.ID,
		CharacterID:  c.conn.CharacterID,
		ChannelType:  channels.ChannelTelegram,
		PeerID:       strconv.FormatInt(msg.Chat.ID, 10),
		PeerName:     senderName(msg.From),
		ChatName:     msg.Chat.Title,
		MessageID:    strconv.Itoa(msg.MessageID),
		Text:         ParseCaption(msg),
		FromSelf:     msg.From.ID == api.Self.ID,
		Timestamp:    time.Unix(int64(msg.Date), 0),
	}
	if threadID != 0 {
		in.ThreadID = strconv.FormatInt(threadID, 10)
	}
	in.Attachments = c.downloadAttachments(ctx, api, msg)

	if strings.TrimSpace(in.Text) == "" && len(in.Attachments) == 0 {
		return
	}

	c.logger.Debug().
		Str("peer_id", in.PeerID).
		Str("thread_id", in.ThreadID).
		Int("attachments", len(in.Attachments)).
		Msg("Message received")

	if c.inbound != nil {
		c.inbound.HandleInbound(ctx, in)
	}
}

// ParseCaption returns the caption of a media message, or its text.
func ParseCaption(msg *tgbotapi.Message) string {
	if msg.Caption != "" {
		return msg.Caption
	}
	return msg.Text
}

func senderName(u *tgbotapi.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name != "" {
		return name
	}
	if u.UserName != "" {
		return u.UserName
	}
	return strconv.FormatInt(u.ID, 10)
}
