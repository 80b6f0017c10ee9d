package whatsapp

import (
	"context"
	"encoding/base64"
	"strings"
	"time"

	"github.com/harun/relay/pkg/channels"
)

// handleMessage normalizes a bridge message. Messages from the paired
// account are dropped unless self-chat is enabled and they were sent to
// the account's own chat.
func (c *Connector) handleMessage(ctx context.Context, f inFrame) {
	if f.FromMe {
		c.mu.Lock()
		me := c.me
		c.mu.Unlock()
		if !c.selfChat || me == "" || !sameUser(f.Chat, me) {
			return
		}
	}

	var attachments []channels.Attachment
	if f.Media != nil {
		att, err := decodeMedia(f.Media)
		if err != nil {
			c.logger.Warn().Err(err).Str("message_id", f.ID).Msg("Failed to decode WhatsApp media")
		} else {
			attachments = append(attachments, att)
		}
	}
	text := strings.TrimSpace(f.Text)
	if f.Media != nil && f.Media.Caption != "" && text == "" {
		text = strings.TrimSpace(f.Media.Caption)
	}
	if text == "" && len(attachments) == 0 {
		return
	}

	name := f.PushName
	if name == "" {
		name = userPart(f.Sender)
	}
	ts := time.Now()
	if f.Timestamp > 0 {
		ts = time.Unix(f.Timestamp, 0)
	}

	msg := channels.InboundMessage{
		ConnectionID: c.conn.ID,
		CharacterID:  c.conn.CharacterID,
		ChannelType:  channels.ChannelWhatsApp,
		PeerID:       f.Chat,
		PeerName:     name,
		MessageID:    f.ID,
		Text:         text,
		Attachments:  attachments,
		FromSelf:     f.FromMe,
		Timestamp:    ts,
	}
	c.logger.Debug().
		Str("peer_id", msg.PeerID).
		Bool("from_self", msg.FromSelf).
		Int("attachments", len(attachments)).
		Msg("Message received")

	if c.inbound != nil {
		c.inbound.HandleInbound(ctx, msg)
	}
}

func decodeMedia(m *media) (channels.Attachment, error) {
	data, err := base64.StdEncoding.DecodeString(m.Data)
	if err != nil {
		return channels.Attachment{}, err
	}
	att := channels.Attachment{
		Filename: m.Filename,
		MimeType: m.MimeType,
		Data:     data,
	}
	switch m.Kind {
	case kindImage:
		att.Type = channels.AttachmentImage
	case kindAudio:
		att.Type = channels.AttachmentAudio
	default:
		att.Type = channels.AttachmentFile
	}
	return att, nil
}

// userPart strips the server and device suffix, so "123:4@s.whatsapp.net"
// becomes "123".
func userPart(jid string) string {
	if i := strings.IndexByte(jid, '@'); i >= 0 {
		jid = jid[:i]
	}
	if i := strings.IndexByte(jid, ':'); i >= 0 {
		jid = jid[:i]
	}
	return jid
}

func sameUser(a, b string) bool {
	return userPart(a) != "" && userPart(a) == userPart(b)
}
