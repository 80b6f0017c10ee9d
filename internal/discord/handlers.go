package discord

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/harun/relay/pkg/channels"
)

// MaxAttachmentSize caps inbound attachment downloads.
const MaxAttachmentSize = 25 * 1024 * 1024

func (c *Connector) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m != nil {
		c.enqueue(m.Message)
	}
}

func (c *Connector) handleMessage(ctx context.Context, m *discordgo.Message) {
	if m == nil || m.Author == nil || m.Author.Bot {
		return
	}
	self := c.selfID()
	if self != "" && m.Author.ID == self {
		return
	}
	if c.guildID != "" && m.GuildID != "" && m.GuildID != c.guildID {
		return
	}

	text := stripMention(m.Content, self)
	attachments := c.downloadAttachments(ctx, m.Attachments)
	if text == "" && len(attachments) == 0 {
		return
	}

	peerID, threadID := c.resolveChannel(ctx, m.ChannelID)
	name := m.Author.GlobalName
	if name == "" {
		name = m.Author.Username
	}
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	msg := channels.InboundMessage{
		ConnectionID: c.conn.ID,
		CharacterID:  c.conn.CharacterID,
		ChannelType:  channels.ChannelDiscord,
		PeerID:       peerID,
		PeerName:     name,
		ThreadID:     threadID,
		MessageID:    m.ID,
		Text:         text,
		Attachments:  attachments,
		Timestamp:    ts,
	}
	c.logger.Debug().
		Str("peer_id", peerID).
		Str("thread_id", threadID).
		Int("attachments", len(attachments)).
		Msg("Message received")

	if c.inbound != nil {
		c.inbound.HandleInbound(ctx, msg)
	}
}

// resolveChannel maps a thread to its parent channel so every thread of a
// channel shares the peer. Lookups are cached; failures treat the channel
// as a plain one.
func (c *Connector) resolveChannel(ctx context.Context, channelID string) (peerID, threadID string) {
	c.mu.RLock()
	parent, ok := c.parents[channelID]
	c.mu.RUnlock()
	if !ok {
		ch, err := c.session.Channel(channelID, discordgo.WithContext(ctx))
		if err != nil {
			c.logger.Debug().Err(err).Str("channel_id", channelID).Msg("Channel lookup failed")
			return channelID, ""
		}
		if ch.IsThread() {
			parent = ch.ParentID
		}
		c.mu.Lock()
		c.parents[channelID] = parent
		c.mu.Unlock()
	}
	if parent == "" {
		return channelID, ""
	}
	return parent, channelID
}

func stripMention(text, self string) string {
	if self != "" {
		text = strings.ReplaceAll(text, "<@"+self+">", "")
		text = strings.ReplaceAll(text, "<@!"+self+">", "")
	}
	return strings.TrimSpace(text)
}

func (c *Connector) downloadAttachments(ctx context.Context, refs []*discordgo.MessageAttachment) []channels.Attachment {
	var out []channels.Attachment
	for _, ref := range refs {
		if ref == nil {
			continue
		}
		att, err := c.download(ctx, ref)
		if err != nil {
			c.logger.Warn().
				Err(err).
				Str("filename", ref.Filename).
				Msg("Failed to download Discord attachment")
			continue
		}
		out = append(out, *att)
	}
	return out
}

func (c *Connector) download(ctx context.Context, ref *discordgo.MessageAttachment) (*channels.Attachment, error) {
	if ref.Size > MaxAttachmentSize {
		return nil, fmt.Errorf("attachment size %d exceeds maximum %d", ref.Size, MaxAttachmentSize)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download attachment: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download failed with status: %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxAttachmentSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read attachment: %w", err)
	}
	if len(data) > MaxAttachmentSize {
		return nil, fmt.Errorf("attachment exceeds maximum %d bytes", MaxAttachmentSize)
	}

	mimeType := ref.ContentType
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return &channels.Attachment{
		Type:     attachmentType(mimeType),
		Filename: ref.Filename,
		MimeType: mimeType,
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
