package discord

import (
	"bytes"
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/harun/relay/pkg/channels"
)

// SendMessage posts to the thread when there is one, otherwise to the
// channel. Attachments ride on the same message as the text.
func (c *Connector) SendMessage(ctx context.Context, payload channels.SendPayload) (*channels.SendResult, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}

	data := &discordgo.MessageSend{Content: payload.Text}
	for _, att := range payload.Attachments {
		name := att.Filename
		if name == "" {
			name = defaultFilename(att)
		}
		data.Files = append(data.Files, &discordgo.File{
			Name:        name,
			ContentType: att.MimeType,
			Reader:      bytes.NewReader(att.Data),
		})
	}
	channelID := target(payload.PeerID, payload.ThreadID)
	if payload.ReplyToMessageID != "" {
		data.Reference = &discordgo.MessageReference{
			MessageID: payload.ReplyToMessageID,
			ChannelID: channelID,
		}
	}

	msg, err := c.session.ChannelMessageSendComplex(channelID, data, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}
	return &channels.SendResult{
		ExternalMessageID: msg.ID,
		ChunkIndex:        payload.ChunkIndex,
		TotalChunks:       payload.TotalChunks,
	}, nil
}

func defaultFilename(att channels.Attachment) string {
	switch att.Type {
	case channels.AttachmentImage:
		return "image.png"
	case channels.AttachmentAudio:
		return "audio.ogg"
	default:
		return "file.bin"
	}
}
