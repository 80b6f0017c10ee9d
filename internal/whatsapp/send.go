package whatsapp

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/harun/relay/pkg/channels"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// CaptionLimit is the longest text sent as a media caption. Longer text
// follows the media as its own message.
const CaptionLimit = 1024

// SendMessage waits for the session to be open, then sends text, media or
// both.
func (c *Connector) SendMessage(ctx context.Context, payload channels.SendPayload) (*channels.SendResult, error) {
	cy, err := c.waitReady(ctx)
	if err != nil {
		return nil, err
	}
	result := &channels.SendResult{ChunkIndex: payload.ChunkIndex, TotalChunks: payload.TotalChunks}

	if len(payload.Attachments) == 0 {
		id, err := c.send(ctx, cy, outFrame{
			Type:   frameSend,
			To:     payload.PeerID,
			Text:   payload.Text,
			Quoted: payload.ReplyToMessageID,
		})
		if err != nil {
			return nil, err
		}
		result.ExternalMessageID = id
		return result, nil
	}

	caption, followUp := payload.Text, ""
	if utf8.RuneCountInString(caption) > CaptionLimit {
		caption, followUp = "", payload.Text
	}

	for i, att := range payload.Attachments {
		m := encodeMedia(att)
		if i == 0 {
			m.Caption = caption
		}
		frame := outFrame{Type: frameSend, To: payload.PeerID, Media: m}
		if i == 0 {
			frame.Quoted = payload.ReplyToMessageID
		}
		id, err := c.send(ctx, cy, frame)
		if err != nil {
			return nil, err
		}
		result.AddMessageID(id)
	}

	if followUp != "" {
		id, err := c.send(ctx, cy, outFrame{Type: frameSend, To: payload.PeerID, Text: followUp})
		if err != nil {
			return nil, fmt.Errorf("failed to send follow-up text: %w", err)
		}
		result.AddMessageID(id)
	}
	return result, nil
}

func encodeMedia(att channels.Attachment) *media {
	m := &media{
		MimeType: att.MimeType,
		Filename: att.Filename,
		Data:     base64.StdEncoding.EncodeToString(att.Data),
	}
	switch att.Type {
	case channels.AttachmentImage:
		m.Kind = kindImage
	case channels.AttachmentAudio:
		m.Kind = kindAudio
		m.PTT = isVoice(att.MimeType)
	default:
		m.Kind = kindDocument
	}
	return m
}

// isVoice reports whether audio should go out as a push-to-talk note.
func isVoice(mimeType string) bool {
	return mimeType == "" || strings.Contains(mimeType, "ogg") || strings.Contains(mimeType, "opus")
}

// send writes a request and waits for the bridge to acknowledge it.
func (c *Connector) send(ctx context.Context, cy *cycle, frame outFrame) (string, error) {
	id, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("failed to generate request id: %w", err)
	}
	frame.RequestID = id
	ch := cy.register(id)
	defer cy.unregister(id)

	if err := c.write(cy, frame); err != nil {
		return "", fmt.Errorf("failed to write to bridge: %w", err)
	}

	timer := time.NewTimer(c.opts.SendTimeout)
	defer timer.Stop()
	select {
	case f := <-ch:
		if f.Type == frameError {
			return "", fmt.Errorf("bridge rejected send: %s", f.Error)
		}
		return f.ID, nil
	case <-cy.done:
		return "", errors.New("bridge connection closed before send was acknowledged")
	case <-timer.C:
		return "", fmt.Errorf("send not acknowledged after %s", c.opts.SendTimeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// SendTyping shows the composing presence in the chat.
func (c *Connector) SendTyping(_ context.Context, peerID, _ string) error {
	cy, err := c.live()
	if err != nil {
		return err
	}
	return c.write(cy, outFrame{Type: framePresence, To: peerID, State: "composing"})
}

// MarkAsRead sends a read receipt for one message.
func (c *Connector) MarkAsRead(_ context.Context, peerID, messageID string) error {
	cy, err := c.live()
	if err != nil {
		return err
	}
	return c.write(cy, outFrame{Type: frameRead, To: peerID, ID: messageID})
}
