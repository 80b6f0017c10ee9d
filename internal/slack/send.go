package slack

import (
	"bytes"
	"context"
	"fmt"

	"github.com/harun/relay/pkg/channels"
	slackgo "github.com/slack-go/slack"
)

// SendMessage posts text, or uploads the attachment with the text as its
// comment. Replies stay in the payload's thread.
func (c *Connector) SendMessage(ctx context.Context, payload channels.SendPayload) (*channels.SendResult, error) {
	api, err := c.client()
	if err != nil {
		return nil, err
	}
	result := &channels.SendResult{ChunkIndex: payload.ChunkIndex, TotalChunks: payload.TotalChunks}

	if att := payload.Attachment(); att != nil {
		name := att.Filename
		if name == "" {
			name = string(att.Type)
		}
		file, err := api.UploadFileV2Context(ctx, slackgo.UploadFileV2Parameters{
			Channel:         payload.PeerID,
			ThreadTimestamp: payload.ThreadID,
			Filename:        name,
			Title:           name,
			FileSize:        len(att.Data),
			Reader:          bytes.NewReader(att.Data),
			InitialComment:  payload.Text,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to upload file: %w", err)
		}
		result.ExternalMessageID = file.ID
		return result, nil
	}

	options := []slackgo.MsgOption{slackgo.MsgOptionText(payload.Text, false)}
	if payload.ThreadID != "" {
		options = append(options, slackgo.MsgOptionTS(payload.ThreadID))
	}
	_, ts, err := api.PostMessageContext(ctx, payload.PeerID, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to post message: %w", err)
	}
	result.ExternalMessageID = ts
	return result, nil
}
