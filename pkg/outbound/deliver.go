// Package outbound turns agent output into channel sends.
package outbound

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/harun/relay/internal/tracing"
	"github.com/harun/relay/pkg/agentapi"
	"github.com/harun/relay/pkg/channels"
	"github.com/rs/zerolog"
)

// PartType classifies agent output.
type PartType string

const (
	PartText       PartType = "text"
	PartImage      PartType = "image"
	PartToolResult PartType = "tool-result"
)

// Part is one piece of agent output.
type Part struct {
	Type   PartType
	Text   string
	URL    string
	Output json.RawMessage
}

// PartsFromResponse flattens a completed agent stream.
func PartsFromResponse(resp *agentapi.Response) []Part {
	if resp == nil {
		return nil
	}
	var parts []Part
	if resp.Text != "" {
		parts = append(parts, Part{Type: PartText, Text: resp.Text})
	}
	for _, tr := range resp.ToolResults {
		parts = append(parts, Part{Type: PartToolResult, Output: tr.Output})
	}
	return parts
}

// Sender sends on a connection.
type Sender interface {
	SendMessage(ctx context.Context, connectionID string, payload channels.SendPayload) (*channels.SendResult, error)
}

// Target addresses a delivery.
type Target struct {
	ConnectionID string
	ChannelType  channels.ChannelType
	PeerID       string
	ThreadID     string
	ReplyTo      string
}

// Message is the assembled outbound content.
type Message struct {
	Text       string
	Attachment *channels.Attachment
}

// Empty reports whether there is nothing to send.
func (m Message) Empty() bool {
	return strings.TrimSpace(m.Text) == "" && m.Attachment == nil
}

// Result summarizes a delivery.
type Result struct {
	Sent        []channels.SendResult
	Skipped     bool
	TotalChunks int
}

// Deliverer assembles and sends agent output.
type Deliverer struct {
	sender   Sender
	resolver *Resolver
	logger   zerolog.Logger
}

func NewDeliverer(sender Sender, resolver *Resolver, logger zerolog.Logger) *Deliverer {
	if resolver == nil {
		resolver = NewResolver(nil, nil)
	}
	return &Deliverer{
		sender:   sender,
		resolver: resolver,
		logger:   logger.With().Str("component", "outbound").Logger(),
	}
}

// Assemble concatenates the text parts and resolves at most one image. An
// image that fails to resolve is logged and the next candidate is tried.
func (d *Deliverer) Assemble(ctx context.Context, parts []Part) Message {
	var texts []string
	var refs []string
	for _, p := range parts {
		switch p.Type {
		case PartText:
			if t := strings.TrimSpace(p.Text); t != "" {
				texts = append(texts, t)
			}
		case PartImage:
			if p.URL != "" {
				refs = append(refs, p.URL)
			}
		case PartToolResult:
			refs = append(refs, ImageURLs(p.Output)...)
		}
	}

	msg := Message{Text: strings.Join(texts, "\n\n")}
	logger := tracing.LoggerFromContext(ctx, d.logger)
	for _, ref := range refs {
		att, err := d.resolver.Resolve(ctx, ref)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to resolve image for delivery")
			continue
		}
		msg.Attachment = att
		break
	}
	return msg
}

// Deliver assembles parts and sends them to target. Empty output is a no-op.
func (d *Deliverer) Deliver(ctx context.Context, target Target, parts []Part) (*Result, error) {
	return d.Send(ctx, target, d.Assemble(ctx, parts))
}

// Send splits msg under the platform limit and sends the chunks in order.
// The attachment and reply reference ride on the first chunk.
func (d *Deliverer) Send(ctx context.Context, target Target, msg Message) (*Result, error) {
	if msg.Empty() {
		return &Result{Skipped: true}, nil
	}

	chunks := Chunk(msg.Text, LimitFor(target.ChannelType))
	if len(chunks) == 0 {
		chunks = []string{""}
	}

	res := &Result{TotalChunks: len(chunks)}
	for i, chunk := range chunks {
		payload := channels.SendPayload{
			PeerID:      target.PeerID,
			ThreadID:    target.ThreadID,
			Text:        chunk,
			ChunkIndex:  i,
			TotalChunks: len(chunks),
		}
		if i == 0 {
			payload.ReplyToMessageID = target.ReplyTo
			if msg.Attachment != nil {
				payload.Attachments = []channels.Attachment{*msg.Attachment}
			}
		}

		sent, err := d.sender.SendMessage(ctx, target.ConnectionID, payload)
		if err != nil {
			return res, fmt.Errorf("failed to send chunk %d/%d: %w", i+1, len(chunks), err)
		}
		if sent != nil {
			res.Sent = append(res.Sent, *sent)
		}
	}

	logger := tracing.LoggerFromContext(ctx, d.logger)
	logger.Debug().
		Str("connection_id", target.ConnectionID).
		Int("chunks", len(chunks)).
		Bool("attachment", msg.Attachment != nil).
		Msg("Agent reply delivered")
	return res, nil
}
