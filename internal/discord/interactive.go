package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/harun/relay/pkg/channels"
	"github.com/harun/relay/pkg/interactive"
)

// Discord limits per message.
const (
	maxButtonsPerRow = 5
	maxRows          = 5
	maxLabelLength   = 80
)

// SetInteractiveAnswerHandler registers the receiver of button clicks.
func (c *Connector) SetInteractiveAnswerHandler(handler channels.InteractiveAnswerHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answers = handler
}

// SendInteractiveQuestion posts one message per question with a button per
// option.
func (c *Connector) SendInteractiveQuestion(ctx context.Context, payload channels.InteractiveQuestionPayload) error {
	if err := c.ready(); err != nil {
		return err
	}
	channelID := target(payload.PeerID, payload.ThreadID)

	for qi, q := range payload.Questions {
		if len(q.Options) > maxButtonsPerRow*maxRows {
			return fmt.Errorf("question %d has %d options, at most %d fit", qi, len(q.Options), maxButtonsPerRow*maxRows)
		}
		content := q.Prompt
		if q.Header != "" {
			content = "**" + q.Header + "**\n" + content
		}
		if q.MultiSelect {
			content += "\n_(pick all that apply)_"
		}
		_, err := c.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
			Content:    content,
			Components: buttonRows(payload.ToolUseID, qi, q.Options),
		}, discordgo.WithContext(ctx))
		if err != nil {
			return fmt.Errorf("failed to send question: %w", err)
		}
	}
	return nil
}

func buttonRows(toolUseID string, questionIndex int, options []string) []discordgo.MessageComponent {
	var rows []discordgo.MessageComponent
	var row discordgo.ActionsRow
	for oi, opt := range options {
		label := []rune(opt)
		if len(label) > maxLabelLength {
			label = append(label[:maxLabelLength-1], '…')
		}
		row.Components = append(row.Components, discordgo.Button{
			Label:    string(label),
			Style:    discordgo.PrimaryButton,
			CustomID: interactive.EncodeButtonID(toolUseID, questionIndex, oi),
		})
		if len(row.Components) == maxButtonsPerRow {
			rows = append(rows, row)
			row = discordgo.ActionsRow{}
		}
	}
	if len(row.Components) > 0 {
		rows = append(rows, row)
	}
	return rows
}

func (c *Connector) onInteraction(_ *discordgo.Session, i *discordgo.InteractionCreate) {
	c.handleInteraction(i.Interaction)
}

// handleInteraction acknowledges a button click before reporting it, which
// Discord requires within three seconds.
func (c *Connector) handleInteraction(i *discordgo.Interaction) {
	if i == nil || i.Type != discordgo.InteractionMessageComponent {
		return
	}
	toolUseID, qi, oi, ok := interactive.DecodeButtonID(i.MessageComponentData().CustomID)
	if !ok {
		return
	}

	err := c.session.InteractionRespond(i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredMessageUpdate,
	})
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to acknowledge interaction")
	}

	c.mu.RLock()
	handler := c.answers
	c.mu.RUnlock()
	if handler == nil {
		return
	}

	peerID, threadID := c.resolveChannel(context.Background(), i.ChannelID)
	handler(channels.InteractiveAnswer{
		PeerID:        peerID,
		ThreadID:      threadID,
		ToolUseID:     toolUseID,
		QuestionIndex: qi,
		OptionIndex:   oi,
	})
}
