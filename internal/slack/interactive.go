package slack

import (
	"context"
	"fmt"

	"github.com/harun/relay/pkg/channels"
	"github.com/harun/relay/pkg/interactive"
	slackgo "github.com/slack-go/slack"
)

// Block Kit limits for an actions block.
const (
	maxButtons     = 25
	maxButtonText  = 75
	maxActionIDLen = 255
)

// SetInteractiveAnswerHandler registers the receiver of button clicks.
func (c *Connector) SetInteractiveAnswerHandler(handler channels.InteractiveAnswerHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answers = handler
}

// SendInteractiveQuestion posts one message per question: the prompt as a
// section block followed by an actions block with a button per option.
func (c *Connector) SendInteractiveQuestion(ctx context.Context, payload channels.InteractiveQuestionPayload) error {
	api, err := c.client()
	if err != nil {
		return err
	}

	for qi, q := range payload.Questions {
		actions, err := buttonBlock(payload.ToolUseID, qi, q.Options)
		if err != nil {
			return fmt.Errorf("question %d: %w", qi, err)
		}
		text := q.Prompt
		if q.Header != "" {
			text = "*" + q.Header + "*\n" + text
		}
		if q.MultiSelect {
			text += "\n_(pick all that apply)_"
		}

		prompt := slackgo.NewSectionBlock(slackgo.NewTextBlockObject(slackgo.MarkdownType, text, false, false), nil, nil)
		options := []slackgo.MsgOption{
			slackgo.MsgOptionText(text, false),
			slackgo.MsgOptionBlocks(prompt, actions),
		}
		if payload.ThreadID != "" {
			options = append(options, slackgo.MsgOptionTS(payload.ThreadID))
		}
		if _, _, err := api.PostMessageContext(ctx, payload.PeerID, options...); err != nil {
			return fmt.Errorf("failed to post question: %w", err)
		}
	}
	return nil
}

func buttonBlock(toolUseID string, questionIndex int, options []string) (*slackgo.ActionBlock, error) {
	if len(options) > maxButtons {
		return nil, fmt.Errorf("%d options, at most %d fit", len(options), maxButtons)
	}
	elements := make([]slackgo.BlockElement, 0, len(options))
	for oi, opt := range options {
		id := interactive.EncodeButtonID(toolUseID, questionIndex, oi)
		if len(id) > maxActionIDLen {
			return nil, fmt.Errorf("action id exceeds %d bytes", maxActionIDLen)
		}
		label := []rune(opt)
		if len(label) > maxButtonText {
			label = append(label[:maxButtonText-1], '…')
		}
		text := slackgo.NewTextBlockObject(slackgo.PlainTextType, string(label), false, false)
		elements = append(elements, slackgo.NewButtonBlockElement(id, fmt.Sprint(oi), text))
	}
	return slackgo.NewActionBlock(fmt.Sprintf("q%d", questionIndex), elements...), nil
}

// handleInteraction reports block button clicks. The envelope is acked
// before this runs.
func (c *Connector) handleInteraction(cb slackgo.InteractionCallback) {
	if cb.Type != slackgo.InteractionTypeBlockActions {
		return
	}
	c.mu.Lock()
	handler := c.answers
	c.mu.Unlock()
	if handler == nil {
		return
	}

	for _, action := range cb.ActionCallback.BlockActions {
		if action == nil {
			continue
		}
		toolUseID, qi, oi, ok := interactive.DecodeButtonID(action.ActionID)
		if !ok {
			continue
		}
		handler(channels.InteractiveAnswer{
			PeerID:        cb.Channel.ID,
			ThreadID:      cb.Message.ThreadTimestamp,
			ToolUseID:     toolUseID,
			QuestionIndex: qi,
			OptionIndex:   oi,
		})
	}
}
