package telegram

import (
	"context"
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/relay/pkg/channels"
	"github.com/harun/relay/pkg/interactive"
)

// Bot API limits for inline keyboards.
const (
	maxCallbackData = 64
	maxButtons      = 100
)

// SetInteractiveAnswerHandler registers the receiver of inline keyboard
// presses.
func (c *Connector) SetInteractiveAnswerHandler(handler channels.InteractiveAnswerHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answers = handler
}

// SendInteractiveQuestion posts one message per question with an inline
// keyboard row per option.
func (c *Connector) SendInteractiveQuestion(ctx context.Context, payload channels.InteractiveQuestionPayload) error {
	api, release, err := c.client(ctx)
	if err != nil {
		return err
	}
	defer release()
	chatID, err := strconv.ParseInt(payload.PeerID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", payload.PeerID, err)
	}

	for qi, q := range payload.Questions {
		keyboard, err := inlineKeyboard(payload.ToolUseID, qi, q.Options)
		if err != nil {
			return fmt.Errorf("question %d: %w", qi, err)
		}
		text := q.Prompt
		if q.Header != "" {
			text = q.Header + "\n" + text
		}
		if q.MultiSelect {
			text += "\n(pick all that apply)"
		}

		params := tgbotapi.Params{}
		params.AddNonZero64("chat_id", chatID)
		params.AddNonEmpty("text", text)
		params.AddNonZero("message_thread_id", atoi(payload.ThreadID))
		if err := params.AddInterface("reply_markup", keyboard); err != nil {
			return err
		}
		if _, err := api.MakeRequest("sendMessage", params); err != nil {
			return fmt.Errorf("failed to send question: %w", err)
		}
	}
	return nil
}

func inlineKeyboard(toolUseID string, questionIndex int, options []string) (tgbotapi.InlineKeyboardMarkup, error) {
	if len(options) > maxButtons {
		return tgbotapi.InlineKeyboardMarkup{}, fmt.Errorf("%d options, at most %d fit", len(options), maxButtons)
	}
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(options))
	for oi, opt := range options {
		data := interactive.EncodeButtonID(toolUseID, questionIndex, oi)
		if len(data) > maxCallbackData {
			return tgbotapi.InlineKeyboardMarkup{}, fmt.Errorf("callback data %q exceeds %d bytes", data, maxCallbackData)
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(opt, data)))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...), nil
}

// handleCallback answers a keyboard press, which stops the client spinner,
// then reports the chosen option.
func (c *Connector) handleCallback(api *tgbotapi.BotAPI, cq *tgbotapi.CallbackQuery, threadID int64) {
	if _, err := api.Request(tgbotapi.NewCallback(cq.ID, "")); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to answer callback query")
	}

	toolUseID, qi, oi, ok := interactive.DecodeButtonID(cq.Data)
	if !ok || cq.Message == nil || cq.Message.Chat == nil {
		return
	}

	c.mu.Lock()
	handler := c.answers
	c.mu.Unlock()
	if handler == nil {
		return
	}

	answer := channels.InteractiveAnswer{
		PeerID:        strconv.FormatInt(cq.Message.Chat.ID, 10),
		ToolUseID:     toolUseID,
		QuestionIndex: qi,
		OptionIndex:   oi,
	}
	if threadID != 0 {
		answer.ThreadID = strconv.FormatInt(threadID, 10)
	}
	handler(answer)
}
