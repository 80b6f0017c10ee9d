package telegram

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Commands lists the chat commands the gateway understands, advertised in
// the Telegram command menu.
var Commands = []tgbotapi.BotCommand{
	{Command: "status", Description: "Show the current session"},
	{Command: "new", Description: "Start a new session"},
	{Command: "stop", Description: "Stop the running reply"},
	{Command: "compact", Description: "Compact the conversation history"},
	{Command: "tts", Description: "Toggle voice replies (on|off)"},
}

func registerCommands(api *tgbotapi.BotAPI) error {
	cfg := tgbotapi.NewSetMyCommands(Commands...)
	if _, err := api.Request(cfg); err != nil {
		return fmt.Errorf("failed to set commands: %w", err)
	}
	return nil
}
