package telegram

import (
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/cropadvisor/pkg/orchestrator"
)

// BotCommands is the command menu shown by Telegram clients.
var BotCommands = []tgbotapi.BotCommand{
	{Command: "start", Description: "Start or resume your farm profile"},
	{Command: "help", Description: "Show what the advisor can do"},
	{Command: "profile", Description: "Show your saved farm profile"},
	{Command: "location", Description: "Share your field location"},
	{Command: "reset", Description: "Forget your profile and start over"},
}

// SetCommands registers BotCommands with Telegram.
func (b *Bot) SetCommands() error {
	if _, err := b.api.Request(tgbotapi.NewSetMyCommands(BotCommands...)); err != nil {
		return fmt.Errorf("failed to set commands: %w", err)
	}
	b.logger.Info().Int("count", len(BotCommands)).Msg("Bot commands registered")
	return nil
}

// Keyboard lays out buttons as an inline keyboard. Language choices are
// short so they fit three per row.
func Keyboard(buttons []orchestrator.Button) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	var row []tgbotapi.InlineKeyboardButton
	width := 0

	for _, btn := range buttons {
		w := 2
		if strings.HasPrefix(btn.Data, orchestrator.ActionSetLangPrefix) {
			w = 3
		}
		if len(row) > 0 && (len(row) == width || w != width) {
			rows = append(rows, row)
			row = nil
		}
		width = w
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(btn.Label, btn.Data))
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}
