package telegram

import (
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// LargestPhoto returns the highest resolution size of a photo. Telegram
// usually orders sizes ascending, but the pixel count decides.
func LargestPhoto(sizes []tgbotapi.PhotoSize) tgbotapi.PhotoSize {
	var best tgbotapi.PhotoSize
	for _, p := range sizes {
		if p.Width*p.Height >= best.Width*best.Height {
			best = p
		}
	}
	return best
}
