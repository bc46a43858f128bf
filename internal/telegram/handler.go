package telegram

import (
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/cropadvisor/pkg/orchestrator"
)

// Inbound is an update converted to an orchestrator event, plus the chat
// details needed to reply.
type Inbound struct {
	Event     orchestrator.Event
	ChatID    int64
	MessageID int
}

// ToEvent converts a Telegram update into an event. The chat ID becomes the
// user ID so private chats and the digest sender agree on addressing. It
// returns false for updates the advisor does not handle.
func ToEvent(update tgbotapi.Update, botUsername string) (Inbound, bool) {
	if cq := update.CallbackQuery; cq != nil {
		if cq.Message == nil || cq.Data == "" {
			return Inbound{}, false
		}
		chatID := cq.Message.Chat.ID
		return Inbound{
			Event: orchestrator.Event{
				ID:     eventID(update.UpdateID),
				UserID: userID(chatID),
				Kind:   orchestrator.EventButton,
				Action: cq.Data,
			},
			ChatID: chatID,
		}, true
	}

	msg := update.Message
	if msg == nil || msg.Chat == nil {
		return Inbound{}, false
	}

	in := Inbound{
		Event: orchestrator.Event{
			ID:     eventID(update.UpdateID),
			UserID: userID(msg.Chat.ID),
		},
		ChatID:    msg.Chat.ID,
		MessageID: msg.MessageID,
	}

	switch {
	case msg.Location != nil:
		lat, lon := msg.Location.Latitude, msg.Location.Longitude
		in.Event.Kind = orchestrator.EventLocation
		in.Event.Lat = &lat
		in.Event.Lon = &lon
	case len(msg.Photo) > 0:
		in.Event.Kind = orchestrator.EventPhoto
		in.Event.PhotoFileID = LargestPhoto(msg.Photo).FileID
		in.Event.Text = stripMention(msg.Caption, botUsername)
	case strings.TrimSpace(msg.Text) != "":
		in.Event.Kind = orchestrator.EventText
		in.Event.Text = stripMention(msg.Text, botUsername)
	default:
		return Inbound{}, false
	}
	return in, true
}

func eventID(updateID int) string {
	return "tg-" + strconv.Itoa(updateID)
}

func userID(chatID int64) string {
	return strconv.FormatInt(chatID, 10)
}

// stripMention removes a leading @bot mention used in group chats.
func stripMention(text, botUsername string) string {
	text = strings.TrimSpace(text)
	if botUsername == "" {
		return text
	}
	mention := "@" + botUsername
	if len(text) >= len(mention) && strings.EqualFold(text[:len(mention)], mention) {
		return strings.TrimSpace(text[len(mention):])
	}
	return text
}
