package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/cropadvisor/internal/config"
	"github.com/harun/cropadvisor/internal/logger"
	"github.com/harun/cropadvisor/pkg/orchestrator"
	"github.com/rs/zerolog"
)

// maxMessageLength stays under Telegram's 4096 character limit.
const maxMessageLength = 4000

// ErrUnknownRecipient is returned by Send for user IDs that are not
// Telegram chat IDs.
var ErrUnknownRecipient = errors.New("recipient is not a telegram chat")

// Submitter runs one turn. *orchestrator.Service implements it.
type Submitter interface {
	Submit(ctx context.Context, ev orchestrator.Event) (orchestrator.Response, error)
}

// botAPI is the subset of *tgbotapi.BotAPI the bot uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Bot represents a Telegram bot instance
type Bot struct {
	api       botAPI
	username  string
	config    *config.TelegramConfig
	logger    zerolog.Logger
	submitter Submitter
	throttle  *throttle

	running atomic.Bool
	wg      sync.WaitGroup
}

// New creates a new Telegram bot instance
func New(cfg *config.TelegramConfig, log *logger.Logger, submitter Submitter) (*Bot, error) {
	if cfg == nil {
		return nil, fmt.Errorf("telegram config is required")
	}
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("bot token is required")
	}
	if submitter == nil {
		return nil, fmt.Errorf("submitter is required")
	}

	api, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}

	bot := newBot(api, api.Self.UserName, cfg, log.Zerolog(), submitter)
	bot.logger.Info().
		Str("username", api.Self.UserName).
		Int64("id", api.Self.ID).
		Msg("Telegram bot authenticated")
	return bot, nil
}

func newBot(api botAPI, username string, cfg *config.TelegramConfig, base zerolog.Logger, submitter Submitter) *Bot {
	return &Bot{
		api:       api,
		username:  username,
		config:    cfg,
		logger:    base.With().Str("component", "telegram").Logger(),
		submitter: submitter,
		throttle:  newThrottle(time.Second),
	}
}

// Start registers the command menu and begins long polling. Updates are
// handled until ctx is done or Stop is called.
func (b *Bot) Start(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return fmt.Errorf("bot is already running")
	}

	if err := b.SetCommands(); err != nil {
		b.logger.Warn().Err(err).Msg("Failed to register bot commands")
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.config.PollTimeoutSec
	if u.Timeout <= 0 {
		u.Timeout = 60
	}
	updates := b.api.GetUpdatesChan(u)

	b.wg.Add(1)
	go b.processUpdates(ctx, updates)

	b.logger.Info().Msg("Telegram bot started")
	return nil
}

// Stop stops polling and waits for in-flight updates.
func (b *Bot) Stop() error {
	if !b.running.CompareAndSwap(true, false) {
		return fmt.Errorf("bot is not running")
	}
	b.logger.Info().Msg("Stopping Telegram bot")
	b.api.StopReceivingUpdates()
	b.wg.Wait()
	b.logger.Info().Msg("Telegram bot stopped")
	return nil
}

// IsRunning returns whether the bot is running
func (b *Bot) IsRunning() bool {
	return b.running.Load()
}

func (b *Bot) processUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	defer b.wg.Done()
	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			// Turns for one user are serialized by the submitter; different
			// users proceed in parallel.
			inflight.Add(1)
			go func() {
				defer inflight.Done()
				if err := b.handleUpdate(ctx, update); err != nil {
					b.logger.Error().
						Err(err).
						Int("update_id", update.UpdateID).
						Msg("Failed to handle update")
				}
			}()
		}
	}
}

// handleUpdate converts an update, runs the turn and replies.
func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) error {
	if cq := update.CallbackQuery; cq != nil {
		if _, err := b.api.Request(tgbotapi.NewCallback(cq.ID, "")); err != nil {
			b.logger.Debug().Err(err).Msg("Failed to answer callback")
		}
	}

	in, ok := ToEvent(update, b.username)
	if !ok {
		return nil
	}

	b.logger.Debug().
		Int64("chat_id", in.ChatID).
		Str("kind", string(in.Event.Kind)).
		Msg("Update received")

	b.sendTyping(in.ChatID)
	resp, err := b.submitter.Submit(ctx, in.Event)
	if err != nil && resp.Text == "" {
		return fmt.Errorf("turn failed: %w", err)
	}
	if err != nil {
		b.logger.Warn().Err(err).Int64("chat_id", in.ChatID).Msg("Turn returned an error")
	}
	if resp.Text == "" {
		return nil
	}
	return b.deliver(ctx, in.ChatID, in.MessageID, resp)
}

// Send delivers a response outside of a conversation turn, such as the
// daily digest. userID must be a chat ID.
func (b *Bot) Send(ctx context.Context, userID string, resp orchestrator.Response) error {
	chatID, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrUnknownRecipient, userID)
	}
	return b.deliver(ctx, chatID, 0, resp)
}

func (b *Bot) deliver(ctx context.Context, chatID int64, replyTo int, resp orchestrator.Response) error {
	text := resp.Text
	if resp.EscalationNotice != "" {
		text = resp.EscalationNotice + "\n\n" + text
	}

	chunks := SplitText(text, maxMessageLength)
	for i, chunk := range chunks {
		if err := b.throttle.wait(ctx, chatID); err != nil {
			return err
		}
		msg := tgbotapi.NewMessage(chatID, chunk)
		if i == 0 && replyTo != 0 {
			msg.ReplyToMessageID = replyTo
		}
		if i == len(chunks)-1 && len(resp.Buttons) > 0 {
			msg.ReplyMarkup = Keyboard(resp.Buttons)
		}
		if _, err := b.api.Send(msg); err != nil {
			return fmt.Errorf("failed to send message: %w", err)
		}
	}

	b.logger.Debug().
		Int64("chat_id", chatID).
		Int("parts", len(chunks)).
		Msg("Message sent")
	return nil
}

// sendTyping sends typing action
func (b *Bot) sendTyping(chatID int64) {
	if _, err := b.api.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		b.logger.Debug().Err(err).Msg("Failed to send typing action")
	}
}

// SplitText breaks text into parts of at most limit runes, preferring line
// boundaries.
func SplitText(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}

	var parts []string
	for len(runes) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		parts = append(parts, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}

// ValidateToken validates a bot token by attempting to authenticate
func ValidateToken(token string) error {
	if token == "" {
		return fmt.Errorf("bot token is empty")
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return fmt.Errorf("invalid bot token: %w", err)
	}
	if api.Self.UserName == "" {
		return fmt.Errorf("failed to get bot info")
	}
	return nil
}
