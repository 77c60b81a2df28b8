package bot

import (
	"context"
	"errors"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/xaenox/flow-bot/internal/models"
	"github.com/xaenox/flow-bot/internal/storage"
	"go.uber.org/zap"
)

type Bot struct {
	api      *tgbotapi.BotAPI
	storage  storage.Storage
	pipeline *Pipeline
	logger   *zap.Logger
}

func New(token string, store storage.Storage, pipeline *Pipeline, logger *zap.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	return &Bot{
		api:      api,
		storage:  store,
		pipeline: pipeline,
		logger:   logger,
	}, nil
}

func (b *Bot) Start() error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for update := range updates {
		if update.Message == nil {
			continue
		}

		go b.handleMessage(update.Message)
	}

	return nil
}

func (b *Bot) handleMessage(message *tgbotapi.Message) {
	ctx := context.Background()

	if message.IsCommand() {
		b.handleCommand(ctx, message)
		return
	}

	content := message.Text
	if message.Caption != "" {
		content = message.Caption
	}
	if content == "" {
		return
	}

	reply := b.pipeline.Handle(ctx, Inbound{
		SenderID: message.From.ID,
		Name:     message.From.FirstName,
		Text:     content,
		SourceID: fmt.Sprintf("%d", message.MessageID),
	})

	b.sendMessage(message.Chat.ID, reply)
}

func (b *Bot) handleCommand(ctx context.Context, message *tgbotapi.Message) {
	switch message.Command() {
	case "start":
		b.handleStart(ctx, message)
	case "help":
		b.handleHelp(message)
	default:
		b.sendMessage(message.Chat.ID, "Unknown command. Use /help to see available commands.")
	}
}

func (b *Bot) handleStart(ctx context.Context, message *tgbotapi.Message) {
	_, err := b.storage.GetUser(ctx, message.From.ID)
	if errors.Is(err, storage.ErrNotFound) {
		user := &models.User{
			ID:   message.From.ID,
			Name: message.From.FirstName,
		}
		if err := b.storage.CreateUser(ctx, user); err != nil {
			b.logger.Error("Failed to create user",
				zap.Error(err),
				zap.Int64("user_id", message.From.ID))
			b.sendMessage(message.Chat.ID, ApologyMessage)
			return
		}
	} else if err != nil {
		b.logger.Error("Failed to look up user",
			zap.Error(err),
			zap.Int64("user_id", message.From.ID))
		b.sendMessage(message.Chat.ID, ApologyMessage)
		return
	}

	welcome := `Welcome! 🤖
I can run your saved workflows or just chat.

Send me any message and I'll figure out whether one of your workflows should handle it.
Use /help to learn more.`

	b.sendMessage(message.Chat.ID, welcome)
}

func (b *Bot) handleHelp(message *tgbotapi.Message) {
	help := `Available commands:
/start - Create your account and start the bot
/help - Show this help message

Anything else you send is handled automatically:
- If it matches one of your saved workflows, I run that workflow with its connected tools.
- Otherwise I answer as a general-purpose assistant using all your connected tools.`

	b.sendMessage(message.Chat.ID, help)
}

func (b *Bot) sendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}
