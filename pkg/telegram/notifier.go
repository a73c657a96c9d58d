package telegram

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"task-orchestrator/config"
	"task-orchestrator/pkg/logger"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gopkg.in/telebot.v3"
)

// Notifier posts task lifecycle messages to a fixed chat. It is a
// no-op when no bot token is configured.
type Notifier struct {
	cfg           *config.TelegramConfig
	log           *logger.Logger
	bot           *telebot.Bot
	chat          telebot.ChatID
	globalLimiter *rate.Limiter
}

func NewNotifier(cfg *config.TelegramConfig, log *logger.Logger) (*Notifier, error) {
	n := &Notifier{
		cfg:           cfg,
		log:           log,
		globalLimiter: rate.NewLimiter(rate.Limit(cfg.MaxGlobalRequestPerSecond), cfg.MaxGlobalRequestPerSecond),
	}

	if cfg.BotToken == "" {
		log.Info("Telegram notifications disabled, no bot token configured")
		return n, nil
	}

	chatID, err := strconv.ParseInt(cfg.ChatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid telegram chat id '%s': %w", cfg.ChatID, err)
	}

	bot, err := telebot.NewBot(telebot.Settings{
		Token:   cfg.BotToken,
		Offline: false,
		OnError: func(err error, c telebot.Context) {
			log.Error("Telegram bot error", zap.Error(err))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	n.bot = bot
	n.chat = telebot.ChatID(chatID)
	return n, nil
}

func (n *Notifier) Enabled() bool {
	return n.bot != nil
}

// NotifyTaskFinished announces a terminal task status. Errors are
// logged, never propagated; notification failure must not affect the
// task lifecycle.
func (n *Notifier) NotifyTaskFinished(ctx context.Context, taskID, processor, status, errorMessage string) {
	if !n.Enabled() {
		return
	}

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := n.globalLimiter.Wait(waitCtx); err != nil {
		n.log.WarnContext(ctx, "Skipping telegram notification, rate limiter wait failed",
			zap.String("task_id", taskID), zap.Error(err))
		return
	}

	msg := fmt.Sprintf("Task %s (%s) finished with status %s", taskID, processor, status)
	if errorMessage != "" {
		msg += fmt.Sprintf("\nError: %s", errorMessage)
	}

	if _, err := n.bot.Send(n.chat, msg); err != nil {
		n.log.ErrorContext(ctx, "Failed to send telegram notification",
			zap.String("task_id", taskID), zap.Error(err))
	}
}
