package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/basket/go-butler/internal/bus"
	"github.com/basket/go-butler/internal/session"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramMaxMessage is the chunk size for outgoing messages.
const TelegramMaxMessage = 4000

// ErrNotStarted is returned by calls that need a connected bot.
var ErrNotStarted = errors.New("telegram: bot not started")

// TelegramConfig wires a TelegramChannel.
type TelegramConfig struct {
	Token string
	// Endpoint overrides tgbotapi.APIEndpoint; it takes the token and the
	// method name as %s verbs.
	Endpoint string
	OwnerIDs []int64
	// AllowedIDs restricts who may talk to the bot besides the owners.
	// Empty admits everyone.
	AllowedIDs []int64
	Dispatcher *Dispatcher
	Bus        *bus.Bus
	Logger     *slog.Logger
}

// TelegramChannel implements the Channel interface for Telegram.
type TelegramChannel struct {
	cfg        TelegramConfig
	allowedIDs map[int64]struct{}
	logger     *slog.Logger

	mu       sync.RWMutex
	bot      *tgbotapi.BotAPI
	username string

	cancel context.CancelFunc
	wg     sync.WaitGroup
	queue  *chatQueue
}

// NewTelegramChannel creates a new Telegram channel.
func NewTelegramChannel(cfg TelegramConfig) *TelegramChannel {
	allowed := make(map[int64]struct{})
	for _, id := range cfg.AllowedIDs {
		allowed[id] = struct{}{}
	}
	if len(allowed) > 0 {
		for _, id := range cfg.OwnerIDs {
			allowed[id] = struct{}{}
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	t := &TelegramChannel{
		cfg:        cfg,
		allowedIDs: allowed,
		logger:     logger,
	}
	if cfg.Dispatcher != nil {
		t.queue = newChatQueue(cfg.Dispatcher, t)
	}
	return t
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) MaxMessageLength() int { return TelegramMaxMessage }

// Start connects the bot and begins long polling in the background.
func (t *TelegramChannel) Start(ctx context.Context) error {
	bot, err := t.connect()
	if err != nil {
		return err
	}
	t.logger.Info("telegram bot started", "user", bot.Self.UserName)

	ctx, t.cancel = context.WithCancel(ctx)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.run(ctx, bot)
	}()
	return nil
}

// Stop ends polling and waits for running handlers.
func (t *TelegramChannel) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
	if t.queue != nil {
		t.queue.wait()
	}
}

func (t *TelegramChannel) connect() (*tgbotapi.BotAPI, error) {
	var (
		bot *tgbotapi.BotAPI
		err error
	)
	if t.cfg.Endpoint != "" {
		bot, err = tgbotapi.NewBotAPIWithClient(t.cfg.Token, t.cfg.Endpoint, &http.Client{Timeout: 90 * time.Second})
	} else {
		bot, err = tgbotapi.NewBotAPI(t.cfg.Token)
	}
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	t.mu.Lock()
	t.bot = bot
	t.username = bot.Self.UserName
	t.mu.Unlock()
	return bot, nil
}

// run is the reconnection loop with exponential backoff. A BotAPI's update
// receiver can be stopped only once, so every reconnect builds a new client.
func (t *TelegramChannel) run(ctx context.Context, bot *tgbotapi.BotAPI) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if bot != nil {
			u := tgbotapi.NewUpdate(0)
			u.Timeout = 60
			pollErr := t.pollUpdates(ctx, bot.GetUpdatesChan(u))
			bot.StopReceivingUpdates()
			if pollErr == nil {
				return
			}
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}

		var err error
		if bot, err = t.connect(); err != nil {
			t.logger.Warn("telegram reconnect failed", "error", err, "backoff", backoff)
		}
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2x the long-poll timeout (stall detection).
// Returns nil on context cancellation, or an error to trigger reconnection.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// tgbotapi uses a 60s long-poll timeout. If we see nothing for 2.5 minutes,
	// the connection is likely dead (the library blocks rather than closing the channel).
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			t.handleUpdate(ctx, update)

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if post := update.ChannelPost; post != nil {
		t.publishPost(post)
		return
	}
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return
	}
	if !t.allowed(msg.From.ID) {
		t.logger.Warn("telegram access denied", "user_id", msg.From.ID, "user_name", msg.From.UserName)
		return
	}

	in := Inbound{
		Channel:  session.ChannelBot,
		ChatID:   msg.Chat.ID,
		UserID:   msg.From.ID,
		UserName: displayName(msg.From),
		Text:     msg.Text,
	}
	if msg.Chat.IsGroup() || msg.Chat.IsSuperGroup() {
		if !t.addressed(msg) {
			return
		}
		in.Group = true
		in.ChatTitle = msg.Chat.Title
		in.Text = strings.TrimSpace(strings.ReplaceAll(msg.Text, "@"+t.botName(), ""))
	} else if !msg.Chat.IsPrivate() {
		return
	}
	if t.queue == nil {
		return
	}
	t.queue.push(ctx, in)
}

func (t *TelegramChannel) allowed(id int64) bool {
	if len(t.allowedIDs) == 0 {
		return true
	}
	_, ok := t.allowedIDs[id]
	return ok
}

// addressed reports whether a group message is meant for the bot: it
// mentions the bot or replies to one of its messages.
func (t *TelegramChannel) addressed(msg *tgbotapi.Message) bool {
	name := t.botName()
	if name != "" && strings.Contains(msg.Text, "@"+name) {
		return true
	}
	r := msg.ReplyToMessage
	return r != nil && r.From != nil && r.From.IsBot && r.From.UserName == name
}

func (t *TelegramChannel) publishPost(post *tgbotapi.Message) {
	if post.Chat == nil {
		return
	}
	text := post.Text
	if text == "" {
		text = post.Caption
	}
	sender := post.AuthorSignature
	if sender == "" {
		sender = post.Chat.Title
	}
	t.cfg.Bus.Publish(bus.TopicChannelPost, bus.ChannelPost{
		ChatID:    post.Chat.ID,
		Username:  post.Chat.UserName,
		MessageID: post.MessageID,
		Sender:    sender,
		Text:      text,
	})
}

// SendMessage delivers text in chunks of TelegramMaxMessage characters.
func (t *TelegramChannel) SendMessage(ctx context.Context, chatID int64, text string) error {
	bot := t.client()
	if bot == nil {
		return ErrNotStarted
	}
	for _, chunk := range splitMessage(text, TelegramMaxMessage) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := bot.Send(tgbotapi.NewMessage(chatID, chunk)); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}

// ResolveChat maps a public @username to its chat id.
func (t *TelegramChannel) ResolveChat(_ context.Context, username string) (int64, error) {
	bot := t.client()
	if bot == nil {
		return 0, ErrNotStarted
	}
	if !strings.HasPrefix(username, "@") {
		username = "@" + username
	}
	chat, err := bot.GetChat(tgbotapi.ChatInfoConfig{
		ChatConfig: tgbotapi.ChatConfig{SuperGroupUsername: username},
	})
	if err != nil {
		return 0, fmt.Errorf("telegram resolve %s: %w", username, err)
	}
	return chat.ID, nil
}

func (t *TelegramChannel) client() *tgbotapi.BotAPI {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.bot
}

func (t *TelegramChannel) botName() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.username
}

func displayName(u *tgbotapi.User) string {
	if u.UserName != "" {
		return u.UserName
	}
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}
