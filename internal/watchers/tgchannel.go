package watchers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/basket/go-butler/internal/bus"
	"github.com/basket/go-butler/internal/triggers"
)

const TGChannelSchema = `{
	"type": "object",
	"properties": {
		"channel": {"type": "string", "pattern": "^@?[A-Za-z0-9_]{4,}$"}
	},
	"required": ["channel"],
	"additionalProperties": false
}`

// ChannelFeed is implemented by transports that can see channel posts.
type ChannelFeed interface {
	// ResolveChat maps a public @username to its chat id.
	ResolveChat(ctx context.Context, username string) (int64, error)
}

// TGChannelFactory builds sources that fire on every post of one channel.
// Posts arrive on the bus under bus.TopicChannelPost.
func TGChannelFactory(b *bus.Bus, logger *slog.Logger) triggers.Factory {
	return func(exec triggers.Runner, transport triggers.Deliverer, cfg map[string]any, prompt string) (triggers.Source, error) {
		feed, ok := transport.(ChannelFeed)
		if !ok {
			return nil, errors.New("transport cannot follow channels")
		}
		if b == nil {
			return nil, errors.New("no event bus for channel posts")
		}
		channel, _ := cfg["channel"].(string)
		if !strings.HasPrefix(channel, "@") {
			channel = "@" + channel
		}
		return &tgChannelSource{
			exec:    exec,
			feed:    feed,
			bus:     b,
			channel: channel,
			prompt:  prompt,
			logger:  logger.With("trigger", TypeTGChannel, "channel", channel),
		}, nil
	}
}

type tgChannelSource struct {
	exec    triggers.Runner
	feed    ChannelFeed
	bus     *bus.Bus
	channel string
	prompt  string
	logger  *slog.Logger

	chatID int64
	sub    *bus.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (s *tgChannelSource) Start(ctx context.Context) error {
	chatID, err := s.feed.ResolveChat(ctx, s.channel)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", s.channel, err)
	}
	s.chatID = chatID
	s.sub = s.bus.Subscribe(bus.TopicChannelPost)
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx, s.sub)
	s.logger.Info("tg_channel: started", "chat_id", chatID)
	return nil
}

func (s *tgChannelSource) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.bus.Unsubscribe(s.sub)
	s.wg.Wait()
	s.logger.Info("tg_channel: stopped", "dropped_posts", s.sub.Dropped())
}

func (s *tgChannelSource) loop(ctx context.Context, sub *bus.Subscription) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			post, ok := ev.Payload.(bus.ChannelPost)
			if !ok || post.ChatID != s.chatID {
				continue
			}
			s.exec.Fire(ctx, s.event(post))
		}
	}
}

func (s *tgChannelSource) event(post bus.ChannelPost) triggers.Event {
	sender := post.Sender
	if sender == "" {
		sender = s.channel
	}
	text := post.Text
	if strings.TrimSpace(text) == "" {
		text = "[media without text]"
	}
	prompt := fmt.Sprintf("New post in %s from %s:\n\n%s", s.channel, sender, text) + instruction(s.prompt)
	ev := triggers.NewEvent(TypeTGChannel+":"+s.channel, prompt)
	ev.Context["channel"] = s.channel
	ev.Context["message_id"] = post.MessageID
	return ev
}
