package watchers

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basket/go-butler/internal/bus"
	"github.com/basket/go-butler/internal/triggers"
)

type recordingRunner struct {
	mu     sync.Mutex
	events []triggers.Event
}

func (r *recordingRunner) Execute(_ context.Context, ev triggers.Event) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return "", nil
}

func (r *recordingRunner) Fire(ctx context.Context, ev triggers.Event) { _, _ = r.Execute(ctx, ev) }

func (r *recordingRunner) Events() []triggers.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]triggers.Event(nil), r.events...)
}

type plainTransport struct{}

func (plainTransport) SendMessage(context.Context, int64, string) error { return nil }
func (plainTransport) MaxMessageLength() int                             { return 4000 }

type feedTransport struct {
	plainTransport
	chats map[string]int64
}

func (f feedTransport) ResolveChat(_ context.Context, username string) (int64, error) {
	id, ok := f.chats[username]
	if !ok {
		return 0, errors.New("chat not found")
	}
	return id, nil
}

func TestTGChannel_FiltersByChat(t *testing.T) {
	b := bus.New()
	runner := &recordingRunner{}
	transport := feedTransport{chats: map[string]int64{"@news": -1001}}

	src, err := TGChannelFactory(b, nopLogger())(runner, transport, map[string]any{"channel": "news"}, "summarize it")
	require.NoError(t, err)
	require.NoError(t, src.Start(context.Background()))
	defer src.Stop()

	b.Publish(bus.TopicChannelPost, bus.ChannelPost{ChatID: -2002, MessageID: 1, Text: "other channel"})
	b.Publish(bus.TopicChannelPost, bus.ChannelPost{ChatID: -1001, MessageID: 7, Sender: "News Bot", Text: "big story"})
	b.Publish(bus.TopicChannelPost, bus.ChannelPost{ChatID: -1001, MessageID: 8})

	require.Eventually(t, func() bool { return len(runner.Events()) == 2 }, 2*time.Second, 5*time.Millisecond)
	evs := runner.Events()

	assert.Equal(t, "tg_channel:@news", evs[0].Source)
	assert.Equal(t, "New post in @news from News Bot:\n\nbig story\n\nInstruction: summarize it", evs[0].Prompt)
	assert.Equal(t, 7, evs[0].Context["message_id"])
	assert.Equal(t, "@news", evs[0].Context["channel"])
	assert.Contains(t, evs[1].Prompt, "from @news:\n\n[media without text]")
}

func TestTGChannel_StartFailures(t *testing.T) {
	b := bus.New()
	factory := TGChannelFactory(b, nopLogger())

	_, err := factory(&recordingRunner{}, plainTransport{}, map[string]any{"channel": "@news"}, "p")
	assert.Error(t, err, "transport without channel access")

	src, err := factory(&recordingRunner{}, feedTransport{}, map[string]any{"channel": "@missing"}, "p")
	require.NoError(t, err)
	assert.ErrorContains(t, src.Start(context.Background()), "chat not found")
	assert.Zero(t, b.SubscriberCount())
}

func TestCron_InvalidSpec(t *testing.T) {
	src, err := CronFactory(nopLogger())(&recordingRunner{}, nil, map[string]any{"spec": "every tuesday"}, "p")
	require.NoError(t, err)
	assert.Error(t, src.Start(context.Background()))
	src.Stop()
}

func TestCron_InvalidTimezone(t *testing.T) {
	_, err := CronFactory(nopLogger())(&recordingRunner{}, nil, map[string]any{"spec": "0 9 * * *", "timezone": "Mars/Olympus"}, "p")
	assert.Error(t, err)
}

func TestCron_Fires(t *testing.T) {
	runner := &recordingRunner{}
	src, err := CronFactory(nopLogger())(runner, nil, map[string]any{"spec": "@every 1s", "timezone": "UTC"}, "stretch")
	require.NoError(t, err)
	require.NoError(t, src.Start(context.Background()))
	defer src.Stop()

	require.Eventually(t, func() bool { return len(runner.Events()) > 0 }, 3*time.Second, 20*time.Millisecond)
	ev := runner.Events()[0]
	assert.Equal(t, "cron:@every 1s", ev.Source)
	assert.Equal(t, "stretch", ev.Prompt)
}

func TestFileWatch_DebouncesBursts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("v0"), 0o644))

	runner := &recordingRunner{}
	src, err := FileWatchFactory(nopLogger())(runner, nil, map[string]any{"path": path, "ops": []any{"write"}}, "reread it")
	require.NoError(t, err)
	fs := src.(*fileSource)
	fs.debounce = 100 * time.Millisecond
	require.NoError(t, src.Start(context.Background()))
	defer src.Stop()

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("x", i+1)), 0o644))
	}

	require.Eventually(t, func() bool { return len(runner.Events()) == 1 }, 3*time.Second, 10*time.Millisecond)
	time.Sleep(250 * time.Millisecond)
	evs := runner.Events()
	require.Len(t, evs, 1, "a burst of writes fires once")
	assert.Equal(t, "file_watch:"+path, evs[0].Source)
	assert.Contains(t, evs[0].Prompt, "File "+path+" changed (write).")
	assert.True(t, strings.HasSuffix(evs[0].Prompt, "Instruction: reread it"))
}

func TestFileWatch_MissingPath(t *testing.T) {
	src, err := FileWatchFactory(nopLogger())(&recordingRunner{}, nil, map[string]any{"path": "/definitely/not/here"}, "p")
	require.NoError(t, err)
	assert.Error(t, src.Start(context.Background()))
}

func TestRegisterAll(t *testing.T) {
	m := triggers.NewManager(triggers.ManagerConfig{})
	require.NoError(t, RegisterAll(m, bus.New(), nopLogger()))
	assert.Equal(t, []string{TypeCron, TypeFileWatch, TypeTGChannel}, m.Types())
}
