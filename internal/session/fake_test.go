package session

import (
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-butler/internal/agent"
)

// replyFunc scripts one turn. It may block; it must honor ctx.
type replyFunc func(ctx context.Context, call int, prompt string, stop *agent.Interrupt) (string, error)

type fakeClient struct {
	reply replyFunc

	mu        sync.Mutex
	prompts   []string
	tokens    []string
	profiles  []agent.Profile
	forgotten []string
	closes    int
	active    int
	maxActive int
	seq       int
}

func (f *fakeClient) Connect(_ context.Context, p agent.Profile, token string) (agent.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, token)
	f.profiles = append(f.profiles, p)
	return &fakeConn{client: f}, nil
}

func (f *fakeClient) Forget(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgotten = append(f.forgotten, token)
	return nil
}

func (f *fakeClient) Prompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts...)
}

func (f *fakeClient) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

type fakeConn struct {
	client *fakeClient
	once   sync.Once
}

func (c *fakeConn) Close() error {
	c.once.Do(func() {
		c.client.mu.Lock()
		c.client.closes++
		c.client.mu.Unlock()
	})
	return nil
}

func (c *fakeConn) Query(ctx context.Context, prompt string, stop *agent.Interrupt) iter.Seq2[agent.Event, error] {
	return func(yield func(agent.Event, error) bool) {
		f := c.client
		f.mu.Lock()
		call := len(f.prompts)
		f.prompts = append(f.prompts, prompt)
		f.active++
		if f.active > f.maxActive {
			f.maxActive = f.active
		}
		f.seq++
		token := fmt.Sprintf("tok-%d", f.seq)
		f.mu.Unlock()

		defer func() {
			f.mu.Lock()
			f.active--
			f.mu.Unlock()
		}()

		text := "ok"
		var err error
		if f.reply != nil {
			text, err = f.reply(ctx, call, prompt, stop)
		}
		if err != nil {
			yield(agent.Event{}, err)
			return
		}
		if text != "" && !yield(agent.Event{Kind: agent.EventText, Text: text}, nil) {
			return
		}
		yield(agent.Event{Kind: agent.EventResult, Token: token}, nil)
	}
}

type memState struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemState() *memState { return &memState{data: make(map[string][]byte)} }

func (m *memState) LoadState(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memState) SaveState(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *memState) ClearState(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memState) get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return string(v), ok
}

func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
