package triggers

import (
	"context"
	"errors"
	"iter"
	"path/filepath"
	"sync"
	"testing"

	"github.com/basket/go-butler/internal/agent"
	"github.com/basket/go-butler/internal/persistence"
	"github.com/basket/go-butler/internal/session"
)

const testOwner int64 = 7

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "butler.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// scriptedClient answers every turn with reply, or fails with err.
type scriptedClient struct {
	reply string
	err   error

	mu      sync.Mutex
	prompts []string
	kinds   []string
}

func (c *scriptedClient) Connect(_ context.Context, p agent.Profile, _ string) (agent.Conn, error) {
	c.mu.Lock()
	c.kinds = append(c.kinds, p.Name)
	c.mu.Unlock()
	return scriptedConn{c}, nil
}

type scriptedConn struct{ c *scriptedClient }

func (scriptedConn) Close() error { return nil }

func (s scriptedConn) Query(_ context.Context, prompt string, _ *agent.Interrupt) iter.Seq2[agent.Event, error] {
	return func(yield func(agent.Event, error) bool) {
		s.c.mu.Lock()
		s.c.prompts = append(s.c.prompts, prompt)
		s.c.mu.Unlock()
		if s.c.err != nil {
			yield(agent.Event{}, s.c.err)
			return
		}
		if !yield(agent.Event{Kind: agent.EventText, Text: s.c.reply}, nil) {
			return
		}
		yield(agent.Event{Kind: agent.EventResult, Token: "t"}, nil)
	}
}

type sentMessage struct {
	ChatID int64
	Text   string
}

type fakeDeliverer struct {
	maxLen int
	fail   bool

	mu   sync.Mutex
	sent []sentMessage
}

func (d *fakeDeliverer) SendMessage(_ context.Context, chatID int64, text string) error {
	if d.fail {
		return errors.New("transport down")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, sentMessage{chatID, text})
	return nil
}

func (d *fakeDeliverer) MaxMessageLength() int { return d.maxLen }

func (d *fakeDeliverer) Sent() []sentMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]sentMessage(nil), d.sent...)
}

func newTestRegistry(client agent.Client) *session.Registry {
	return session.NewRegistry(session.RegistryConfig{
		Client:   client,
		Profiles: session.Profiles{OwnerPrompt: "owner", HeartbeatPrompt: "hb"},
		IsOwner:  func(id int64) bool { return id == testOwner },
	})
}

// fakeSource records lifecycle calls into a shared log.
type fakeSource struct {
	name     string
	log      *[]string
	mu       *sync.Mutex
	startErr error
}

func (f *fakeSource) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	*f.log = append(*f.log, "start "+f.name)
	return nil
}

func (f *fakeSource) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	*f.log = append(*f.log, "stop "+f.name)
}
