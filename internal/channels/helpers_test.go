package channels

import (
	"context"
	"iter"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

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

// echoClient answers "re: <last line of prompt>". While hold is open the
// first turn blocks until it is interrupted or hold closes.
type echoClient struct {
	hold chan struct{}

	mu      sync.Mutex
	prompts []string
	calls   int
}

func (c *echoClient) Connect(context.Context, agent.Profile, string) (agent.Conn, error) {
	return echoConn{c}, nil
}

func (c *echoClient) Prompts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.prompts...)
}

type echoConn struct{ c *echoClient }

func (echoConn) Close() error { return nil }

func (e echoConn) Query(ctx context.Context, prompt string, stop *agent.Interrupt) iter.Seq2[agent.Event, error] {
	return func(yield func(agent.Event, error) bool) {
		e.c.mu.Lock()
		e.c.prompts = append(e.c.prompts, prompt)
		e.c.calls++
		first := e.c.calls == 1
		e.c.mu.Unlock()

		if first && e.c.hold != nil {
			select {
			case <-e.c.hold:
			case <-stop.Done():
				yield(agent.Event{Kind: agent.EventText, Text: "partial"}, nil)
				return
			case <-ctx.Done():
				return
			}
		}
		if !yield(agent.Event{Kind: agent.EventText, Text: "re: " + body(prompt)}, nil) {
			return
		}
		yield(agent.Event{Kind: agent.EventResult, Token: "tok"}, nil)
	}
}

// body extracts the newest fenced message from a prompt.
func body(prompt string) string {
	const open, end = "<message-body>\n", "\n</message-body>"
	i := strings.LastIndex(prompt, open)
	if i < 0 {
		return prompt
	}
	rest := prompt[i+len(open):]
	if j := strings.Index(rest, end); j >= 0 {
		return rest[:j]
	}
	return rest
}

type recordingReplier struct {
	mu   sync.Mutex
	sent []Frame
}

func (r *recordingReplier) SendMessage(_ context.Context, chatID int64, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, Frame{ChatID: chatID, Text: text})
	return nil
}

func (r *recordingReplier) Texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sent))
	for _, f := range r.sent {
		out = append(out, f.Text)
	}
	return out
}

type fakeHeartbeat struct {
	result string
	calls  int
}

func (h *fakeHeartbeat) TriggerNow(context.Context) (string, error) {
	h.calls++
	return h.result, nil
}

func newTestDispatcher(t *testing.T, client agent.Client, users UserStore, hb HeartbeatTrigger) (*Dispatcher, *session.Registry) {
	t.Helper()
	reg := session.NewRegistry(session.RegistryConfig{
		Client:   client,
		Profiles: session.Profiles{OwnerPrompt: "owner", ExternalPrompt: "external {user_id}", GroupPrompt: "group {chat_id}"},
		IsOwner:  func(id int64) bool { return id == testOwner },
	})
	d := NewDispatcher(DispatcherConfig{
		Sessions:  reg,
		Users:     users,
		Heartbeat: hb,
		IsOwner:   func(id int64) bool { return id == testOwner },
		Location:  time.UTC,
		Now:       func() time.Time { return time.Date(2026, 10, 17, 9, 30, 0, 0, time.UTC) },
	})
	return d, reg
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
