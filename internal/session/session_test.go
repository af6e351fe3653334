package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basket/go-butler/internal/agent"
)

func newTestSession(t *testing.T, client *fakeClient, state StateStore, opts Options) *Session {
	t.Helper()
	if state == nil {
		state = newMemState()
	}
	return New(context.Background(), "bot:42", KindOwner, agent.Profile{Name: "owner", Owner: true}, client, state, opts)
}

func TestSubmit_ReturnsTextAndPersistsToken(t *testing.T) {
	client := &fakeClient{reply: func(context.Context, int, string, *agent.Interrupt) (string, error) {
		return "hello", nil
	}}
	state := newMemState()
	s := newTestSession(t, client, state, Options{})

	assert.Equal(t, "hello", s.Submit(context.Background(), "hi"))
	tok, ok := state.get("token:bot:42")
	require.True(t, ok)
	assert.Equal(t, "tok-1", tok)
	assert.Equal(t, "tok-1", s.Token())
	assert.False(t, s.IsBusy())

	s.Submit(context.Background(), "again")
	assert.Equal(t, []string{"", "tok-1"}, client.tokens)
	assert.Equal(t, 2, client.Closes())
}

func TestSubmit_TokenSurvivesRestart(t *testing.T) {
	client := &fakeClient{}
	state := newMemState()
	newTestSession(t, client, state, Options{}).Submit(context.Background(), "first")

	restarted := newTestSession(t, client, state, Options{})
	assert.Equal(t, "tok-1", restarted.Token())
}

func TestSubmit_NoResponse(t *testing.T) {
	client := &fakeClient{reply: func(context.Context, int, string, *agent.Interrupt) (string, error) {
		return "", nil
	}}
	s := newTestSession(t, client, nil, Options{})
	assert.Equal(t, NoResponse, s.Submit(context.Background(), "hi"))
}

func TestSubmit_ErrorText(t *testing.T) {
	client := &fakeClient{reply: func(context.Context, int, string, *agent.Interrupt) (string, error) {
		return "", errors.New("backend exploded")
	}}
	s := newTestSession(t, client, nil, Options{})

	got := s.Submit(context.Background(), "hi")
	assert.True(t, strings.HasPrefix(got, "Error: "), got)
	assert.Contains(t, got, "backend exploded")
	assert.Equal(t, 1, client.Closes())
	assert.False(t, s.IsBusy())
}

func TestSubmit_Timeout(t *testing.T) {
	client := &fakeClient{reply: func(ctx context.Context, _ int, _ string, _ *agent.Interrupt) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	s := newTestSession(t, client, nil, Options{Timeout: 50 * time.Millisecond})

	assert.Equal(t, "Error: query timeout", s.Submit(context.Background(), "hi"))
	waitFor(t, time.Second, func() bool { return client.Closes() == 1 })
	waitFor(t, time.Second, func() bool { return !s.IsBusy() })
}

func TestSubmit_TimeoutHoldsSessionUntilTurnEnds(t *testing.T) {
	release := make(chan struct{})
	client := &fakeClient{reply: func(ctx context.Context, call int, _ string, _ *agent.Interrupt) (string, error) {
		if call == 0 {
			<-ctx.Done()
			time.Sleep(100 * time.Millisecond)
			return "", ctx.Err()
		}
		select {
		case <-release:
			return "second", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}}
	s := newTestSession(t, client, nil, Options{Timeout: 200 * time.Millisecond})

	assert.Equal(t, "Error: query timeout", s.Submit(context.Background(), "slow"))
	assert.False(t, s.IsBusy())

	done := make(chan string, 1)
	go func() { done <- s.Submit(context.Background(), "next") }()
	waitFor(t, time.Second, func() bool { return len(client.Prompts()) == 2 })
	assert.True(t, s.IsBusy())
	close(release)

	assert.Equal(t, "second", <-done)
	client.mu.Lock()
	assert.Equal(t, 1, client.maxActive)
	client.mu.Unlock()
}

func TestSubmit_StreamsEvents(t *testing.T) {
	client := &fakeClient{reply: func(context.Context, int, string, *agent.Interrupt) (string, error) {
		return "streamed", nil
	}}
	s := newTestSession(t, client, nil, Options{})

	var kinds []agent.EventKind
	got := s.SubmitStream(context.Background(), "hi", func(ev agent.Event) { kinds = append(kinds, ev.Kind) })
	assert.Equal(t, "streamed", got)
	assert.Equal(t, []agent.EventKind{agent.EventText, agent.EventResult}, kinds)
}

func TestSubmit_MutualExclusion(t *testing.T) {
	client := &fakeClient{reply: func(context.Context, int, string, *agent.Interrupt) (string, error) {
		time.Sleep(5 * time.Millisecond)
		return "done", nil
	}}
	s := newTestSession(t, client, nil, Options{})

	const n = 8
	var wg sync.WaitGroup
	results := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = s.Submit(context.Background(), "p")
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, "done", r)
	}
	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Equal(t, 1, client.maxActive)
	assert.Len(t, client.prompts, n)
}

// blockingFirstTurn holds the first turn open until it has been interrupted
// and release is closed. Later turns answer immediately.
func blockingFirstTurn(started chan<- struct{}, release <-chan struct{}) replyFunc {
	return func(ctx context.Context, call int, prompt string, stop *agent.Interrupt) (string, error) {
		if call > 0 {
			return "follow-up " + prompt, nil
		}
		close(started)
		select {
		case <-stop.Done():
		case <-ctx.Done():
			return "", ctx.Err()
		}
		<-release
		return "partial", nil
	}
}

func TestStart_ReturnsWithTurnOpen(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	client := &fakeClient{reply: blockingFirstTurn(started, release)}
	s := newTestSession(t, client, nil, Options{})
	ctx := context.Background()

	reply := s.Start(ctx, "start")
	assert.True(t, s.IsBusy(), "the turn is open when Start returns")
	s.ReceiveIncoming(ctx, "A")
	close(release)

	got := <-reply
	assert.True(t, strings.HasPrefix(got, "follow-up "+incomingHeader), got)
	assert.False(t, s.IsBusy())
	prompts := client.Prompts()
	require.Len(t, prompts, 2)
	assert.Equal(t, "start", prompts[0])
	assert.Contains(t, prompts[1], "A")
}

func TestStart_StopReachesTurn(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	client := &fakeClient{reply: blockingFirstTurn(started, release)}
	s := newTestSession(t, client, nil, Options{})
	ctx := context.Background()

	reply := s.Start(ctx, "long job")
	assert.True(t, s.TryInterrupt(ctx))
	close(release)
	assert.Equal(t, "partial", <-reply)
}

func TestSubmit_FollowUpKeepsReceiptOrder(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	client := &fakeClient{reply: blockingFirstTurn(started, release)}
	s := newTestSession(t, client, nil, Options{})

	done := make(chan string, 1)
	go func() { done <- s.Submit(context.Background(), "start") }()

	<-started
	assert.True(t, s.IsBusy())
	s.ReceiveIncoming(context.Background(), "A")
	s.ReceiveIncoming(context.Background(), "B")
	close(release)

	got := <-done
	prompts := client.Prompts()
	require.Len(t, prompts, 2, "one follow-up round")
	assert.Equal(t, "start", prompts[0])

	follow := prompts[1]
	assert.True(t, strings.HasPrefix(follow, incomingHeader))
	assert.Less(t, strings.Index(follow, "A"), strings.Index(follow, "B"))
	assert.True(t, strings.HasSuffix(follow, continueNote))
	assert.Equal(t, "follow-up "+follow, got)
	assert.Zero(t, s.Pending())
	assert.Equal(t, 1, client.Closes(), "follow-ups reuse the connection")
}

func TestSubmit_NoLostInput(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	started := make(chan struct{})
	release := make(chan struct{})
	first := blockingFirstTurn(started, release)
	client := &fakeClient{reply: func(ctx context.Context, call int, prompt string, stop *agent.Interrupt) (string, error) {
		if call > 0 {
			mu.Lock()
			for _, line := range strings.Split(prompt, "\n") {
				if strings.HasPrefix(line, "msg-") {
					seen = append(seen, line)
				}
			}
			mu.Unlock()
		}
		return first(ctx, call, prompt, stop)
	}}
	s := newTestSession(t, client, nil, Options{MaxFollowUps: 100})

	done := make(chan string, 1)
	go func() { done <- s.Submit(context.Background(), "start") }()
	<-started

	var want []string
	sent := make(chan struct{})
	go func() {
		defer close(sent)
		for i := 0; i < 20; i++ {
			msg := "msg-" + string(rune('a'+i))
			want = append(want, msg)
			s.ReceiveIncoming(context.Background(), msg)
			if i == 5 {
				close(release)
			}
		}
	}()
	<-sent
	<-done

	// Anything that landed after the last follow-up drained stays buffered.
	if s.Pending() > 0 {
		s.Submit(context.Background(), "tail")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, seen)
}

func TestSubmit_FollowUpSaturation(t *testing.T) {
	var s *Session
	client := &fakeClient{reply: func(_ context.Context, call int, _ string, _ *agent.Interrupt) (string, error) {
		s.ReceiveIncoming(context.Background(), "more")
		return "turn", nil
	}}
	s = newTestSession(t, client, nil, Options{MaxFollowUps: 2})

	assert.Equal(t, "turn", s.Submit(context.Background(), "go"))
	assert.Len(t, client.Prompts(), 3)
	assert.Equal(t, 1, s.Pending(), "messages past the cap stay buffered")
}

func TestReceiveIncoming_TruncatesAndPersists(t *testing.T) {
	state := newMemState()
	s := newTestSession(t, &fakeClient{}, state, Options{})

	s.ReceiveIncoming(context.Background(), strings.Repeat("é", MaxIncomingChars+500))
	raw, ok := state.get("incoming:bot:42")
	require.True(t, ok)
	var msgs []string
	require.NoError(t, json.Unmarshal([]byte(raw), &msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, MaxIncomingChars, utf8.RuneCountInString(msgs[0]))
}

func TestReceiveIncoming_RestoredAndPrepended(t *testing.T) {
	state := newMemState()
	client := &fakeClient{}
	newTestSession(t, client, state, Options{}).ReceiveIncoming(context.Background(), "while you were out")

	s := newTestSession(t, client, state, Options{})
	require.Equal(t, 1, s.Pending())
	s.Submit(context.Background(), "hello")

	prompts := client.Prompts()
	require.Len(t, prompts, 1)
	assert.Equal(t, incomingHeader+"\nwhile you were out\n"+incomingFooter+"\n\nhello", prompts[0])
	_, ok := state.get("incoming:bot:42")
	assert.False(t, ok)
}

func TestSubmit_PreambleFirst(t *testing.T) {
	client := &fakeClient{}
	s := newTestSession(t, client, nil, Options{Preamble: func(context.Context) string { return "## tasks" }})
	s.ReceiveIncoming(context.Background(), "A")
	s.Submit(context.Background(), "hi")

	p := client.Prompts()[0]
	assert.True(t, strings.HasPrefix(p, "## tasks\n"+incomingHeader))
	assert.True(t, strings.HasSuffix(p, "\nhi"))
}

func TestTryInterrupt(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	client := &fakeClient{reply: blockingFirstTurn(started, release)}
	s := newTestSession(t, client, nil, Options{})

	assert.False(t, s.TryInterrupt(context.Background()), "idle session")

	done := make(chan string, 1)
	go func() { done <- s.Submit(context.Background(), "long job") }()
	<-started
	assert.True(t, s.TryInterrupt(context.Background()))
	assert.False(t, s.TryInterrupt(context.Background()), "already fired")
	close(release)
	assert.Equal(t, "partial", <-done)
}

func TestDestroy_ClearsState(t *testing.T) {
	state := newMemState()
	client := &fakeClient{}
	s := newTestSession(t, client, state, Options{})
	s.Submit(context.Background(), "hi")
	s.ReceiveIncoming(context.Background(), "pending")

	s.Destroy(context.Background())

	_, ok := state.get("token:bot:42")
	assert.False(t, ok)
	_, ok = state.get("incoming:bot:42")
	assert.False(t, ok)
	assert.Empty(t, s.Token())
	assert.Zero(t, s.Pending())
	assert.Equal(t, []string{"tok-1"}, client.forgotten)
}

func TestRun_ReportsFailure(t *testing.T) {
	client := &fakeClient{reply: func(ctx context.Context, _ int, _ string, _ *agent.Interrupt) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	s := newTestSession(t, client, nil, Options{Timeout: 20 * time.Millisecond})

	text, err := s.Run(context.Background(), "hi", nil)
	assert.ErrorIs(t, err, ErrQueryTimeout)
	assert.Equal(t, "Error: query timeout", text)
}
