// Package session serializes conversational turns per identity. A Session
// owns one identity's continuation token and its buffer of messages that
// arrived while a turn was running; a Registry maps identity keys to
// sessions.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-butler/internal/agent"
	"github.com/basket/go-butler/internal/otel"
	"github.com/basket/go-butler/internal/shared"
	"github.com/basket/go-butler/internal/telemetry"
)

const (
	// MaxIncomingChars bounds a single buffered message.
	MaxIncomingChars = 2000

	DefaultTimeout      = 2 * time.Hour
	DefaultMaxFollowUps = 10

	NoResponse = "No response"

	incomingHeader = "[Incoming messages:]"
	incomingFooter = "[End of incoming]"
	continueNote   = "[Continue taking the new messages into account. Perform necessary actions automatically.]"
)

var (
	// ErrQueryTimeout is reported when a submit outlives its timeout.
	ErrQueryTimeout = errors.New("query timeout")
	// ErrFollowUpSaturated is reported when the follow-up cap is reached
	// while messages are still buffered. They stay buffered for the next
	// submit.
	ErrFollowUpSaturated = errors.New("follow-up limit reached with messages pending")
)

// StateStore is the durable key/value store behind sessions.
type StateStore interface {
	LoadState(ctx context.Context, key string) ([]byte, bool, error)
	SaveState(ctx context.Context, key string, value []byte) error
	ClearState(ctx context.Context, key string) error
}

// Options tunes a Session. Zero values pick defaults.
type Options struct {
	Timeout      time.Duration
	MaxFollowUps int
	Logger       *slog.Logger
	Metrics      *otel.Metrics
	Tracer       trace.Tracer
	// UserID is the person a direct session talks to; 0 for groups and
	// background work. Tools see it through shared.CallerFrom.
	UserID int64
	// Preamble, when set, is called at the start of every submit and its
	// non-empty result is placed before the prompt.
	Preamble func(ctx context.Context) string
}

// Session is the conversation context of one identity.
type Session struct {
	key     string
	kind    Kind
	profile agent.Profile
	client  agent.Client
	state   StateStore
	opts    Options
	logger  *slog.Logger

	// mu is held for a whole Submit, follow-ups included.
	mu sync.Mutex

	// bufMu guards everything below. It is never held across agent calls.
	bufMu    sync.Mutex
	incoming []string
	token    string
	busy     bool
	stop     *agent.Interrupt
	conn     agent.Conn
	// opened is closed once the current run has an open turn or is over.
	opened chan struct{}
}

// New creates a session and restores its token and buffered messages from
// state.
func New(ctx context.Context, key string, kind Kind, profile agent.Profile, client agent.Client, state StateStore, opts Options) *Session {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxFollowUps <= 0 {
		opts.MaxFollowUps = DefaultMaxFollowUps
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Session{
		key:     key,
		kind:    kind,
		profile: profile,
		client:  client,
		state:   state,
		opts:    opts,
		logger:  opts.Logger.With("session", key, "kind", string(kind)),
	}
	s.restore(ctx)
	return s
}

func (s *Session) Key() string { return s.key }
func (s *Session) Kind() Kind  { return s.kind }

func tokenKey(key string) string    { return "token:" + key }
func incomingKey(key string) string { return "incoming:" + key }

// Token returns the current continuation token.
func (s *Session) Token() string {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	return s.token
}

// IsBusy reports whether a turn is open.
func (s *Session) IsBusy() bool {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	return s.busy
}

// Pending returns the number of buffered messages.
func (s *Session) Pending() int {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	return len(s.incoming)
}

func (s *Session) restore(ctx context.Context) {
	if s.state == nil {
		return
	}
	if raw, ok, err := s.state.LoadState(ctx, tokenKey(s.key)); err != nil {
		s.logger.Warn("session: failed to load token", "error", err)
	} else if ok {
		s.token = string(raw)
	}
	if raw, ok, err := s.state.LoadState(ctx, incomingKey(s.key)); err != nil {
		s.logger.Warn("session: failed to load incoming buffer", "error", err)
	} else if ok {
		if err := json.Unmarshal(raw, &s.incoming); err != nil {
			s.logger.Warn("session: discarding corrupt incoming buffer", "error", err)
			s.incoming = nil
		}
	}
}

// ReceiveIncoming buffers text for the next turn of this session and asks
// any open turn to stop early. It never waits for a running Submit.
func (s *Session) ReceiveIncoming(ctx context.Context, text string) {
	text = truncateRunes(text, MaxIncomingChars)

	s.bufMu.Lock()
	s.incoming = append(s.incoming, text)
	s.persistIncomingLocked(ctx)
	stop := s.stop
	s.bufMu.Unlock()

	if stop != nil && stop.Fire() {
		s.opts.Metrics.AddInterrupt(ctx, "incoming")
		s.logger.Debug("session: interrupted turn for incoming message")
	}
}

// TryInterrupt stops the open turn, if any. It reports whether this call
// delivered the interrupt.
func (s *Session) TryInterrupt(ctx context.Context) bool {
	s.bufMu.Lock()
	stop := s.stop
	busy := s.busy
	s.bufMu.Unlock()
	if !busy || stop == nil {
		return false
	}
	if stop.Fire() {
		s.opts.Metrics.AddInterrupt(ctx, "stop")
		return true
	}
	return false
}

// Destroy closes any open connection and forgets the token and buffer,
// both in memory and in the state store.
func (s *Session) Destroy(ctx context.Context) {
	s.bufMu.Lock()
	conn, stop, token := s.conn, s.stop, s.token
	s.token = ""
	s.incoming = nil
	s.bufMu.Unlock()

	if stop != nil {
		stop.Fire()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if s.state != nil {
		if err := s.state.ClearState(ctx, tokenKey(s.key)); err != nil {
			s.logger.Warn("session: failed to clear token", "error", err)
		}
		if err := s.state.ClearState(ctx, incomingKey(s.key)); err != nil {
			s.logger.Warn("session: failed to clear incoming buffer", "error", err)
		}
	}
	if f, ok := s.client.(agent.Forgetter); ok && token != "" {
		if err := f.Forget(ctx, token); err != nil {
			s.logger.Warn("session: failed to forget agent history", "error", err)
		}
	}
}

// Submit runs prompt as a turn, then drains buffered messages in follow-up
// turns on the same connection. It returns the last non-empty text the agent
// produced, NoResponse, or an "Error: ..." text. Errors are never returned.
func (s *Session) Submit(ctx context.Context, prompt string) string {
	return s.SubmitStream(ctx, prompt, nil)
}

// SubmitStream is Submit with every streamed event passed to onEvent.
func (s *Session) SubmitStream(ctx context.Context, prompt string, onEvent func(agent.Event)) string {
	text, _ := s.Run(ctx, prompt, onEvent)
	return text
}

// Start submits prompt in the background. It returns once the turn is open
// (IsBusy holds and TryInterrupt reaches it) or the run has already ended,
// so a message handled after Start is buffered into this turn. The reply
// text arrives on the returned channel.
func (s *Session) Start(ctx context.Context, prompt string) <-chan string {
	s.mu.Lock()
	opened := make(chan struct{})
	s.bufMu.Lock()
	s.opened = opened
	s.bufMu.Unlock()

	reply := make(chan string, 1)
	go func() {
		text, _ := s.runLocked(ctx, prompt, nil)
		s.mu.Unlock()
		reply <- text
	}()
	<-opened
	return reply
}

// Run is SubmitStream for callers that need the failure itself. The text is
// always set; on failure it is the same "Error: ..." text Submit returns.
func (s *Session) Run(ctx context.Context, prompt string, onEvent func(agent.Event)) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runLocked(ctx, prompt, onEvent)
}

// runLocked runs with mu held.
func (s *Session) runLocked(ctx context.Context, prompt string, onEvent func(agent.Event)) (string, error) {
	defer func() {
		s.bufMu.Lock()
		s.releaseOpenedLocked()
		s.bufMu.Unlock()
	}()

	ctx = shared.WithSessionKey(shared.EnsureTraceID(ctx), s.key)
	ctx = shared.WithCaller(ctx, shared.Caller{UserID: s.opts.UserID, Owner: s.profile.Owner})
	logger := telemetry.WithContext(ctx, s.logger)
	ctx, span := otel.StartSpan(ctx, s.opts.Tracer, "session.submit",
		otel.AttrSessionKey.String(s.key), otel.AttrSessionKind.String(string(s.kind)))
	start := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	type outcome struct {
		text      string
		followUps int
		err       error
	}
	done := make(chan outcome, 1)
	c := &turnConn{}
	go func() {
		text, n, err := s.run(runCtx, c, prompt, onEvent)
		done <- outcome{text, n, err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-runCtx.Done():
		// Stop the turn and release the connection, then wait for the run
		// goroutine: the session stays locked until its turn state is gone.
		s.bufMu.Lock()
		if s.stop != nil {
			s.stop.Fire()
		}
		s.bufMu.Unlock()
		c.close()
		late := <-done
		out = outcome{followUps: late.followUps, err: runCtx.Err()}
	}

	if out.err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		out.err = ErrQueryTimeout
	}
	span.SetAttributes(otel.AttrFollowUps.Int(out.followUps))
	otel.EndSpan(span, out.err)

	switch {
	case errors.Is(out.err, ErrQueryTimeout):
		s.opts.Metrics.RecordTurn(ctx, string(s.kind), time.Since(start), "timeout")
		logger.Error("session: query timeout", "timeout", s.opts.Timeout)
		return "Error: " + ErrQueryTimeout.Error(), out.err
	case out.err != nil:
		s.opts.Metrics.RecordTurn(ctx, string(s.kind), time.Since(start), "error")
		logger.Error("session: query failed", "error", out.err)
		return "Error: " + out.err.Error(), out.err
	}
	s.opts.Metrics.RecordTurn(ctx, string(s.kind), time.Since(start), "ok")
	if out.text == "" {
		return NoResponse, nil
	}
	return out.text, nil
}

// turnConn lets Submit close the connection of an abandoned run exactly once.
type turnConn struct {
	mu     sync.Mutex
	conn   agent.Conn
	closed bool
}

func (t *turnConn) set(c agent.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		_ = c.Close()
		return false
	}
	t.conn = c
	return true
}

func (t *turnConn) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	if t.conn != nil {
		_ = t.conn.Close()
	}
}

func (s *Session) run(ctx context.Context, tc *turnConn, prompt string, onEvent func(agent.Event)) (string, int, error) {
	var parts []string
	if s.opts.Preamble != nil {
		if pre := strings.TrimSpace(s.opts.Preamble(ctx)); pre != "" {
			parts = append(parts, pre)
		}
	}
	if block := formatIncoming(s.takeIncoming(ctx)); block != "" {
		parts = append(parts, block)
	}
	parts = append(parts, prompt)
	full := strings.Join(parts, "\n")

	conn, err := s.client.Connect(ctx, s.profile, s.Token())
	if err != nil {
		return "", 0, fmt.Errorf("connect: %w", err)
	}
	if !tc.set(conn) {
		return "", 0, ctx.Err()
	}
	s.bufMu.Lock()
	s.conn = conn
	s.busy = true
	s.bufMu.Unlock()
	s.opts.Metrics.SessionOpened(ctx, string(s.kind))
	defer func() {
		s.bufMu.Lock()
		s.conn = nil
		s.busy = false
		s.stop = nil
		s.bufMu.Unlock()
		tc.close()
		s.opts.Metrics.SessionClosed(context.WithoutCancel(ctx), string(s.kind))
	}()

	last, err := s.turn(ctx, conn, full, onEvent)
	if err != nil {
		return last, 0, err
	}

	followUps := 0
	for !s.closeIfDrained() {
		if followUps >= s.opts.MaxFollowUps {
			s.opts.Metrics.AddSaturation(ctx, string(s.kind))
			s.logger.Warn("session: follow-up drain stopped", "error", ErrFollowUpSaturated,
				"follow_ups", followUps, "pending", s.Pending())
			break
		}
		block := formatIncoming(s.takeIncoming(ctx))
		if block == "" {
			break
		}
		followUps++
		s.opts.Metrics.AddFollowUp(ctx, string(s.kind))
		text, err := s.turn(ctx, conn, block+continueNote, onEvent)
		if text != "" {
			last = text
		}
		if err != nil {
			return last, followUps, err
		}
	}
	return last, followUps, nil
}

// turn runs one Query and returns its last non-empty text. The turn's
// interrupt fires at most once, as soon as the buffer is non-empty.
func (s *Session) turn(ctx context.Context, conn agent.Conn, prompt string, onEvent func(agent.Event)) (string, error) {
	stop := agent.NewInterrupt()
	s.bufMu.Lock()
	s.stop = stop
	s.releaseOpenedLocked()
	s.bufMu.Unlock()

	var last string
	for ev, err := range conn.Query(ctx, prompt, stop) {
		if err != nil {
			return last, err
		}
		switch ev.Kind {
		case agent.EventText:
			if strings.TrimSpace(ev.Text) != "" {
				last = ev.Text
			}
		case agent.EventResult:
			if ev.Token != "" {
				s.saveToken(ctx, ev.Token)
			}
		}
		if onEvent != nil {
			onEvent(ev)
		}
		if s.Pending() > 0 && stop.Fire() {
			s.opts.Metrics.AddInterrupt(ctx, "incoming")
		}
	}
	if err := ctx.Err(); err != nil {
		return last, err
	}
	return last, nil
}

// closeIfDrained marks the session idle when nothing is buffered. Checking
// and clearing under one lock means a message either lands in this run or
// finds the session idle.
func (s *Session) closeIfDrained() bool {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	if len(s.incoming) > 0 {
		return false
	}
	s.busy = false
	return true
}

func (s *Session) releaseOpenedLocked() {
	if s.opened != nil {
		close(s.opened)
		s.opened = nil
	}
}

func (s *Session) saveToken(ctx context.Context, token string) {
	s.bufMu.Lock()
	changed := s.token != token
	s.token = token
	s.bufMu.Unlock()
	if !changed || s.state == nil {
		return
	}
	if err := s.state.SaveState(ctx, tokenKey(s.key), []byte(token)); err != nil {
		s.logger.Warn("session: failed to persist token", "error", err)
	}
}

// takeIncoming empties the buffer and returns its contents in receipt order.
func (s *Session) takeIncoming(ctx context.Context) []string {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	msgs := s.incoming
	s.incoming = nil
	if len(msgs) > 0 {
		s.persistIncomingLocked(ctx)
	}
	return msgs
}

func (s *Session) persistIncomingLocked(ctx context.Context) {
	if s.state == nil {
		return
	}
	var err error
	if len(s.incoming) == 0 {
		err = s.state.ClearState(ctx, incomingKey(s.key))
	} else {
		var raw []byte
		if raw, err = json.Marshal(s.incoming); err == nil {
			err = s.state.SaveState(ctx, incomingKey(s.key), raw)
		}
	}
	if err != nil {
		s.logger.Warn("session: failed to persist incoming buffer", "error", err)
	}
}

func formatIncoming(msgs []string) string {
	if len(msgs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(incomingHeader)
	b.WriteByte('\n')
	for _, m := range msgs {
		b.WriteString(m)
		b.WriteByte('\n')
	}
	b.WriteString(incomingFooter)
	b.WriteByte('\n')
	return b.String()
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max])
}
