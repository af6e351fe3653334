package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/basket/go-butler/internal/safety"
	"github.com/basket/go-butler/internal/session"
)

// Replies sent by the Dispatcher itself.
const (
	ReplyStopped     = "Stopped."
	ReplyNothingStop = "Nothing to stop."
	ReplyCleared     = "Session cleared."
	ReplyResetAll    = "All sessions reset."
	ReplyQueued      = "📥 Added to the current request."
	ReplyOwnerOnly   = "This command is for the owner only."
	ReplyQuiet       = "Heartbeat: nothing needs attention."
	ReplyRefused     = "I can't help with that."
	ReplyBlocked     = "You have been blocked after repeated warnings."
)

// UserStore tracks external users and their bans.
type UserStore interface {
	TouchUser(ctx context.Context, userID int64, name string) error
	IsBanned(ctx context.Context, userID int64) (bool, error)
	Ban(ctx context.Context, userID int64) error
	Unban(ctx context.Context, userID int64) error
	// Warn records a warning and reports whether the user is now banned.
	Warn(ctx context.Context, userID int64) (int, bool, error)
}

// HeartbeatTrigger runs a heartbeat probe on demand.
type HeartbeatTrigger interface {
	TriggerNow(ctx context.Context) (string, error)
}

// HeartbeatFunc adapts a function to HeartbeatTrigger.
type HeartbeatFunc func(ctx context.Context) (string, error)

func (f HeartbeatFunc) TriggerNow(ctx context.Context) (string, error) { return f(ctx) }

// DispatcherConfig wires a Dispatcher.
type DispatcherConfig struct {
	Sessions  *session.Registry
	Users     UserStore
	Heartbeat HeartbeatTrigger
	// Guard screens non-owner input and scrubs replies that leave the
	// owner's private chat. Nil disables both.
	Guard     *safety.Guard
	IsOwner   func(id int64) bool
	Location  *time.Location
	Logger    *slog.Logger
	Now       func() time.Time
}

// Dispatcher binds inbound chat messages to sessions.
type Dispatcher struct {
	cfg    DispatcherConfig
	logger *slog.Logger
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.IsOwner == nil {
		cfg.IsOwner = func(int64) bool { return false }
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{cfg: cfg, logger: logger}
}

// Handle processes one message and writes any reply through out. It blocks
// for the length of the agent turn.
func (d *Dispatcher) Handle(ctx context.Context, out Replier, msg Inbound) {
	if finish := d.admit(ctx, out, msg); finish != nil {
		finish()
	}
}

// admit does everything up to the agent turn: commands, bans, screening and
// buffering into a busy session. When the message opens a turn, admit
// returns once that turn is open, with a finish func that waits for the
// reply and sends it.
func (d *Dispatcher) admit(ctx context.Context, out Replier, msg Inbound) func() {
	text := strings.TrimSpace(msg.Text)
	if text == "" || msg.UserID == 0 {
		return nil
	}
	owner := d.cfg.IsOwner(msg.UserID)

	if !owner && d.cfg.Users != nil {
		if err := d.cfg.Users.TouchUser(ctx, msg.UserID, msg.UserName); err != nil {
			d.logger.Warn("dispatcher: touch user failed", "user_id", msg.UserID, "error", err)
		}
		banned, err := d.cfg.Users.IsBanned(ctx, msg.UserID)
		if err != nil {
			d.logger.Warn("dispatcher: ban lookup failed", "user_id", msg.UserID, "error", err)
		}
		if banned {
			d.logger.Info("dispatcher: ignoring banned user", "user_id", msg.UserID)
			return nil
		}
	}

	if strings.HasPrefix(text, "/") {
		if reply, ok := d.command(ctx, msg, owner, text); ok {
			d.send(ctx, out, msg.ChatID, reply)
			return nil
		}
	}

	if !owner && d.refuse(ctx, out, msg, text) {
		return nil
	}

	sess := d.sessionFor(ctx, msg)
	prompt := d.wrap(text)
	if sess.IsBusy() {
		sess.ReceiveIncoming(ctx, prompt)
		d.logger.Info("dispatcher: buffered while busy", "session", sess.Key(), "pending", sess.Pending())
		d.send(ctx, out, msg.ChatID, ReplyQueued)
		return nil
	}

	d.logger.Info("dispatcher: message received", "session", sess.Key(), "chars", len(text))
	pending := sess.Start(ctx, prompt)
	return func() {
		reply := <-pending
		if d.cfg.Guard != nil && (!owner || msg.Group) {
			var n int
			if reply, n = d.cfg.Guard.Scrub(reply); n > 0 {
				d.logger.Warn("dispatcher: secrets scrubbed from reply", "session", sess.Key(), "count", n)
			}
		}
		d.send(ctx, out, msg.ChatID, reply)
	}
}

// refuse screens text from a non-owner. A refused message is answered
// here, counts as a warning, and never reaches the session.
func (d *Dispatcher) refuse(ctx context.Context, out Replier, msg Inbound, text string) bool {
	if d.cfg.Guard == nil {
		return false
	}
	f := d.cfg.Guard.Screen(text)
	if f.Verdict == safety.Suspicious {
		d.logger.Warn("dispatcher: suspicious input", "user_id", msg.UserID, "reason", f.Reason)
	}
	if f.Verdict != safety.Refuse {
		return false
	}

	d.logger.Warn("dispatcher: input refused", "user_id", msg.UserID, "reason", f.Reason)
	if d.cfg.Users == nil {
		d.send(ctx, out, msg.ChatID, ReplyRefused)
		return true
	}
	warnings, banned, err := d.cfg.Users.Warn(ctx, msg.UserID)
	if err != nil {
		d.logger.Error("dispatcher: warn user failed", "user_id", msg.UserID, "error", err)
	}
	if banned {
		d.cfg.Sessions.ResetUser(ctx, msg.UserID)
		d.logger.Info("dispatcher: user banned after warnings", "user_id", msg.UserID, "warnings", warnings)
		d.send(ctx, out, msg.ChatID, ReplyBlocked)
		return true
	}
	d.send(ctx, out, msg.ChatID, ReplyRefused)
	return true
}

func (d *Dispatcher) sessionFor(ctx context.Context, msg Inbound) *session.Session {
	if msg.Group {
		return d.cfg.Sessions.GetGroup(ctx, msg.ChatID, msg.ChatTitle, msg.Channel)
	}
	return d.cfg.Sessions.Get(ctx, msg.UserID, msg.Channel)
}

// command handles a slash command. It reports false for unknown commands,
// which are then treated as ordinary text.
func (d *Dispatcher) command(ctx context.Context, msg Inbound, owner bool, text string) (string, bool) {
	fields := strings.Fields(text)
	name, _, _ := strings.Cut(strings.ToLower(fields[0]), "@")
	args := fields[1:]

	switch name {
	case "/stop":
		if d.sessionFor(ctx, msg).TryInterrupt(ctx) {
			return ReplyStopped, true
		}
		return ReplyNothingStop, true

	case "/clear":
		if msg.Group {
			d.cfg.Sessions.ResetGroup(ctx, msg.ChatID, msg.Channel)
		} else {
			d.cfg.Sessions.Reset(ctx, session.UserKey(msg.UserID, msg.Channel))
		}
		return ReplyCleared, true

	case "/reset_all":
		if !owner {
			return ReplyOwnerOnly, true
		}
		d.cfg.Sessions.ResetAll(ctx)
		return ReplyResetAll, true

	case "/status":
		sess := d.sessionFor(ctx, msg)
		state := "idle"
		if sess.IsBusy() {
			state = "busy"
		}
		out := fmt.Sprintf("Session %s: %s, %d pending", sess.Key(), state, sess.Pending())
		if owner {
			out += fmt.Sprintf("\nLive sessions: %d", len(d.cfg.Sessions.Keys()))
		}
		return out, true

	case "/heartbeat":
		if !owner {
			return ReplyOwnerOnly, true
		}
		if d.cfg.Heartbeat == nil {
			return "Heartbeat is not configured.", true
		}
		result, err := d.cfg.Heartbeat.TriggerNow(ctx)
		if err != nil {
			return "Heartbeat failed: " + err.Error(), true
		}
		if result == "" {
			return ReplyQuiet, true
		}
		return result, true

	case "/ban", "/unban":
		if !owner {
			return ReplyOwnerOnly, true
		}
		if d.cfg.Users == nil {
			return "User store is not configured.", true
		}
		if len(args) != 1 {
			return "Usage: " + name + " <user_id>", true
		}
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return "Invalid user id: " + args[0], true
		}
		if name == "/ban" {
			if err := d.cfg.Users.Ban(ctx, id); err != nil {
				return "Ban failed: " + err.Error(), true
			}
			d.cfg.Sessions.ResetUser(ctx, id)
			d.logger.Info("dispatcher: user banned", "user_id", id)
			return fmt.Sprintf("User %d banned.", id), true
		}
		if err := d.cfg.Users.Unban(ctx, id); err != nil {
			return "Unban failed: " + err.Error(), true
		}
		d.cfg.Sessions.ResetUser(ctx, id)
		d.logger.Info("dispatcher: user unbanned", "user_id", id)
		return fmt.Sprintf("User %d unbanned.", id), true
	}
	return "", false
}

// wrap stamps the local time and fences the user text so it cannot close
// the fence itself.
func (d *Dispatcher) wrap(text string) string {
	text = strings.ReplaceAll(text, "<message-body>", "")
	text = strings.ReplaceAll(text, "</message-body>", "")
	stamp := d.cfg.Now().In(d.cfg.Location).Format("02.01.2006 15:04")
	return fmt.Sprintf("[%s]\n<message-body>\n%s\n</message-body>", stamp, text)
}

func (d *Dispatcher) send(ctx context.Context, out Replier, chatID int64, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	if err := out.SendMessage(ctx, chatID, text); err != nil {
		d.logger.Error("dispatcher: reply failed", "chat_id", chatID, "error", err)
	}
}
