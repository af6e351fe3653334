package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// WSMaxMessage is the chunk size for outgoing WebSocket frames.
const WSMaxMessage = 16000

// ErrNoClient is returned when no socket is bound to the target chat.
var ErrNoClient = errors.New("ws: no client connected for chat")

// Frame is the JSON body of every WebSocket message, in both directions.
type Frame struct {
	ChatID int64  `json:"chat_id"`
	Text   string `json:"text"`
}

// WSConfig wires a WSChannel.
type WSConfig struct {
	Addr         string
	AuthToken    string
	AllowOrigins []string
	Dispatcher   *Dispatcher
	Logger       *slog.Logger
}

// WSChannel is a local transport for scripts and tests. Each client binds to
// the chat ids it sends from and receives replies for them.
type WSChannel struct {
	cfg    WSConfig
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]map[int64]struct{}
	ln      net.Listener
	srv     *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	queue  *chatQueue
}

func NewWSChannel(cfg WSConfig) *WSChannel {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &WSChannel{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*websocket.Conn]map[int64]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	if cfg.Dispatcher != nil {
		w.queue = newChatQueue(cfg.Dispatcher, w)
	}
	return w
}

func (w *WSChannel) Name() string { return "ws" }

func (w *WSChannel) MaxMessageLength() int { return WSMaxMessage }

func (w *WSChannel) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", w.handleWS)
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	return mux
}

// Start listens on cfg.Addr and serves in the background.
func (w *WSChannel) Start(ctx context.Context) error {
	if w.cfg.AuthToken == "" {
		return errors.New("ws: auth token is required")
	}
	ln, err := net.Listen("tcp", w.cfg.Addr)
	if err != nil {
		return fmt.Errorf("ws listen: %w", err)
	}
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Lock()
	w.ln = ln
	w.srv = &http.Server{Handler: w.Handler(), ReadHeaderTimeout: 10 * time.Second}
	srv := w.srv
	w.mu.Unlock()

	w.logger.Info("ws: listening", "addr", ln.Addr().String())
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.logger.Error("ws: serve failed", "error", err)
		}
	}()
	return nil
}

// Addr is the bound listen address, or "" before Start.
func (w *WSChannel) Addr() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ln == nil {
		return ""
	}
	return w.ln.Addr().String()
}

func (w *WSChannel) Stop() {
	w.cancel()
	w.mu.Lock()
	srv := w.srv
	conns := make([]*websocket.Conn, 0, len(w.clients))
	for c := range w.clients {
		conns = append(conns, c)
	}
	w.mu.Unlock()

	// Hijacked connections are not closed by Shutdown.
	for _, c := range conns {
		_ = c.Close(websocket.StatusGoingAway, "shutdown")
	}
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
	w.wg.Wait()
	if w.queue != nil {
		w.queue.wait()
	}
}

func (w *WSChannel) handleWS(rw http.ResponseWriter, r *http.Request) {
	if !w.authorize(r) {
		http.Error(rw, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(rw, r, &websocket.AcceptOptions{
		OriginPatterns: w.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	w.mu.Lock()
	w.clients[conn] = make(map[int64]struct{})
	w.mu.Unlock()
	w.logger.Info("ws: client connected")
	defer func() {
		w.mu.Lock()
		delete(w.clients, conn)
		w.mu.Unlock()
		w.logger.Info("ws: client disconnected")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		var in Frame
		if err := wsjson.Read(r.Context(), conn, &in); err != nil {
			return
		}
		if in.ChatID == 0 || strings.TrimSpace(in.Text) == "" {
			continue
		}
		w.mu.Lock()
		if chats, ok := w.clients[conn]; ok {
			chats[in.ChatID] = struct{}{}
		}
		w.mu.Unlock()
		if w.queue == nil {
			continue
		}
		w.queue.push(w.ctx, Inbound{Channel: "ws", ChatID: in.ChatID, UserID: in.ChatID, Text: in.Text})
	}
}

func (w *WSChannel) authorize(r *http.Request) bool {
	if w.cfg.AuthToken == "" {
		return false
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token != "" && token == w.cfg.AuthToken
}

// SendMessage writes text to every client bound to chatID.
func (w *WSChannel) SendMessage(ctx context.Context, chatID int64, text string) error {
	w.mu.Lock()
	var targets []*websocket.Conn
	for c, chats := range w.clients {
		if _, ok := chats[chatID]; ok {
			targets = append(targets, c)
		}
	}
	w.mu.Unlock()
	if len(targets) == 0 {
		return fmt.Errorf("%w %d", ErrNoClient, chatID)
	}

	var errs []error
	for _, c := range targets {
		for _, chunk := range splitMessage(text, WSMaxMessage) {
			if err := wsjson.Write(ctx, c, Frame{ChatID: chatID, Text: chunk}); err != nil {
				errs = append(errs, err)
				break
			}
		}
	}
	return errors.Join(errs...)
}
