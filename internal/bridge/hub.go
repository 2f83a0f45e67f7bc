package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hochfrequenz/provision-runner/internal/domain"
)

// HubConfig configures a Hub
type HubConfig struct {
	ReadyTimeout time.Duration
	// HeartbeatInterval is how often the hub pings the extension. It must
	// stay below HeartbeatTimeout; the default is a third of it.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	Logger            *slog.Logger
}

// Hub accepts a single extension connection over WebSocket and implements
// Bridge over it. A newer connection replaces the previous one.
type Hub struct {
	config   HubConfig
	upgrader websocket.Upgrader
	*exchange

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	server *http.Server
}

var errNotConnected = errors.New("no extension connected")

// NewHub creates a hub
func NewHub(config HubConfig) *Hub {
	if config.HeartbeatTimeout <= 0 {
		config.HeartbeatTimeout = 90 * time.Second
	}
	if config.HeartbeatInterval <= 0 || config.HeartbeatInterval >= config.HeartbeatTimeout {
		config.HeartbeatInterval = config.HeartbeatTimeout / 3
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	h := &Hub{
		config: config,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	h.exchange = newExchange(h.write, config.ReadyTimeout, config.Logger)
	return h
}

// Connected reports whether an extension is attached
func (h *Hub) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn != nil
}

// Ping fails fast when nothing is connected
func (h *Hub) Ping(ctx context.Context) error {
	if !h.Connected() {
		return ErrUnavailable
	}
	return h.exchange.Ping(ctx)
}

// Run forwards a BOT_RUN request to the connected extension
func (h *Hub) Run(ctx context.Context, payload domain.BotPayload, timeout time.Duration) (*Result, error) {
	if !h.Connected() {
		return nil, ErrUnavailable
	}
	return h.exchange.Run(ctx, payload, timeout)
}

// HandleWebSocket handles the extension's connection
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.config.Logger.Warn("bridge: upgrade failed", "error", err)
		return
	}

	h.mu.Lock()
	prev := h.conn
	h.conn = conn
	if prev != nil {
		// the new extension knows nothing of a request sent to the old one
		h.fail(errDisconnected)
	}
	h.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
	h.config.Logger.Info("bridge: extension connected", "remote", r.RemoteAddr)

	done := make(chan struct{})
	go h.heartbeatLoop(conn, done)
	go h.readLoop(conn, done)
}

func (h *Hub) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer func() {
		close(done)
		conn.Close()
		h.mu.Lock()
		current := h.conn == conn
		if current {
			h.conn = nil
		}
		h.mu.Unlock()
		h.config.Logger.Info("bridge: extension disconnected")
		if current {
			h.fail(errDisconnected)
		}
	}()

	conn.SetReadDeadline(time.Now().Add(h.config.HeartbeatTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(h.config.HeartbeatTimeout))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.config.Logger.Warn("bridge: read error", "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(h.config.HeartbeatTimeout))

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			h.config.Logger.Warn("bridge: invalid message", "error", err)
			continue
		}
		switch msg.Type {
		case TypeReady, TypeResult:
			h.deliver(msg)
		case TypePing:
			// extensions may probe the hub too
			h.write(Message{Type: TypeReady})
		}
	}
}

// heartbeatLoop sends protocol-level pings so a quiet extension keeps
// answering with pongs, which extend the read deadline.
func (h *Hub) heartbeatLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(h.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}
		h.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		err := conn.WriteMessage(websocket.PingMessage, nil)
		conn.SetWriteDeadline(time.Time{})
		h.writeMu.Unlock()
		if err != nil {
			h.config.Logger.Warn("bridge: ping failed", "error", err)
			// the read loop sees the close and cleans up
			conn.Close()
			return
		}
	}
}

func (h *Hub) write(msg Message) error {
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Handler serves the extension endpoint at /bridge and a status probe
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/bridge", h.HandleWebSocket)
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]bool{"connected": h.Connected()})
	})
	return mux
}

// Serve listens on addr until ctx is done
func (h *Hub) Serve(ctx context.Context, addr string) error {
	h.server = &http.Server{Addr: addr, Handler: h.Handler()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.server.Shutdown(shutdownCtx)
	}()

	h.config.Logger.Info("bridge: listening", "addr", addr)
	if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
