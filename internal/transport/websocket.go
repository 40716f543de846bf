package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"teamwire/internal/domain"
	"teamwire/internal/metrics"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WSConfig configures the WebSocket transport.
type WSConfig struct {
	URL          string
	Token        string
	WriteTimeout time.Duration // default: 10s
	PingInterval time.Duration // 0 disables keepalive pings
	Dialer       *websocket.Dialer
	State        *Connectivity
	Logger       *slog.Logger
}

// WebSocket is the client end of the ordered event stream. All writes go
// through a single writer goroutine per connection, so envelopes reach the
// server in Send order within one epoch.
type WebSocket struct {
	url          string
	token        string
	writeTimeout time.Duration
	pingInterval time.Duration
	dialer       *websocket.Dialer
	state        *Connectivity
	logger       *slog.Logger

	dialMu sync.Mutex

	mu       sync.Mutex
	conn     *websocket.Conn
	out      chan outbound
	done     chan struct{}
	epoch    uint64
	handlers []func(domain.Envelope)
	closed   bool
}

var errQueueFull = errors.New("websocket: send queue full")

type outbound struct {
	data   []byte
	result chan error
}

// NewWebSocket creates a disconnected transport.
func NewWebSocket(cfg WSConfig) *WebSocket {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		}
	}
	if cfg.State == nil {
		cfg.State = NewConnectivity()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	done := make(chan struct{})
	close(done)
	return &WebSocket{
		url:          cfg.URL,
		token:        cfg.Token,
		writeTimeout: cfg.WriteTimeout,
		pingInterval: cfg.PingInterval,
		dialer:       cfg.Dialer,
		state:        cfg.State,
		logger:       cfg.Logger,
		done:         done,
	}
}

func (ws *WebSocket) Name() string { return "websocket" }

// State returns the connectivity flag owned by this transport.
func (ws *WebSocket) State() *Connectivity { return ws.state }

func (ws *WebSocket) Connected() bool { return ws.state.Connected() }

// Epoch counts successful connects. Ordering holds only within one epoch.
func (ws *WebSocket) Epoch() uint64 {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.epoch
}

// Done is closed when the current connection ends. Before the first connect
// it returns a closed channel.
func (ws *WebSocket) Done() <-chan struct{} {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.done
}

// OnEvent registers a handler for every inbound envelope. Handlers run on the
// reader goroutine in arrival order.
func (ws *WebSocket) OnEvent(handler func(domain.Envelope)) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.handlers = append(ws.handlers, handler)
}

// Connect dials the server. It is a no-op when already connected.
func (ws *WebSocket) Connect(ctx context.Context) error {
	ws.dialMu.Lock()
	defer ws.dialMu.Unlock()

	ws.mu.Lock()
	if ws.closed {
		ws.mu.Unlock()
		return errors.New("websocket: transport closed")
	}
	if ws.conn != nil {
		ws.mu.Unlock()
		return nil
	}
	ws.mu.Unlock()

	header := http.Header{}
	if ws.token != "" {
		header.Set("Authorization", "Bearer "+ws.token)
	}

	conn, resp, err := ws.dialer.DialContext(ctx, ws.url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return &domain.AuthError{Status: resp.StatusCode, Message: "websocket handshake rejected"}
		}
		return &domain.TransportError{Op: "connect", Err: err}
	}

	ws.mu.Lock()
	ws.conn = conn
	ws.out = make(chan outbound, 64)
	ws.done = make(chan struct{})
	ws.epoch++
	epoch, out, done := ws.epoch, ws.out, ws.done
	ws.mu.Unlock()

	if ws.pingInterval > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(2 * ws.pingInterval))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(2 * ws.pingInterval))
		})
	}

	go ws.readLoop(conn, epoch)
	go ws.writeLoop(conn, epoch, out, done)

	ws.state.set(true)
	metrics.Connected.Set(1)
	ws.logger.Info("websocket connected", "url", ws.url, "epoch", epoch)
	return nil
}

// Send queues env for the writer goroutine and waits for the write result.
// It never retries: a fault during the write is reported to the caller.
func (ws *WebSocket) Send(ctx context.Context, env domain.Envelope) error {
	if env.Type == domain.EnvelopeMessage && env.Nonce == "" {
		env.Nonce = uuid.NewString()
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	ws.mu.Lock()
	if ws.conn == nil {
		ws.mu.Unlock()
		return &domain.TransportError{Op: "send " + string(env.Type), Err: domain.ErrNotConnected}
	}
	out, done := ws.out, ws.done
	ws.mu.Unlock()

	item := outbound{data: data, result: make(chan error, 1)}
	select {
	case out <- item:
	case <-done:
		return &domain.TransportError{Op: "send " + string(env.Type), Err: domain.ErrNotConnected}
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-item.result:
		if err != nil {
			return &domain.TransportError{Op: "send " + string(env.Type), Err: err}
		}
		return nil
	case <-done:
		return &domain.TransportError{Op: "send " + string(env.Type), Err: domain.ErrNotConnected}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Post queues env for the writer goroutine without waiting for the write.
// Frames posted from one goroutine leave in posting order. A full queue
// rejects the frame rather than block.
func (ws *WebSocket) Post(env domain.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	ws.mu.Lock()
	if ws.conn == nil {
		ws.mu.Unlock()
		return &domain.TransportError{Op: "post " + string(env.Type), Err: domain.ErrNotConnected}
	}
	out, done := ws.out, ws.done
	ws.mu.Unlock()

	select {
	case out <- outbound{data: data, result: make(chan error, 1)}:
		return nil
	case <-done:
		return &domain.TransportError{Op: "post " + string(env.Type), Err: domain.ErrNotConnected}
	default:
		return &domain.TransportError{Op: "post " + string(env.Type), Err: errQueueFull}
	}
}

// Close shuts the connection down for good.
func (ws *WebSocket) Close() error {
	ws.mu.Lock()
	ws.closed = true
	conn := ws.conn
	epoch := ws.epoch
	ws.mu.Unlock()

	if conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	ws.fault(epoch, nil)
	return nil
}

func (ws *WebSocket) readLoop(conn *websocket.Conn, epoch uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ws.logger.Warn("websocket read error", "err", err)
			}
			ws.fault(epoch, err)
			return
		}

		var env domain.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			ws.logger.Warn("invalid websocket envelope", "err", err)
			continue
		}
		metrics.EnvelopesReceived.Inc()

		ws.mu.Lock()
		handlers := append(([]func(domain.Envelope))(nil), ws.handlers...)
		ws.mu.Unlock()
		for _, h := range handlers {
			h(env)
		}
	}
}

func (ws *WebSocket) writeLoop(conn *websocket.Conn, epoch uint64, out <-chan outbound, done <-chan struct{}) {
	var ping <-chan time.Time
	if ws.pingInterval > 0 {
		ticker := time.NewTicker(ws.pingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-done:
			return
		case item := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(ws.writeTimeout))
			err := conn.WriteMessage(websocket.TextMessage, item.data)
			item.result <- err
			if err != nil {
				ws.fault(epoch, err)
				return
			}
			metrics.EnvelopesSent.Inc()
		case <-ping:
			deadline := time.Now().Add(ws.writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				ws.fault(epoch, err)
				return
			}
		}
	}
}

// fault tears down the connection of the given epoch and flips the
// connectivity flag. Stale epochs are ignored.
func (ws *WebSocket) fault(epoch uint64, err error) {
	ws.mu.Lock()
	if ws.epoch != epoch || ws.conn == nil {
		ws.mu.Unlock()
		return
	}
	conn := ws.conn
	ws.conn = nil
	close(ws.done)
	ws.mu.Unlock()

	conn.Close()
	ws.state.set(false)
	metrics.Connected.Set(0)
	if err != nil {
		ws.logger.Warn("websocket disconnected", "epoch", epoch, "err", err)
	} else {
		ws.logger.Info("websocket closed", "epoch", epoch)
	}
}
