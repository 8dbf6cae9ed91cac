package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/farplay/internal/protocol"
)

const (
	// DefaultWSReadTimeout closes a WebSocket peer that sends nothing. The
	// client's once-per-second rate reports keep a healthy link alive.
	DefaultWSReadTimeout = 30 * time.Second

	wsWriteTimeout = 5 * time.Second
)

// WebSocketConfig configures NewWebSocketHost and DialWebSocket.
type WebSocketConfig struct {
	ReadTimeout time.Duration
	Queues      QueueConfig

	// CheckOrigin is passed to the upgrader. Nil accepts any origin.
	CheckOrigin func(r *http.Request) bool

	Log *slog.Logger
}

// WebSocket is a transport multiplexing every channel on one binary
// WebSocket connection, one event per message. The host side is an
// http.Handler; the client side is made by DialWebSocket.
type WebSocket struct {
	*endpoint
	slot     peerSlot
	cfg      WebSocketConfig
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	conn *websocket.Conn
}

var (
	_ Transport    = (*WebSocket)(nil)
	_ Disconnector = (*WebSocket)(nil)
	_ http.Handler = (*WebSocket)(nil)
)

func newWebSocket(cfg WebSocketConfig) *WebSocket {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultWSReadTimeout
	}
	if cfg.CheckOrigin == nil {
		cfg.CheckOrigin = func(*http.Request) bool { return true }
	}
	cfg.Queues.setDefaults()
	ep := newEndpoint("websocket", cfg.Queues, nil, cfg.Log)
	ctx, cancel := context.WithCancel(context.Background())
	return &WebSocket{
		endpoint: ep,
		slot:     peerSlot{ep: ep, queue: cfg.Queues.Send},
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 << 10,
			WriteBufferSize: 16 << 10,
			CheckOrigin:     cfg.CheckOrigin,
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// NewWebSocketHost returns a host transport. Mount it on an HTTP router; it
// serves one peer at a time and answers 409 to others.
func NewWebSocketHost(cfg WebSocketConfig) *WebSocket {
	return newWebSocket(cfg)
}

// ServeHTTP upgrades the request and services the peer until it leaves.
func (ws *WebSocket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if ws.closed.Load() {
		http.Error(w, "transport closed", http.StatusServiceUnavailable)
		return
	}
	if ws.slot.current() != nil {
		ws.refused.Add(1)
		http.Error(w, "host busy", http.StatusConflict)
		return
	}

	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.log.Debug("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	ob, ok := ws.slot.attach(r.RemoteAddr)
	if !ok {
		ws.refused.Add(1)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "host busy"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	ws.wg.Add(1)
	defer ws.wg.Done()
	ws.run(conn, ob)
}

// DialWebSocket connects to a host's play endpoint (ws:// or wss:// URL).
func DialWebSocket(ctx context.Context, url string, cfg WebSocketConfig) (*WebSocket, error) {
	ws := newWebSocket(cfg)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		ws.cancel()
		if resp != nil && resp.StatusCode == http.StatusConflict {
			return nil, fmt.Errorf("dial %s: host busy", url)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	ob, _ := ws.slot.attach(url)
	ws.wg.Add(1)
	go func() {
		defer ws.wg.Done()
		ws.run(conn, ob)
	}()
	return ws, nil
}

func (ws *WebSocket) run(conn *websocket.Conn, ob *outbox) {
	ws.mu.Lock()
	ws.conn = conn
	ws.mu.Unlock()

	log := ws.log.With("peer", ob.peer)
	log.Info("peer attached")

	conn.SetReadLimit(protocol.MaxEventSize + 16)
	g, ctx := errgroup.WithContext(ws.ctx)
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	g.Go(func() error { return ws.readLoop(conn) })
	g.Go(func() error { return ws.writeLoop(ctx, conn, ob) })
	err := g.Wait()

	ws.mu.Lock()
	if ws.conn == conn {
		ws.conn = nil
	}
	ws.mu.Unlock()
	conn.Close()

	reason := ""
	if err != nil && !errors.Is(err, errDetached) {
		reason = "peer closed"
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
			reason = err.Error()
		}
	}
	ws.slot.detach(ob, reason)
	log.Info("peer detached", "reason", reason)
}

func (ws *WebSocket) readLoop(conn *websocket.Conn) error {
	for {
		conn.SetReadDeadline(time.Now().Add(ws.cfg.ReadTimeout))
		kind, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if kind != websocket.BinaryMessage {
			ws.parseErrors.Add(1)
			continue
		}
		ws.receive(msg)
	}
}

func (ws *WebSocket) writeLoop(ctx context.Context, conn *websocket.Conn, ob *outbox) error {
	for {
		// Reliable events go first so control never waits behind media.
		select {
		case it := <-ob.reliable:
			if err := ws.write(conn, it.ev); err != nil {
				return err
			}
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ob.done:
			ws.flush(conn, ob)
			return errDetached
		case it := <-ob.reliable:
			if err := ws.write(conn, it.ev); err != nil {
				return err
			}
		case it := <-ob.unreliable:
			if err := ws.write(conn, it.ev); err != nil {
				return err
			}
		}
	}
}

func (ws *WebSocket) write(conn *websocket.Conn, ev protocol.Event) error {
	data, err := protocol.Marshal(ev)
	if err != nil {
		ws.sendDropped.Add(1)
		ws.log.Debug("dropping unencodable event", "type", ev.Type(), "error", err)
		return nil
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	ws.sent.Record(len(data))
	return nil
}

// flush writes any queued reliable events, then closes the connection
// cleanly.
func (ws *WebSocket) flush(conn *websocket.Conn, ob *outbox) {
	for {
		select {
		case it := <-ob.reliable:
			if err := ws.write(conn, it.ev); err != nil {
				return
			}
			continue
		default:
		}
		break
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeLinger))
}

func (ws *WebSocket) Send(ev protocol.Event, ch protocol.Channel) error {
	return ws.slot.send(ev, ch)
}

// Disconnect closes the attached peer cleanly; the host then accepts the
// next one.
func (ws *WebSocket) Disconnect() {
	ws.slot.disconnect()
}

func (ws *WebSocket) Connected() bool {
	return ws.slot.connected()
}

func (ws *WebSocket) Stats() Stats {
	return ws.stats(ws.Connected(), ws.slot.peer())
}

// Close detaches the peer after flushing queued reliable events.
func (ws *WebSocket) Close() error {
	if !ws.closed.CompareAndSwap(false, true) {
		return nil
	}
	if ob := ws.slot.current(); ob != nil {
		ws.slot.detach(ob, "")
	}

	done := make(chan struct{})
	go func() {
		ws.wg.Wait()
		close(done)
	}()
	t := time.NewTimer(2 * closeLinger)
	select {
	case <-done:
	case <-t.C:
	}
	t.Stop()

	ws.cancel()
	ws.mu.Lock()
	if ws.conn != nil {
		ws.conn.Close()
	}
	ws.mu.Unlock()
	<-done
	return nil
}
