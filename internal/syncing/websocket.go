package syncing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/powerhouse-inc/powerhouse-sub017/internal/errs"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
	sendBuffer   = 256
)

// Frame types on the wire.
const (
	frameOperation = "operation"
	frameAck       = "ack"
)

// frame is one websocket text message.
type frame struct {
	Type      string         `json:"type"`
	Operation *SyncOperation `json:"operation,omitempty"`
	Ordinal   int64          `json:"ordinal,omitempty"`
}

// session is one live websocket connection.
type session struct {
	conn *websocket.Conn
	send chan frame
	done chan struct{}
	once sync.Once
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// WebSocketChannel carries SyncOperations over a websocket. A dialing
// channel reconnects with exponential backoff; an accepting channel is
// attached to connections by a Server. Outbox entries not yet
// acknowledged are re-sent on every new connection.
type WebSocketChannel struct {
	*endpoint

	url    string
	dialer *websocket.Dialer

	mu      sync.Mutex
	current *session
	closed  bool
	unsub   func()

	cancel context.CancelFunc
	done   chan struct{}
}

// DialWebSocket creates a channel to remote that connects to url and
// keeps reconnecting until Shutdown.
func DialWebSocket(remote, url string, cursors *CursorStorage, opts ...ChannelOption) *WebSocketChannel {
	c := newWebSocketChannel(remote, cursors, opts)
	c.url = url
	c.dialer = websocket.DefaultDialer

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.dialLoop(ctx)
	return c
}

// AcceptWebSocket creates a channel to remote that waits for the remote to
// connect through a Server.
func AcceptWebSocket(remote string, cursors *CursorStorage, opts ...ChannelOption) *WebSocketChannel {
	return newWebSocketChannel(remote, cursors, opts)
}

func newWebSocketChannel(remote string, cursors *CursorStorage, opts []ChannelOption) *WebSocketChannel {
	c := &WebSocketChannel{endpoint: newEndpoint(remote, cursors, opts)}
	c.unsub = c.outbox.OnAdded(func(ops []SyncOperation) {
		for _, op := range ops {
			c.push(op)
		}
	})
	return c
}

// Connected reports whether a connection is live.
func (c *WebSocketChannel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

func (c *WebSocketChannel) dialLoop(ctx context.Context) {
	defer close(c.done)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0

	for {
		conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err == nil {
			b.Reset()
			c.logger.Info("sync connection established", zap.String("url", c.url))
			err = c.serve(conn)
			c.logger.Info("sync connection closed", zap.Error(err))
		} else {
			c.logger.Debug("sync dial failed", zap.String("url", c.url), zap.Error(err))
		}

		wait := b.NextBackOff()
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// serve runs conn until it fails or the channel shuts down. Only one
// connection is active at a time; a newer one replaces the older.
func (c *WebSocketChannel) serve(conn *websocket.Conn) error {
	s := &session{conn: conn, send: make(chan frame, sendBuffer), done: make(chan struct{})}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return errs.Aborted(nil, "channel %s is shut down", c.remote)
	}
	prev := c.current
	c.current = s
	c.mu.Unlock()
	if prev != nil {
		prev.close()
	}

	go c.writeLoop(s)
	for _, op := range c.outbox.Items() {
		c.push(op)
	}

	err := c.readLoop(s)

	c.mu.Lock()
	if c.current == s {
		c.current = nil
	}
	c.mu.Unlock()
	s.close()
	return err
}

func (c *WebSocketChannel) readLoop(s *session) error {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			select {
			case <-s.done:
				return nil
			default:
			}
			return err
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("dropping malformed sync frame", zap.Error(err))
			continue
		}
		switch f.Type {
		case frameOperation:
			if f.Operation != nil {
				c.receive(*f.Operation)
			}
		case frameAck:
			if err := c.UpdateCursor(context.Background(), f.Ordinal); err != nil {
				c.logger.Error("cursor update failed", zap.Int64("ordinal", f.Ordinal), zap.Error(err))
			}
		default:
			c.logger.Warn("dropping unknown sync frame", zap.String("type", f.Type))
		}
	}
}

func (c *WebSocketChannel) writeLoop(s *session) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case f := <-s.send:
			data, err := json.Marshal(f)
			if err != nil {
				c.logger.Error("encode sync frame", zap.Error(err))
				continue
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("sync write failed", zap.Error(err))
				s.close()
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		}
	}
}

// push queues op for the live connection. Without one the entry waits in
// the outbox for the next connection.
func (c *WebSocketChannel) push(op SyncOperation) {
	c.mu.Lock()
	s := c.current
	c.mu.Unlock()
	if s == nil {
		return
	}
	c.outbox.SetStatus(op.ID, StatusTransportPending, "")
	c.sendFrame(s, frame{Type: frameOperation, Operation: &op})
}

func (c *WebSocketChannel) sendFrame(s *session, f frame) bool {
	select {
	case s.send <- f:
		return true
	case <-s.done:
		return false
	}
}

// Acknowledge sends the ordinal of op to the remote.
func (c *WebSocketChannel) Acknowledge(ctx context.Context, op SyncOperation) error {
	c.mu.Lock()
	s := c.current
	c.mu.Unlock()
	if s == nil {
		return errs.Transient(nil, "channel %s is not connected", c.remote)
	}
	select {
	case s.send <- frame{Type: frameAck, Ordinal: op.Ordinal()}:
		return nil
	case <-s.done:
		return errs.Transient(nil, "channel %s disconnected", c.remote)
	case <-ctx.Done():
		return errs.Aborted(ctx.Err(), "acknowledge %s", op.ID)
	}
}

// Shutdown closes the connection and stops reconnecting.
func (c *WebSocketChannel) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	s := c.current
	c.current = nil
	c.mu.Unlock()

	c.unsub()
	if c.cancel != nil {
		c.cancel()
	}
	if s != nil {
		s.close()
	}
	if c.done == nil {
		return nil
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return errs.Aborted(ctx.Err(), "shutdown of channel %s", c.remote)
	}
}

// Server accepts websocket connections from remotes on /sync/{remote}.
type Server struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu       sync.RWMutex
	channels map[string]*WebSocketChannel
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger.
func WithServerLogger(l *zap.Logger) ServerOption {
	return func(s *Server) {
		s.logger = l
	}
}

// NewServer creates a server with no accepted remotes.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		logger:   zap.NewNop(),
		channels: make(map[string]*WebSocketChannel),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Accept routes connections for ch's remote to ch.
func (s *Server) Accept(ch *WebSocketChannel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[ch.remote]; ok {
		return errs.Duplicate("remote %s already accepted", ch.remote)
	}
	s.channels[ch.remote] = ch
	return nil
}

// Forget stops routing connections for remote.
func (s *Server) Forget(remote string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.channels[remote]
	delete(s.channels, remote)
	return ok
}

// Router returns a router serving GET /sync/{remote}.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/sync/{remote}", s.handle).Methods(http.MethodGet)
	return r
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	remote := mux.Vars(r)["remote"]
	s.mu.RLock()
	ch, ok := s.channels[remote]
	s.mu.RUnlock()
	if !ok {
		http.Error(w, "unknown remote", http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("sync upgrade failed", zap.String("remote", remote), zap.Error(err))
		return
	}
	s.logger.Info("remote connected", zap.String("remote", remote))
	if err := ch.serve(conn); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Info("remote disconnected", zap.String("remote", remote), zap.Error(err))
	}
}
