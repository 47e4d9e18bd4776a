package client

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/polbro/pollsync/pkg/poll"
	"github.com/polbro/pollsync/pkg/protocol"
)

// Conn is one established live-channel connection.
type Conn interface {
	Read(ctx context.Context) (protocol.ServerMessage, error)
	Write(ctx context.Context, msg protocol.ClientMessage) error
	Close() error
}

// Dialer establishes a Conn. The credential is attached at handshake time
// only, never per-message.
type Dialer func(ctx context.Context, url, credential string) (Conn, error)

// SessionEvents are invoked from the session's single delivery goroutine,
// never concurrently with each other.
type SessionEvents struct {
	Connected    func()
	Disconnected func(reason error)
	Update       func(options []poll.Option)
	Exception    func(message string)
}

// SessionOptions configures Open.
type SessionOptions struct {
	URL        string // websocket endpoint, e.g. wss://host/ws
	Credential string // opaque bearer token
	Logger     *zap.Logger

	// MinBackoff/MaxBackoff bound the reconnect delay. Zero values pick
	// sensible defaults.
	MinBackoff time.Duration
	MaxBackoff time.Duration

	dial Dialer // test seam; nil means the real websocket dialer
}

const (
	defaultMinBackoff = 250 * time.Millisecond
	defaultMaxBackoff = 10 * time.Second
	sendTimeout       = 3 * time.Second
)

// Session owns one persistent bidirectional connection per browsing
// context. An unexpected drop triggers automatic reconnection with capped
// exponential backoff; a caller-initiated Close never reconnects.
type Session struct {
	opts SessionOptions
	ev   SessionEvents
	log  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.Mutex
	conn Conn
}

// OpenSession starts the session. It fails immediately with
// ErrUnauthenticated when no credential is supplied and never attempts a
// connection in that case.
func OpenSession(ctx context.Context, opts SessionOptions, ev SessionEvents) (*Session, error) {
	if opts.Credential == "" {
		return nil, ErrUnauthenticated
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = defaultMinBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.dial == nil {
		opts.dial = dialWebsocket
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		opts:   opts,
		ev:     ev,
		log:    opts.Logger,
		ctx:    sctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run()
	return s, nil
}

func (s *Session) run() {
	defer close(s.done)

	backoff := s.opts.MinBackoff
	for {
		if s.ctx.Err() != nil {
			return
		}

		conn, err := s.opts.dial(s.ctx, s.opts.URL, s.opts.Credential)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.log.Warn("dial failed", zap.Error(err), zap.Duration("retry_in", backoff))
			if !s.sleep(backoff) {
				return
			}
			backoff = min(backoff*2, s.opts.MaxBackoff)
			continue
		}

		s.setConn(conn)
		backoff = s.opts.MinBackoff
		if s.ev.Connected != nil {
			s.ev.Connected()
		}

		reason := s.readLoop(conn)
		s.setConn(nil)
		_ = conn.Close()

		if s.ctx.Err() != nil {
			// Caller-initiated close: no event, no retry.
			return
		}

		s.log.Warn("channel dropped", zap.Error(reason))
		if s.ev.Disconnected != nil {
			s.ev.Disconnected(reason)
		}
		if !s.sleep(backoff) {
			return
		}
		backoff = min(backoff*2, s.opts.MaxBackoff)
	}
}

func (s *Session) readLoop(conn Conn) error {
	for {
		msg, err := conn.Read(s.ctx)
		if err != nil {
			return err
		}
		switch msg.Type {
		case protocol.TypeUpdate:
			if s.ev.Update != nil {
				s.ev.Update(msg.Options)
			}
		case protocol.TypeException:
			if s.ev.Exception != nil {
				s.ev.Exception(msg.Message)
			}
		default:
			s.log.Debug("ignoring unknown message", zap.String("type", msg.Type))
		}
	}
}

// Send writes one message on the current connection. Fails with
// ErrChannelDropped while disconnected.
func (s *Session) Send(msg protocol.ClientMessage) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrChannelDropped
	}

	ctx, cancel := context.WithTimeout(s.ctx, sendTimeout)
	defer cancel()
	return conn.Write(ctx, msg)
}

// Close tears the session down deterministically: when it returns, no
// further events fire and no reconnect will be attempted.
func (s *Session) Close() {
	s.cancel()
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	<-s.done
}

func (s *Session) setConn(c Conn) {
	s.mu.Lock()
	s.conn = c
	s.mu.Unlock()
}

func (s *Session) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// --- real websocket transport ---

type wsConn struct {
	c *websocket.Conn
}

func dialWebsocket(ctx context.Context, url, credential string) (Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+credential)
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, err
	}
	return &wsConn{c: c}, nil
}

func (w *wsConn) Read(ctx context.Context) (protocol.ServerMessage, error) {
	_, data, err := w.c.Read(ctx)
	if err != nil {
		return protocol.ServerMessage{}, err
	}
	var msg protocol.ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return protocol.ServerMessage{}, err
	}
	return msg, nil
}

func (w *wsConn) Write(ctx context.Context, msg protocol.ClientMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "bye")
}
