package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"whiteboard/model"
)

var (
	// ErrConnectFailed is terminal: every connection attempt failed.
	ErrConnectFailed = errors.New("failed to connect")
	// ErrJoinRefused means the server rejected the join parameters.
	// Retrying cannot help.
	ErrJoinRefused  = errors.New("join refused")
	ErrNotConnected = errors.New("not connected")
	// ErrClosedByServer means the server ended the session on purpose, for
	// example because the same name joined again elsewhere.
	ErrClosedByServer = errors.New("closed by server")
)

const (
	DefaultAttempts  = 5
	DefaultBaseDelay = time.Second
	DefaultTimeout   = 10 * time.Second
	// DefaultReadTimeout matches the server's pong timeout; the server
	// pings well inside it.
	DefaultReadTimeout = 60 * time.Second
	maxDelay           = 5 * time.Second
)

type Options struct {
	URL       string // websocket endpoint, e.g. ws://localhost:3001/ws
	RoomID    string
	UserName  string
	Attempts  int
	BaseDelay time.Duration
	Timeout   time.Duration // per attempt
	// ReadTimeout bounds the silence between frames, pings included,
	// before the connection is considered lost.
	ReadTimeout time.Duration
	Dialer      *websocket.Dialer
	Log         *slog.Logger

	// OnRetry is called before waiting out the backoff of a failed attempt.
	OnRetry func(attempt int, err error)
	// OnConnect is called after every successful connection.
	OnConnect func()
}

func (o Options) withDefaults() Options {
	if o.Attempts <= 0 {
		o.Attempts = DefaultAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.Log == nil {
		o.Log = slog.Default()
	}
	return o
}

// Conn is a client connection to a room. Writes are serialized; reads
// happen on the goroutine running Run.
type Conn struct {
	opts Options
	log  *slog.Logger

	mu     sync.Mutex // guards ws, closed and writes to ws
	ws     *websocket.Conn
	closed bool
}

// Dial connects to the room, retrying with backoff as configured.
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	opts = opts.withDefaults()
	c := &Conn{
		opts: opts,
		log:  opts.Log.With("room", opts.RoomID),
	}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Conn) endpoint() (string, error) {
	if strings.TrimSpace(c.opts.RoomID) == "" {
		return "", fmt.Errorf("%w: roomId is required", ErrJoinRefused)
	}
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", fmt.Errorf("bad server url: %w", err)
	}
	q := u.Query()
	q.Set("roomId", c.opts.RoomID)
	if c.opts.UserName != "" {
		q.Set("userName", c.opts.UserName)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Conn) connect(ctx context.Context) error {
	endpoint, err := c.endpoint()
	if err != nil {
		return err
	}

	var last error
	for attempt := 1; attempt <= c.opts.Attempts; attempt++ {
		dctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
		ws, resp, err := c.opts.Dialer.DialContext(dctx, endpoint, nil)
		cancel()
		if err == nil {
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				ws.Close()
				return nil
			}
			c.armLocked(ws)
			c.ws = ws
			c.mu.Unlock()
			c.log.Info("connected", "attempt", attempt)
			if c.opts.OnConnect != nil {
				c.opts.OnConnect()
			}
			return nil
		}
		if resp != nil && resp.StatusCode == http.StatusBadRequest {
			return fmt.Errorf("%w: %v", ErrJoinRefused, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		last = err
		if attempt == c.opts.Attempts {
			break
		}
		c.log.Warn("connect failed", "attempt", attempt, "err", err)
		if c.opts.OnRetry != nil {
			c.opts.OnRetry(attempt, err)
		}

		t := time.NewTimer(c.backoff(attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrConnectFailed, c.opts.Attempts, last)
}

// armLocked sets the read deadline of a fresh socket and keeps it alive
// while the server pings.
func (c *Conn) armLocked(ws *websocket.Conn) {
	_ = ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	ws.SetPingHandler(func(data string) error {
		_ = ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.opts.Timeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
}

func (c *Conn) backoff(attempt int) time.Duration {
	d := c.opts.BaseDelay << (attempt - 1)
	if d > maxDelay || d <= 0 {
		d = maxDelay
	}
	return d
}

// Emit sends msg. It does not wait for any acknowledgement.
func (c *Conn) Emit(msg model.Message) error {
	p, err := model.Encode(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil || c.closed {
		return ErrNotConnected
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.Timeout))
	return c.ws.WriteMessage(websocket.TextMessage, p)
}

func (c *Conn) current() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Run delivers every message from the server to handle. When the
// transport fails it reconnects under the retry policy; it returns
// ErrConnectFailed once that is exhausted, ErrClosedByServer when the
// server closed the session normally, or nil after Close.
func (c *Conn) Run(ctx context.Context, handle func(model.Message)) error {
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	for {
		ws := c.current()
		if ws == nil {
			return ErrNotConnected
		}
		_, p, err := ws.ReadMessage()
		if err == nil {
			_ = ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
			msg, err := model.Decode(p)
			if err != nil {
				c.log.Warn("dropping malformed message", "err", err)
				continue
			}
			handle(msg)
			continue
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.isClosed() {
			return nil
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			ws.Close()
			return ErrClosedByServer
		}

		c.log.Warn("connection lost, reconnecting", "err", err)
		ws.Close()
		if err := c.connect(ctx); err != nil {
			return err
		}
	}
}

// Close ends the connection for good.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.ws == nil {
		return nil
	}
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.ws.Close()
}
