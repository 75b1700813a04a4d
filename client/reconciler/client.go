package reconciler

import (
	"context"
	"log/slog"
	"time"

	"whiteboard/client/transport"
	"whiteboard/model"
)

// TransientMaxAge bounds how long a foreign stroke may stay in flight
// without an update before the client forgets it.
const TransientMaxAge = 30 * time.Second

// Client joins a room and keeps a Store and a Presence in sync with it.
type Client struct {
	Store    *Store
	Presence *Presence

	conn    *transport.Conn
	log     *slog.Logger
	observe func(model.Message)
}

// Connect joins the room described by opts. A transport.ErrConnectFailed
// or transport.ErrJoinRefused error is terminal.
func Connect(ctx context.Context, opts transport.Options) (*Client, error) {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	conn, err := transport.Dial(ctx, opts)
	if err != nil {
		return nil, err
	}
	log := opts.Log.With("room", opts.RoomID, "name", opts.UserName)
	return &Client{
		Store:    NewStore(conn, log),
		Presence: NewPresence(),
		conn:     conn,
		log:      log,
	}, nil
}

// Dispatch routes a server message to the store and the presence tracker.
func (c *Client) Dispatch(msg model.Message) {
	c.Store.Apply(msg)
	c.Presence.Apply(msg)
	if c.observe != nil {
		c.observe(msg)
	}
}

// Observe registers fn to see every server message after it was applied.
// It must be called before Run.
func (c *Client) Observe(fn func(model.Message)) {
	c.observe = fn
}

// Run processes server messages until ctx is done, the client is closed,
// or reconnection gives up.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		t := time.NewTicker(TransientMaxAge / 2)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if n := c.Store.PruneTransient(TransientMaxAge); n > 0 {
					c.log.Debug("pruned abandoned strokes", "count", n)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return c.conn.Run(ctx, c.Dispatch)
}

func (c *Client) Close() error {
	return c.conn.Close()
}
