package transport_test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whiteboard/client/transport"
	"whiteboard/model"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func sendState(conn *websocket.Conn, roomID string) {
	p, _ := model.Encode(model.RoomState{Room: model.Room{ID: roomID}})
	_ = conn.WriteMessage(websocket.TextMessage, p)
}

func TestDialSendsJoinParameters(t *testing.T) {
	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.URL.Query().Get("roomId") + "/" + r.URL.Query().Get("userName")
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.ReadMessage()
	}))
	defer srv.Close()

	c, err := transport.Dial(context.Background(), transport.Options{URL: wsURL(srv), RoomID: "r1", UserName: "Al", Log: quiet})
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, "r1/Al", <-got)
}

func TestDialWithoutRoomIDFailsFast(t *testing.T) {
	_, err := transport.Dial(context.Background(), transport.Options{URL: "ws://127.0.0.1:1/ws", Log: quiet})
	assert.ErrorIs(t, err, transport.ErrJoinRefused)
}

func TestDialRefusedJoinIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "roomId is empty", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := transport.Dial(context.Background(), transport.Options{
		URL: wsURL(srv), RoomID: "r", BaseDelay: time.Millisecond, Log: quiet,
	})
	assert.ErrorIs(t, err, transport.ErrJoinRefused)
	assert.Equal(t, int32(1), hits.Load())
}

func TestDialGivesUpAfterAttempts(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	var retries []int
	_, err = transport.Dial(context.Background(), transport.Options{
		URL:       "ws://" + addr + "/ws",
		RoomID:    "r",
		BaseDelay: time.Millisecond,
		Timeout:   time.Second,
		Log:       quiet,
		OnRetry:   func(attempt int, _ error) { retries = append(retries, attempt) },
	})
	assert.ErrorIs(t, err, transport.ErrConnectFailed)
	assert.Equal(t, []int{1, 2, 3, 4}, retries)
}

func TestRunReconnectsAfterTransportFailure(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := conns.Add(1)
		sendState(conn, r.URL.Query().Get("roomId"))
		if n == 1 {
			return // drop the first connection without a close frame
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	var connects atomic.Int32
	c, err := transport.Dial(context.Background(), transport.Options{
		URL: wsURL(srv), RoomID: "r", BaseDelay: time.Millisecond, Log: quiet,
		OnConnect: func() { connects.Add(1) },
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	var states int
	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx, func(msg model.Message) {
			if _, ok := msg.(model.RoomState); ok {
				mu.Lock()
				states++
				mu.Unlock()
			}
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return states == 2
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), connects.Load())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunSurfacesTerminalFailure(t *testing.T) {
	var up atomic.Bool
	up.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !up.Load() {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		up.Store(false)
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	c, err := transport.Dial(context.Background(), transport.Options{
		URL: wsURL(srv), RoomID: "r", Attempts: 3, BaseDelay: time.Millisecond, Log: quiet,
	})
	require.NoError(t, err)

	err = c.Run(context.Background(), func(model.Message) {})
	assert.ErrorIs(t, err, transport.ErrConnectFailed)
}

func TestEmitAfterCloseFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.ReadMessage()
	}))
	defer srv.Close()

	c, err := transport.Dial(context.Background(), transport.Options{URL: wsURL(srv), RoomID: "r", Log: quiet})
	require.NoError(t, err)
	require.NoError(t, c.Emit(model.ClearCanvas{}))
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Emit(model.ClearCanvas{}), transport.ErrNotConnected)
}

func TestRunStopsWhenServerClosesNormally(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conns.Add(1)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.ReadMessage()
	}))
	defer srv.Close()

	c, err := transport.Dial(context.Background(), transport.Options{URL: wsURL(srv), RoomID: "r", BaseDelay: time.Millisecond, Log: quiet})
	require.NoError(t, err)

	err = c.Run(context.Background(), func(model.Message) {})
	assert.ErrorIs(t, err, transport.ErrClosedByServer)
	assert.Equal(t, int32(1), conns.Load())
}

func TestRunDetectsSilentServer(t *testing.T) {
	var conns atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if conns.Add(1) > 1 {
			http.Error(w, "gone", http.StatusServiceUnavailable)
			return
		}
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		sendState(conn, r.URL.Query().Get("roomId"))
		// Hold the socket open without ever writing or closing it.
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c, err := transport.Dial(context.Background(), transport.Options{
		URL: wsURL(srv), RoomID: "r", Attempts: 2, BaseDelay: time.Millisecond,
		ReadTimeout: 100 * time.Millisecond, Log: quiet,
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background(), func(model.Message) {}) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, transport.ErrConnectFailed)
	case <-time.After(3 * time.Second):
		c.Close()
		t.Fatal("Run blocked on a silent connection")
	}
	assert.GreaterOrEqual(t, conns.Load(), int32(2), "a reconnect was attempted")
}

func TestPingsKeepConnectionAlive(t *testing.T) {
	pongs := make(chan struct{}, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetPongHandler(func(string) error {
			pongs <- struct{}{}
			return nil
		})
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
		for i := 0; i < 6; i++ {
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
		sendState(conn, "r")
		time.Sleep(time.Second)
	}))
	defer srv.Close()

	var connects atomic.Int32
	c, err := transport.Dial(context.Background(), transport.Options{
		URL: wsURL(srv), RoomID: "r", ReadTimeout: 150 * time.Millisecond, Log: quiet,
		OnConnect: func() { connects.Add(1) },
	})
	require.NoError(t, err)
	defer c.Close()

	got := make(chan struct{}, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx, func(msg model.Message) {
		if _, ok := msg.(model.RoomState); ok {
			got <- struct{}{}
		}
	})

	select {
	case <-got:
	case <-time.After(3 * time.Second):
		t.Fatal("no room_state after pings")
	}
	assert.Equal(t, int32(1), connects.Load(), "pings refreshed the read deadline")
	assert.NotEmpty(t, pongs)
}

func TestRunReconnectsAfterTryAgainLater(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if conns.Add(1) == 1 {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too slow"),
				time.Now().Add(time.Second))
			conn.ReadMessage()
			return
		}
		sendState(conn, "r")
		conn.ReadMessage()
	}))
	defer srv.Close()

	c, err := transport.Dial(context.Background(), transport.Options{URL: wsURL(srv), RoomID: "r", BaseDelay: time.Millisecond, Log: quiet})
	require.NoError(t, err)

	got := make(chan struct{}, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx, func(msg model.Message) {
			if _, ok := msg.(model.RoomState); ok {
				got <- struct{}{}
			}
		})
	}()

	select {
	case <-got:
	case <-time.After(3 * time.Second):
		t.Fatal("no resync after a try-again-later close")
	}
	assert.Equal(t, int32(2), conns.Load())
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
