package pool_test

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whiteboard/client/generator"
	"whiteboard/client/metrics"
	"whiteboard/client/pool"
	"whiteboard/client/transport"
	"whiteboard/server/config"
	"whiteboard/server/handler"
	"whiteboard/server/room"
)

func TestPoolDrawsThroughServer(t *testing.T) {
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := room.NewRegistry(quiet)
	srv := httptest.NewServer(handler.NewRouter(reg, config.Default(), quiet))
	defer srv.Close()

	collector, err := metrics.NewCollector("")
	require.NoError(t, err)
	collector.Start()

	gen := generator.NewGenerator(60, 10)
	gen.Seed(3)
	go gen.Run()

	p := pool.NewPool(3, gen.Output, collector, transport.Options{
		URL:    "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		RoomID: "load",
	}, 0)
	p.Log = quiet

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, p.Run(ctx))

	collector.Close()
	<-collector.Done

	s := collector.Stats
	assert.Equal(t, 60, s.TotalActions)
	assert.Equal(t, 3, s.TotalConnections)
	assert.Zero(t, s.FailCount)
	assert.Positive(t, s.ActionCounts["DRAW"])
	assert.Eventually(t, func() bool { return reg.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestPoolReportsRefusedJoin(t *testing.T) {
	collector, err := metrics.NewCollector("")
	require.NoError(t, err)
	collector.Start()
	defer func() {
		collector.Close()
		<-collector.Done
	}()

	input := make(chan generator.Action)
	close(input)
	p := pool.NewPool(2, input, collector, transport.Options{URL: "ws://127.0.0.1:1/ws"}, 0)
	p.Log = slog.New(slog.NewTextHandler(io.Discard, nil))

	err = p.Run(context.Background())
	assert.ErrorIs(t, err, transport.ErrJoinRefused)
}
