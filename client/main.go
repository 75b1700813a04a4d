// Command drawbot fills a whiteboard room with simulated participants.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"whiteboard/client/generator"
	"whiteboard/client/metrics"
	"whiteboard/client/pool"
	"whiteboard/client/transport"
	"whiteboard/discovery"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	host := flag.String("host", "localhost:3001", "Server host:port")
	discover := flag.Bool("discover", false, "Find the server on the local network instead of using -host")
	roomID := flag.String("room", "drawbot", "Room to join")
	participants := flag.Int("participants", 8, "Number of simulated participants")
	actions := flag.Int("actions", 2000, "Total number of actions across all participants")
	pace := flag.Duration("pace", 16*time.Millisecond, "Delay between points of a stroke")
	seed := flag.Int64("seed", 0, "Random seed, 0 picks one from the clock")
	csvPath := flag.String("csv", "results.csv", "Per-action CSV output, empty to disable")
	chartPath := flag.String("chart", "", "Write an HTML throughput chart to this file")
	verbose := flag.Bool("v", false, "Log debug output")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	if *participants < 1 {
		return errors.New("-participants must be at least 1")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *discover {
		addrs, err := discovery.Browse(ctx, 3*time.Second)
		if err != nil {
			return err
		}
		if len(addrs) == 0 {
			return fmt.Errorf("no %s service found on the local network", discovery.ServiceType)
		}
		*host = addrs[0]
		log.Info("discovered server", "host", *host, "found", len(addrs))
	}

	u := url.URL{Scheme: "ws", Host: *host, Path: "/ws"}
	log.Info("Starting drawbot", "url", u.String(), "room", *roomID, "participants", *participants, "actions", *actions)

	collector, err := metrics.NewCollector(*csvPath)
	if err != nil {
		return err
	}
	collector.Start()

	// Buffered so the generator stays ahead of the participants.
	gen := generator.NewGenerator(*actions, 1000)
	if *seed != 0 {
		gen.Seed(*seed)
	}
	go gen.Run()

	p := pool.NewPool(*participants, gen.Output, collector, transport.Options{
		URL:    u.String(),
		RoomID: *roomID,
	}, *pace)
	p.Log = log

	start := time.Now()
	runErr := p.Run(ctx)
	duration := time.Since(start)

	collector.Close()
	<-collector.Done

	collector.PrintSummary(os.Stdout)
	fmt.Printf("Wall Time: %.2f seconds\n", duration.Seconds())

	if *chartPath != "" {
		if err := collector.GenerateChart(*chartPath); err != nil {
			return fmt.Errorf("failed to write chart: %w", err)
		}
	}
	return runErr
}
