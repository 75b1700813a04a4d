package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"whiteboard/discovery"
	"whiteboard/server/config"
	"whiteboard/server/handler"
	"whiteboard/server/room"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{}))
	slog.SetDefault(log)

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}

	registry := room.NewRegistry(log)

	srv := &http.Server{
		Handler:     handler.NewRouter(registry, cfg, log),
		Addr:        cfg.Addr,
		ReadTimeout: 15 * time.Second,
	}

	if cfg.MDNS {
		_, portStr, err := net.SplitHostPort(cfg.Addr)
		if err != nil {
			return err
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return err
		}
		adv, err := discovery.Advertise(port)
		if err != nil {
			return err
		}
		defer adv.Shutdown()
		log.Info("advertising on local network", "service", discovery.ServiceType, "port", port)
	}

	log.Info("Server starting", "addr", cfg.Addr, "origins", cfg.AllowedOrigins)

	errc := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-exit:
		log.Info("Signal caught", "sig", sig)
	case err := <-errc:
		return err
	}

	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Shutdown does not wait for hijacked websocket connections.
	if err := srv.Shutdown(ctx); err != nil {
		return err
	}

	log.Info("Server exiting")
	return nil
}
