package config

import (
	"flag"
	"fmt"
	"io"
	"strings"
	"time"
)

type Config struct {
	Addr           string
	AllowedOrigins []string
	SendBuffer     int
	ReadLimit      int64
	Rate           float64 // inbound messages per second per connection
	Burst          int
	MDNS           bool
	WriteTimeout   time.Duration
	PongTimeout    time.Duration
}

func Default() Config {
	return Config{
		Addr:           ":3001",
		AllowedOrigins: []string{"http://localhost:3000"},
		SendBuffer:     256,
		ReadLimit:      1 << 20,
		Rate:           200,
		Burst:          400,
		WriteTimeout:   10 * time.Second,
		PongTimeout:    60 * time.Second,
	}
}

// Load parses command line flags over the defaults.
func Load(args []string) (Config, error) {
	cfg := Default()
	fs := flag.NewFlagSet("whiteboard-server", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	origins := fs.String("origins", strings.Join(cfg.AllowedOrigins, ","), "Comma separated front-end origins allowed to connect")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "Address to listen on")
	fs.IntVar(&cfg.SendBuffer, "send-buffer", cfg.SendBuffer, "Outbound frames queued per connection before it is dropped")
	fs.Int64Var(&cfg.ReadLimit, "read-limit", cfg.ReadLimit, "Maximum inbound frame size in bytes")
	fs.Float64Var(&cfg.Rate, "rate", cfg.Rate, "Inbound messages per second allowed per connection")
	fs.IntVar(&cfg.Burst, "burst", cfg.Burst, "Inbound message burst per connection")
	fs.BoolVar(&cfg.MDNS, "mdns", cfg.MDNS, "Advertise the server on the local network")
	fs.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "Deadline for a single websocket write")
	fs.DurationVar(&cfg.PongTimeout, "pong-timeout", cfg.PongTimeout, "Close connections silent for this long")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg.AllowedOrigins = nil
	for _, o := range strings.Split(*origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.AllowedOrigins = append(cfg.AllowedOrigins, strings.TrimSuffix(o, "/"))
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch {
	case c.Addr == "":
		return fmt.Errorf("addr must not be empty")
	case len(c.AllowedOrigins) == 0:
		return fmt.Errorf("at least one origin must be allowed")
	case c.SendBuffer < 1:
		return fmt.Errorf("send-buffer must be positive, got %d", c.SendBuffer)
	case c.ReadLimit < 1:
		return fmt.Errorf("read-limit must be positive, got %d", c.ReadLimit)
	case c.Rate <= 0 || c.Burst < 1:
		return fmt.Errorf("rate and burst must be positive")
	case c.WriteTimeout <= 0 || c.PongTimeout <= 0:
		return fmt.Errorf("timeouts must be positive")
	}
	return nil
}
