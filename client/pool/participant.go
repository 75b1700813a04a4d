// Package pool runs simulated participants that draw in a shared room.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"whiteboard/client/generator"
	"whiteboard/client/metrics"
	"whiteboard/client/reconciler"
	"whiteboard/client/transport"
	"whiteboard/model"
)

// Participant is one simulated user with its own connection.
type Participant struct {
	Name      string
	Input     <-chan generator.Action
	Collector *metrics.Collector
	Pace      time.Duration // delay between points of a stroke

	opts   transport.Options
	client *reconciler.Client
	log    *slog.Logger
}

func NewParticipant(name string, opts transport.Options, input <-chan generator.Action, collector *metrics.Collector, pace time.Duration) *Participant {
	opts.UserName = name
	opts.OnRetry = func(attempt int, err error) { collector.RecordRetry() }
	opts.OnConnect = collector.RecordConnection
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &Participant{
		Name:      name,
		Input:     input,
		Collector: collector,
		Pace:      pace,
		opts:      opts,
		log:       opts.Log.With("participant", name),
	}
}

// Run joins the room and performs actions until Input is drained or ctx is
// done. Messages from the server are counted while it runs.
func (p *Participant) Run(ctx context.Context) error {
	client, err := reconciler.Connect(ctx, p.opts)
	if err != nil {
		return fmt.Errorf("participant %s failed to join: %w", p.Name, err)
	}
	p.client = client
	client.Observe(func(msg model.Message) { p.Collector.RecordReceived(string(msg.Event())) })

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(ctx) }()

	for {
		select {
		case a, ok := <-p.Input:
			if !ok {
				cancel()
				client.Close()
				return ignoreCancel(<-runErr)
			}
			p.perform(ctx, a)
		case err := <-runErr:
			client.Close()
			return ignoreCancel(err)
		}
	}
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Participant) perform(ctx context.Context, a generator.Action) {
	start := time.Now()
	status := metrics.StatusOK
	store := p.client.Store

	switch a.Kind {
	case generator.KindDraw:
		store.SetTool(a.Tool)
		store.SetColor(a.Color)
		store.SetWidth(a.Width)
		store.StartStroke(a.Points[0])
		for _, pt := range a.Points[1:] {
			if !sleep(ctx, p.Pace) {
				store.CancelStroke()
				p.log.Debug("stroke abandoned", "tool", a.Tool)
				status = metrics.StatusError
				break
			}
			store.UpdateStroke(pt)
		}
		if status == metrics.StatusOK {
			store.EndStroke()
		}
	case generator.KindUndo:
		if _, ok := store.Undo(); !ok {
			status = metrics.StatusSkipped
		}
	case generator.KindRedo:
		if _, ok := store.Redo(); !ok {
			status = metrics.StatusSkipped
		}
	case generator.KindClear:
		store.Clear()
	}

	p.Collector.Record(metrics.Record{
		Timestamp:   start,
		Action:      string(a.Kind),
		Latency:     time.Since(start),
		Status:      status,
		Participant: p.Name,
	})
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

type Pool struct {
	Participants   int
	GeneratorInput <-chan generator.Action
	Collector      *metrics.Collector
	Options        transport.Options
	Pace           time.Duration
	Log            *slog.Logger
}

func NewPool(participants int, input <-chan generator.Action, collector *metrics.Collector, opts transport.Options, pace time.Duration) *Pool {
	return &Pool{
		Participants:   participants,
		GeneratorInput: input,
		Collector:      collector,
		Options:        opts,
		Pace:           pace,
		Log:            slog.Default(),
	}
}

// Run starts every participant and waits for all of them. Participants
// share the generator output, so the actions are spread across them.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make([]error, p.Participants)
	for i := 0; i < p.Participants; i++ {
		i := i // per-iteration copy; module was authored against Go 1.22+ loop semantics
		opts := p.Options
		opts.Log = p.Log
		part := NewParticipant(fmt.Sprintf("bot-%02d", i+1), opts, p.GeneratorInput, p.Collector, p.Pace)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := part.Run(ctx); err != nil {
				p.Log.Warn("participant stopped", "participant", part.Name, "err", err)
				errs[i] = err
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}
