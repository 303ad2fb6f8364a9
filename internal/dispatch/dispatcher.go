// Package dispatch runs the polling loops and fans observed events out to
// handler units.
//
// One loop runs per subscription, on its own fixed-interval schedule. A
// loop never waits for handler units: a slow settlement must not delay
// observation of later events, on its own stream or any other. Each
// subscription carries a bounded in-flight budget, so an event burst
// queues at the semaphore instead of spawning unbounded goroutines.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/mbd888/btcbridge/internal/events"
	"github.com/mbd888/btcbridge/internal/ledger"
	"github.com/mbd888/btcbridge/internal/metrics"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultMaxInflight  = 64
)

// Poller is one subscription's polling surface. *events.Subscription
// satisfies it.
type Poller interface {
	Kind() events.Kind
	Poll(ctx context.Context) ([]events.Event, error)
}

// Handler processes one event. An error marks the unit failed; it never
// affects the polling loop.
type Handler func(ctx context.Context, ev events.Event) error

// Dispatcher fans events from subscriptions out to the handler
type Dispatcher struct {
	handler     Handler
	interval    time.Duration
	maxInflight int
	logger      *slog.Logger

	loops sync.WaitGroup
	units sync.WaitGroup
}

// New creates a dispatcher delivering to handler
func New(handler Handler, interval time.Duration, maxInflight int, logger *slog.Logger) *Dispatcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if maxInflight <= 0 {
		maxInflight = DefaultMaxInflight
	}
	return &Dispatcher{
		handler:     handler,
		interval:    interval,
		maxInflight: maxInflight,
		logger:      logger,
	}
}

// Run polls all subscriptions until ctx is cancelled or every loop has
// terminated, then waits for in-flight handler units to finish. Units
// are drained, not aborted, on shutdown.
func (d *Dispatcher) Run(ctx context.Context, subs ...Poller) {
	for _, sub := range subs {
		d.loops.Add(1)
		go d.loop(ctx, sub)
	}
	d.loops.Wait()
	d.units.Wait()
}

// loop is one subscription's polling cycle. It survives handler failures
// and transient poll errors; it terminates when the ledger endpoint is
// unreachable or on shutdown.
func (d *Dispatcher) loop(ctx context.Context, sub Poller) {
	defer d.loops.Done()

	kind := string(sub.Kind())
	logger := d.logger.With("event", kind)

	metrics.SubscriptionsActive.Inc()
	defer metrics.SubscriptionsActive.Dec()

	sem := make(chan struct{}, d.maxInflight)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	logger.Info("subscription polling started", "interval", d.interval)

	for {
		select {
		case <-ctx.Done():
			logger.Info("subscription polling stopped")
			return
		case <-ticker.C:
		}

		evs, err := sub.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("subscription polling stopped")
				return
			}
			metrics.PollErrorsTotal.WithLabelValues(kind).Inc()
			if errors.Is(err, ledger.ErrConnection) {
				logger.Error("ledger unreachable, terminating subscription", "error", err)
				return
			}
			logger.Warn("poll failed", "error", err)
			continue
		}

		for _, ev := range evs {
			metrics.EventsObservedTotal.WithLabelValues(kind).Inc()

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				logger.Info("subscription polling stopped")
				return
			}

			d.units.Add(1)
			go d.runUnit(ctx, ev, sem, logger)
		}
	}
}

// runUnit executes one handler unit. Errors and panics are contained
// here; nothing a handler does can reach the polling loop.
func (d *Dispatcher) runUnit(ctx context.Context, ev events.Event, sem chan struct{}, logger *slog.Logger) {
	defer d.units.Done()
	defer func() { <-sem }()

	metrics.HandlersInflight.Inc()
	defer metrics.HandlersInflight.Dec()

	defer func() {
		if r := recover(); r != nil {
			metrics.HandlerFailuresTotal.WithLabelValues(string(ev.Kind)).Inc()
			logger.Error("handler panicked",
				"tx", ev.TxHash.Hex(),
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()

	if err := d.handler(ctx, ev); err != nil {
		metrics.HandlerFailuresTotal.WithLabelValues(string(ev.Kind)).Inc()
		logger.Error("handler failed", "tx", ev.TxHash.Hex(), "error", err)
	}
}
