package relay

import (
	"context"
	"time"

	"retether/internal/flog"
	"retether/internal/reactor"
)

// Relay is the whole engine: one Selector, one TunnelServer, and the
// periodic idle sweep, all driven from a single goroutine's loop. Nothing
// else in this process touches the Selector.
type Relay struct {
	sel    *reactor.Selector
	server *TunnelServer
	wakeup *reactor.Wakeup

	sweepInterval time.Duration
	nextSweep     time.Time
}

// Config collects the values Relay needs to start the engine, already
// defaulted and validated by the conf package.
type Config struct {
	ListenAddr    [4]byte
	ListenPort    int
	MTU           int
	SweepInterval time.Duration
	ProxyFor      ProxyFor
}

// New builds the Selector and TunnelServer and binds the listening socket,
// but does not start serving — call Run for that.
func New(cfg Config) (*Relay, error) {
	sel, err := reactor.New()
	if err != nil {
		return nil, err
	}
	server, err := NewTunnelServer(sel, cfg.ListenAddr, cfg.ListenPort, cfg.MTU, cfg.ProxyFor)
	if err != nil {
		sel.Close()
		return nil, err
	}
	wakeup, err := reactor.NewWakeup(sel)
	if err != nil {
		server.Close()
		sel.Close()
		return nil, err
	}
	return &Relay{
		sel:           sel,
		server:        server,
		wakeup:        wakeup,
		sweepInterval: cfg.SweepInterval,
	}, nil
}

// Run drives the event loop until ctx is canceled. It owns the only thread
// that ever touches the Selector or any socket this engine holds. A
// watcher goroutine bridges ctx's cancellation channel to the wakeup
// self-pipe so a Poll already blocked on the full sweep interval still
// returns immediately instead of delaying shutdown.
func (r *Relay) Run(ctx context.Context) error {
	r.nextSweep = time.Now().Add(r.sweepInterval)

	watcherDone := make(chan struct{})
	defer close(watcherDone)
	go func() {
		select {
		case <-ctx.Done():
			r.wakeup.Notify()
		case <-watcherDone:
		}
	}()

	for {
		select {
		case <-ctx.Done():
			r.wakeup.Close()
			r.server.Close()
			return r.sel.Close()
		default:
		}

		timeout := time.Until(r.nextSweep)
		if timeout < 0 {
			timeout = 0
		}

		events, err := r.sel.Poll(timeout)
		if err != nil {
			if err == ErrInterrupted {
				continue
			}
			return err
		}

		now := time.Now()
		if !now.Before(r.nextSweep) {
			r.server.SweepExpired(now)
			r.nextSweep = now.Add(r.sweepInterval)
		}

		if len(events) > 0 {
			r.sel.RunHandlers(events)
		}
	}
}

// Close releases the Selector and every socket it owns, for callers that
// need to tear down without ever having called Run (e.g. a failed startup).
func (r *Relay) Close() {
	r.wakeup.Close()
	r.server.Close()
	if err := r.sel.Close(); err != nil {
		flog.Warnf("relay: close: %v", err)
	}
}
