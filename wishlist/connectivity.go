package wishlist

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Connectivity reports whether the wishlist service is reachable. It is
// sampled at the start of every operation.
type Connectivity interface {
	Online() bool
}

// ReconnectNotifier is implemented by probes that can announce an
// offline to online transition. The engine syncs on each announcement.
type ReconnectNotifier interface {
	OnReconnect(fn func()) (cancel func())
}

// reconnectHub fans reconnect events out to subscribers.
type reconnectHub struct {
	mu   sync.Mutex
	next int
	subs map[int]func()
}

func (h *reconnectHub) OnReconnect(fn func()) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs == nil {
		h.subs = make(map[int]func())
	}
	id := h.next
	h.next++
	h.subs[id] = fn
	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

func (h *reconnectHub) fire() {
	h.mu.Lock()
	fns := make([]func(), 0, len(h.subs))
	for _, fn := range h.subs {
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// ManualProbe is a Connectivity whose state is set by the host, for
// example from an OS network-change callback or a test.
type ManualProbe struct {
	reconnectHub
	online atomic.Bool
}

// NewManualProbe creates a probe with the given initial state.
func NewManualProbe(online bool) *ManualProbe {
	p := &ManualProbe{}
	p.online.Store(online)
	return p
}

func (p *ManualProbe) Online() bool {
	return p.online.Load()
}

// Set updates the state and announces a reconnect on false to true.
func (p *ManualProbe) Set(online bool) {
	was := p.online.Swap(online)
	if online && !was {
		p.fire()
	}
}

// Pinger checks service health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthProbe polls the service health endpoint and tracks reachability.
type HealthProbe struct {
	reconnectHub
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	online   atomic.Bool
}

// NewHealthProbe creates a probe that pings every interval. It starts
// optimistic (online) so the first operations are not deferred before the
// first check completes.
func NewHealthProbe(pinger Pinger, interval time.Duration, logger *slog.Logger) *HealthProbe {
	p := &HealthProbe{
		pinger:   pinger,
		interval: interval,
		timeout:  interval / 2,
		logger:   logger,
	}
	p.online.Store(true)
	return p
}

func (p *HealthProbe) Online() bool {
	return p.online.Load()
}

// Run checks immediately and then on every tick until ctx is cancelled.
func (p *HealthProbe) Run(ctx context.Context) error {
	p.check(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.check(ctx)
		}
	}
}

func (p *HealthProbe) check(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.pinger.Ping(pingCtx)
	if ctx.Err() != nil {
		return
	}

	online := err == nil
	was := p.online.Swap(online)

	switch {
	case online && !was:
		p.logger.Info("wishlist service reachable again")
		p.fire()
	case !online && was:
		p.logger.Warn("wishlist service unreachable, working offline", slog.String("error", err.Error()))
	}
}
