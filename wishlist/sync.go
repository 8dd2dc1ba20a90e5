package wishlist

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultSyncInterval is the periodic sync cadence.
	DefaultSyncInterval = 30 * time.Second

	// syncTimeout bounds a background sync that has no caller deadline.
	syncTimeout = 60 * time.Second
)

// EngineConfig holds the engine's collaborators.
type EngineConfig struct {
	Remote   Remote
	Store    Store
	Probe    Connectivity
	Session  func() Session
	Interval time.Duration
	Metrics  *Metrics

	// OnSynced runs after a successful sync with the adopted wishlist.
	OnSynced func(scope string, items []Item)
}

// Engine reconciles the local change log with the wishlist service. At
// most one sync runs at a time; a Sync call while one is in flight
// returns ErrSyncInProgress.
type Engine struct {
	remote   Remote
	store    Store
	probe    Connectivity
	session  func() Session
	interval time.Duration
	metrics  *Metrics
	onSynced func(scope string, items []Item)
	logger   *slog.Logger

	inFlight atomic.Bool

	mu        sync.Mutex
	scope     string
	state     SyncState
	lastSync  time.Time
	lastError string
	devices   []DeviceInfo

	// Lifecycle. ctx is the parent of background syncs; cancel and
	// unsubscribe are set by Start and cleared by Stop.
	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
}

// NewEngine creates an engine. It does nothing until Start or Sync.
func NewEngine(cfg EngineConfig, logger *slog.Logger) *Engine {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	session := cfg.Session
	if session == nil {
		session = func() Session { return Session{} }
	}

	return &Engine{
		remote:   cfg.Remote,
		store:    cfg.Store,
		probe:    cfg.Probe,
		session:  session,
		interval: interval,
		metrics:  cfg.Metrics,
		onSynced: cfg.OnSynced,
		logger:   logger,
		state:    StateIdle,
		ctx:      context.Background(),
	}
}

// Sync reconciles once. With pending changes it submits them as one
// ordered batch and adopts the returned wishlist; otherwise it refreshes
// the cache from the service. On failure the change log is left intact.
func (e *Engine) Sync(ctx context.Context) (SyncStatus, error) {
	if !e.inFlight.CompareAndSwap(false, true) {
		e.metrics.syncResult("busy")
		return e.Status(), ErrSyncInProgress
	}
	defer e.inFlight.Store(false)

	sess := e.session()
	if !sess.Authenticated() {
		return e.Status(), ErrUnauthenticated
	}
	if !e.probe.Online() {
		e.metrics.syncResult("offline")
		return e.Status(), ErrOffline
	}

	scope := sess.Scope()
	e.mu.Lock()
	e.adoptScopeLocked(scope)
	e.state = StateSyncing
	e.mu.Unlock()

	items, submitted, err := e.reconcile(ctx, sess)
	if err != nil {
		e.mu.Lock()
		e.state = StateIdleWithError
		e.lastError = err.Error()
		e.mu.Unlock()

		e.metrics.syncResult("error")
		e.logger.Warn("sync failed",
			slog.String("user", scope),
			slog.String("error", err.Error()),
		)
		return e.Status(), err
	}

	now := time.Now().UTC()
	if err := saveLastSync(e.store, scope, now); err != nil {
		e.logger.Warn("persisting last sync time", slog.String("error", err.Error()))
	}

	e.mu.Lock()
	e.state = StateIdle
	e.lastError = ""
	e.lastSync = now
	e.mu.Unlock()

	e.metrics.syncResult("ok")
	e.logger.Info("synced",
		slog.String("user", scope),
		slog.Int("submitted", submitted),
		slog.Int("items", len(items)),
	)

	if e.onSynced != nil {
		e.onSynced(scope, items)
	}
	return e.Status(), nil
}

// reconcile performs the network half of a sync and updates the cache and
// log. It returns the adopted wishlist and the number of replayed changes.
func (e *Engine) reconcile(ctx context.Context, sess Session) ([]Item, int, error) {
	log := NewChangeLog(e.store, sess.UserID)

	pending, err := log.Drain()
	if err != nil {
		return nil, 0, err
	}

	var items []Item
	if len(pending) == 0 {
		items, err = e.remote.List(ctx, sess.Token)
		if err != nil {
			return nil, 0, fmt.Errorf("refreshing wishlist: %w", err)
		}
	} else {
		e.logger.Debug("replaying pending changes", slog.Int("count", len(pending)))
		items, err = e.remote.Batch(ctx, sess.Token, toOperations(pending))
		if err != nil {
			return nil, 0, fmt.Errorf("replaying %d changes: %w", len(pending), err)
		}
		e.metrics.batchSubmitted(len(pending))

		if err := log.Acknowledge(pending); err != nil {
			return nil, 0, fmt.Errorf("acknowledging replayed changes: %w", err)
		}
	}

	// Changes recorded while the request was in flight are still pending.
	// Apply them on top so the cache keeps showing the user's intent.
	remaining, err := log.Drain()
	if err != nil {
		return nil, 0, err
	}
	if len(remaining) > 0 {
		items = ApplyOperations(items, toOperations(remaining), time.Now().UTC())
	}
	e.metrics.setPending(len(remaining))

	if err := saveItems(e.store, sess.Scope(), items); err != nil {
		return nil, 0, err
	}
	return slices.Clone(items), len(pending), nil
}

// Status returns a snapshot of the sync state for the current session.
func (e *Engine) Status() SyncStatus {
	sess := e.session()
	scope := sess.Scope()

	pending := 0
	if sess.Authenticated() {
		if n, err := NewChangeLog(e.store, sess.UserID).Count(); err == nil {
			pending = n
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.adoptScopeLocked(scope)

	return SyncStatus{
		State:              e.state,
		LastSyncTime:       e.lastSync,
		PendingChangeCount: pending,
		ConnectedDevices:   append([]DeviceInfo{}, e.devices...),
		LastError:          e.lastError,
		Offline:            !e.probe.Online(),
	}
}

// adoptScopeLocked resets transient status when the signed-in user
// changes. Only the last sync time survives, read from the store.
func (e *Engine) adoptScopeLocked(scope string) {
	if e.scope == scope {
		return
	}
	e.scope = scope
	e.state = StateIdle
	e.lastError = ""
	e.devices = nil
	e.lastSync = loadLastSync(e.store, scope)
}

// LastSync returns the last successful sync time for the current session.
func (e *Engine) LastSync() time.Time {
	scope := e.session().Scope()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.adoptScopeLocked(scope)
	return e.lastSync
}

// SetConnectedDevices records the devices reported by the live channel.
func (e *Engine) SetConnectedDevices(devices []DeviceInfo) {
	e.mu.Lock()
	e.devices = slices.Clone(devices)
	e.mu.Unlock()
}

// Syncing reports whether a sync is in flight.
func (e *Engine) Syncing() bool {
	return e.inFlight.Load()
}

// Start begins periodic syncing and, when the probe supports it, syncing
// on every reconnect. It returns immediately; Stop ends both.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.cancel != nil {
		e.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.ctx = runCtx
	e.cancel = cancel
	if rn, ok := e.probe.(ReconnectNotifier); ok {
		e.unsubscribe = rn.OnReconnect(func() {
			e.SyncAsync("reconnect")
		})
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go e.loop(runCtx)

	e.logger.Debug("sync engine started", slog.Duration("interval", e.interval))
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.runSync(ctx, "timer")
		}
	}
}

// Stop cancels the timer and reconnect subscription and waits for any
// background sync to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	unsubscribe := e.unsubscribe
	e.cancel = nil
	e.unsubscribe = nil
	if cancel != nil {
		cancel()
	}
	e.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	e.wg.Wait()
}

// SyncAsync starts a sync in the background unless one is already in
// flight. reason is logged.
func (e *Engine) SyncAsync(reason string) {
	if e.inFlight.Load() {
		return
	}

	e.mu.Lock()
	ctx := e.ctx
	if ctx.Err() != nil {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		e.runSync(ctx, reason)
	}()
}

func (e *Engine) runSync(ctx context.Context, reason string) {
	ctx, cancel := context.WithTimeout(ctx, syncTimeout)
	defer cancel()

	e.logger.Debug("sync triggered", slog.String("reason", reason))

	// Failures are logged by Sync and kept in the status.
	_, _ = e.Sync(ctx)
}
