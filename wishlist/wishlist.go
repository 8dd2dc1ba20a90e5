package wishlist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultStaleAfter is how old the cache may get before List triggers a
// background refresh.
const DefaultStaleAfter = 5 * time.Minute

const (
	msgAdded        = "added to wishlist"
	msgRemoved      = "removed from wishlist"
	msgCleared      = "wishlist cleared"
	msgAlreadyIn    = "already in wishlist"
	msgNotIn        = "not in wishlist"
	msgQueued       = "saved offline, will sync when back online"
	msgSavedLocally = "saved on this device, sign in to sync"
	msgExpired      = "session expired, sign in again"
)

// Config holds the Wishlist's collaborators. Remote and Store are
// required.
type Config struct {
	Remote   Remote
	Store    Store
	Probe    Connectivity
	Notifier Notifier

	// DeviceID is recorded on every pending change. A random ID is used
	// when empty.
	DeviceID string

	SyncInterval time.Duration
	StaleAfter   time.Duration
	Metrics      *Metrics
}

// Wishlist is the entry point used by UI code. Mutations update the
// local cache before any network call and report their outcome as a
// Result; none of them return Go errors.
type Wishlist struct {
	remote     Remote
	store      Store
	probe      Connectivity
	notifier   Notifier
	engine     *Engine
	metrics    *Metrics
	deviceID   string
	instanceID string
	staleAfter time.Duration
	logger     *slog.Logger

	mu          sync.Mutex
	session     Session
	items       []Item
	unsubscribe func()

	notices chan Notice
}

// New creates a Wishlist for a guest session. Call Login to switch to a
// user, and Engine().Start to begin background syncing.
func New(cfg Config, logger *slog.Logger) (*Wishlist, error) {
	if cfg.Remote == nil {
		return nil, fmt.Errorf("wishlist: remote is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("wishlist: store is required")
	}

	w := &Wishlist{
		remote:     cfg.Remote,
		store:      cfg.Store,
		probe:      cfg.Probe,
		notifier:   cfg.Notifier,
		metrics:    cfg.Metrics,
		deviceID:   cfg.DeviceID,
		instanceID: uuid.NewString(),
		staleAfter: cfg.StaleAfter,
		logger:     logger,
		notices:    make(chan Notice, 16),
	}
	if w.probe == nil {
		w.probe = NewManualProbe(true)
	}
	if w.notifier == nil {
		w.notifier = NewBus()
	}
	if w.deviceID == "" {
		w.deviceID = uuid.NewString()
	}
	if w.staleAfter <= 0 {
		w.staleAfter = DefaultStaleAfter
	}

	w.engine = NewEngine(EngineConfig{
		Remote:   cfg.Remote,
		Store:    cfg.Store,
		Probe:    w.probe,
		Session:  w.Session,
		Interval: cfg.SyncInterval,
		Metrics:  cfg.Metrics,
		OnSynced: w.synced,
	}, logger)

	items, err := loadItems(w.store, GuestScope)
	if err != nil {
		return nil, err
	}
	w.items = items
	w.unsubscribe = w.notifier.Subscribe(GuestScope, w.handleUpdate)

	return w, nil
}

// Engine returns the sync engine.
func (w *Wishlist) Engine() *Engine {
	return w.engine
}

// Session returns the active session.
func (w *Wishlist) Session() Session {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.session
}

// Login makes sess the active session. The user's cache is loaded from
// the store; the guest cache and any other user's log are left alone.
func (w *Wishlist) Login(sess Session) error {
	if !sess.Authenticated() {
		return fmt.Errorf("logging in: %w", ErrUnauthenticated)
	}
	if err := w.switchSession(sess); err != nil {
		return err
	}

	w.logger.Info("signed in", slog.String("user", sess.UserID))
	if w.probe.Online() {
		w.engine.SyncAsync("login")
	}
	return nil
}

// Logout returns to the guest scope. The user's cache and change log stay
// persisted for the next login.
func (w *Wishlist) Logout() error {
	if err := w.switchSession(Session{}); err != nil {
		return err
	}
	w.logger.Info("signed out")
	return nil
}

func (w *Wishlist) switchSession(sess Session) error {
	items, err := loadItems(w.store, sess.Scope())
	if err != nil {
		return err
	}

	w.mu.Lock()
	unsubscribe := w.unsubscribe
	w.session = sess
	w.items = items
	w.unsubscribe = nil
	w.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}

	next := w.notifier.Subscribe(sess.Scope(), w.handleUpdate)
	w.mu.Lock()
	w.unsubscribe = next
	w.mu.Unlock()
	return nil
}

// List returns the cached wishlist without touching the network. A
// background refresh starts when the cache is stale.
func (w *Wishlist) List() []Item {
	w.mu.Lock()
	sess := w.session
	items := slices.Clone(w.items)
	w.mu.Unlock()

	if sess.Authenticated() && w.probe.Online() && !w.engine.Syncing() &&
		time.Since(w.engine.LastSync()) > w.staleAfter {
		w.engine.SyncAsync("stale cache")
	}

	if items == nil {
		items = []Item{}
	}
	return items
}

// Contains reports whether productID is in the cached wishlist.
func (w *Wishlist) Contains(productID string) bool {
	productID = NormalizeProductID(productID)

	w.mu.Lock()
	defer w.mu.Unlock()
	return containsItem(w.items, productID)
}

// Status returns the sync status for the active session.
func (w *Wishlist) Status() SyncStatus {
	return w.engine.Status()
}

// Notices delivers messages about changes made in other contexts. Notices
// are dropped when the channel is full.
func (w *Wishlist) Notices() <-chan Notice {
	return w.notices
}

// Close stops background work and the notifier subscription.
func (w *Wishlist) Close() {
	w.mu.Lock()
	unsubscribe := w.unsubscribe
	w.unsubscribe = nil
	w.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	w.engine.Stop()
}

// Add puts item in the wishlist. Adding a product that is already present
// succeeds without doing anything.
func (w *Wishlist) Add(ctx context.Context, item Item) Result {
	item.ProductID = NormalizeProductID(item.ProductID)
	if err := ValidateItem(item); err != nil {
		return Result{Message: err.Error()}
	}
	if item.AddedAt.IsZero() {
		item.AddedAt = time.Now().UTC()
	}

	w.mu.Lock()
	sess := w.session
	present := containsItem(w.items, item.ProductID)
	w.mu.Unlock()

	if present {
		return Result{Success: true, Message: msgAlreadyIn}
	}

	scope := sess.Scope()
	if !sess.Authenticated() {
		if _, err := w.mutate(scope, func(items []Item) []Item { return withItem(items, item) }); err != nil {
			return w.failed("add", err)
		}
		w.broadcast(ctx, scope)
		return Result{Success: true, Message: msgSavedLocally}
	}

	if w.queueing(sess) {
		if err := w.record(sess, ChangeAdd, item.ProductID, &item); err != nil {
			return w.failed("add", err)
		}
		if _, err := w.mutate(scope, func(items []Item) []Item { return withItem(items, item) }); err != nil {
			return w.failed("add", err)
		}
		return w.queued()
	}

	if _, err := w.mutate(scope, func(items []Item) []Item { return withItem(items, item) }); err != nil {
		return w.failed("add", err)
	}

	_, err := w.remote.Add(ctx, sess.Token, item)
	if err == nil {
		w.broadcast(ctx, scope)
		return Result{Success: true, Message: msgAdded}
	}

	undo := func(items []Item) []Item { return withoutItem(items, item.ProductID) }
	return w.settle(sess, err, ChangeAdd, item.ProductID, &item, undo)
}

// Remove takes productID out of the wishlist. Removing an absent product
// succeeds without doing anything.
func (w *Wishlist) Remove(ctx context.Context, productID string) Result {
	productID = NormalizeProductID(productID)
	if productID == "" {
		return Result{Message: fmt.Sprintf("%s: product id is required", ErrInvalidItem)}
	}

	w.mu.Lock()
	sess := w.session
	idx := indexOf(w.items, productID)
	var removed Item
	if idx >= 0 {
		removed = w.items[idx]
	}
	w.mu.Unlock()

	if idx < 0 {
		return Result{Success: true, Message: msgNotIn}
	}

	scope := sess.Scope()
	drop := func(items []Item) []Item { return withoutItem(items, productID) }

	if !sess.Authenticated() {
		if _, err := w.mutate(scope, drop); err != nil {
			return w.failed("remove", err)
		}
		w.broadcast(ctx, scope)
		return Result{Success: true, Message: msgRemoved}
	}

	if w.queueing(sess) {
		if err := w.record(sess, ChangeRemove, productID, nil); err != nil {
			return w.failed("remove", err)
		}
		if _, err := w.mutate(scope, drop); err != nil {
			return w.failed("remove", err)
		}
		return w.queued()
	}

	if _, err := w.mutate(scope, drop); err != nil {
		return w.failed("remove", err)
	}

	_, err := w.remote.Remove(ctx, sess.Token, productID)
	if err == nil {
		w.broadcast(ctx, scope)
		return Result{Success: true, Message: msgRemoved}
	}

	undo := func(items []Item) []Item { return withItem(items, removed) }
	return w.settle(sess, err, ChangeRemove, productID, nil, undo)
}

// Clear empties the wishlist. Online it issues one remove per item since
// the service has no bulk endpoint; offline, or with changes still
// queued, it records one remove per item. The cache is emptied
// immediately either way.
func (w *Wishlist) Clear(ctx context.Context) Result {
	w.mu.Lock()
	sess := w.session
	items := slices.Clone(w.items)
	w.mu.Unlock()

	if len(items) == 0 {
		return Result{Success: true, Message: msgCleared}
	}

	scope := sess.Scope()
	empty := func([]Item) []Item { return []Item{} }

	if !sess.Authenticated() {
		if _, err := w.mutate(scope, empty); err != nil {
			return w.failed("clear", err)
		}
		w.broadcast(ctx, scope)
		return Result{Success: true, Message: msgCleared}
	}

	if w.queueing(sess) {
		for _, it := range items {
			if err := w.record(sess, ChangeRemove, it.ProductID, nil); err != nil {
				return w.failed("clear", err)
			}
		}
		if _, err := w.mutate(scope, empty); err != nil {
			return w.failed("clear", err)
		}
		return w.queued()
	}

	if _, err := w.mutate(scope, empty); err != nil {
		return w.failed("clear", err)
	}

	var (
		deferred int
		rejected []Item
		lastErr  error
	)
	for _, it := range items {
		_, err := w.remote.Remove(ctx, sess.Token, it.ProductID)
		switch {
		case err == nil:
		case deferrable(err):
			if recErr := w.record(sess, ChangeRemove, it.ProductID, nil); recErr != nil {
				rejected = append(rejected, it)
				lastErr = recErr
				continue
			}
			deferred++
		default:
			rejected = append(rejected, it)
			lastErr = err
		}
	}

	if len(rejected) > 0 {
		restore := func(current []Item) []Item {
			for _, it := range rejected {
				current = withItem(current, it)
			}
			return current
		}
		if _, err := w.mutate(scope, restore); err != nil {
			w.logger.Warn("restoring cache after failed clear", slog.String("error", err.Error()))
		}
		w.logger.Warn("clear partially failed",
			slog.String("user", scope),
			slog.Int("kept", len(rejected)),
			slog.String("error", lastErr.Error()),
		)
		w.broadcast(ctx, scope)
		return Result{Message: fmt.Sprintf("could not remove %d of %d items: %s", len(rejected), len(items), describeError(lastErr))}
	}

	w.broadcast(ctx, scope)
	if deferred > 0 {
		return Result{Success: true, Pending: true, Message: msgQueued}
	}
	return Result{Success: true, Message: msgCleared}
}

// queueing reports whether a change for sess must go through the change
// log: always while offline, and while earlier changes are still waiting
// so that replay keeps insertion order.
func (w *Wishlist) queueing(sess Session) bool {
	if !w.probe.Online() {
		return true
	}
	n, err := NewChangeLog(w.store, sess.UserID).Count()
	if err != nil {
		w.logger.Warn("reading change log", slog.String("error", err.Error()))
		return true
	}
	return n > 0
}

// queued is the result of a change recorded in the log. When online the
// backlog is flushed right away.
func (w *Wishlist) queued() Result {
	if w.probe.Online() {
		w.engine.SyncAsync("pending changes")
	}
	return Result{Success: true, Pending: true, Message: msgQueued}
}

// settle handles a failed online mutation. Transient failures keep the
// optimistic update and record the change for the next sync; rejections
// undo it.
func (w *Wishlist) settle(sess Session, err error, typ ChangeType, productID string, payload *Item, undo func([]Item) []Item) Result {
	scope := sess.Scope()

	if deferrable(err) {
		recErr := w.record(sess, typ, productID, payload)
		if recErr == nil {
			w.logger.Info("service unavailable, change queued",
				slog.String("user", scope),
				slog.String("product_id", productID),
				slog.String("error", err.Error()),
			)
			return Result{Success: true, Pending: true, Message: msgQueued}
		}
		err = recErr
	}

	if _, undoErr := w.mutate(scope, undo); undoErr != nil {
		w.logger.Warn("rolling back cache", slog.String("error", undoErr.Error()))
	}

	w.logger.Warn("wishlist change rejected",
		slog.String("user", scope),
		slog.String("type", string(typ)),
		slog.String("product_id", productID),
		slog.String("error", err.Error()),
	)
	return Result{Message: describeError(err)}
}

func (w *Wishlist) failed(op string, err error) Result {
	w.logger.Warn("wishlist "+op+" failed", slog.String("error", err.Error()))
	return Result{Message: describeError(err)}
}

// describeError turns an error into a message suitable for the UI.
func describeError(err error) string {
	var apiErr *APIError
	switch {
	case errors.Is(err, ErrSessionExpired):
		return msgExpired
	case errors.As(err, &apiErr):
		return apiErr.Message
	default:
		return err.Error()
	}
}

// record appends a change to the session's log.
func (w *Wishlist) record(sess Session, typ ChangeType, productID string, payload *Item) error {
	change := NewPendingChange(typ, productID, payload, w.deviceID)
	if err := NewChangeLog(w.store, sess.UserID).Append(change); err != nil {
		return err
	}
	w.metrics.changeDeferred()
	return nil
}

// mutate applies fn to the cache for scope and persists the result. When
// scope is no longer active (the session changed mid-call) only the
// stored cache is updated.
func (w *Wishlist) mutate(scope string, fn func([]Item) []Item) ([]Item, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if scope == w.session.Scope() {
		next := fn(w.items)
		if err := saveItems(w.store, scope, next); err != nil {
			return nil, err
		}
		w.items = next
		return slices.Clone(next), nil
	}

	current, err := loadItems(w.store, scope)
	if err != nil {
		return nil, err
	}
	next := fn(current)
	if err := saveItems(w.store, scope, next); err != nil {
		return nil, err
	}
	return next, nil
}

// snapshot returns the cache for scope.
func (w *Wishlist) snapshot(scope string) ([]Item, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if scope == w.session.Scope() {
		return slices.Clone(w.items), nil
	}
	return loadItems(w.store, scope)
}

// broadcast records the scope's last update and tells other contexts.
// Failures are logged; the mutation itself already succeeded.
func (w *Wishlist) broadcast(ctx context.Context, scope string) {
	items, err := w.snapshot(scope)
	if err != nil {
		w.logger.Warn("reading cache for broadcast", slog.String("error", err.Error()))
		return
	}
	w.publish(ctx, Update{Scope: scope, Items: items, At: time.Now().UTC(), Origin: w.instanceID})
}

func (w *Wishlist) publish(ctx context.Context, u Update) {
	if err := saveLastUpdate(w.store, u); err != nil {
		w.logger.Warn("saving last update", slog.String("error", err.Error()))
	}
	if err := w.notifier.Publish(ctx, u); err != nil {
		w.logger.Warn("publishing update", slog.String("scope", u.Scope), slog.String("error", err.Error()))
	}
}

// synced adopts the wishlist returned by a sync. The engine has already
// written it to the store.
func (w *Wishlist) synced(scope string, items []Item) {
	w.mu.Lock()
	if scope == w.session.Scope() {
		w.items = slices.Clone(items)
	}
	w.mu.Unlock()

	w.publish(context.Background(), Update{Scope: scope, Items: items, At: time.Now().UTC(), Origin: w.instanceID})
}

// handleUpdate applies a snapshot published by another context and emits
// a notice when membership changed.
func (w *Wishlist) handleUpdate(u Update) {
	if u.Origin == w.instanceID {
		return
	}

	w.mu.Lock()
	if u.Scope != w.session.Scope() {
		w.mu.Unlock()
		return
	}
	before := w.items
	w.items = slices.Clone(u.Items)
	if w.items == nil {
		w.items = []Item{}
	}
	err := saveItems(w.store, u.Scope, w.items)
	after := w.items
	w.mu.Unlock()

	if err != nil {
		w.logger.Warn("saving broadcast update", slog.String("error", err.Error()))
	}

	msg := describeChange(before, after)
	if msg == noticeUnchanged {
		return
	}

	w.logger.Debug("wishlist updated elsewhere", slog.String("scope", u.Scope), slog.String("origin", u.Origin))
	select {
	case w.notices <- Notice{Message: msg, At: u.At}:
	default:
	}
}
