package wishlist

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func newTestWishlist(t *testing.T, cfg Config) *Wishlist {
	t.Helper()
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.Probe == nil {
		cfg.Probe = NewManualProbe(true)
	}
	w, err := New(cfg, discardLogger())
	require.NoError(t, err)
	t.Cleanup(w.Close)
	return w
}

// login signs in and waits for the sync it may start.
func login(t *testing.T, w *Wishlist, sess Session) {
	t.Helper()
	require.NoError(t, w.Login(sess))
	w.engine.wg.Wait()
}

func pendingCount(t *testing.T, store Store, userID string) int {
	t.Helper()
	n, err := NewChangeLog(store, userID).Count()
	require.NoError(t, err)
	return n
}

func TestNew_RequiresRemoteAndStore(t *testing.T) {
	_, err := New(Config{Store: NewMemoryStore()}, discardLogger())
	assert.Error(t, err)

	_, err = New(Config{Remote: newFakeRemote()}, discardLogger())
	assert.Error(t, err)
}

func TestLogin_RejectsGuestSession(t *testing.T) {
	w := newTestWishlist(t, Config{Remote: newFakeRemote()})
	assert.ErrorIs(t, w.Login(Session{UserID: "alice"}), ErrUnauthenticated)
}

func TestAdd_Idempotent(t *testing.T) {
	remote := newFakeRemote()
	w := newTestWishlist(t, Config{Remote: remote})
	login(t, w, alice)
	ctx := context.Background()

	first := w.Add(ctx, Item{ProductID: "P1", Title: "Lamp"})
	second := w.Add(ctx, Item{ProductID: "P1", Title: "Lamp"})

	assert.True(t, first.Success)
	assert.False(t, first.Pending)
	assert.True(t, second.Success)
	assert.Equal(t, msgAlreadyIn, second.Message)
	assert.Equal(t, 1, remote.count("Add"))
	assert.Equal(t, []string{"P1"}, productIDs(w.List()))
	assert.Equal(t, []string{"P1"}, productIDs(remote.items("tok-alice")))
}

func TestRemove_Idempotent(t *testing.T) {
	remote := newFakeRemote()
	w := newTestWishlist(t, Config{Remote: remote})
	login(t, w, alice)
	ctx := context.Background()

	require.True(t, w.Add(ctx, Item{ProductID: "P1"}).Success)

	first := w.Remove(ctx, "P1")
	second := w.Remove(ctx, "P1")

	assert.True(t, first.Success)
	assert.True(t, second.Success)
	assert.Equal(t, msgNotIn, second.Message)
	assert.Equal(t, 1, remote.count("Remove"))
	assert.False(t, w.Contains("P1"))
}

func TestAdd_NormalizesProductID(t *testing.T) {
	w := newTestWishlist(t, Config{Remote: newFakeRemote()})
	ctx := context.Background()

	require.True(t, w.Add(ctx, Item{ProductID: "  café "}).Success)
	assert.True(t, w.Contains("café"))
}

func TestAdd_InvalidItem(t *testing.T) {
	remote := newFakeRemote()
	w := newTestWishlist(t, Config{Remote: remote})
	login(t, w, alice)

	res := w.Add(context.Background(), Item{ProductID: "P1", Price: -1})
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "invalid wishlist item")
	assert.Zero(t, remote.count("Add"))
	assert.Empty(t, w.List())
}

func TestAdd_OfflineQueuesChange(t *testing.T) {
	remote := newFakeRemote()
	store := NewMemoryStore()
	w := newTestWishlist(t, Config{Remote: remote, Store: store, Probe: NewManualProbe(false)})
	login(t, w, alice)

	res := w.Add(context.Background(), Item{ProductID: "P1"})
	assert.True(t, res.Success)
	assert.True(t, res.Pending)
	assert.True(t, w.Contains("P1"), "cache updated optimistically")
	assert.Equal(t, 1, pendingCount(t, store, "alice"))
	assert.Zero(t, remote.count("Add"))
	assert.Equal(t, 1, w.Status().PendingChangeCount)
}

func TestOfflineChanges_SurviveRestart(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first, err := New(Config{Remote: newFakeRemote(), Store: store, Probe: NewManualProbe(false)}, discardLogger())
	require.NoError(t, err)
	require.NoError(t, first.Login(alice))
	require.True(t, first.Add(ctx, Item{ProductID: "P1"}).Pending)
	first.Close()

	second := newTestWishlist(t, Config{Remote: newFakeRemote(), Store: store, Probe: NewManualProbe(false)})
	login(t, second, alice)

	assert.True(t, second.Contains("P1"))
	assert.Equal(t, 1, second.Status().PendingChangeCount)
}

func TestOfflineReplay_EndToEnd(t *testing.T) {
	remote := newFakeRemote()
	store := NewMemoryStore()
	probe := NewManualProbe(false)
	w := newTestWishlist(t, Config{Remote: remote, Store: store, Probe: probe})
	login(t, w, alice)
	ctx := context.Background()

	require.True(t, w.Add(ctx, Item{ProductID: "P1"}).Pending)
	require.True(t, w.Remove(ctx, "P1").Pending)
	require.True(t, w.Add(ctx, Item{ProductID: "P1"}).Pending)
	require.Equal(t, 3, pendingCount(t, store, "alice"))

	probe.Set(true)
	status, err := w.Engine().Sync(ctx)
	require.NoError(t, err)

	require.Len(t, remote.batches, 1)
	ops := remote.batches[0]
	require.Len(t, ops, 3)
	assert.Equal(t, ChangeAdd, ops[0].Type)
	assert.Equal(t, ChangeRemove, ops[1].Type)
	assert.Equal(t, ChangeAdd, ops[2].Type)

	assert.Equal(t, []string{"P1"}, productIDs(remote.items("tok-alice")))
	assert.Equal(t, []string{"P1"}, productIDs(w.List()))
	assert.Equal(t, 0, status.PendingChangeCount)
	assert.Equal(t, StateIdle, status.State)
}

func TestAdd_RejectionRollsBack(t *testing.T) {
	remote := newFakeRemote()
	store := NewMemoryStore()
	w := newTestWishlist(t, Config{Remote: remote, Store: store})
	login(t, w, alice)

	remote.setErr(newAPIError("/wishlist/add/P1", 400, "unknown product"))
	res := w.Add(context.Background(), Item{ProductID: "P1"})

	assert.False(t, res.Success)
	assert.Equal(t, "unknown product", res.Message)
	assert.False(t, w.Contains("P1"))
	assert.Zero(t, pendingCount(t, store, "alice"))

	cached, err := loadItems(store, "alice")
	require.NoError(t, err)
	assert.Empty(t, cached)
}

func TestRemove_RejectionRestoresItem(t *testing.T) {
	remote := newFakeRemote()
	w := newTestWishlist(t, Config{Remote: remote})
	login(t, w, alice)
	ctx := context.Background()
	require.True(t, w.Add(ctx, Item{ProductID: "P1", Title: "Lamp"}).Success)

	remote.setErr(newAPIError("/wishlist/remove/P1", 403, "forbidden"))
	res := w.Remove(ctx, "P1")

	assert.False(t, res.Success)
	require.True(t, w.Contains("P1"))
	assert.Equal(t, "Lamp", w.List()[0].Title)
}

func TestAdd_SessionExpiredRollsBack(t *testing.T) {
	remote := newFakeRemote()
	w := newTestWishlist(t, Config{Remote: remote})
	login(t, w, alice)

	remote.setErr(newAPIError("/wishlist/add/P1", 401, "token expired"))
	res := w.Add(context.Background(), Item{ProductID: "P1"})

	assert.False(t, res.Success)
	assert.Equal(t, msgExpired, res.Message)
	assert.False(t, w.Contains("P1"))
}

func TestAdd_UnreachableServiceDefersChange(t *testing.T) {
	remote := newFakeRemote()
	store := NewMemoryStore()
	w := newTestWishlist(t, Config{Remote: remote, Store: store})
	login(t, w, alice)

	remote.setErr(ErrUnreachable)
	res := w.Add(context.Background(), Item{ProductID: "P1"})

	assert.True(t, res.Success)
	assert.True(t, res.Pending)
	assert.True(t, w.Contains("P1"))
	assert.Equal(t, 1, pendingCount(t, store, "alice"))
}

func TestAdd_ServerErrorDefersChange(t *testing.T) {
	remote := newFakeRemote()
	store := NewMemoryStore()
	w := newTestWishlist(t, Config{Remote: remote, Store: store})
	login(t, w, alice)

	remote.setErr(newAPIError("/wishlist/add/P1", 503, "maintenance"))
	res := w.Add(context.Background(), Item{ProductID: "P1"})

	assert.True(t, res.Pending)
	assert.Equal(t, 1, pendingCount(t, store, "alice"))
}

func TestRemove_QueuedBehindDeferredAdd(t *testing.T) {
	remote := newFakeRemote()
	store := NewMemoryStore()
	w := newTestWishlist(t, Config{Remote: remote, Store: store})
	login(t, w, alice)
	ctx := context.Background()

	remote.setErr(newAPIError("/wishlist/add/A", 503, "maintenance"))
	require.True(t, w.Add(ctx, Item{ProductID: "A"}).Pending)
	remote.setErr(nil)

	res := w.Remove(ctx, "A")
	assert.True(t, res.Success)
	assert.True(t, res.Pending)
	assert.Zero(t, remote.count("Remove"), "remove must not overtake the queued add")
	assert.False(t, w.Contains("A"))

	w.engine.wg.Wait()
	_, err := w.Engine().Sync(ctx)
	require.NoError(t, err)

	require.Len(t, remote.batches, 1)
	ops := remote.batches[0]
	require.Len(t, ops, 2)
	assert.Equal(t, ChangeAdd, ops[0].Type)
	assert.Equal(t, ChangeRemove, ops[1].Type)

	assert.Empty(t, remote.items("tok-alice"))
	assert.False(t, w.Contains("A"))
	assert.Zero(t, pendingCount(t, store, "alice"))
}

func TestAdd_QueuedBehindDeferredRemove(t *testing.T) {
	remote := newFakeRemote()
	store := NewMemoryStore()
	w := newTestWishlist(t, Config{Remote: remote, Store: store})
	login(t, w, alice)
	ctx := context.Background()

	require.True(t, w.Add(ctx, Item{ProductID: "A"}).Success)
	remote.setErr(ErrUnreachable)
	require.True(t, w.Remove(ctx, "A").Pending)
	remote.setErr(nil)

	res := w.Add(ctx, Item{ProductID: "A"})
	assert.True(t, res.Pending)
	assert.Equal(t, 1, remote.count("Add"))

	w.engine.wg.Wait()
	_, err := w.Engine().Sync(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"A"}, productIDs(remote.items("tok-alice")))
	assert.True(t, w.Contains("A"))
}

func TestClear_QueuedBehindPendingChanges(t *testing.T) {
	remote := newFakeRemote()
	store := NewMemoryStore()
	w := newTestWishlist(t, Config{Remote: remote, Store: store})
	login(t, w, alice)
	ctx := context.Background()

	remote.setErr(ErrUnreachable)
	require.True(t, w.Add(ctx, Item{ProductID: "A"}).Pending)
	remote.setErr(nil)

	res := w.Clear(ctx)
	assert.True(t, res.Pending)
	assert.Zero(t, remote.count("Remove"))

	w.engine.wg.Wait()
	_, err := w.Engine().Sync(ctx)
	require.NoError(t, err)
	assert.Empty(t, remote.items("tok-alice"))
	assert.Empty(t, w.List())
}

func TestGuest_ChangesStayLocal(t *testing.T) {
	remote := newFakeRemote()
	store := NewMemoryStore()
	w := newTestWishlist(t, Config{Remote: remote, Store: store})
	ctx := context.Background()

	res := w.Add(ctx, Item{ProductID: "G1"})
	assert.True(t, res.Success)
	assert.False(t, res.Pending)
	assert.Equal(t, msgSavedLocally, res.Message)
	assert.Zero(t, remote.count("Add"))

	login(t, w, alice)
	assert.False(t, w.Contains("G1"), "guest cache is not merged into the user's")
	require.True(t, w.Add(ctx, Item{ProductID: "U1"}).Success)

	require.NoError(t, w.Logout())
	assert.Equal(t, []string{"G1"}, productIDs(w.List()))
	assert.Equal(t, []string{"U1"}, productIDs(remote.items("tok-alice")))
}

func TestLogs_ScopedPerUser(t *testing.T) {
	store := NewMemoryStore()
	w := newTestWishlist(t, Config{Remote: newFakeRemote(), Store: store, Probe: NewManualProbe(false)})
	ctx := context.Background()

	login(t, w, alice)
	require.True(t, w.Add(ctx, Item{ProductID: "A1"}).Pending)

	login(t, w, Session{UserID: "bob", Token: "tok-bob"})
	assert.False(t, w.Contains("A1"))
	assert.Equal(t, 0, w.Status().PendingChangeCount)

	require.True(t, w.Add(ctx, Item{ProductID: "B1"}).Pending)
	assert.Equal(t, 1, pendingCount(t, store, "alice"))
	assert.Equal(t, 1, pendingCount(t, store, "bob"))
}

func TestCrossTab_Convergence(t *testing.T) {
	remote := newFakeRemote()
	store := NewMemoryStore()
	bus := NewBus()
	ctx := context.Background()

	tabA := newTestWishlist(t, Config{Remote: remote, Store: store, Notifier: bus})
	tabB := newTestWishlist(t, Config{Remote: remote, Store: store, Notifier: bus})
	login(t, tabA, alice)
	login(t, tabB, alice)

	require.True(t, tabA.Add(ctx, Item{ProductID: "P1"}).Success)

	assert.Equal(t, productIDs(tabA.List()), productIDs(tabB.List()))
	assert.True(t, tabB.Contains("P1"))

	select {
	case n := <-tabB.Notices():
		assert.Equal(t, "Wishlist updated from another device or tab: 1 added", n.Message)
	default:
		t.Fatal("expected a notice in tab B")
	}

	select {
	case n := <-tabA.Notices():
		t.Fatalf("tab A should not notify itself, got %q", n.Message)
	default:
	}

	last, err := LastUpdate(store, "alice")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, []string{"P1"}, productIDs(last.Items))
}

func TestCrossTab_OtherUsersIgnored(t *testing.T) {
	remote := newFakeRemote()
	bus := NewBus()

	tabA := newTestWishlist(t, Config{Remote: remote, Notifier: bus})
	tabB := newTestWishlist(t, Config{Remote: remote, Notifier: bus})
	login(t, tabA, alice)
	login(t, tabB, Session{UserID: "bob", Token: "tok-bob"})

	require.True(t, tabA.Add(context.Background(), Item{ProductID: "P1"}).Success)
	assert.False(t, tabB.Contains("P1"))
}

func TestClear_Online(t *testing.T) {
	remote := newFakeRemote()
	w := newTestWishlist(t, Config{Remote: remote})
	login(t, w, alice)
	ctx := context.Background()
	require.True(t, w.Add(ctx, Item{ProductID: "P1"}).Success)
	require.True(t, w.Add(ctx, Item{ProductID: "P2"}).Success)

	res := w.Clear(ctx)
	assert.True(t, res.Success)
	assert.False(t, res.Pending)
	assert.Equal(t, 2, remote.count("Remove"))
	assert.Empty(t, w.List())
	assert.Empty(t, remote.items("tok-alice"))
}

func TestClear_OfflineQueuesOneRemovePerItem(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, saveItems(store, "alice", []Item{{ProductID: "P1"}, {ProductID: "P2"}}))
	w := newTestWishlist(t, Config{Remote: newFakeRemote(), Store: store, Probe: NewManualProbe(false)})
	login(t, w, alice)

	res := w.Clear(context.Background())
	assert.True(t, res.Pending)
	assert.Empty(t, w.List())

	changes, err := NewChangeLog(store, "alice").Drain()
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, ChangeRemove, changes[0].Type)
	assert.Equal(t, "P1", changes[0].ProductID)
	assert.Equal(t, "P2", changes[1].ProductID)
}

func TestClear_PartialRejectionKeepsRejectedItems(t *testing.T) {
	ctrl := gomock.NewController(t)
	remote := NewMockRemote(ctrl)
	store := NewMemoryStore()
	require.NoError(t, saveItems(store, "alice", []Item{{ProductID: "P1"}, {ProductID: "P2"}, {ProductID: "P3"}}))

	probe := NewManualProbe(false)
	w := newTestWishlist(t, Config{Remote: remote, Store: store, Probe: probe})
	login(t, w, alice)
	probe.Set(true)

	remote.EXPECT().Remove(gomock.Any(), "tok-alice", "P1").Return(&MutationResponse{ProductID: "P1"}, nil)
	remote.EXPECT().Remove(gomock.Any(), "tok-alice", "P2").Return(nil, newAPIError("/wishlist/remove/P2", 409, "locked"))
	remote.EXPECT().Remove(gomock.Any(), "tok-alice", "P3").Return(nil, ErrUnreachable)

	res := w.Clear(context.Background())
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "could not remove 1 of 3 items")
	assert.True(t, w.Contains("P2"))
	assert.False(t, w.Contains("P1"))
	assert.False(t, w.Contains("P3"))

	changes, err := NewChangeLog(store, "alice").Drain()
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "P3", changes[0].ProductID)
}

func TestSync_UpdatesInMemoryCache(t *testing.T) {
	remote := newFakeRemote()
	remote.lists["tok-alice"] = []Item{{ProductID: "S1"}}
	w := newTestWishlist(t, Config{Remote: remote})

	login(t, w, alice)
	assert.Equal(t, []string{"S1"}, productIDs(w.List()))
}

func TestList_StaleCacheTriggersRefresh(t *testing.T) {
	remote := newFakeRemote()
	w := newTestWishlist(t, Config{Remote: remote, StaleAfter: time.Millisecond})
	login(t, w, alice)
	require.Equal(t, 1, remote.count("List"))

	time.Sleep(5 * time.Millisecond)
	w.List()
	require.Eventually(t, func() bool { return remote.count("List") == 2 }, time.Second, 10*time.Millisecond)
}

func TestList_FreshCacheDoesNotRefresh(t *testing.T) {
	remote := newFakeRemote()
	w := newTestWishlist(t, Config{Remote: remote})
	login(t, w, alice)

	w.List()
	w.engine.wg.Wait()
	assert.Equal(t, 1, remote.count("List"))
}

func TestList_NeverNil(t *testing.T) {
	w := newTestWishlist(t, Config{Remote: newFakeRemote()})
	assert.NotNil(t, w.List())
}
