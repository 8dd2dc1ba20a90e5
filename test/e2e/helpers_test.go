package e2e_test

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/alexjbarnes/wishlist-sync/internal/auth"
	"github.com/alexjbarnes/wishlist-sync/internal/mcpserver"
	redisrepo "github.com/alexjbarnes/wishlist-sync/internal/repository/redis"
	"github.com/alexjbarnes/wishlist-sync/internal/server"
	"github.com/alexjbarnes/wishlist-sync/internal/state"
	"github.com/alexjbarnes/wishlist-sync/wishlist"
)

const (
	waitFor = 5 * time.Second
	tick    = 20 * time.Millisecond
)

var (
	alice = wishlist.Session{UserID: "alice", Token: "tok-alice"}
	bob   = wishlist.Session{UserID: "bob", Token: "tok-bob"}
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func cheapHash(t *testing.T, secret string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	require.NoError(t, err)
	return string(hash)
}

// harness holds the full e2e stack: the wishlist service on a real HTTP
// listener backed by miniredis.
type harness struct {
	URL   string
	Redis *miniredis.Miniredis
	Repo  *redisrepo.WishlistRepository
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	repo := redisrepo.NewWishlistRepository(rdb)
	srv, err := server.New(server.Config{
		Repo: repo,
		Auth: auth.NewAuthenticator([]auth.Credential{
			{UserID: alice.UserID, Hash: cheapHash(t, alice.Token)},
			{UserID: bob.UserID, Hash: cheapHash(t, bob.Token)},
		}, discardLogger()),
		Logger: discardLogger(),
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Hub().Close()
		ts.Close()
	})

	return &harness{URL: ts.URL, Redis: mr, Repo: repo}
}

// serverItems returns the authoritative wishlist of userID.
func (h *harness) serverItems(t *testing.T, userID string) []string {
	t.Helper()
	items, err := h.Repo.Get(context.Background(), userID)
	require.NoError(t, err)
	return productIDs(items)
}

// device is one client process: its own state db, probe, sync engine
// and live update listener.
type device struct {
	ID       string
	Probe    *wishlist.ManualProbe
	State    *state.State
	Wishlist *wishlist.Wishlist
	Live     *wishlist.LiveListener

	mu      sync.Mutex
	expired int
}

func (d *device) expiredCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.expired
}

// newDevice starts a client signed in as sess (a guest when zero).
func (h *harness) newDevice(t *testing.T, name string, sess wishlist.Session) *device {
	t.Helper()

	st, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	deviceID, err := st.DeviceID()
	require.NoError(t, err)

	d := &device{ID: deviceID, Probe: wishlist.NewManualProbe(true), State: st}

	client := wishlist.NewClient(wishlist.ClientConfig{
		BaseURL:  h.URL,
		DeviceID: deviceID,
		OnUnauthorized: func() {
			d.mu.Lock()
			d.expired++
			d.mu.Unlock()
		},
	}, discardLogger())

	d.Wishlist, err = wishlist.New(wishlist.Config{
		Remote:       client,
		Store:        st,
		Probe:        d.Probe,
		DeviceID:     deviceID,
		SyncInterval: time.Hour,
	}, discardLogger())
	require.NoError(t, err)

	if sess.Authenticated() {
		require.NoError(t, d.Wishlist.Login(sess))
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.Wishlist.Engine().Start(ctx)

	d.Live, err = wishlist.NewLiveListener(wishlist.LiveConfig{
		BaseURL:    h.URL,
		DeviceID:   deviceID,
		DeviceName: name,
		Session:    d.Wishlist.Session,
		Engine:     d.Wishlist.Engine(),
	}, discardLogger())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Live.Listen(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
		d.Wishlist.Close()
		st.Close()
	})
	return d
}

// mcpSession serves d's wishlist over streamable HTTP behind API key
// auth and returns a client session authenticated with key.
func mcpSession(t *testing.T, d *device, key string) (*mcp.ClientSession, error) {
	t.Helper()

	mcpServer := mcp.NewServer(&mcp.Implementation{Name: "wishlist-sync-mcp", Version: "test"}, nil)
	mcpserver.RegisterTools(mcpServer, d.Wishlist)
	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return mcpServer }, nil)

	keys := auth.NewAuthenticator([]auth.Credential{{UserID: "assistant", Hash: cheapHash(t, "mcp-key")}}, discardLogger())
	mux := http.NewServeMux()
	mux.Handle("/mcp", auth.Middleware(keys, discardLogger())(handler))

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	transport := &mcp.StreamableClientTransport{
		Endpoint: ts.URL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &bearerTransport{token: key, base: ts.Client().Transport},
		},
	}

	client := mcp.NewClient(&mcp.Implementation{Name: "e2e-test-client", Version: "test"}, nil)
	session, err := client.Connect(t.Context(), transport, nil)
	if err != nil {
		return nil, err
	}
	t.Cleanup(func() { _ = session.Close() })
	return session, nil
}

// bearerTransport is an http.RoundTripper that injects a Bearer token
// into every request's Authorization header.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)
	return bt.base.RoundTrip(req)
}

func productIDs(items []wishlist.Item) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.ProductID)
	}
	return out
}

func waitLive(t *testing.T, devices ...*device) {
	t.Helper()
	for _, d := range devices {
		require.Eventually(t, d.Live.Connected, waitFor, tick)
	}
}

func waitSynced(t *testing.T, d *device) {
	t.Helper()
	require.Eventually(t, func() bool {
		s := d.Wishlist.Status()
		return s.PendingChangeCount == 0 && s.State != wishlist.StateSyncing && !s.LastSyncTime.IsZero()
	}, waitFor, tick)
}
