package main

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/alexjbarnes/wishlist-sync/internal/config"
	"github.com/alexjbarnes/wishlist-sync/internal/state"
	"github.com/alexjbarnes/wishlist-sync/wishlist"
)

// app holds the collaborators shared by the daemon and the one-shot
// commands.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	state    *state.State
	client   *wishlist.Client
	notifier wishlist.Notifier
	files    *wishlist.FileNotifier
	wishlist *wishlist.Wishlist
	deviceID string
	registry *prometheus.Registry
}

func openState(cfg *config.Config) (*state.State, error) {
	if cfg.StatePath != "" {
		return state.LoadAt(cfg.StatePath)
	}
	return state.Load()
}

// newApp wires a Wishlist over the state db. probe decides when changes
// are sent directly and when they are queued.
func newApp(cfg *config.Config, logger *slog.Logger, probe func(*wishlist.Client) wishlist.Connectivity) (*app, error) {
	st, err := openState(cfg)
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}

	deviceID, err := st.DeviceID()
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("reading device id: %w", err)
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		state:    st,
		deviceID: deviceID,
		registry: prometheus.NewRegistry(),
	}

	a.client = wishlist.NewClient(wishlist.ClientConfig{
		BaseURL:        cfg.APIURL,
		HTTPClient:     &http.Client{Timeout: cfg.RequestTimeout},
		DeviceID:       deviceID,
		OnUnauthorized: a.sessionExpired,
	}, logger)

	a.notifier = wishlist.NewBus()
	if cfg.BroadcastDir != "" {
		a.files, err = wishlist.NewFileNotifier(cfg.BroadcastDir, logger)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("opening broadcast dir: %w", err)
		}
		a.notifier = a.files
	}

	a.wishlist, err = wishlist.New(wishlist.Config{
		Remote:       a.client,
		Store:        st,
		Probe:        probe(a.client),
		Notifier:     a.notifier,
		DeviceID:     deviceID,
		SyncInterval: cfg.SyncInterval,
		StaleAfter:   cfg.StaleAfter,
		Metrics:      wishlist.NewMetrics(a.registry),
	}, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("creating wishlist: %w", err)
	}

	if sess := a.session(); sess.Authenticated() {
		if err := a.wishlist.Login(sess); err != nil {
			a.close()
			return nil, fmt.Errorf("signing in: %w", err)
		}
	}

	return a, nil
}

// session prefers the environment over the session stored by login.
func (a *app) session() wishlist.Session {
	if a.cfg.Token != "" {
		return wishlist.Session{UserID: a.cfg.UserID, Token: a.cfg.Token}
	}
	return wishlist.Session{UserID: a.state.UserID(), Token: a.state.Token()}
}

// sessionExpired runs when the service answers 401.
func (a *app) sessionExpired() {
	a.logger.Warn("session expired, sign in again")
	if err := a.state.ClearSession(); err != nil {
		a.logger.Warn("clearing session", slog.String("error", err.Error()))
	}
	if a.wishlist != nil {
		if err := a.wishlist.Logout(); err != nil {
			a.logger.Warn("signing out", slog.String("error", err.Error()))
		}
	}
}

func (a *app) close() {
	a.wishlist.Close()
	if err := a.state.Close(); err != nil {
		a.logger.Warn("closing state", slog.String("error", err.Error()))
	}
}
