package wishlist

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	liveReconnectMin = 1 * time.Second
	liveReconnectMax = 60 * time.Second

	// liveReadLimit bounds a single live message. Device lists are the
	// largest payload and stay far below this.
	liveReadLimit = 1 << 20

	// jitterDivisor controls the reconnect jitter range:
	// uniform in [0, backoff/jitterDivisor).
	jitterDivisor = 2

	reconnectBackoffMultiplier = 2
)

// LiveConfig configures a LiveListener.
type LiveConfig struct {
	// BaseURL is the wishlist service URL (http or https).
	BaseURL    string
	DeviceID   string
	DeviceName string
	Session    func() Session
	Engine     *Engine
	// OnUnauthorized runs when the service rejects the session.
	OnUnauthorized func()
}

// LiveListener holds a websocket to the service's event stream. It keeps
// the engine's connected device list current and starts a sync when
// another device changes the wishlist.
type LiveListener struct {
	eventsURL string
	deviceID  string
	session   func() Session
	engine    *Engine
	logger    *slog.Logger

	onUnauthorized func()

	reconnectMin time.Duration
	reconnectMax time.Duration

	connected atomic.Bool
}

// NewLiveListener validates cfg. Call Listen to connect.
func NewLiveListener(cfg LiveConfig, logger *slog.Logger) (*LiveListener, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("live listener: engine is required")
	}
	if cfg.Session == nil {
		return nil, fmt.Errorf("live listener: session is required")
	}

	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("live listener: unsupported scheme %q", u.Scheme)
	}
	u.Path += "/wishlist/events"

	q := url.Values{}
	q.Set("device_id", cfg.DeviceID)
	if cfg.DeviceName != "" {
		q.Set("device_name", cfg.DeviceName)
	}
	u.RawQuery = q.Encode()

	return &LiveListener{
		eventsURL: u.String(),
		deviceID:  cfg.DeviceID,
		session:   cfg.Session,
		engine:    cfg.Engine,
		logger:    logger,

		onUnauthorized: cfg.OnUnauthorized,
		reconnectMin:   liveReconnectMin,
		reconnectMax:   liveReconnectMax,
	}, nil
}

// Connected reports whether the event stream is currently open.
func (l *LiveListener) Connected() bool {
	return l.connected.Load()
}

// Listen connects and reconnects with exponential backoff until ctx is
// cancelled. While signed out it waits and retries.
func (l *LiveListener) Listen(ctx context.Context) error {
	backoff := l.reconnectMin

	for {
		err := l.serve(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err == nil {
			backoff = l.reconnectMin
		} else {
			l.logger.Debug("live updates disconnected",
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)
		}

		jitter := time.Duration(rand.Int64N(int64(backoff)/jitterDivisor + 1)) //nolint:gosec // reconnect jitter

		timer := time.NewTimer(backoff + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if err != nil {
			backoff = min(backoff*reconnectBackoffMultiplier, l.reconnectMax)
		}
	}
}

// serve runs one connection until it closes. A normal closure returns nil.
func (l *LiveListener) serve(ctx context.Context) error {
	sess := l.session()
	if !sess.Authenticated() {
		return ErrUnauthenticated
	}

	conn, resp, err := websocket.Dial(ctx, l.eventsURL, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + sess.Token},
			"X-Device-ID":   []string{l.deviceID},
		},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			if l.onUnauthorized != nil {
				l.onUnauthorized()
			}
			return fmt.Errorf("dialing live updates: %w", ErrSessionExpired)
		}
		return fmt.Errorf("dialing live updates: %w", err)
	}
	defer conn.CloseNow()

	conn.SetReadLimit(liveReadLimit)
	l.connected.Store(true)
	defer func() {
		l.connected.Store(false)
		l.engine.SetConnectedDevices(nil)
	}()

	l.logger.Info("live updates connected", slog.String("user", sess.UserID))

	// Anything changed while disconnected is picked up by a fresh sync.
	l.engine.SyncAsync("live connect")

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("reading live update: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}

		l.handle(data)

		if l.session().Token != sess.Token {
			conn.Close(websocket.StatusNormalClosure, "session changed")
			return nil
		}
	}
}

func (l *LiveListener) handle(data []byte) {
	switch kind := gjson.GetBytes(data, "type").String(); kind {
	case LiveDevices:
		var msg LiveMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			l.logger.Warn("decoding device list", slog.String("error", err.Error()))
			return
		}
		l.engine.SetConnectedDevices(msg.Devices)
		l.logger.Debug("connected devices", slog.Int("count", len(msg.Devices)))

	case LiveUpdated:
		if gjson.GetBytes(data, "origin").String() == l.deviceID {
			return
		}
		l.engine.SyncAsync("remote update")

	default:
		l.logger.Debug("ignoring live message", slog.String("type", kind))
	}
}
