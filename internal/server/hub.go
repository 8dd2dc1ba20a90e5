package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/alexjbarnes/wishlist-sync/internal/auth"
	"github.com/alexjbarnes/wishlist-sync/wishlist"
)

const (
	sendBuffer    = 16
	writeTimeout  = 10 * time.Second
	deviceNameMax = 128
)

// peer is one open live connection.
type peer struct {
	userID string
	device wishlist.DeviceInfo
	conn   *websocket.Conn
	send   chan []byte
}

// Hub tracks live connections per user and fans out messages to them.
type Hub struct {
	mu     sync.Mutex
	peers  map[string]map[*peer]struct{}
	closed bool

	metrics *metrics
	logger  *slog.Logger
	now     func() time.Time
}

func newHub(m *metrics, logger *slog.Logger) *Hub {
	return &Hub{
		peers:   make(map[string]map[*peer]struct{}),
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// Devices returns the devices connected for userID, oldest first.
func (h *Hub) Devices(userID string) []wishlist.DeviceInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.devicesLocked(userID)
}

func (h *Hub) devicesLocked(userID string) []wishlist.DeviceInfo {
	devices := make([]wishlist.DeviceInfo, 0, len(h.peers[userID]))
	for p := range h.peers[userID] {
		devices = append(devices, p.device)
	}
	sort.Slice(devices, func(i, j int) bool {
		if devices[i].ConnectedAt.Equal(devices[j].ConnectedAt) {
			return devices[i].ID < devices[j].ID
		}
		return devices[i].ConnectedAt.Before(devices[j].ConnectedAt)
	})
	return devices
}

// Broadcast sends msg to every connection of userID. A connection whose
// buffer is full is dropped; it will resync when it reconnects.
func (h *Hub) Broadcast(userID string, msg wishlist.LiveMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("encoding live message", slog.String("error", err.Error()))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcastLocked(userID, data)
}

func (h *Hub) broadcastLocked(userID string, data []byte) {
	for p := range h.peers[userID] {
		select {
		case p.send <- data:
		default:
			h.logger.Warn("dropping slow live connection",
				slog.String("user", userID),
				slog.String("device", p.device.ID),
			)
			h.removeLocked(p)
		}
	}
}

func (h *Hub) announceLocked(userID string) {
	data, err := json.Marshal(wishlist.LiveMessage{
		Type:    wishlist.LiveDevices,
		Devices: h.devicesLocked(userID),
		At:      h.now().UTC(),
	})
	if err != nil {
		return
	}
	h.broadcastLocked(userID, data)
}

func (h *Hub) register(p *peer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}

	if h.peers[p.userID] == nil {
		h.peers[p.userID] = make(map[*peer]struct{})
	}
	h.peers[p.userID][p] = struct{}{}
	h.metrics.liveConns.Inc()
	h.announceLocked(p.userID)
	return true
}

func (h *Hub) unregister(p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.removeLocked(p) {
		h.announceLocked(p.userID)
	}
}

// removeLocked detaches p and closes its send channel. It reports
// whether p was still registered.
func (h *Hub) removeLocked(p *peer) bool {
	set := h.peers[p.userID]
	if _, ok := set[p]; !ok {
		return false
	}
	delete(set, p)
	if len(set) == 0 {
		delete(h.peers, p.userID)
	}
	close(p.send)
	h.metrics.liveConns.Dec()
	return true
}

// Close disconnects every live connection. Hijacked connections are not
// closed by http.Server.Shutdown, so callers close the hub on shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for _, set := range h.peers {
		for p := range set {
			h.removeLocked(p)
		}
	}
}

// ServeHTTP upgrades an authenticated request to a live update stream.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := auth.RequestUserID(r.Context())

	deviceID := auth.RequestDeviceID(r.Context())
	if deviceID == "" {
		deviceID = uuid.NewString()
	}
	name := r.URL.Query().Get("device_name")
	if len(name) > deviceNameMax {
		name = name[:deviceNameMax]
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()

	p := &peer{
		userID: userID,
		device: wishlist.DeviceInfo{ID: deviceID, Name: name, ConnectedAt: h.now().UTC()},
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
	}
	if !h.register(p) {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer h.unregister(p)

	h.logger.Info("live connection opened",
		slog.String("user", userID),
		slog.String("device", deviceID),
	)

	// Clients never send anything; CloseRead handles control frames and
	// cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("live connection closed",
				slog.String("user", userID),
				slog.String("device", deviceID),
			)
			return
		case data, ok := <-p.send:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "disconnected")
				return
			}
			if err := write(ctx, conn, data); err != nil {
				h.logger.Debug("live write failed",
					slog.String("device", deviceID),
					slog.String("error", err.Error()),
				)
				return
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
