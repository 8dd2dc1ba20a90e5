package wishlist

import "time"

// GuestScope is the reserved cache scope for signed-out users.
const GuestScope = "guest"

// ChangeType identifies a wishlist mutation.
type ChangeType string

const (
	ChangeAdd    ChangeType = "add"
	ChangeRemove ChangeType = "remove"
)

// Item is a product reference plus display fields cached for offline
// rendering. Items are unique by ProductID within one user's wishlist.
type Item struct {
	ProductID string    `json:"productId" validate:"required,max=128"`
	Title     string    `json:"title,omitempty" validate:"max=512"`
	Price     float64   `json:"price,omitempty" validate:"gte=0"`
	Image     string    `json:"image,omitempty" validate:"max=2048"`
	Stock     int       `json:"stock,omitempty" validate:"gte=0"`
	AddedAt   time.Time `json:"addedAt"`
}

// PendingChange is a mutation recorded while the service was unreachable.
// Entries are replayed in insertion order and never deduplicated.
type PendingChange struct {
	ID             string     `json:"id"`
	Type           ChangeType `json:"type"`
	ProductID      string     `json:"productId"`
	Payload        *Item      `json:"payload,omitempty"`
	Timestamp      time.Time  `json:"timestamp"`
	OriginDeviceID string     `json:"originDeviceId"`
}

// DeviceInfo describes a device connected to the live update channel.
type DeviceInfo struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// SyncState is the state of the sync machine. Offline is tracked
// separately on SyncStatus.
type SyncState string

const (
	StateIdle          SyncState = "idle"
	StateSyncing       SyncState = "syncing"
	StateIdleWithError SyncState = "idle_with_error"
)

// SyncStatus is a snapshot of the sync engine. Only LastSyncTime is
// persisted; the rest is rebuilt on each attempt.
type SyncStatus struct {
	State              SyncState    `json:"state" yaml:"state"`
	LastSyncTime       time.Time    `json:"lastSyncTime" yaml:"last_sync_time"`
	PendingChangeCount int          `json:"pendingChangeCount" yaml:"pending_change_count"`
	ConnectedDevices   []DeviceInfo `json:"connectedDevices" yaml:"connected_devices"`
	LastError          string       `json:"lastError,omitempty" yaml:"last_error,omitempty"`
	Offline            bool         `json:"offline" yaml:"offline"`
}

// Result is returned by every Wishlist mutation. Expected conditions
// (offline, signed out, already present) never produce a Go error.
type Result struct {
	Success bool   `json:"success"`
	Pending bool   `json:"pending,omitempty"`
	Message string `json:"message,omitempty"`
}

// Session identifies the signed-in user. The zero value is a guest.
type Session struct {
	UserID string
	Token  string
}

// Authenticated reports whether the session carries a user and token.
func (s Session) Authenticated() bool {
	return s.UserID != "" && s.Token != ""
}

// Scope returns the cache scope for the session.
func (s Session) Scope() string {
	if !s.Authenticated() {
		return GuestScope
	}
	return s.UserID
}

// Update is a wishlist snapshot broadcast to other contexts.
type Update struct {
	Scope  string    `json:"scope"`
	Items  []Item    `json:"items"`
	At     time.Time `json:"at"`
	Origin string    `json:"origin"`
}

// Notice is a user-visible message about a change made elsewhere.
type Notice struct {
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// REST payloads.

// ListResponse is returned from GET /wishlist.
type ListResponse struct {
	Wishlist []Item `json:"wishlist"`
}

// MutationResponse is returned from the add and remove endpoints.
type MutationResponse struct {
	Message    string `json:"message"`
	ProductID  string `json:"productId"`
	InWishlist bool   `json:"inWishlist"`
}

// BatchOperation is one replayed change in a batch request.
type BatchOperation struct {
	Type      ChangeType `json:"type" validate:"required,oneof=add remove"`
	ProductID string     `json:"productId" validate:"required,max=128"`
	Data      *Item      `json:"data,omitempty"`
}

// BatchRequest is the payload for POST /wishlist/batch.
type BatchRequest struct {
	Operations []BatchOperation `json:"operations" validate:"required,min=1,dive"`
}

// BatchResponse is returned from POST /wishlist/batch.
type BatchResponse struct {
	Wishlist []Item `json:"wishlist"`
}

// ErrorResponse is the error body returned by the wishlist service.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// LiveMessage is a message on the live update channel.
type LiveMessage struct {
	Type    string       `json:"type"`
	Origin  string       `json:"origin,omitempty"`
	Devices []DeviceInfo `json:"devices,omitempty"`
	At      time.Time    `json:"at"`
}

// Live message types.
const (
	LiveDevices = "devices"
	LiveUpdated = "updated"
)
