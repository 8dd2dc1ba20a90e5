package wishlist

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ChangeLog is the per-user list of mutations recorded while the wishlist
// service could not be reached. Every call goes to the Store; nothing is
// held in memory, so several contexts sharing a store see one log.
type ChangeLog struct {
	store Store
	scope string
}

// NewChangeLog returns the change log for a user. The guest scope has no
// log: guest changes never reach the service.
func NewChangeLog(store Store, userID string) *ChangeLog {
	return &ChangeLog{store: store, scope: userID}
}

// NewPendingChange builds a log entry with a fresh ID and timestamp.
func NewPendingChange(typ ChangeType, productID string, payload *Item, deviceID string) PendingChange {
	return PendingChange{
		ID:             uuid.NewString(),
		Type:           typ,
		ProductID:      productID,
		Payload:        payload,
		Timestamp:      time.Now().UTC(),
		OriginDeviceID: deviceID,
	}
}

// Append adds change to the end of the log and persists it before
// returning. The current log is re-read inside the update so appends from
// other contexts are not lost.
func (l *ChangeLog) Append(change PendingChange) error {
	if l.scope == "" || l.scope == GuestScope {
		return fmt.Errorf("appending change: %w", ErrUnauthenticated)
	}

	return updateKey(l.store, pendingKey(l.scope), func(current []byte) ([]byte, error) {
		changes, err := decodeChanges(current)
		if err != nil {
			return nil, err
		}
		changes = append(changes, change)
		return json.Marshal(changes)
	})
}

// Drain returns the full ordered log without removing anything. Entries
// are removed with Acknowledge or Clear once the service has applied them.
func (l *ChangeLog) Drain() ([]PendingChange, error) {
	data, err := l.store.Get(pendingKey(l.scope))
	if err != nil {
		return nil, fmt.Errorf("reading change log: %w", err)
	}
	return decodeChanges(data)
}

// Acknowledge removes the given entries, matched by ID, and keeps any
// that were appended after they were drained.
func (l *ChangeLog) Acknowledge(applied []PendingChange) error {
	if len(applied) == 0 {
		return nil
	}

	done := make(map[string]struct{}, len(applied))
	for _, c := range applied {
		done[c.ID] = struct{}{}
	}

	return updateKey(l.store, pendingKey(l.scope), func(current []byte) ([]byte, error) {
		changes, err := decodeChanges(current)
		if err != nil {
			return nil, err
		}

		remaining := changes[:0]
		for _, c := range changes {
			if _, ok := done[c.ID]; !ok {
				remaining = append(remaining, c)
			}
		}

		if len(remaining) == 0 {
			return nil, nil
		}
		return json.Marshal(remaining)
	})
}

// Clear removes every entry.
func (l *ChangeLog) Clear() error {
	if err := l.store.Remove(pendingKey(l.scope)); err != nil {
		return fmt.Errorf("clearing change log: %w", err)
	}
	return nil
}

// Count returns the number of pending entries.
func (l *ChangeLog) Count() (int, error) {
	changes, err := l.Drain()
	if err != nil {
		return 0, err
	}
	return len(changes), nil
}

func decodeChanges(data []byte) ([]PendingChange, error) {
	if len(data) == 0 {
		return []PendingChange{}, nil
	}
	var changes []PendingChange
	if err := json.Unmarshal(data, &changes); err != nil {
		return nil, fmt.Errorf("decoding change log: %w", err)
	}
	return changes, nil
}
