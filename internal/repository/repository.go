// Package repository defines persistence for the reference wishlist
// service.
package repository

import (
	"context"
	"time"

	"github.com/alexjbarnes/wishlist-sync/wishlist"
)

// WishlistRepository stores each user's authoritative wishlist.
type WishlistRepository interface {
	// Get returns the user's wishlist, empty when none exists.
	Get(ctx context.Context, userID string) ([]wishlist.Item, error)

	// Apply replays ops in order onto the user's wishlist as one atomic
	// update and returns the result. Either every op is applied or none.
	Apply(ctx context.Context, userID string, ops []wishlist.BatchOperation, now time.Time) ([]wishlist.Item, error)

	// ApplyOne applies a single op atomically and reports whether its
	// product was on the wishlist immediately before.
	ApplyOne(ctx context.Context, userID string, op wishlist.BatchOperation, now time.Time) (bool, error)

	// Ping checks the backing store.
	Ping(ctx context.Context) error
}
