package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/alexjbarnes/wishlist-sync/internal/errors"
	"github.com/alexjbarnes/wishlist-sync/wishlist"
)

const (
	keyPrefix = "wishlist:"

	// maxTxRetries bounds optimistic transaction retries when another
	// writer changes the same wishlist between WATCH and EXEC.
	maxTxRetries = 50
)

// WishlistRepository implements repository.WishlistRepository using Redis.
// Each wishlist is one JSON value; updates run in WATCH/MULTI
// transactions so concurrent writers never lose each other's changes.
type WishlistRepository struct {
	client *redis.Client
}

// NewWishlistRepository creates a new Redis-backed wishlist repository.
func NewWishlistRepository(client *redis.Client) *WishlistRepository {
	return &WishlistRepository{client: client}
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func load(ctx context.Context, g getter, key string) ([]wishlist.Item, error) {
	data, err := g.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []wishlist.Item{}, nil
		}
		return nil, fmt.Errorf("redis get wishlist: %w", err)
	}

	var items []wishlist.Item
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("unmarshal wishlist: %w", err)
	}
	if items == nil {
		items = []wishlist.Item{}
	}
	return items, nil
}

// Get retrieves a wishlist by user ID from Redis.
func (r *WishlistRepository) Get(ctx context.Context, userID string) ([]wishlist.Item, error) {
	return load(ctx, r.client, keyPrefix+userID)
}

// Apply replays ops onto the stored wishlist inside a transaction.
func (r *WishlistRepository) Apply(ctx context.Context, userID string, ops []wishlist.BatchOperation, now time.Time) ([]wishlist.Item, error) {
	_, next, err := r.apply(ctx, userID, ops, now)
	return next, err
}

// ApplyOne applies op and reports whether its product was present in the
// version the transaction replaced.
func (r *WishlistRepository) ApplyOne(ctx context.Context, userID string, op wishlist.BatchOperation, now time.Time) (bool, error) {
	before, _, err := r.apply(ctx, userID, []wishlist.BatchOperation{op}, now)
	if err != nil {
		return false, err
	}
	return slices.ContainsFunc(before, func(it wishlist.Item) bool {
		return it.ProductID == op.ProductID
	}), nil
}

// apply returns the wishlist as read under WATCH and the one written.
func (r *WishlistRepository) apply(ctx context.Context, userID string, ops []wishlist.BatchOperation, now time.Time) ([]wishlist.Item, []wishlist.Item, error) {
	key := keyPrefix + userID

	var before, result []wishlist.Item
	txf := func(tx *redis.Tx) error {
		current, err := load(ctx, tx, key)
		if err != nil {
			return err
		}

		next := wishlist.ApplyOperations(current, ops, now)
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal wishlist: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		if err != nil {
			return err
		}

		before, result = current, next
		return nil
	}

	for range maxTxRetries {
		err := r.client.Watch(ctx, txf, key)
		if err == nil {
			return before, result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, nil, fmt.Errorf("redis apply wishlist ops: %w", err)
	}

	return nil, nil, fmt.Errorf("redis apply wishlist ops for %s: %w", userID, apperrors.ErrConflict)
}

// Ping checks the Redis connection.
func (r *WishlistRepository) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}
