package state

import (
	"context"
	"log/slog"

	"github.com/alexjbarnes/wishlist-sync/wishlist"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// unreachableRemote fails every call as if the network were down.
type unreachableRemote struct{}

func (unreachableRemote) List(context.Context, string) ([]wishlist.Item, error) {
	return nil, wishlist.ErrUnreachable
}

func (unreachableRemote) Add(context.Context, string, wishlist.Item) (*wishlist.MutationResponse, error) {
	return nil, wishlist.ErrUnreachable
}

func (unreachableRemote) Remove(context.Context, string, string) (*wishlist.MutationResponse, error) {
	return nil, wishlist.ErrUnreachable
}

func (unreachableRemote) Batch(context.Context, string, []wishlist.BatchOperation) ([]wishlist.Item, error) {
	return nil, wishlist.ErrUnreachable
}
