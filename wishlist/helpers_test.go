package wishlist

import (
	"context"
	"sync"
	"time"
)

// fakeRemote is an in-memory wishlist service keyed by token.
type fakeRemote struct {
	mu      sync.Mutex
	lists   map[string][]Item
	err     error
	calls   map[string]int
	batches [][]BatchOperation
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		lists: make(map[string][]Item),
		calls: make(map[string]int),
	}
}

func (f *fakeRemote) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeRemote) items(token string) []Item {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Item{}, f.lists[token]...)
}

func (f *fakeRemote) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeRemote) List(_ context.Context, token string) ([]Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["List"]++
	if f.err != nil {
		return nil, f.err
	}
	return append([]Item{}, f.lists[token]...), nil
}

func (f *fakeRemote) Add(_ context.Context, token string, item Item) (*MutationResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["Add"]++
	if f.err != nil {
		return nil, f.err
	}
	f.lists[token] = withItem(f.lists[token], item)
	return &MutationResponse{Message: "Added", ProductID: item.ProductID, InWishlist: true}, nil
}

func (f *fakeRemote) Remove(_ context.Context, token, productID string) (*MutationResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["Remove"]++
	if f.err != nil {
		return nil, f.err
	}
	f.lists[token] = withoutItem(f.lists[token], productID)
	return &MutationResponse{Message: "Removed", ProductID: productID}, nil
}

func (f *fakeRemote) Batch(_ context.Context, token string, ops []BatchOperation) ([]Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["Batch"]++
	if f.err != nil {
		return nil, f.err
	}
	f.batches = append(f.batches, append([]BatchOperation{}, ops...))
	f.lists[token] = ApplyOperations(f.lists[token], ops, time.Now().UTC())
	return append([]Item{}, f.lists[token]...), nil
}

// sessionVar is a swappable session source for engines under test.
type sessionVar struct {
	mu   sync.Mutex
	sess Session
}

func (s *sessionVar) get() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess
}

func (s *sessionVar) set(sess Session) {
	s.mu.Lock()
	s.sess = sess
	s.mu.Unlock()
}

var alice = Session{UserID: "alice", Token: "tok-alice"}

func productIDs(items []Item) []string {
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ProductID)
	}
	return ids
}
