package wishlist

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// Notifier propagates wishlist snapshots between contexts (tabs,
// processes) sharing local state. Delivery is best effort.
type Notifier interface {
	Publish(ctx context.Context, u Update) error
	Subscribe(scope string, fn func(Update)) (unsubscribe func())
}

// subscribers is the scope-keyed subscriber set shared by notifiers.
type subscribers struct {
	mu   sync.Mutex
	next int
	subs map[string]map[int]func(Update)
}

func (s *subscribers) add(scope string, fn func(Update)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs == nil {
		s.subs = make(map[string]map[int]func(Update))
	}
	if s.subs[scope] == nil {
		s.subs[scope] = make(map[int]func(Update))
	}
	id := s.next
	s.next++
	s.subs[scope][id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs[scope], id)
		if len(s.subs[scope]) == 0 {
			delete(s.subs, scope)
		}
	}
}

// dispatch calls every subscriber of u.Scope outside the lock.
func (s *subscribers) dispatch(u Update) {
	s.mu.Lock()
	fns := make([]func(Update), 0, len(s.subs[u.Scope]))
	for _, fn := range s.subs[u.Scope] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(u)
	}
}

// Bus is an in-process Notifier. Publish delivers synchronously to every
// subscriber of the update's scope, including the publisher's own
// subscription; receivers skip updates carrying their own origin.
type Bus struct {
	subscribers
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

func (b *Bus) Publish(_ context.Context, u Update) error {
	u.Items = slices.Clone(u.Items)
	b.dispatch(u)
	return nil
}

func (b *Bus) Subscribe(scope string, fn func(Update)) func() {
	return b.add(scope, fn)
}

// FileNotifier is a Notifier for several OS processes on one machine.
// Each scope's latest snapshot is a JSON file in dir; processes learn of
// changes through filesystem events on that directory.
type FileNotifier struct {
	subscribers
	dir    string
	logger *slog.Logger
}

// NewFileNotifier creates dir if needed. Call Watch to receive updates
// from other processes.
func NewFileNotifier(dir string, logger *slog.Logger) (*FileNotifier, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating broadcast dir: %w", err)
	}
	return &FileNotifier{dir: dir, logger: logger}, nil
}

func (n *FileNotifier) path(scope string) string {
	return filepath.Join(n.dir, url.PathEscape(scope)+".json")
}

// Publish writes the snapshot atomically (temp file then rename) so a
// watcher never reads a partial file.
func (n *FileNotifier) Publish(_ context.Context, u Update) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encoding update: %w", err)
	}

	tmp, err := os.CreateTemp(n.dir, ".update-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing update: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing update: %w", err)
	}

	if err := os.Rename(tmpName, n.path(u.Scope)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publishing update: %w", err)
	}
	return nil
}

func (n *FileNotifier) Subscribe(scope string, fn func(Update)) func() {
	return n.add(scope, fn)
}

// Watch delivers updates written by any process until ctx is cancelled.
func (n *FileNotifier) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(n.dir); err != nil {
		return fmt.Errorf("watching broadcast dir: %w", err)
	}

	n.logger.Info("broadcast watcher started", slog.String("dir", n.dir))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			base := filepath.Base(event.Name)
			if strings.HasPrefix(base, ".") || filepath.Ext(base) != ".json" {
				continue
			}
			n.deliver(event.Name)

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}
			n.logger.Warn("broadcast watcher error", slog.String("error", err.Error()))
		}
	}
}

func (n *FileNotifier) deliver(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		n.logger.Debug("reading broadcast file", slog.String("path", path), slog.String("error", err.Error()))
		return
	}

	var u Update
	if err := json.Unmarshal(data, &u); err != nil {
		n.logger.Debug("decoding broadcast file", slog.String("path", path), slog.String("error", err.Error()))
		return
	}
	n.dispatch(u)
}

const noticeUnchanged = "Wishlist updated from another device or tab"

// describeChange summarizes the difference between two wishlists for a
// user-visible notice.
func describeChange(before, after []Item) string {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(itemLines(before), itemLines(after))
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	added, removed := 0, 0
	for _, d := range diffs {
		n := strings.Count(d.Text, "\n")
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += n
		case diffmatchpatch.DiffDelete:
			removed += n
		}
	}

	switch {
	case added == 0 && removed == 0:
		return noticeUnchanged
	case removed == 0:
		return fmt.Sprintf("%s: %d added", noticeUnchanged, added)
	case added == 0:
		return fmt.Sprintf("%s: %d removed", noticeUnchanged, removed)
	default:
		return fmt.Sprintf("%s: %d added, %d removed", noticeUnchanged, added, removed)
	}
}

// itemLines renders product IDs one per line in sorted order.
func itemLines(items []Item) string {
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ProductID)
	}
	slices.Sort(ids)

	var sb strings.Builder
	for _, id := range ids {
		sb.WriteString(id)
		sb.WriteByte('\n')
	}
	return sb.String()
}
