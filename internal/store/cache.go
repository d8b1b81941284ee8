package store

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/xiaot623/gogo/mimir/internal/domain"
)

// ErrRefetchCancelled is returned by Refetch when CancelRefetch discarded the
// fetch before its result was installed.
var ErrRefetchCancelled = errors.New("refetch cancelled")

// Fetcher loads the authoritative message list of a conversation.
type Fetcher interface {
	ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, conversationID string) ([]domain.Message, error)

// ListMessages implements Fetcher.
func (f FetcherFunc) ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	return f(ctx, conversationID)
}

type entry struct {
	list   List
	loaded bool

	// gen is bumped by CancelRefetch; a fetch installs its result only if gen
	// is unchanged since it started.
	gen    uint64
	cancel context.CancelFunc

	version   uint64
	delivered uint64
	watchers  map[int]func(List)
}

// Cache holds one List per conversation id.
//
// Writes are pure transforms applied under a lock, so readers always get a
// complete List. Refetches for the same id share one backend call.
type Cache struct {
	fetcher Fetcher
	group   singleflight.Group

	mu        sync.Mutex
	entries   map[string]*entry
	nextWatch int

	// notifyMu serializes watcher delivery so watchers see versions in order.
	notifyMu sync.Mutex
}

// NewCache creates a cache that refetches through fetcher.
func NewCache(fetcher Fetcher) *Cache {
	return &Cache{
		fetcher: fetcher,
		entries: make(map[string]*entry),
	}
}

// Get returns the current list for id and whether it was ever populated.
func (c *Cache) Get(id string) (List, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return List{}, false
	}
	return e.list, e.loaded
}

// Set replaces the list for id with l.
func (c *Cache) Set(id string, l List) {
	c.Update(id, func(List) List { return l })
}

// Update applies fn to the current list for id and stores the result.
// fn runs under the cache lock and must not call back into the cache.
func (c *Cache) Update(id string, fn func(List) List) List {
	c.mu.Lock()
	e := c.entry(id)
	e.list = fn(e.list)
	e.loaded = true
	e.version++
	next := e.list
	c.mu.Unlock()

	c.notify(id)
	return next
}

// Apply runs fn on the current list for id and stores the result only when
// fn reports a change. fn runs under the cache lock.
func (c *Cache) Apply(id string, fn func(List) (List, bool)) bool {
	c.mu.Lock()
	e := c.entry(id)
	next, changed := fn(e.list)
	if changed {
		e.list = next
		e.version++
	}
	c.mu.Unlock()

	if changed {
		c.notify(id)
	}
	return changed
}

// CancelRefetch aborts the in-flight refetch for id, if any. A result that
// arrives afterwards is discarded.
func (c *Cache) CancelRefetch(id string) {
	c.mu.Lock()
	cancel := c.invalidate(c.entry(id))
	c.mu.Unlock()

	c.stopFetch(id, cancel)
}

// CancelAndUpdate is CancelRefetch followed by Update, with no window in
// between for a new refetch to start.
func (c *Cache) CancelAndUpdate(id string, fn func(List) List) List {
	c.mu.Lock()
	e := c.entry(id)
	cancel := c.invalidate(e)
	e.list = fn(e.list)
	e.loaded = true
	e.version++
	next := e.list
	c.mu.Unlock()

	c.stopFetch(id, cancel)
	c.notify(id)
	return next
}

// invalidate bumps the generation of e. Caller holds c.mu.
func (c *Cache) invalidate(e *entry) context.CancelFunc {
	e.gen++
	cancel := e.cancel
	e.cancel = nil
	return cancel
}

func (c *Cache) stopFetch(id string, cancel context.CancelFunc) {
	if cancel != nil {
		cancel()
	}
	c.group.Forget(id)
}

// Refetch replaces the list for id with a fresh backend fetch. Concurrent
// calls for the same id share a single fetch.
func (c *Cache) Refetch(ctx context.Context, id string) error {
	_, err := c.RefetchIf(ctx, id, nil)
	return err
}

// RefetchIf is Refetch guarded by allow, which is evaluated under the cache
// lock against the current list right before the fetch starts. It reports
// whether a fetch ran. Callers joining an in-flight fetch share its outcome.
func (c *Cache) RefetchIf(ctx context.Context, id string, allow func(List) bool) (bool, error) {
	ch := c.group.DoChan(id, func() (any, error) {
		return c.fetch(id, allow)
	})
	select {
	case res := <-ch:
		fetched, _ := res.Val.(bool)
		return fetched, res.Err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Refetching reports whether a refetch for id is in flight.
func (c *Cache) Refetching(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	return ok && e.cancel != nil
}

// Watch registers fn to be called with every new list for id. fn must not
// write to the cache. The returned func removes the watcher.
func (c *Cache) Watch(id string, fn func(List)) func() {
	c.mu.Lock()
	e := c.entry(id)
	key := c.nextWatch
	c.nextWatch++
	e.watchers[key] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(e.watchers, key)
		c.mu.Unlock()
	}
}

func (c *Cache) fetch(id string, allow func(List) bool) (bool, error) {
	c.mu.Lock()
	e := c.entry(id)
	if allow != nil && !allow(e.list) {
		c.mu.Unlock()
		return false, nil
	}
	gen := e.gen
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	items, err := c.fetcher.ListMessages(ctx, id)

	c.mu.Lock()
	if e.gen != gen {
		c.mu.Unlock()
		return true, ErrRefetchCancelled
	}
	e.cancel = nil
	if err != nil {
		c.mu.Unlock()
		return true, err
	}
	e.list = e.list.Replace(items)
	e.loaded = true
	e.version++
	c.mu.Unlock()

	c.notify(id)
	return true, nil
}

func (c *Cache) notify(id string) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok || e.version <= e.delivered || len(e.watchers) == 0 {
		if ok {
			e.delivered = e.version
		}
		c.mu.Unlock()
		return
	}
	e.delivered = e.version
	list := e.list
	watchers := make([]func(List), 0, len(e.watchers))
	for _, w := range e.watchers {
		watchers = append(watchers, w)
	}
	c.mu.Unlock()

	for _, w := range watchers {
		w(list)
	}
}

// entry returns the entry for id, creating it. Caller holds c.mu.
func (c *Cache) entry(id string) *entry {
	e, ok := c.entries[id]
	if !ok {
		e = &entry{watchers: make(map[int]func(List))}
		c.entries[id] = e
	}
	return e
}
