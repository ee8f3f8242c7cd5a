package msgsync

import (
	"context"
	"errors"
	"sync"
	"time"
)

// QueryOptions binds a cache key's freshness policy.
type QueryOptions struct {
	// StaleTime is how long fetched data counts as fresh.
	StaleTime time.Duration
	// GCTime is how long an unwatched entry survives without being read.
	GCTime time.Duration
	// PollInterval refetches in the background while mounted. Zero disables
	// polling.
	PollInterval time.Duration
	// Disabled keeps the query idle, e.g. while no user id is known.
	Disabled bool
}

// Presets per cached object class.
var (
	ThreadsQueryOptions  = QueryOptions{StaleTime: 10 * time.Second, GCTime: 5 * time.Minute, PollInterval: 30 * time.Second}
	ThreadQueryOptions   = QueryOptions{StaleTime: 5 * time.Second, GCTime: 5 * time.Minute, PollInterval: 10 * time.Second}
	RequestsQueryOptions = QueryOptions{StaleTime: 30 * time.Second, GCTime: 5 * time.Minute}
)

// QueryState is what a query exposes to the UI.
type QueryState[T any] struct {
	Data       T
	HasData    bool
	IsLoading  bool
	IsFetching bool
	Err        error
	UpdatedAt  time.Time
}

// Query binds a cache key to a fetch function. The cache entry is the only
// copy of the data; the query holds just loading and error state.
type Query[T any] struct {
	store *Store
	key   Key
	opts  QueryOptions
	fetch func(ctx context.Context) (T, error)
	clock Clock

	mu       sync.Mutex
	fetching int
	err      error
	mounted  bool
	ctx      context.Context
	cancel   context.CancelFunc
	unwatch  func()
	wg       sync.WaitGroup
}

// NewQuery creates an unmounted query.
func NewQuery[T any](store *Store, key Key, opts QueryOptions, fetch func(ctx context.Context) (T, error)) *Query[T] {
	return &Query[T]{
		store: store,
		key:   key,
		opts:  opts,
		fetch: fetch,
		clock: store.clock,
	}
}

// Key returns the cache key the query fills.
func (q *Query[T]) Key() Key { return q.key }

// Mount starts the query: it fetches if the entry is stale, refetches when
// the entry is invalidated, and polls while mounted. A disabled query stays
// idle.
func (q *Query[T]) Mount(ctx context.Context) {
	q.mu.Lock()
	if q.opts.Disabled || q.mounted {
		q.mu.Unlock()
		return
	}
	q.mounted = true
	q.ctx, q.cancel = context.WithCancel(ctx)
	q.mu.Unlock()

	if q.opts.GCTime > 0 {
		q.store.SetGCTime(q.key, q.opts.GCTime)
	}

	unwatch := q.store.Watch(q.key, func(Key) {
		if q.store.Invalidated(q.key) {
			q.refetchAsync()
		}
	})
	q.mu.Lock()
	q.unwatch = unwatch
	q.mu.Unlock()

	if q.store.IsStale(q.key, q.opts.StaleTime) {
		q.refetchAsync()
	}
	if q.opts.PollInterval > 0 {
		q.spawn(q.pollLoop)
	}
}

// Unmount stops polling, aborts an in-flight fetch, and waits for background
// work to finish. Cached data is kept until retention evicts it.
func (q *Query[T]) Unmount() {
	q.mu.Lock()
	if !q.mounted {
		q.mu.Unlock()
		return
	}
	q.mounted = false
	cancel, unwatch := q.cancel, q.unwatch
	q.unwatch = nil
	q.mu.Unlock()

	if unwatch != nil {
		unwatch()
	}
	cancel()
	q.store.CancelInflight(q.key)
	q.wg.Wait()
}

// Mounted reports whether the query is active.
func (q *Query[T]) Mounted() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.mounted
}

func (q *Query[T]) spawn(fn func(ctx context.Context)) {
	q.mu.Lock()
	if !q.mounted {
		q.mu.Unlock()
		return
	}
	ctx := q.ctx
	q.wg.Add(1)
	q.mu.Unlock()
	go func() {
		defer q.wg.Done()
		fn(ctx)
	}()
}

func (q *Query[T]) refetchAsync() {
	q.spawn(func(ctx context.Context) { _, _ = q.Fetch(ctx) })
}

func (q *Query[T]) pollLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.clock.After(q.opts.PollInterval):
			_, _ = q.Fetch(ctx)
		}
	}
}

// Fetch loads the key now, cancelling any fetch already in flight for it.
// On failure the last good data stays cached and the error is kept in the
// query state.
func (q *Query[T]) Fetch(ctx context.Context) (T, error) {
	var zero T
	if q.opts.Disabled {
		return zero, nil
	}

	if q.opts.GCTime > 0 {
		q.store.SetGCTime(q.key, q.opts.GCTime)
	}
	fctx, gen := q.store.BeginFetch(ctx, q.key)
	q.mu.Lock()
	q.fetching++
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.fetching--
		q.mu.Unlock()
	}()

	v, err := q.fetch(fctx)
	if err != nil {
		q.store.EndFetch(q.key, gen)
		// Superseded or torn down: not the caller's failure to report.
		if ctx.Err() == nil && !(fctx.Err() != nil && errors.Is(err, context.Canceled)) {
			q.mu.Lock()
			q.err = err
			q.mu.Unlock()
		}
		return zero, err
	}

	if q.store.CommitFetch(q.key, gen, v) {
		q.mu.Lock()
		q.err = nil
		q.mu.Unlock()
	}
	return v, nil
}

// EnsureFresh fetches only if the cached entry is stale.
func (q *Query[T]) EnsureFresh(ctx context.Context) error {
	if q.opts.Disabled || !q.store.IsStale(q.key, q.opts.StaleTime) {
		return nil
	}
	_, err := q.Fetch(ctx)
	return err
}

// State returns the cached data plus loading and error flags.
func (q *Query[T]) State() QueryState[T] {
	data, ok := Get[T](q.store, q.key)
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueryState[T]{
		Data:       data,
		HasData:    ok,
		IsLoading:  q.fetching > 0 && !ok,
		IsFetching: q.fetching > 0,
		Err:        q.err,
		UpdatedAt:  q.store.UpdatedAt(q.key),
	}
}
