package msgsync

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// ============================================================================
// Keys
// ============================================================================

// Key addresses one cached object class instance.
type Key string

// ThreadsKey addresses a user's thread list.
func ThreadsKey(userID string) Key { return Key("threads/" + userID) }

// ThreadKey addresses one thread detail as seen by userID.
func ThreadKey(userID, threadID string) Key { return Key("thread/" + userID + "/" + threadID) }

// RequestsKey addresses one filtered request list.
func RequestsKey(userID string, box RequestBox, status RequestStatus) Key {
	return Key("requests/" + userID + "/" + string(box) + "/" + string(status))
}

func threadDetailPrefix(userID string) string { return "thread/" + userID + "/" }
func requestsPrefix(userID string) string     { return "requests/" + userID + "/" }

// ============================================================================
// Store
// ============================================================================

type entry struct {
	value      any
	has        bool
	stale      bool
	updatedAt  time.Time
	accessedAt time.Time
	version    uint64
	gcTime     time.Duration

	fetchGen uint64
	cancel   context.CancelFunc
}

type subscription struct {
	prefix string
	exact  bool
	fn     func(Key)
}

// Store is the single shared cache. Every write goes through Update, a pure
// function of the previous value applied under the store lock, so concurrent
// writers (fetches, mutations, push events) compose instead of clobbering.
//
// Values are treated as immutable: callers must never modify what Get
// returns, and updaters must return fresh slices.
type Store struct {
	clock Clock

	mu      sync.Mutex
	entries map[Key]*entry
	subs    map[uint64]subscription
	nextSub uint64
	nextVer uint64
}

// NewStore creates an empty store. A nil clock means the wall clock.
func NewStore(clock Clock) *Store {
	if clock == nil {
		clock = SystemClock()
	}
	return &Store{
		clock:   clock,
		entries: make(map[Key]*entry),
		subs:    make(map[uint64]subscription),
	}
}

func (s *Store) entryLocked(key Key) *entry {
	e, ok := s.entries[key]
	if !ok {
		e = &entry{}
		s.entries[key] = e
	}
	return e
}

// Get returns the cached value for key.
func (s *Store) Get(key Key) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || !e.has {
		return nil, false
	}
	e.accessedAt = s.clock.Now()
	return e.value, true
}

// Set replaces the value for key.
func (s *Store) Set(key Key, value any) uint64 {
	v, _ := s.Update(key, func(any, bool) (any, bool) { return value, true })
	return v
}

// Update applies fn to the current value. If fn reports no change nothing is
// written and subscribers are not notified. It returns the entry version
// after the call and whether a write happened.
func (s *Store) Update(key Key, fn func(prev any, ok bool) (next any, changed bool)) (uint64, bool) {
	s.mu.Lock()
	e := s.entryLocked(key)
	next, changed := fn(e.value, e.has)
	if !changed {
		v := e.version
		s.mu.Unlock()
		return v, false
	}
	s.nextVer++
	e.value = next
	e.has = true
	e.version = s.nextVer
	e.updatedAt = s.clock.Now()
	e.accessedAt = e.updatedAt
	v := e.version
	notify := s.subscribersLocked(key)
	s.mu.Unlock()

	for _, fn := range notify {
		fn(key)
	}
	return v, true
}

// Version returns the write version of key; zero means never written.
func (s *Store) Version(key Key) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		return e.version
	}
	return 0
}

// UpdatedAt returns when key was last written.
func (s *Store) UpdatedAt(key Key) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		return e.updatedAt
	}
	return time.Time{}
}

// IsStale reports whether key is missing, invalidated, or older than
// staleTime.
func (s *Store) IsStale(key Key, staleTime time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || !e.has || e.stale {
		return true
	}
	return s.clock.Now().Sub(e.updatedAt) >= staleTime
}

// Invalidated reports whether key was invalidated since its last fetch.
func (s *Store) Invalidated(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	return ok && e.stale
}

// Invalidate marks key stale so the next read (or a mounted query) refetches.
// Cached data stays readable until replaced.
func (s *Store) Invalidate(key Key) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	e.stale = true
	notify := s.subscribersLocked(key)
	s.mu.Unlock()

	for _, fn := range notify {
		fn(key)
	}
}

// InvalidatePrefix invalidates every key that starts with prefix.
func (s *Store) InvalidatePrefix(prefix string) {
	for _, k := range s.Keys(prefix) {
		s.Invalidate(k)
	}
}

// Keys lists cached keys with the given prefix, sorted.
func (s *Store) Keys(prefix string) []Key {
	s.mu.Lock()
	keys := make([]Key, 0, len(s.entries))
	for k := range s.entries {
		if strings.HasPrefix(string(k), prefix) {
			keys = append(keys, k)
		}
	}
	s.mu.Unlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// ============================================================================
// In-flight fetches
// ============================================================================

// BeginFetch starts a fetch for key, cancelling any fetch already in flight
// for it. The returned generation must be passed to CommitFetch.
func (s *Store) BeginFetch(ctx context.Context, key Key) (context.Context, uint64) {
	fctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	e := s.entryLocked(key)
	if e.cancel != nil {
		e.cancel()
	}
	e.fetchGen++
	e.cancel = cancel
	gen := e.fetchGen
	s.mu.Unlock()
	return fctx, gen
}

// CommitFetch stores a fetch result if gen is still the latest fetch for key.
// Results of superseded fetches are discarded.
func (s *Store) CommitFetch(key Key, gen uint64, value any) bool {
	s.mu.Lock()
	e := s.entryLocked(key)
	if e.fetchGen != gen {
		s.mu.Unlock()
		return false
	}
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	s.nextVer++
	e.value = value
	e.has = true
	e.stale = false
	e.version = s.nextVer
	e.updatedAt = s.clock.Now()
	e.accessedAt = e.updatedAt
	notify := s.subscribersLocked(key)
	s.mu.Unlock()

	for _, fn := range notify {
		fn(key)
	}
	return true
}

// EndFetch releases the in-flight slot of a failed fetch.
func (s *Store) EndFetch(key Key, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && e.fetchGen == gen && e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
}

// CancelInflight aborts the fetch in flight for key, if any.
func (s *Store) CancelInflight(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && e.cancel != nil {
		e.cancel()
		e.cancel = nil
		e.fetchGen++
	}
}

// ============================================================================
// Snapshots
// ============================================================================

type snapshotItem struct {
	value any
	has   bool
}

// Snapshot is a point-in-time copy of some keys, taken before an optimistic
// write so it can be rolled back.
type Snapshot struct {
	items map[Key]snapshotItem
}

// Snapshot captures the current values of keys.
func (s *Store) Snapshot(keys ...Key) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{items: make(map[Key]snapshotItem, len(keys))}
	for _, k := range keys {
		if e, ok := s.entries[k]; ok {
			snap.items[k] = snapshotItem{value: e.value, has: e.has}
		} else {
			snap.items[k] = snapshotItem{}
		}
	}
	return snap
}

// Rollback restores each key in written to its snapshot value, but only if
// the key is still at the version the optimistic write produced. Keys that
// another writer touched in the meantime are left alone and returned so the
// caller can undo just its own change.
func (s *Store) Rollback(snap Snapshot, written map[Key]uint64) (conflicts []Key) {
	s.mu.Lock()
	var notified []Key
	for k, ver := range written {
		item, ok := snap.items[k]
		if !ok {
			continue
		}
		e := s.entryLocked(k)
		if e.version != ver {
			conflicts = append(conflicts, k)
			continue
		}
		s.nextVer++
		e.value = item.value
		e.has = item.has
		e.version = s.nextVer
		notified = append(notified, k)
	}
	var calls []func()
	for _, k := range notified {
		key := k
		for _, fn := range s.subscribersLocked(key) {
			fn := fn
			calls = append(calls, func() { fn(key) })
		}
	}
	s.mu.Unlock()

	for _, call := range calls {
		call()
	}
	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i] < conflicts[j] })
	return conflicts
}

// ============================================================================
// Subscriptions
// ============================================================================

// Subscribe calls fn after every write or invalidation of a key starting
// with prefix. fn runs on the writer's goroutine and must not block.
func (s *Store) Subscribe(prefix string, fn func(Key)) (unsubscribe func()) {
	return s.subscribe(subscription{prefix: prefix, fn: fn})
}

// Watch is Subscribe for exactly one key. A watched key is never evicted.
func (s *Store) Watch(key Key, fn func(Key)) (unsubscribe func()) {
	return s.subscribe(subscription{prefix: string(key), exact: true, fn: fn})
}

func (s *Store) subscribe(sub subscription) func() {
	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs[id] = sub
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

func (s *Store) subscribersLocked(key Key) []func(Key) {
	var fns []func(Key)
	ids := make([]uint64, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		sub := s.subs[id]
		if sub.exact {
			if string(key) == sub.prefix {
				fns = append(fns, sub.fn)
			}
			continue
		}
		if strings.HasPrefix(string(key), sub.prefix) {
			fns = append(fns, sub.fn)
		}
	}
	return fns
}

func (s *Store) watchedLocked(key Key) bool {
	for _, sub := range s.subs {
		if sub.exact && sub.prefix == string(key) {
			return true
		}
	}
	return false
}

// ============================================================================
// Retention
// ============================================================================

// SetGCTime sets the retention window of key. Collect uses it instead of
// its fallback.
func (s *Store) SetGCTime(key Key, gcTime time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entryLocked(key)
	if !e.has && e.accessedAt.IsZero() {
		e.accessedAt = s.clock.Now()
	}
	e.gcTime = gcTime
}

// Collect evicts entries that nobody watches, have no fetch in flight, and
// were not read or written within their retention window. Entries without
// one use fallback. It returns the number evicted.
func (s *Store) Collect(fallback time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	n := 0
	for k, e := range s.entries {
		if e.cancel != nil || s.watchedLocked(k) {
			continue
		}
		gcTime := fallback
		if e.gcTime > 0 {
			gcTime = e.gcTime
		}
		if now.Sub(e.accessedAt) >= gcTime {
			delete(s.entries, k)
			n++
		}
	}
	return n
}

// ============================================================================
// Typed helpers
// ============================================================================

// Get returns the value at key as a T.
func Get[T any](s *Store, key Key) (T, bool) {
	v, ok := s.Get(key)
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// Update applies a typed updater to key. A value of the wrong type is
// treated as absent.
func Update[T any](s *Store, key Key, fn func(prev T, ok bool) (T, bool)) (uint64, bool) {
	return s.Update(key, func(prev any, ok bool) (any, bool) {
		var t T
		if ok {
			t, ok = prev.(T)
		}
		next, changed := fn(t, ok)
		return next, changed
	})
}
