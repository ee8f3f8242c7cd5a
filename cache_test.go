package msgsync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// ============================================================================
// Update / Invalidate
// ============================================================================

func TestStoreUpdate(t *testing.T) {
	t.Run("composes over the previous value", func(t *testing.T) {
		s := NewStore(newFakeClock())
		s.Set("k", 1)
		Update(s, "k", func(n int, ok bool) (int, bool) { return n + 1, ok })
		Update(s, "k", func(n int, ok bool) (int, bool) { return n * 10, ok })

		v, ok := Get[int](s, "k")
		require.True(t, ok)
		require.Equal(t, 20, v)
	})

	t.Run("no change means no write and no notification", func(t *testing.T) {
		s := NewStore(newFakeClock())
		v1 := s.Set("k", "a")
		notified := 0
		s.Watch("k", func(Key) { notified++ })

		v2, changed := s.Update("k", func(prev any, ok bool) (any, bool) { return prev, false })
		require.False(t, changed)
		require.Equal(t, v1, v2)
		require.Zero(t, notified)
	})

	t.Run("wrong type is treated as absent", func(t *testing.T) {
		s := NewStore(newFakeClock())
		s.Set("k", "text")
		_, ok := Get[int](s, "k")
		require.False(t, ok)
	})
}

func TestStoreInvalidate(t *testing.T) {
	clock := newFakeClock()
	s := NewStore(clock)
	s.Set("k", 1)
	require.False(t, s.IsStale("k", time.Minute))

	var got []Key
	s.Subscribe("k", func(k Key) { got = append(got, k) })
	s.Invalidate("k")

	require.True(t, s.Invalidated("k"))
	require.True(t, s.IsStale("k", time.Minute))
	v, ok := Get[int](s, "k")
	require.True(t, ok, "invalidated data stays readable")
	require.Equal(t, 1, v)
	require.Equal(t, []Key{"k"}, got)

	// Invalidating a key that was never cached is a no-op.
	s.Invalidate("missing")
	require.False(t, s.Invalidated("missing"))
}

func TestStoreIsStaleByAge(t *testing.T) {
	clock := newFakeClock()
	s := NewStore(clock)
	require.True(t, s.IsStale("k", time.Minute), "missing keys are stale")

	s.Set("k", 1)
	clock.Advance(59 * time.Second)
	require.False(t, s.IsStale("k", time.Minute))
	clock.Advance(time.Second)
	require.True(t, s.IsStale("k", time.Minute))
}

func TestStoreKeys(t *testing.T) {
	s := NewStore(newFakeClock())
	s.Set(RequestsKey("u1", BoxSent, RequestPending), 1)
	s.Set(RequestsKey("u1", BoxReceived, RequestPending), 1)
	s.Set(RequestsKey("u2", BoxReceived, RequestPending), 1)

	require.Equal(t, []Key{
		"requests/u1/received/pending",
		"requests/u1/sent/pending",
	}, s.Keys(requestsPrefix("u1")))
}

// ============================================================================
// In-flight fetches
// ============================================================================

func TestStoreFetchSupersede(t *testing.T) {
	s := NewStore(newFakeClock())

	ctx1, gen1 := s.BeginFetch(context.Background(), "k")
	ctx2, gen2 := s.BeginFetch(context.Background(), "k")

	require.ErrorIs(t, ctx1.Err(), context.Canceled, "older fetch is cancelled")
	require.NoError(t, ctx2.Err())

	require.False(t, s.CommitFetch("k", gen1, "old"))
	require.True(t, s.CommitFetch("k", gen2, "new"))

	v, _ := Get[string](s, "k")
	require.Equal(t, "new", v)
	require.ErrorIs(t, ctx2.Err(), context.Canceled, "commit releases the fetch context")
}

func TestStoreCommitClearsInvalidation(t *testing.T) {
	s := NewStore(newFakeClock())
	s.Set("k", 1)
	s.Invalidate("k")

	_, gen := s.BeginFetch(context.Background(), "k")
	require.True(t, s.CommitFetch("k", gen, 2))
	require.False(t, s.Invalidated("k"))
}

func TestStoreCancelInflight(t *testing.T) {
	s := NewStore(newFakeClock())
	ctx, gen := s.BeginFetch(context.Background(), "k")
	s.CancelInflight("k")

	require.ErrorIs(t, ctx.Err(), context.Canceled)
	require.False(t, s.CommitFetch("k", gen, 1), "a cancelled fetch never lands")
}

// ============================================================================
// Snapshot / Rollback
// ============================================================================

func TestStoreRollback(t *testing.T) {
	t.Run("restores untouched keys", func(t *testing.T) {
		s := NewStore(newFakeClock())
		s.Set("a", []int{1})
		snap := s.Snapshot("a", "b")

		va, _ := Update(s, "a", func(v []int, ok bool) ([]int, bool) { return append([]int{}, append(v, 2)...), true })
		vb, _ := Update(s, "b", func(v []int, ok bool) ([]int, bool) { return []int{9}, true })

		conflicts := s.Rollback(snap, map[Key]uint64{"a": va, "b": vb})
		require.Empty(t, conflicts)

		a, ok := Get[[]int](s, "a")
		require.True(t, ok)
		require.Equal(t, []int{1}, a)
		_, ok = Get[[]int](s, "b")
		require.False(t, ok, "a key absent before the write is absent again")
	})

	t.Run("reports keys another writer touched", func(t *testing.T) {
		s := NewStore(newFakeClock())
		s.Set("a", 1)
		snap := s.Snapshot("a")
		va := s.Set("a", 2)
		s.Set("a", 3)

		conflicts := s.Rollback(snap, map[Key]uint64{"a": va})
		require.Equal(t, []Key{"a"}, conflicts)
		v, _ := Get[int](s, "a")
		require.Equal(t, 3, v)
	})
}

// ============================================================================
// Retention
// ============================================================================

func TestStoreCollect(t *testing.T) {
	clock := newFakeClock()
	s := NewStore(clock)
	s.Set("old", 1)
	s.Set("watched", 1)
	s.Set("read", 1)
	unwatch := s.Watch("watched", func(Key) {})
	defer unwatch()

	clock.Advance(4 * time.Minute)
	s.Get("read")
	clock.Advance(time.Minute)

	require.Equal(t, 1, s.Collect(5*time.Minute))
	_, ok := s.Get("old")
	require.False(t, ok)
	_, ok = s.Get("watched")
	require.True(t, ok)
	_, ok = s.Get("read")
	require.True(t, ok)
}
