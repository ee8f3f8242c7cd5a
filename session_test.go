package msgsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestAPI() *fakeAPI {
	api := newFakeAPI()
	api.threads = []Thread{
		testThread("T1", me, "user-b", 2, t0.Add(time.Minute)),
		testThread("T2", me, "user-c", 0, t0),
	}
	api.details["T1"] = ThreadDetail{
		Thread: api.threads[0],
		Messages: []Message{
			{ID: "m2", ThreadID: "T1", SenderID: "user-b", ReceiverID: me, Content: "second", CreatedAt: t0.Add(time.Minute)},
			{ID: "m1", ThreadID: "T1", SenderID: "user-b", ReceiverID: me, Content: "first", CreatedAt: t0},
		},
		OtherUser: &User{ID: "user-b"},
	}
	api.requests[BoxReceived] = []MessageRequest{{ID: "R1", RecipientID: me, Status: RequestPending, ExpiresAt: t0.Add(24 * time.Hour)}}
	return api
}

func TestSessionStartLoadsLists(t *testing.T) {
	clock := newFakeClock()
	api := newTestAPI()
	sess := NewSession(me, api, WithClock(clock))
	sess.Start(context.Background())
	defer sess.Close()

	require.Eventually(t, func() bool {
		return sess.Threads().HasData && sess.ReceivedRequests().HasData && sess.SentRequests().HasData
	}, time.Second, time.Millisecond)

	require.Len(t, sess.Threads().Data, 2)
	require.Equal(t, Counts{UnreadThreads: 2, PendingRequests: 1, TotalUnread: 3}, sess.Counts())
	require.Equal(t, ConnDisconnected, sess.ConnectionStatus().State, "no transport, no push channel")
}

func TestSessionWithoutUserStaysIdle(t *testing.T) {
	api := newTestAPI()
	sess := NewSession("", api, WithClock(newFakeClock()))
	sess.Start(context.Background())
	sess.Prefetch("T1")
	require.NoError(t, sess.Refresh(context.Background()))
	sess.Close()

	require.False(t, sess.Threads().HasData)
	require.Zero(t, api.Calls("fetchThreads"))
	require.Zero(t, api.Calls("fetchThread"))

	_, err := sess.SendMessage(context.Background(), "T1", "hi")
	require.ErrorIs(t, err, ErrMissingUser)
}

func TestSessionActiveThread(t *testing.T) {
	clock := newFakeClock()
	api := newTestAPI()
	notes := &recordingNotifier{}
	sess := NewSession(me, api, WithClock(clock), WithNotifier(notes))
	sess.Start(context.Background())
	defer sess.Close()

	sess.SetActiveThread("T1")
	require.Equal(t, "T1", sess.ActiveThread())
	require.Eventually(t, func() bool { return sess.Thread("T1").HasData }, time.Second, time.Millisecond)
	require.Equal(t, []string{"m1", "m2"}, ids(sess.Thread("T1").Data.Messages), "detail is sorted by createdAt")

	sess.SetActiveThread("")
	require.Empty(t, sess.ActiveThread())
}

func TestSessionPrefetch(t *testing.T) {
	api := newTestAPI()
	sess := NewSession(me, api, WithClock(newFakeClock()))
	defer sess.Close()

	sess.Prefetch("T1")
	require.Eventually(t, func() bool { return sess.Thread("T1").HasData }, time.Second, time.Millisecond)

	sess.Prefetch("T1")
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, 1, api.Calls("fetchThread"), "fresh data is not refetched")
}

func TestSessionLoadThreadError(t *testing.T) {
	api := newTestAPI()
	sess := NewSession(me, api, WithClock(newFakeClock()))
	defer sess.Close()

	_, err := sess.LoadThread(context.Background(), "missing")
	var ne *NetworkError
	require.ErrorAs(t, err, &ne)
	require.Equal(t, http.StatusNotFound, ne.StatusCode)
	require.Error(t, sess.Thread("missing").Err)

	d, err := sess.LoadThread(context.Background(), "T1")
	require.NoError(t, err)
	require.Len(t, d.Messages, 2)
}

func TestSessionRefresh(t *testing.T) {
	api := newTestAPI()
	sess := NewSession(me, api, WithClock(newFakeClock()))
	defer sess.Close()

	require.NoError(t, sess.Refresh(context.Background()))
	require.Equal(t, 1, api.Calls("fetchThreads"))
	require.Equal(t, 1, api.Calls("fetchRequests/received"))
	require.Equal(t, 1, api.Calls("fetchRequests/sent"))

	api.fetchErr = errBoom
	require.ErrorIs(t, sess.Refresh(context.Background()), ErrNetwork)
	require.True(t, sess.Threads().HasData, "stale data survives a failed refresh")
}

func TestSessionMutationFailureNotifies(t *testing.T) {
	clock := newFakeClock()
	api := newTestAPI()
	api.updateFn = func(context.Context, string, ThreadAction) error { return errBoom }
	notes := &recordingNotifier{}
	sess := NewSession(me, api, WithClock(clock), WithNotifier(notes))
	defer sess.Close()
	require.NoError(t, sess.Refresh(context.Background()))

	require.Error(t, sess.ArchiveThread(context.Background(), "T2"))
	require.Equal(t, []string{EventError}, notes.Events())

	threads := sess.Threads().Data
	require.Len(t, threads, 2)
	require.Equal(t, ThreadActive, threads[1].Status)
}

func TestSessionOnChange(t *testing.T) {
	sess := NewSession(me, newTestAPI(), WithClock(newFakeClock()))
	defer sess.Close()

	var n atomic.Int32
	unsubscribe := sess.OnChange(func() { n.Add(1) })
	require.NoError(t, sess.Refresh(context.Background()))
	require.EqualValues(t, 3, n.Load())

	sess.Store().Set(ThreadsKey("someone-else"), []Thread{})
	require.EqualValues(t, 3, n.Load())

	unsubscribe()
	require.NoError(t, sess.Refresh(context.Background()))
	require.EqualValues(t, 3, n.Load())
}

func TestSessionGarbageCollects(t *testing.T) {
	clock := newFakeClock()
	api := newTestAPI()
	sess := NewSession(me, api, WithClock(clock), WithGCInterval(time.Minute))
	sess.Start(context.Background())
	defer sess.Close()

	_, err := sess.LoadThread(context.Background(), "T1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return sess.Threads().HasData }, time.Second, time.Millisecond)

	for i := 0; i < 8; i++ {
		clock.Advance(time.Minute)
		time.Sleep(5 * time.Millisecond)
	}
	require.Eventually(t, func() bool {
		return len(sess.Store().Keys(threadDetailPrefix(me))) == 0
	}, time.Second, 5*time.Millisecond, "unwatched detail is evicted")
	_, ok := sess.Store().Get(ThreadsKey(me))
	require.True(t, ok, "mounted list survives")
}

func TestSessionRetentionPerQueryClass(t *testing.T) {
	tests := []struct {
		name    string
		opts    []SessionOption
		evicted bool
	}{
		{"default detail window outlives four minutes", nil, false},
		{"short detail window", []SessionOption{WithThreadOptions(QueryOptions{StaleTime: 5 * time.Second, GCTime: 2 * time.Minute})}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			opts := append([]SessionOption{WithClock(clock), WithGCInterval(time.Minute)}, tt.opts...)
			sess := NewSession(me, newTestAPI(), opts...)
			sess.Start(context.Background())
			defer sess.Close()

			_, err := sess.LoadThread(context.Background(), "T1")
			require.NoError(t, err)
			require.Eventually(t, func() bool { return sess.Threads().HasData }, time.Second, time.Millisecond)

			for i := 0; i < 4; i++ {
				clock.Advance(time.Minute)
				time.Sleep(5 * time.Millisecond)
			}
			if tt.evicted {
				require.Eventually(t, func() bool {
					return len(sess.Store().Keys(threadDetailPrefix(me))) == 0
				}, time.Second, 5*time.Millisecond)
				return
			}
			time.Sleep(10 * time.Millisecond)
			require.Len(t, sess.Store().Keys(threadDetailPrefix(me)), 1)
		})
	}
}

// ============================================================================
// Push wiring
// ============================================================================

type sseHub struct {
	conns chan chan string
}

func (h *sseHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	w.(http.Flusher).Flush()
	events := make(chan string, 8)
	select {
	case h.conns <- events:
	case <-r.Context().Done():
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			fmt.Fprint(w, ev)
			w.(http.Flusher).Flush()
		}
	}
}

func sseFrame(t *testing.T, channel, typ string, data any) string {
	d, err := json.Marshal(data)
	require.NoError(t, err)
	env, err := json.Marshal(PushEvent{Type: typ, Data: d, Timestamp: t0})
	require.NoError(t, err)
	return fmt.Sprintf("event: %s\ndata: %s\n\n", channel, env)
}

func TestSessionPushEndToEnd(t *testing.T) {
	hub := &sseHub{conns: make(chan chan string, 4)}
	srv := httptest.NewServer(hub)
	defer srv.Close()

	clock := newFakeClock()
	api := newTestAPI()
	notes := &recordingNotifier{}
	sess := NewSession(me, api,
		WithClock(clock),
		WithNotifier(notes),
		WithPushConfig(PushConfig{StaleAfter: -1}),
		WithTransport(&SSETransport{URL: srv.URL}),
	)
	sess.Start(context.Background())

	require.Eventually(t, func() bool { return sess.Threads().HasData }, time.Second, time.Millisecond)
	var conn chan string
	select {
	case conn = <-hub.conns:
	case <-time.After(time.Second):
		t.Fatal("push channel never connected")
	}
	require.Eventually(t, func() bool { return sess.ConnectionStatus().State == ConnOpen }, time.Second, time.Millisecond)

	conn <- ": ping\n\n"
	conn <- sseFrame(t, ChannelMessage, EventNewMessage, Message{ID: "m9", ThreadID: "T2", SenderID: "user-c", ReceiverID: me, Content: "hey", CreatedAt: t0.Add(time.Hour)})
	require.Eventually(t, func() bool { return sess.Counts().UnreadThreads == 3 }, time.Second, time.Millisecond)
	require.Equal(t, "T2", sess.Threads().Data[0].ID)

	// Drop the stream: the session reconnects after the backoff and re-syncs.
	fetchesBefore := api.Calls("fetchThreads")
	close(conn)
	require.Eventually(t, func() bool { return sess.ConnectionStatus().State == ConnReconnecting }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return slices.Contains(clock.Delays(), time.Second) }, time.Second, time.Millisecond)
	clock.Advance(time.Second)

	select {
	case conn = <-hub.conns:
	case <-time.After(time.Second):
		t.Fatal("push channel never reconnected")
	}
	require.Eventually(t, func() bool { return api.Calls("fetchThreads") > fetchesBefore }, time.Second, time.Millisecond)

	sess.Close()
	require.Equal(t, ConnClosed, sess.ConnectionStatus().State)
	require.Equal(t, []string{EventNewMessage}, notes.Events())
}
