package msgsync

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"
)

// ============================================================================
// Fake clock
// ============================================================================

type clockWaiter struct {
	at time.Time
	ch chan time.Time
}

// fakeClock only moves when Advance is called.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []clockWaiter
	delays  []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	c.delays = append(c.delays, d)
	c.waiters = append(c.waiters, clockWaiter{at: c.now.Add(d), ch: ch})
	return ch
}

// Advance moves time forward and fires every timer that came due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	var due []clockWaiter
	kept := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.at.After(now) {
			due = append(due, w)
		} else {
			kept = append(kept, w)
		}
	}
	c.waiters = kept
	c.mu.Unlock()
	for _, w := range due {
		w.ch <- now
	}
}

func (c *fakeClock) Delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.delays)
}

func (c *fakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// ============================================================================
// Fake API
// ============================================================================

var errBoom = &NetworkError{Op: "test", Kind: KindTransport, Err: errors.New("connection refused")}

type fakeAPI struct {
	mu       sync.Mutex
	threads  []Thread
	details  map[string]ThreadDetail
	requests map[RequestBox][]MessageRequest

	sendFn    func(ctx context.Context, threadID string, in SendMessageInput) (*Message, error)
	updateFn  func(ctx context.Context, threadID string, action ThreadAction) error
	respondFn func(ctx context.Context, requestID string, in RespondInput) error
	createFn  func(ctx context.Context, in CreateRequestInput) (*MessageRequest, error)
	fetchErr  error

	calls map[string]int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		details:  make(map[string]ThreadDetail),
		requests: make(map[RequestBox][]MessageRequest),
		calls:    make(map[string]int),
	}
}

func (f *fakeAPI) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	return f.fetchErr
}

func (f *fakeAPI) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeAPI) SetThreads(threads []Thread) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threads = threads
}

func (f *fakeAPI) FetchThreads(ctx context.Context, userID string) ([]Thread, error) {
	if err := f.record("fetchThreads"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.threads), nil
}

func (f *fakeAPI) FetchThread(ctx context.Context, threadID, userID string) (*ThreadDetail, error) {
	if err := f.record("fetchThread"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.details[threadID]
	if !ok {
		return nil, &NetworkError{Op: "fetchThread", Kind: KindStatus, StatusCode: 404, Message: "Thread not found"}
	}
	d.Messages = slices.Clone(d.Messages)
	return &d, nil
}

func (f *fakeAPI) FetchRequests(ctx context.Context, userID string, box RequestBox, status RequestStatus) ([]MessageRequest, error) {
	if err := f.record("fetchRequests/" + string(box)); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.requests[box]), nil
}

func (f *fakeAPI) SendMessage(ctx context.Context, threadID string, in SendMessageInput) (*Message, error) {
	f.record("sendMessage")
	if f.sendFn != nil {
		return f.sendFn(ctx, threadID, in)
	}
	return &Message{ID: "m-" + in.ClientID, ThreadID: threadID, SenderID: in.UserID, Content: in.Content, Status: MessageSent}, nil
}

func (f *fakeAPI) UpdateThread(ctx context.Context, threadID, userID string, action ThreadAction) error {
	f.record("updateThread/" + string(action))
	if f.updateFn != nil {
		return f.updateFn(ctx, threadID, action)
	}
	return nil
}

func (f *fakeAPI) CreateRequest(ctx context.Context, in CreateRequestInput) (*MessageRequest, error) {
	f.record("createRequest")
	if f.createFn != nil {
		return f.createFn(ctx, in)
	}
	return &MessageRequest{ID: "r-new", RequesterID: in.UserID, RecipientID: in.RecipientID, RequestType: in.RequestType, Status: RequestPending, InitialMessage: in.InitialMessage}, nil
}

func (f *fakeAPI) RespondToRequest(ctx context.Context, requestID string, in RespondInput) error {
	f.record("respondToRequest")
	if f.respondFn != nil {
		return f.respondFn(ctx, requestID, in)
	}
	return nil
}

// ============================================================================
// Fixtures
// ============================================================================

// recordingNotifier collects notifications.
type recordingNotifier struct {
	mu    sync.Mutex
	notes []Notification
}

func (r *recordingNotifier) Notify(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recordingNotifier) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.notes))
	for _, n := range r.notes {
		out = append(out, n.Event)
	}
	return out
}

func testThread(id, me, other string, unread int, at time.Time) Thread {
	return Thread{
		ID:             id,
		Participant1ID: me,
		Participant2ID: other,
		Status:         ThreadActive,
		LastMessageAt:  at,
		UnreadCount:    unread,
		OtherUser:      &User{ID: other, Name: "User " + other},
	}
}
