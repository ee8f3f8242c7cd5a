package msgsync

import (
	"context"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mentorlink/msgsync/pkg/logger"
)

// EventError is the Notification.Event of a failed user action.
const EventError = "error"

// ============================================================================
// Options
// ============================================================================

type sessionConfig struct {
	clock      Clock
	store      *Store
	push       PushConfig
	notifier   Notifier
	gcInterval time.Duration

	threadsOpts  QueryOptions
	threadOpts   QueryOptions
	requestsOpts QueryOptions
}

// SessionOption configures a Session.
type SessionOption func(*sessionConfig)

// WithClock injects the clock used for timers, staleness and expiry.
func WithClock(c Clock) SessionOption {
	return func(cfg *sessionConfig) { cfg.clock = c }
}

// WithStore shares an existing cache store.
func WithStore(s *Store) SessionOption {
	return func(cfg *sessionConfig) { cfg.store = s }
}

// WithPushConfig sets the push connection configuration.
func WithPushConfig(pc PushConfig) SessionOption {
	return func(cfg *sessionConfig) { cfg.push = pc }
}

// WithTransport sets only the push transport. Without one a session built on
// *Client uses its SSE endpoint, and any other API gets no push channel.
func WithTransport(t Transport) SessionOption {
	return func(cfg *sessionConfig) { cfg.push.Transport = t }
}

// WithNotifier receives transient notices. The default logs them.
func WithNotifier(n Notifier) SessionOption {
	return func(cfg *sessionConfig) { cfg.notifier = n }
}

// WithGCInterval sets how often unused cache entries are collected
// (default: the thread list poll interval).
func WithGCInterval(d time.Duration) SessionOption {
	return func(cfg *sessionConfig) { cfg.gcInterval = d }
}

// WithThreadsOptions overrides the thread list query policy.
func WithThreadsOptions(opts QueryOptions) SessionOption {
	return func(cfg *sessionConfig) { cfg.threadsOpts = opts }
}

// WithThreadOptions overrides the thread detail query policy.
func WithThreadOptions(opts QueryOptions) SessionOption {
	return func(cfg *sessionConfig) { cfg.threadOpts = opts }
}

// WithRequestsOptions overrides the request list query policy.
func WithRequestsOptions(opts QueryOptions) SessionOption {
	return func(cfg *sessionConfig) { cfg.requestsOpts = opts }
}

// ============================================================================
// Session
// ============================================================================

// Session is the per-user messaging façade. It owns the cache queries and
// the push connection: Start opens them, Close tears them down, and nothing
// outlives Close.
type Session struct {
	userID   string
	api      API
	store    *Store
	clock    Clock
	notifier Notifier
	mut      *Mutations
	patcher  *patcher
	push     *PushConnection
	gcEvery  time.Duration

	threadOpts   QueryOptions
	requestsOpts QueryOptions

	threads  *Query[[]Thread]
	received *Query[[]MessageRequest]
	sent     *Query[[]MessageRequest]

	mu      sync.Mutex
	details map[string]*Query[ThreadDetail]
	active  string
	started bool
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSession creates a session for userID. With an empty userID every query
// stays idle and Start does nothing.
func NewSession(userID string, api API, opts ...SessionOption) *Session {
	cfg := sessionConfig{
		threadsOpts:  ThreadsQueryOptions,
		threadOpts:   ThreadQueryOptions,
		requestsOpts: RequestsQueryOptions,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.clock == nil {
		cfg.clock = SystemClock()
	}
	if cfg.store == nil {
		cfg.store = NewStore(cfg.clock)
	}
	if cfg.notifier == nil {
		cfg.notifier = logNotifier{}
	}
	if cfg.gcInterval == 0 {
		cfg.gcInterval = cfg.threadsOpts.PollInterval
	}
	if cfg.gcInterval <= 0 {
		cfg.gcInterval = ThreadsQueryOptions.PollInterval
	}

	s := &Session{
		userID:   userID,
		api:      api,
		store:    cfg.store,
		clock:    cfg.clock,
		notifier: cfg.notifier,
		mut:      NewMutations(api, cfg.store, userID),
		patcher:  newPatcher(cfg.store, userID, cfg.notifier),
		gcEvery:  cfg.gcInterval,
		details:  make(map[string]*Query[ThreadDetail]),

		threadOpts:   cfg.threadOpts,
		requestsOpts: cfg.requestsOpts,
	}
	s.threads = NewQuery(s.store, ThreadsKey(userID), s.gate(cfg.threadsOpts), func(ctx context.Context) ([]Thread, error) {
		return api.FetchThreads(ctx, userID)
	})
	s.received = s.requestsQuery(BoxReceived)
	s.sent = s.requestsQuery(BoxSent)

	if userID != "" {
		pc := cfg.push
		if pc.Transport == nil {
			if c, ok := api.(*Client); ok {
				pc.Transport = c.PushSSE(userID)
			}
		}
		if pc.Transport != nil {
			if pc.Clock == nil {
				pc.Clock = cfg.clock
			}
			s.push = NewPushConnection(pc, s.patcher.apply)
			s.push.OnOpen(s.onPushOpen)
		}
	}
	return s
}

func (s *Session) gate(opts QueryOptions) QueryOptions {
	if s.userID == "" {
		opts.Disabled = true
	}
	return opts
}

func (s *Session) requestsQuery(box RequestBox) *Query[[]MessageRequest] {
	return NewQuery(s.store, RequestsKey(s.userID, box, RequestPending), s.gate(s.requestsOpts), func(ctx context.Context) ([]MessageRequest, error) {
		return s.api.FetchRequests(ctx, s.userID, box, RequestPending)
	})
}

func (s *Session) detail(threadID string) *Query[ThreadDetail] {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.details[threadID]
	if !ok {
		q = NewQuery(s.store, ThreadKey(s.userID, threadID), s.gate(s.threadOpts), func(ctx context.Context) (ThreadDetail, error) {
			d, err := s.api.FetchThread(ctx, threadID, s.userID)
			if err != nil {
				return ThreadDetail{}, err
			}
			out := *d
			out.Messages = slices.Clone(d.Messages)
			sortMessages(out.Messages)
			return out, nil
		})
		s.details[threadID] = q
	}
	return q
}

// UserID returns the session's user.
func (s *Session) UserID() string { return s.userID }

// Store exposes the session's cache.
func (s *Session) Store() *Store { return s.store }

// Start mounts the list queries and the active thread, opens the push
// connection, and starts cache retention.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.closed || s.userID == "" {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	sctx, active := s.ctx, s.active
	s.mu.Unlock()

	s.threads.Mount(sctx)
	s.received.Mount(sctx)
	s.sent.Mount(sctx)
	if active != "" {
		s.detail(active).Mount(sctx)
	}
	if s.push != nil {
		s.push.Start(sctx)
	}
	s.wg.Add(1)
	go s.gcLoop(sctx)
}

// Close closes the push connection, abandons pending reconnects and
// in-flight fetches, and waits for background work to stop.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel := s.cancel
	details := make([]*Query[ThreadDetail], 0, len(s.details))
	for _, q := range s.details {
		details = append(details, q)
	}
	s.mu.Unlock()

	if s.push != nil {
		s.push.Close()
	}
	s.threads.Unmount()
	s.received.Unmount()
	s.sent.Unmount()
	for _, q := range details {
		q.Unmount()
	}
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Session) gcLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(s.gcEvery):
			// Query-owned entries carry their own window; the rest fall back
			// to the thread detail one.
			if n := s.store.Collect(ThreadQueryOptions.GCTime); n > 0 {
				logger.Debugf("msgsync: evicted %d cache entries", n)
			}
		}
	}
}

// onPushOpen re-syncs after a reconnect: the server does not replay events
// missed while the stream was down.
func (s *Session) onPushOpen(reconnected bool) {
	if !reconnected {
		return
	}
	logger.Infof("msgsync: push reconnected, refreshing cache for %s", s.userID)
	s.store.Invalidate(ThreadsKey(s.userID))
	s.store.InvalidatePrefix(threadDetailPrefix(s.userID))
	s.store.InvalidatePrefix(requestsPrefix(s.userID))
}

// ============================================================================
// Reads
// ============================================================================

// Threads returns the thread list state.
func (s *Session) Threads() QueryState[[]Thread] { return s.threads.State() }

// Thread returns a thread detail state. It does not fetch; use LoadThread,
// Prefetch or SetActiveThread for that.
func (s *Session) Thread(threadID string) QueryState[ThreadDetail] {
	return s.detail(threadID).State()
}

// LoadThread returns a thread detail, fetching it first if stale.
func (s *Session) LoadThread(ctx context.Context, threadID string) (ThreadDetail, error) {
	q := s.detail(threadID)
	if err := q.EnsureFresh(ctx); err != nil {
		return ThreadDetail{}, err
	}
	return q.State().Data, nil
}

// ReceivedRequests returns the pending requests addressed to the user.
func (s *Session) ReceivedRequests() QueryState[[]MessageRequest] { return s.received.State() }

// SentRequests returns the pending requests the user sent.
func (s *Session) SentRequests() QueryState[[]MessageRequest] { return s.sent.State() }

// SetActiveThread marks the thread the user is looking at: its detail is
// kept live and its new messages raise no notification. Empty clears it.
func (s *Session) SetActiveThread(threadID string) {
	s.patcher.setActive(threadID)

	s.mu.Lock()
	prev := s.active
	s.active = threadID
	live := s.started && !s.closed
	ctx := s.ctx
	s.mu.Unlock()

	if prev == threadID || !live {
		return
	}
	if prev != "" {
		s.detail(prev).Unmount()
	}
	if threadID != "" {
		s.detail(threadID).Mount(ctx)
	}
}

// ActiveThread returns the thread set by SetActiveThread.
func (s *Session) ActiveThread() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Prefetch warms a thread detail in the background, e.g. on hover. It never
// blocks and does nothing if the cached copy is fresh.
func (s *Session) Prefetch(threadID string) {
	s.mu.Lock()
	if s.closed || s.userID == "" {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	s.wg.Add(1)
	s.mu.Unlock()

	q := s.detail(threadID)
	go func() {
		defer s.wg.Done()
		if err := q.EnsureFresh(ctx); err != nil {
			logger.Debugf("msgsync: prefetch %s: %v", threadID, err)
		}
	}()
}

// Refresh refetches the lists and the active thread in parallel.
func (s *Session) Refresh(ctx context.Context) error {
	if s.userID == "" {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { _, err := s.threads.Fetch(gctx); return err })
	g.Go(func() error { _, err := s.received.Fetch(gctx); return err })
	g.Go(func() error { _, err := s.sent.Fetch(gctx); return err })
	if active := s.ActiveThread(); active != "" {
		q := s.detail(active)
		g.Go(func() error { _, err := q.Fetch(gctx); return err })
	}
	return g.Wait()
}

// Counts returns the badge counts derived from the cache.
func (s *Session) Counts() Counts {
	return ComputeCounts(s.store, s.userID, s.clock.Now())
}

// ConnectionStatus returns the push connection indicator.
func (s *Session) ConnectionStatus() ConnectionStatus {
	if s.push == nil {
		return ConnectionStatus{State: ConnDisconnected}
	}
	return s.push.Status()
}

// OnConnectionStatus registers a listener for push state changes.
func (s *Session) OnConnectionStatus(fn func(ConnectionStatus)) {
	if s.push != nil {
		s.push.OnStatus(fn)
	}
}

// OnChange calls fn after any write or invalidation of this user's cache
// entries. fn runs on the writer's goroutine and must not block.
func (s *Session) OnChange(fn func()) (unsubscribe func()) {
	cb := func(Key) { fn() }
	unsubs := []func(){
		s.store.Watch(ThreadsKey(s.userID), cb),
		s.store.Subscribe(threadDetailPrefix(s.userID), cb),
		s.store.Subscribe(requestsPrefix(s.userID), cb),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// ============================================================================
// Mutations
// ============================================================================

func (s *Session) fail(err error) error {
	if err != nil {
		s.notifier.Notify(Notification{Event: EventError, Title: "Action failed", Body: UserMessage(err)})
	}
	return err
}

// SendMessage sends content to a thread.
func (s *Session) SendMessage(ctx context.Context, threadID, content string) (*Message, error) {
	m, err := s.mut.SendMessage(ctx, threadID, content)
	return m, s.fail(err)
}

// HandleRequest accepts, rejects or cancels a message request.
func (s *Session) HandleRequest(ctx context.Context, requestID string, action RequestAction, responseMessage string) error {
	return s.fail(s.mut.HandleRequest(ctx, requestID, action, responseMessage))
}

// MarkThreadAsRead clears a thread's unread count.
func (s *Session) MarkThreadAsRead(ctx context.Context, threadID string) error {
	return s.fail(s.mut.MarkThreadAsRead(ctx, threadID))
}

// ArchiveThread archives a thread.
func (s *Session) ArchiveThread(ctx context.Context, threadID string) error {
	return s.fail(s.mut.ArchiveThread(ctx, threadID))
}

// CreateRequest sends a message request to recipientID.
func (s *Session) CreateRequest(ctx context.Context, recipientID, initialMessage string, requestType RequestType, reason string) (*MessageRequest, error) {
	r, err := s.mut.CreateRequest(ctx, recipientID, initialMessage, requestType, reason)
	return r, s.fail(err)
}
