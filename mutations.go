package msgsync

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/mentorlink/msgsync/pkg/logger"
)

// MaxMessageLength bounds message content, in runes.
const MaxMessageLength = 5000

// Mutations runs user-initiated writes with a fixed protocol:
//
//  1. optimistic: write the expected post-state into the store;
//  2. settle: on success invalidate the affected keys so the next read pulls
//     server state;
//  3. rollback: on failure restore the pre-mutation snapshot and return the
//     error.
//
// Optimistic writes are pure transforms of the previous value, so a push
// event landing mid-flight is never overwritten by a stale closure.
type Mutations struct {
	api    API
	store  *Store
	userID string
	clock  Clock
}

// NewMutations binds mutations to one user's cache.
func NewMutations(api API, store *Store, userID string) *Mutations {
	return &Mutations{api: api, store: store, userID: userID, clock: store.clock}
}

func (m *Mutations) reject(name, field string, err error) error {
	incMutation(name, "invalid")
	return invalid(field, err)
}

// rollback restores snap for every key in written. Keys another writer has
// touched since keep that writer's value and get undo applied instead.
func (m *Mutations) rollback(name string, snap Snapshot, written map[Key]uint64, undo func(Key), cause error) {
	conflicts := m.store.Rollback(snap, written)
	for _, k := range conflicts {
		undo(k)
	}
	logger.Warnf("msgsync: %s failed, rolled back %d key(s) (%d merged): %v", name, len(written), len(conflicts), cause)
	incMutation(name, "rollback")
}

// ============================================================================
// sendMessage
// ============================================================================

// SendMessage appends a "sending" placeholder to the thread detail, posts the
// message, and swaps the placeholder for the server's copy.
func (m *Mutations) SendMessage(ctx context.Context, threadID, content string) (*Message, error) {
	const name = "sendMessage"
	if m.userID == "" {
		return nil, m.reject(name, "userId", ErrMissingUser)
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, m.reject(name, "content", ErrEmptyContent)
	}
	if utf8.RuneCountInString(content) > MaxMessageLength {
		return nil, m.reject(name, "content", ErrContentTooLong)
	}

	detailKey := ThreadKey(m.userID, threadID)
	clientID := uuid.NewString()
	now := m.clock.Now()
	placeholder := Message{
		ID:          "temp-" + clientID,
		ClientID:    clientID,
		ThreadID:    threadID,
		SenderID:    m.userID,
		ReceiverID:  m.receiverFor(threadID),
		Content:     content,
		MessageType: "text",
		Status:      MessageSending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	snap := m.store.Snapshot(detailKey)
	written := map[Key]uint64{}
	if v, ok := Update(m.store, detailKey, func(d ThreadDetail, ok bool) (ThreadDetail, bool) {
		if !ok {
			return d, false
		}
		d.Messages = upsertMessage(d.Messages, placeholder)
		return d, true
	}); ok {
		written[detailKey] = v
	}

	msg, err := m.api.SendMessage(ctx, threadID, SendMessageInput{UserID: m.userID, Content: content, ClientID: clientID})
	if err != nil {
		m.rollback(name, snap, written, func(k Key) {
			Update(m.store, k, func(d ThreadDetail, ok bool) (ThreadDetail, bool) {
				if !ok {
					return d, false
				}
				msgs, changed := removeMessage(d.Messages, placeholder.ID)
				d.Messages = msgs
				return d, changed
			})
		}, err)
		return nil, err
	}

	confirmed := *msg
	if confirmed.ThreadID == "" {
		confirmed.ThreadID = threadID
	}
	Update(m.store, detailKey, func(d ThreadDetail, ok bool) (ThreadDetail, bool) {
		if !ok {
			return d, false
		}
		d.Messages = confirmMessage(d.Messages, placeholder.ID, confirmed)
		return d, true
	})

	m.store.Invalidate(detailKey)
	m.store.Invalidate(ThreadsKey(m.userID))
	incMutation(name, "success")
	return &confirmed, nil
}

func (m *Mutations) receiverFor(threadID string) string {
	if d, ok := Get[ThreadDetail](m.store, ThreadKey(m.userID, threadID)); ok {
		if d.OtherUser != nil && d.OtherUser.ID != "" {
			return d.OtherUser.ID
		}
		if d.Thread.ID != "" {
			return d.Thread.OtherParticipant(m.userID)
		}
	}
	if threads, ok := Get[[]Thread](m.store, ThreadsKey(m.userID)); ok {
		if t, ok := findThread(threads, threadID); ok {
			return t.OtherParticipant(m.userID)
		}
	}
	return ""
}

// ============================================================================
// handleRequest
// ============================================================================

// HandleRequest accepts, rejects or cancels a message request. The cached
// request shows as "processing" until the server answers.
func (m *Mutations) HandleRequest(ctx context.Context, requestID string, action RequestAction, responseMessage string) error {
	const name = "handleRequest"
	if m.userID == "" {
		return m.reject(name, "userId", ErrMissingUser)
	}
	if !action.Valid() {
		return m.reject(name, "action", ErrInvalidAction)
	}

	now := m.clock.Now()
	var keys []Key
	prevStatus := RequestPending
	for _, k := range m.store.Keys(requestsPrefix(m.userID)) {
		reqs, ok := Get[[]MessageRequest](m.store, k)
		if !ok {
			continue
		}
		r, ok := findRequest(reqs, requestID)
		if !ok {
			continue
		}
		switch r.EffectiveStatus(now) {
		case RequestExpired:
			return m.reject(name, "requestId", ErrRequestExpired)
		case RequestPending:
			prevStatus = r.Status
		default:
			return m.reject(name, "requestId", ErrRequestTerminal)
		}
		keys = append(keys, k)
	}

	snap := m.store.Snapshot(keys...)
	written := map[Key]uint64{}
	for _, k := range keys {
		if v, ok := Update(m.store, k, func(reqs []MessageRequest, ok bool) ([]MessageRequest, bool) {
			if !ok {
				return reqs, false
			}
			return setRequestStatus(reqs, requestID, RequestProcessing, "")
		}); ok {
			written[k] = v
		}
	}

	err := m.api.RespondToRequest(ctx, requestID, RespondInput{
		UserID:          m.userID,
		Action:          action,
		ResponseMessage: responseMessage,
	})
	if err != nil {
		m.rollback(name, snap, written, func(k Key) {
			Update(m.store, k, func(reqs []MessageRequest, ok bool) ([]MessageRequest, bool) {
				if !ok {
					return reqs, false
				}
				// A push may already have settled the request; keep its status.
				if r, found := findRequest(reqs, requestID); !found || r.Status != RequestProcessing {
					return reqs, false
				}
				return setRequestStatus(reqs, requestID, prevStatus, "")
			})
		}, err)
		return err
	}

	m.store.InvalidatePrefix(requestsPrefix(m.userID))
	if action == ActionAccept {
		m.store.Invalidate(ThreadsKey(m.userID))
	}
	incMutation(name, "success")
	return nil
}

// ============================================================================
// markThreadAsRead
// ============================================================================

// MarkThreadAsRead zeroes the thread's unread count right away and tells the
// server.
func (m *Mutations) MarkThreadAsRead(ctx context.Context, threadID string) error {
	const name = "markThreadAsRead"
	if m.userID == "" {
		return m.reject(name, "userId", ErrMissingUser)
	}

	key := ThreadsKey(m.userID)
	snap := m.store.Snapshot(key)
	written := map[Key]uint64{}
	var cleared int
	if v, ok := Update(m.store, key, func(threads []Thread, ok bool) ([]Thread, bool) {
		if !ok {
			return threads, false
		}
		if t, found := findThread(threads, threadID); found {
			cleared = t.UnreadCount
		}
		return setThreadUnread(threads, threadID, 0)
	}); ok {
		written[key] = v
	}

	if err := m.api.UpdateThread(ctx, threadID, m.userID, ThreadActionMarkAsRead); err != nil {
		m.rollback(name, snap, written, func(k Key) {
			Update(m.store, k, func(threads []Thread, ok bool) ([]Thread, bool) {
				if !ok || cleared == 0 {
					return threads, false
				}
				t, found := findThread(threads, threadID)
				if !found {
					return threads, false
				}
				return setThreadUnread(threads, threadID, t.UnreadCount+cleared)
			})
		}, err)
		return err
	}

	m.store.Invalidate(key)
	incMutation(name, "success")
	return nil
}

// ============================================================================
// archiveThread
// ============================================================================

// ArchiveThread archives a thread. It is destructive, so nothing changes in
// the cache until the server agrees.
func (m *Mutations) ArchiveThread(ctx context.Context, threadID string) error {
	const name = "archiveThread"
	if m.userID == "" {
		return m.reject(name, "userId", ErrMissingUser)
	}
	if err := m.api.UpdateThread(ctx, threadID, m.userID, ThreadActionArchive); err != nil {
		logger.Warnf("msgsync: %s %s failed: %v", name, threadID, err)
		incMutation(name, "error")
		return err
	}
	m.store.Invalidate(ThreadsKey(m.userID))
	incMutation(name, "success")
	return nil
}

// ============================================================================
// createRequest
// ============================================================================

// CreateRequest opens a message request to recipientID.
func (m *Mutations) CreateRequest(ctx context.Context, recipientID, initialMessage string, requestType RequestType, reason string) (*MessageRequest, error) {
	const name = "createRequest"
	switch {
	case m.userID == "":
		return nil, m.reject(name, "userId", ErrMissingUser)
	case recipientID == m.userID:
		return nil, m.reject(name, "recipientId", ErrSelfRequest)
	case !requestType.Valid():
		return nil, m.reject(name, "requestType", ErrInvalidAction)
	}
	initialMessage = strings.TrimSpace(initialMessage)
	if initialMessage == "" {
		return nil, m.reject(name, "initialMessage", ErrEmptyContent)
	}
	if utf8.RuneCountInString(initialMessage) > MaxMessageLength {
		return nil, m.reject(name, "initialMessage", ErrContentTooLong)
	}

	req, err := m.api.CreateRequest(ctx, CreateRequestInput{
		UserID:         m.userID,
		RecipientID:    recipientID,
		InitialMessage: initialMessage,
		RequestType:    requestType,
		RequestReason:  strings.TrimSpace(reason),
	})
	if err != nil {
		logger.Warnf("msgsync: %s to %s failed: %v", name, recipientID, err)
		incMutation(name, "error")
		return nil, err
	}

	sentKey := RequestsKey(m.userID, BoxSent, RequestPending)
	Update(m.store, sentKey, func(reqs []MessageRequest, ok bool) ([]MessageRequest, bool) {
		if !ok {
			return reqs, false
		}
		return prependRequest(reqs, *req), true
	})
	m.store.Invalidate(sentKey)
	incMutation(name, "success")
	return req, nil
}
