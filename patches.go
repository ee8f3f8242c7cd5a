package msgsync

import (
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/mentorlink/msgsync/pkg/logger"
)

// ============================================================================
// Notifications
// ============================================================================

// Notification is a transient, advisory notice raised by a push event.
type Notification struct {
	Event     string
	Title     string
	Body      string
	ThreadID  string
	RequestID string
}

// Notifier shows notifications. Notify must not block.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

type logNotifier struct{}

func (logNotifier) Notify(n Notification) {
	logger.Infof("%s: %s", n.Title, n.Body)
}

// ============================================================================
// Patcher
// ============================================================================

// patcher applies push events to one user's cache. Every write is a pure
// transform through Store.Update, so events compose with in-flight
// optimistic writes and win over them.
type patcher struct {
	store    *Store
	userID   string
	notifier Notifier

	mu     sync.Mutex
	active string
	seen   map[string]struct{}
	order  []string
}

// seenMessages bounds how many message ids are remembered for redelivery
// detection.
const seenMessages = 1024

func newPatcher(store *Store, userID string, notifier Notifier) *patcher {
	if notifier == nil {
		notifier = logNotifier{}
	}
	return &patcher{store: store, userID: userID, notifier: notifier, seen: make(map[string]struct{})}
}

// markSeen records a delivered message id and reports whether it was
// already recorded.
func (p *patcher) markSeen(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.seen[id]; ok {
		return true
	}
	if len(p.order) == seenMessages {
		delete(p.seen, p.order[0])
		p.order = p.order[1:]
	}
	p.seen[id] = struct{}{}
	p.order = append(p.order, id)
	return false
}

func (p *patcher) setActive(threadID string) {
	p.mu.Lock()
	p.active = threadID
	p.mu.Unlock()
}

func (p *patcher) activeThread() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// apply is the push connection's EventHandler.
func (p *patcher) apply(channel string, ev PushEvent) error {
	switch ev.Type {
	case EventNewMessage:
		var m Message
		if err := decodePayload(channel, ev, &m); err != nil {
			return err
		}
		return p.newMessage(channel, m)
	case EventMessageRead:
		var pl MessageReadPayload
		if err := decodePayload(channel, ev, &pl); err != nil {
			return err
		}
		return p.messageRead(channel, pl)
	case EventMessageEdited:
		var m Message
		if err := decodePayload(channel, ev, &m); err != nil {
			return err
		}
		return p.messageEdited(channel, m)
	case EventMessageDeleted:
		var pl MessageDeletedPayload
		if err := decodePayload(channel, ev, &pl); err != nil {
			return err
		}
		return p.messageDeleted(channel, pl)
	case EventNewRequest:
		var r MessageRequest
		if err := decodePayload(channel, ev, &r); err != nil {
			return err
		}
		return p.newRequest(channel, r)
	case EventRequestAccepted:
		var pl RequestResponsePayload
		if err := decodePayload(channel, ev, &pl); err != nil {
			return err
		}
		return p.requestAccepted(channel, pl)
	case EventRequestRejected:
		var pl RequestResponsePayload
		if err := decodePayload(channel, ev, &pl); err != nil {
			return err
		}
		return p.requestRejected(channel, pl)
	}
	return &ProtocolError{Channel: channel, Type: ev.Type, Reason: "unknown event type"}
}

func decodePayload(channel string, ev PushEvent, v any) error {
	if err := json.Unmarshal(ev.Data, v); err != nil {
		return &ProtocolError{Channel: channel, Type: ev.Type, Reason: "malformed data", Err: err}
	}
	return nil
}

func missing(channel, eventType, field string) error {
	return &ProtocolError{Channel: channel, Type: eventType, Reason: fmt.Sprintf("missing %s", field)}
}

// ============================================================================
// Message channel
// ============================================================================

func (p *patcher) newMessage(channel string, m Message) error {
	if m.ID == "" || m.ThreadID == "" {
		return missing(channel, EventNewMessage, "id or threadId")
	}

	// Delivery is at-least-once: a message the detail already holds (our own
	// confirmed send included) or that arrived before is not counted again.
	inDetail := false
	Update(p.store, ThreadKey(p.userID, m.ThreadID), func(d ThreadDetail, ok bool) (ThreadDetail, bool) {
		if !ok {
			return d, false
		}
		inDetail = slices.ContainsFunc(d.Messages, func(x Message) bool { return x.ID == m.ID })
		d.Messages = upsertMessage(d.Messages, m)
		d.TotalMessages = max(d.TotalMessages, len(d.Messages))
		return d, true
	})
	redelivered := p.markSeen(m.ID) || inDetail

	threadsKey := ThreadsKey(p.userID)
	known := false
	Update(p.store, threadsKey, func(threads []Thread, ok bool) ([]Thread, bool) {
		if !ok {
			return threads, false
		}
		_, known = findThread(threads, m.ThreadID)
		return applyMessageToThreads(threads, m, p.userID, !redelivered)
	})
	if !known {
		// First message of a thread we have not listed yet.
		p.store.Invalidate(threadsKey)
	}

	if redelivered {
		logger.Debugf("msgsync: message %s already applied", m.ID)
		return nil
	}
	if m.ReceiverID == p.userID && m.SenderID != p.userID && p.activeThread() != m.ThreadID {
		p.notifier.Notify(Notification{
			Event:    EventNewMessage,
			Title:    "New message",
			Body:     truncatePreview(m.Content),
			ThreadID: m.ThreadID,
		})
	}
	return nil
}

func (p *patcher) messageRead(channel string, pl MessageReadPayload) error {
	if pl.ThreadID == "" {
		return missing(channel, EventMessageRead, "threadId")
	}

	Update(p.store, ThreadsKey(p.userID), func(threads []Thread, ok bool) ([]Thread, bool) {
		if !ok {
			return threads, false
		}
		return setThreadUnread(threads, pl.ThreadID, 0)
	})

	if pl.ReaderID == "" {
		return nil
	}
	Update(p.store, ThreadKey(p.userID, pl.ThreadID), func(d ThreadDetail, ok bool) (ThreadDetail, bool) {
		if !ok {
			return d, false
		}
		msgs, changed := markMessagesRead(d.Messages, pl.ReaderID, pl.MessageIDs)
		d.Messages = msgs
		return d, changed
	})
	return nil
}

func (p *patcher) messageEdited(channel string, m Message) error {
	if m.ID == "" || m.ThreadID == "" {
		return missing(channel, EventMessageEdited, "id or threadId")
	}
	Update(p.store, ThreadKey(p.userID, m.ThreadID), func(d ThreadDetail, ok bool) (ThreadDetail, bool) {
		if !ok {
			return d, false
		}
		msgs, changed := replaceMessage(d.Messages, m)
		d.Messages = msgs
		return d, changed
	})
	return nil
}

func (p *patcher) messageDeleted(channel string, pl MessageDeletedPayload) error {
	if pl.MessageID == "" || pl.ThreadID == "" {
		return missing(channel, EventMessageDeleted, "messageId or threadId")
	}
	Update(p.store, ThreadKey(p.userID, pl.ThreadID), func(d ThreadDetail, ok bool) (ThreadDetail, bool) {
		if !ok {
			return d, false
		}
		msgs, changed := removeMessage(d.Messages, pl.MessageID)
		d.Messages = msgs
		return d, changed
	})
	return nil
}

// ============================================================================
// Request channel
// ============================================================================

func (p *patcher) newRequest(channel string, r MessageRequest) error {
	if r.ID == "" {
		return missing(channel, EventNewRequest, "id")
	}
	if r.Status == "" {
		r.Status = RequestPending
	}
	Update(p.store, RequestsKey(p.userID, BoxReceived, RequestPending), func(reqs []MessageRequest, ok bool) ([]MessageRequest, bool) {
		if !ok {
			return reqs, false
		}
		return prependRequest(reqs, r), true
	})

	from := "Someone"
	if r.Requester != nil && r.Requester.Name != "" {
		from = r.Requester.Name
	}
	p.notifier.Notify(Notification{
		Event:     EventNewRequest,
		Title:     "New message request",
		Body:      from + " wants to message you",
		RequestID: r.ID,
	})
	return nil
}

func (p *patcher) requestAccepted(channel string, pl RequestResponsePayload) error {
	if pl.RequestID == "" {
		return missing(channel, EventRequestAccepted, "requestId")
	}
	Update(p.store, RequestsKey(p.userID, BoxSent, RequestPending), func(reqs []MessageRequest, ok bool) ([]MessageRequest, bool) {
		if !ok {
			return reqs, false
		}
		return removeRequest(reqs, pl.RequestID)
	})
	p.store.Invalidate(ThreadsKey(p.userID))

	p.notifier.Notify(Notification{
		Event:     EventRequestAccepted,
		Title:     "Request accepted",
		Body:      responseBody("Your message request was accepted", pl.ResponseMessage),
		ThreadID:  pl.ThreadID,
		RequestID: pl.RequestID,
	})
	return nil
}

func (p *patcher) requestRejected(channel string, pl RequestResponsePayload) error {
	if pl.RequestID == "" {
		return missing(channel, EventRequestRejected, "requestId")
	}
	Update(p.store, RequestsKey(p.userID, BoxSent, RequestPending), func(reqs []MessageRequest, ok bool) ([]MessageRequest, bool) {
		if !ok {
			return reqs, false
		}
		return setRequestStatus(reqs, pl.RequestID, RequestRejected, pl.ResponseMessage)
	})

	p.notifier.Notify(Notification{
		Event:     EventRequestRejected,
		Title:     "Request declined",
		Body:      responseBody("Your message request was declined", pl.ResponseMessage),
		RequestID: pl.RequestID,
	})
	return nil
}

func responseBody(base, response string) string {
	if response == "" {
		return base
	}
	return base + ": " + truncatePreview(response)
}
