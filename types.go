package msgsync

import (
	"encoding/json"
	"time"
	"unicode/utf8"
)

// ============================================================================
// Status enums
// ============================================================================

// ThreadStatus is the lifecycle state of a thread. Threads are never deleted.
type ThreadStatus string

const (
	ThreadActive   ThreadStatus = "active"
	ThreadArchived ThreadStatus = "archived"
)

// MessageStatus advances sending -> sent -> delivered -> read.
type MessageStatus string

const (
	MessageSending   MessageStatus = "sending"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
)

// RequestType says which side of the mentorship opened the request.
type RequestType string

const (
	MentorToMentee RequestType = "mentor_to_mentee"
	MenteeToMentor RequestType = "mentee_to_mentor"
)

// Valid reports whether t is a known request type.
func (t RequestType) Valid() bool {
	return t == MentorToMentee || t == MenteeToMentor
}

// RequestStatus is the stored status of a message request.
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestAccepted  RequestStatus = "accepted"
	RequestRejected  RequestStatus = "rejected"
	RequestExpired   RequestStatus = "expired"
	RequestCancelled RequestStatus = "cancelled"

	// RequestProcessing marks a request whose accept/reject/cancel is in
	// flight. It only ever exists in the local cache.
	RequestProcessing RequestStatus = "processing"
)

// RequestAction is a response to a message request.
type RequestAction string

const (
	ActionAccept RequestAction = "accept"
	ActionReject RequestAction = "reject"
	ActionCancel RequestAction = "cancel"
)

// Valid reports whether a is a known action.
func (a RequestAction) Valid() bool {
	return a == ActionAccept || a == ActionReject || a == ActionCancel
}

// ThreadAction is a thread-level PATCH action.
type ThreadAction string

const (
	ThreadActionArchive    ThreadAction = "archive"
	ThreadActionMarkAsRead ThreadAction = "markAsRead"
)

// MaxPreviewLength bounds Thread.LastMessagePreview, in runes.
const MaxPreviewLength = 100

// ============================================================================
// Entities
// ============================================================================

// User is the minimal profile shown next to a thread.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Image string `json:"image,omitempty"`
	Role  string `json:"role,omitempty"`
}

// Thread is a conversation between exactly two participants.
type Thread struct {
	ID                 string       `json:"id"`
	Participant1ID     string       `json:"participant1Id"`
	Participant2ID     string       `json:"participant2Id"`
	Status             ThreadStatus `json:"status"`
	LastMessageAt      time.Time    `json:"lastMessageAt"`
	LastMessagePreview string       `json:"lastMessagePreview,omitempty"`
	TotalMessages      int          `json:"totalMessages"`
	UnreadCount        int          `json:"unreadCount"`
	OtherUser          *User        `json:"otherUser,omitempty"`
	CreatedAt          time.Time    `json:"createdAt"`
	UpdatedAt          time.Time    `json:"updatedAt"`
}

// OtherParticipant returns the participant that is not userID.
func (t Thread) OtherParticipant(userID string) string {
	if t.Participant1ID == userID {
		return t.Participant2ID
	}
	return t.Participant1ID
}

// HasParticipant reports whether userID takes part in the thread.
func (t Thread) HasParticipant(userID string) bool {
	return t.Participant1ID == userID || t.Participant2ID == userID
}

// PairKey identifies the unordered participant pair of a thread.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// Message belongs to exactly one thread.
//
// ClientID is set on optimistic placeholders (and echoed by servers that
// support it) so a placeholder and its confirmed copy can be matched.
type Message struct {
	ID          string        `json:"id"`
	ClientID    string        `json:"clientId,omitempty"`
	ThreadID    string        `json:"threadId"`
	SenderID    string        `json:"senderId"`
	ReceiverID  string        `json:"receiverId"`
	Content     string        `json:"content"`
	MessageType string        `json:"messageType"`
	Status      MessageStatus `json:"status"`
	IsRead      bool          `json:"isRead"`
	IsDelivered bool          `json:"isDelivered"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// Pending reports whether m is an unconfirmed optimistic placeholder.
func (m Message) Pending() bool {
	return m.Status == MessageSending
}

// ThreadDetail is the payload of GET /threads/{id}.
type ThreadDetail struct {
	Thread        Thread    `json:"thread"`
	Messages      []Message `json:"messages"`
	OtherUser     *User     `json:"otherUser,omitempty"`
	TotalMessages int       `json:"totalMessages"`
	HasMore       bool      `json:"hasMore"`
}

// MessageRequest gates opening a thread between a non-connected pair.
type MessageRequest struct {
	ID              string        `json:"id"`
	RequesterID     string        `json:"requesterId"`
	RecipientID     string        `json:"recipientId"`
	RequestType     RequestType   `json:"requestType"`
	Status          RequestStatus `json:"status"`
	InitialMessage  string        `json:"initialMessage"`
	RequestReason   string        `json:"requestReason,omitempty"`
	MaxMessages     int           `json:"maxMessages"`
	MessagesUsed    int           `json:"messagesUsed"`
	CreatedAt       time.Time     `json:"createdAt"`
	ExpiresAt       time.Time     `json:"expiresAt"`
	RespondedAt     *time.Time    `json:"respondedAt,omitempty"`
	ResponseMessage string        `json:"responseMessage,omitempty"`
	Requester       *User         `json:"requester,omitempty"`
	Recipient       *User         `json:"recipient,omitempty"`
}

// EffectiveStatus is the status the UI must show. Expiry is computed from
// ExpiresAt, whatever the stored status says.
func (r MessageRequest) EffectiveStatus(now time.Time) RequestStatus {
	switch r.Status {
	case RequestPending, RequestProcessing:
		if !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt) {
			return RequestExpired
		}
	}
	return r.Status
}

// IsTerminal reports whether the request can no longer change.
func (r MessageRequest) IsTerminal(now time.Time) bool {
	switch r.EffectiveStatus(now) {
	case RequestPending, RequestProcessing:
		return false
	}
	return true
}

// RemainingMessages is the request's unused message quota.
func (r MessageRequest) RemainingMessages() int {
	return max(r.MaxMessages-r.MessagesUsed, 0)
}

// ============================================================================
// Request list scopes
// ============================================================================

// RequestBox selects the received or sent side of a user's requests.
type RequestBox string

const (
	BoxReceived RequestBox = "received"
	BoxSent     RequestBox = "sent"
)

// ============================================================================
// Push envelope
// ============================================================================

// Push event types.
const (
	EventNewMessage      = "new_message"
	EventMessageRead     = "message_read"
	EventMessageEdited   = "message_edited"
	EventMessageDeleted  = "message_deleted"
	EventNewRequest      = "new_request"
	EventRequestAccepted = "request_accepted"
	EventRequestRejected = "request_rejected"
)

// Named push channels.
const (
	ChannelMessage = "message"
	ChannelRequest = "request"
)

// PushEvent is the wire envelope of every push frame.
type PushEvent struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// MessageReadPayload is the data of a message_read event.
type MessageReadPayload struct {
	ThreadID   string   `json:"threadId"`
	ReaderID   string   `json:"readerId"`
	MessageIDs []string `json:"messageIds,omitempty"`
}

// MessageDeletedPayload is the data of a message_deleted event.
type MessageDeletedPayload struct {
	ThreadID  string `json:"threadId"`
	MessageID string `json:"messageId"`
}

// RequestResponsePayload is the data of request_accepted and request_rejected.
type RequestResponsePayload struct {
	RequestID       string `json:"requestId"`
	ThreadID        string `json:"threadId,omitempty"`
	ResponseMessage string `json:"responseMessage,omitempty"`
}

// ============================================================================
// Helpers
// ============================================================================

func truncatePreview(s string) string {
	if utf8.RuneCountInString(s) <= MaxPreviewLength {
		return s
	}
	r := []rune(s)
	return string(r[:MaxPreviewLength])
}
