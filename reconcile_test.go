package msgsync

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func ids(msgs []Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

// ============================================================================
// Messages
// ============================================================================

func TestUpsertMessage(t *testing.T) {
	base := []Message{
		{ID: "m1", SenderID: "b", Content: "hi", Status: MessageSent, CreatedAt: t0},
		{ID: "m3", SenderID: "b", Content: "later", Status: MessageSent, CreatedAt: t0.Add(2 * time.Minute)},
	}

	t.Run("inserts in createdAt order without touching input", func(t *testing.T) {
		out := upsertMessage(base, Message{ID: "m2", CreatedAt: t0.Add(time.Minute)})
		require.Equal(t, []string{"m1", "m2", "m3"}, ids(out))
		require.Equal(t, []string{"m1", "m3"}, ids(base))
	})

	t.Run("replaces by id", func(t *testing.T) {
		out := upsertMessage(base, Message{ID: "m1", Content: "edited", CreatedAt: t0})
		require.Len(t, out, 2)
		require.Equal(t, "edited", out[0].Content)
	})

	t.Run("confirmed copy replaces matching placeholder", func(t *testing.T) {
		msgs := upsertMessage(base, Message{ID: "temp-x", ClientID: "x", SenderID: "a", Content: "hello", Status: MessageSending, CreatedAt: t0.Add(3 * time.Minute)})
		out := upsertMessage(msgs, Message{ID: "m100", SenderID: "a", Content: "hello", Status: MessageSent, CreatedAt: t0.Add(3 * time.Minute)})
		require.Equal(t, []string{"m1", "m3", "m100"}, ids(out))
		require.Equal(t, "x", out[2].ClientID)
	})

	t.Run("matches by client id first", func(t *testing.T) {
		msgs := []Message{
			{ID: "temp-1", ClientID: "c1", SenderID: "a", Content: "same", Status: MessageSending, CreatedAt: t0},
			{ID: "temp-2", ClientID: "c2", SenderID: "a", Content: "same", Status: MessageSending, CreatedAt: t0.Add(time.Second)},
		}
		out := upsertMessage(msgs, Message{ID: "m2", ClientID: "c2", SenderID: "a", Content: "same", Status: MessageSent, CreatedAt: t0.Add(time.Second)})
		require.Equal(t, []string{"temp-1", "m2"}, ids(out))
	})
}

func TestConfirmMessage(t *testing.T) {
	msgs := []Message{
		{ID: "temp-x", ClientID: "x", SenderID: "a", Content: "hello", Status: MessageSending, CreatedAt: t0},
	}

	t.Run("swaps placeholder", func(t *testing.T) {
		out := confirmMessage(msgs, "temp-x", Message{ID: "m100", SenderID: "a", Content: "hello", Status: MessageSent, CreatedAt: t0})
		require.Equal(t, []string{"m100"}, ids(out))
		require.Equal(t, "x", out[0].ClientID)
	})

	t.Run("push already delivered the message", func(t *testing.T) {
		echoed := upsertMessage(msgs, Message{ID: "m100", SenderID: "a", Content: "hello", Status: MessageSent, CreatedAt: t0})
		out := confirmMessage(echoed, "temp-x", Message{ID: "m100", SenderID: "a", Content: "hello", Status: MessageSent, CreatedAt: t0})
		require.Equal(t, []string{"m100"}, ids(out))
	})
}

func TestRemoveAndReplaceMessage(t *testing.T) {
	msgs := []Message{{ID: "m1", CreatedAt: t0}, {ID: "m2", CreatedAt: t0.Add(time.Second)}}

	out, ok := removeMessage(msgs, "m1")
	require.True(t, ok)
	require.Equal(t, []string{"m2"}, ids(out))
	require.Len(t, msgs, 2)

	_, ok = removeMessage(msgs, "nope")
	require.False(t, ok)

	out, ok = replaceMessage(msgs, Message{ID: "m2", Content: "edited", CreatedAt: t0.Add(time.Second)})
	require.True(t, ok)
	require.Equal(t, "edited", out[1].Content)

	_, ok = replaceMessage(msgs, Message{ID: "nope"})
	require.False(t, ok)
}

func TestMarkMessagesRead(t *testing.T) {
	msgs := []Message{
		{ID: "m1", SenderID: "a", ReceiverID: "b", Status: MessageSent},
		{ID: "m2", SenderID: "b", ReceiverID: "a", Status: MessageSent},
		{ID: "m3", SenderID: "a", ReceiverID: "b", Status: MessageDelivered},
	}

	t.Run("only messages received by the reader", func(t *testing.T) {
		out, changed := markMessagesRead(msgs, "b", nil)
		require.True(t, changed)
		require.Equal(t, MessageRead, out[0].Status)
		require.True(t, out[0].IsRead)
		require.Equal(t, MessageSent, out[1].Status)
		require.Equal(t, MessageRead, out[2].Status)
		require.False(t, msgs[0].IsRead, "input untouched")
	})

	t.Run("limited to ids", func(t *testing.T) {
		out, changed := markMessagesRead(msgs, "b", []string{"m3"})
		require.True(t, changed)
		require.False(t, out[0].IsRead)
		require.True(t, out[2].IsRead)
	})

	t.Run("nothing to do", func(t *testing.T) {
		_, changed := markMessagesRead(msgs, "c", nil)
		require.False(t, changed)
	})
}

// ============================================================================
// Threads
// ============================================================================

func TestApplyMessageToThreads(t *testing.T) {
	threads := []Thread{
		testThread("t1", "me", "x", 0, t0),
		testThread("t2", "me", "y", 2, t0.Add(time.Minute)),
	}

	t.Run("received message bumps unread and moves thread first", func(t *testing.T) {
		out, ok := applyMessageToThreads(threads, Message{ThreadID: "t1", SenderID: "x", ReceiverID: "me", Content: "yo", CreatedAt: t0.Add(2 * time.Minute)}, "me", true)
		require.True(t, ok)
		require.Equal(t, "t1", out[0].ID)
		require.Equal(t, 1, out[0].UnreadCount)
		require.Equal(t, "yo", out[0].LastMessagePreview)
		require.Equal(t, 1, out[0].TotalMessages)
		require.Zero(t, threads[0].UnreadCount)
	})

	t.Run("own message leaves unread alone", func(t *testing.T) {
		out, ok := applyMessageToThreads(threads, Message{ThreadID: "t2", SenderID: "me", ReceiverID: "y", Content: "ok", CreatedAt: t0.Add(2 * time.Minute)}, "me", true)
		require.True(t, ok)
		require.Equal(t, 2, out[0].UnreadCount)
	})

	t.Run("preview is truncated", func(t *testing.T) {
		long := strings.Repeat("é", 150)
		out, _ := applyMessageToThreads(threads, Message{ThreadID: "t1", Content: long, CreatedAt: t0.Add(time.Hour)}, "me", true)
		require.Equal(t, strings.Repeat("é", MaxPreviewLength), out[0].LastMessagePreview)
	})

	t.Run("already counted message only moves the preview", func(t *testing.T) {
		m := Message{ThreadID: "t1", SenderID: "x", ReceiverID: "me", Content: "again", CreatedAt: t0.Add(3 * time.Minute)}
		out, ok := applyMessageToThreads(threads, m, "me", false)
		require.True(t, ok)
		require.Equal(t, "again", out[0].LastMessagePreview)
		require.Zero(t, out[0].UnreadCount)
		require.Zero(t, out[0].TotalMessages)

		_, ok = applyMessageToThreads(out, m, "me", false)
		require.False(t, ok, "nothing left to change")
	})

	t.Run("unknown thread", func(t *testing.T) {
		_, ok := applyMessageToThreads(threads, Message{ThreadID: "t9"}, "me", true)
		require.False(t, ok)
	})
}

// ============================================================================
// Requests
// ============================================================================

func TestRequestTransforms(t *testing.T) {
	reqs := []MessageRequest{{ID: "r1", Status: RequestPending}, {ID: "r2", Status: RequestPending}}

	out := prependRequest(reqs, MessageRequest{ID: "r2", Status: RequestPending, InitialMessage: "again"})
	require.Len(t, out, 2)
	require.Equal(t, "r2", out[0].ID)
	require.Equal(t, "again", out[0].InitialMessage)

	out, ok := setRequestStatus(reqs, "r1", RequestRejected, "no thanks")
	require.True(t, ok)
	require.Equal(t, RequestRejected, out[0].Status)
	require.Equal(t, "no thanks", out[0].ResponseMessage)
	require.Equal(t, RequestPending, reqs[0].Status)

	out, ok = removeRequest(reqs, "r1")
	require.True(t, ok)
	require.Len(t, out, 1)
}
