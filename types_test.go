package msgsync

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRequestEffectiveStatus(t *testing.T) {
	now := t0

	tests := []struct {
		name    string
		status  RequestStatus
		expires time.Time
		want    RequestStatus
	}{
		{"pending past expiry reads as expired", RequestPending, now.Add(-time.Hour), RequestExpired},
		{"pending before expiry", RequestPending, now.Add(time.Hour), RequestPending},
		{"processing past expiry", RequestProcessing, now.Add(-time.Minute), RequestExpired},
		{"accepted is final", RequestAccepted, now.Add(-time.Hour), RequestAccepted},
		{"no expiry", RequestPending, time.Time{}, RequestPending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := MessageRequest{ID: "R7", Status: tt.status, ExpiresAt: tt.expires}
			require.Equal(t, tt.want, r.EffectiveStatus(now))
			require.Equal(t, tt.status, r.Status, "stored status is untouched")
		})
	}

	r := MessageRequest{Status: RequestPending, ExpiresAt: now.Add(-time.Hour)}
	require.True(t, r.IsTerminal(now))
	r.ExpiresAt = now.Add(time.Hour)
	require.False(t, r.IsTerminal(now))
}

func TestRemainingMessages(t *testing.T) {
	require.Equal(t, 3, MessageRequest{MaxMessages: 5, MessagesUsed: 2}.RemainingMessages())
	require.Zero(t, MessageRequest{MaxMessages: 1, MessagesUsed: 4}.RemainingMessages())
}

func TestThreadParticipants(t *testing.T) {
	th := Thread{Participant1ID: "a", Participant2ID: "b"}
	require.Equal(t, "b", th.OtherParticipant("a"))
	require.Equal(t, "a", th.OtherParticipant("b"))
	require.True(t, th.HasParticipant("b"))
	require.False(t, th.HasParticipant("c"))
	require.Equal(t, PairKey("a", "b"), PairKey("b", "a"))
}

func TestTruncatePreview(t *testing.T) {
	require.Equal(t, "short", truncatePreview("short"))
	long := strings.Repeat("ü", MaxPreviewLength+5)
	require.Equal(t, MaxPreviewLength, len([]rune(truncatePreview(long))))
}

func TestMessageRequestJSON(t *testing.T) {
	raw := `{
		"id": "R7",
		"requesterId": "u1",
		"recipientId": "u2",
		"requestType": "mentee_to_mentor",
		"status": "pending",
		"initialMessage": "Hi!",
		"maxMessages": 3,
		"messagesUsed": 1,
		"createdAt": "2026-03-01T10:00:00Z",
		"expiresAt": "2026-03-01T11:00:00Z",
		"requester": {"id": "u1", "name": "Ann"}
	}`
	var r MessageRequest
	require.NoError(t, json.Unmarshal([]byte(raw), &r))
	require.Equal(t, MenteeToMentor, r.RequestType)
	require.Equal(t, "Ann", r.Requester.Name)
	require.Nil(t, r.RespondedAt)
	require.Equal(t, RequestExpired, r.EffectiveStatus(t0))
}
