package msgsync

import (
	"slices"
	"sort"
)

// Pure list transforms shared by mutations and push patches. Every function
// returns a fresh slice and never modifies its input.

// ============================================================================
// Messages
// ============================================================================

func sortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
}

// upsertMessage inserts m keeping createdAt order. An entry for the same
// logical send is replaced rather than duplicated: same id, same client id,
// or (for a confirmed m) the oldest pending placeholder from the same sender
// with identical content.
func upsertMessage(msgs []Message, m Message) []Message {
	out := slices.Clone(msgs)
	idx := slices.IndexFunc(out, func(x Message) bool { return x.ID == m.ID })
	if idx < 0 && m.ClientID != "" {
		idx = slices.IndexFunc(out, func(x Message) bool { return x.ClientID == m.ClientID })
	}
	if idx < 0 && !m.Pending() {
		idx = slices.IndexFunc(out, func(x Message) bool {
			return x.Pending() && x.SenderID == m.SenderID && x.Content == m.Content
		})
	}
	if idx >= 0 {
		if m.ClientID == "" {
			m.ClientID = out[idx].ClientID
		}
		out[idx] = m
	} else {
		out = append(out, m)
	}
	sortMessages(out)
	return dedupeMessages(out)
}

// dedupeMessages keeps the first entry per id. Two placeholders can collapse
// onto one server id when a confirmation and a push echo race.
func dedupeMessages(msgs []Message) []Message {
	seen := make(map[string]bool, len(msgs))
	out := msgs[:0]
	for _, m := range msgs {
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		out = append(out, m)
	}
	return out
}

// confirmMessage swaps the placeholder tempID for the server's copy.
func confirmMessage(msgs []Message, tempID string, confirmed Message) []Message {
	var clientID string
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == tempID {
			clientID = m.ClientID
			continue
		}
		out = append(out, m)
	}
	if confirmed.ClientID == "" {
		confirmed.ClientID = clientID
	}
	return upsertMessage(out, confirmed)
}

// replaceMessage swaps the message with m.ID for m. Unknown ids are ignored.
func replaceMessage(msgs []Message, m Message) ([]Message, bool) {
	idx := slices.IndexFunc(msgs, func(x Message) bool { return x.ID == m.ID })
	if idx < 0 {
		return msgs, false
	}
	out := slices.Clone(msgs)
	if m.ClientID == "" {
		m.ClientID = out[idx].ClientID
	}
	out[idx] = m
	sortMessages(out)
	return out, true
}

func removeMessage(msgs []Message, id string) ([]Message, bool) {
	idx := slices.IndexFunc(msgs, func(x Message) bool { return x.ID == id })
	if idx < 0 {
		return msgs, false
	}
	return slices.Delete(slices.Clone(msgs), idx, idx+1), true
}

// markMessagesRead flips messages received by readerID to read. A non-empty
// ids limits the change to those messages.
func markMessagesRead(msgs []Message, readerID string, ids []string) ([]Message, bool) {
	var out []Message
	for i, m := range msgs {
		if m.ReceiverID != readerID || (m.IsRead && m.Status == MessageRead) {
			continue
		}
		if len(ids) > 0 && !slices.Contains(ids, m.ID) {
			continue
		}
		if out == nil {
			out = slices.Clone(msgs)
		}
		out[i].IsRead = true
		out[i].IsDelivered = true
		out[i].Status = MessageRead
	}
	if out == nil {
		return msgs, false
	}
	return out, true
}

// ============================================================================
// Threads
// ============================================================================

func sortThreads(threads []Thread) {
	sort.SliceStable(threads, func(i, j int) bool { return threads[i].LastMessageAt.After(threads[j].LastMessageAt) })
}

// applyMessageToThreads records m as the latest message of its thread. With
// count set the totals grow too; the unread count only when userID is the
// receiver. A message already counted must be applied with count unset.
func applyMessageToThreads(threads []Thread, m Message, userID string, count bool) ([]Thread, bool) {
	idx := slices.IndexFunc(threads, func(t Thread) bool { return t.ID == m.ThreadID })
	if idx < 0 {
		return threads, false
	}
	t := threads[idx]
	before := t
	if !m.CreatedAt.Before(t.LastMessageAt) {
		t.LastMessageAt = m.CreatedAt
		t.LastMessagePreview = truncatePreview(m.Content)
	}
	if count {
		t.TotalMessages++
		if m.ReceiverID == userID && m.SenderID != userID {
			t.UnreadCount++
		}
	}
	if t == before {
		return threads, false
	}
	out := slices.Clone(threads)
	out[idx] = t
	sortThreads(out)
	return out, true
}

func setThreadUnread(threads []Thread, threadID string, n int) ([]Thread, bool) {
	idx := slices.IndexFunc(threads, func(t Thread) bool { return t.ID == threadID })
	if idx < 0 || threads[idx].UnreadCount == n {
		return threads, false
	}
	out := slices.Clone(threads)
	out[idx].UnreadCount = n
	return out, true
}

func findThread(threads []Thread, threadID string) (Thread, bool) {
	idx := slices.IndexFunc(threads, func(t Thread) bool { return t.ID == threadID })
	if idx < 0 {
		return Thread{}, false
	}
	return threads[idx], true
}

// ============================================================================
// Requests
// ============================================================================

func prependRequest(reqs []MessageRequest, r MessageRequest) []MessageRequest {
	out := make([]MessageRequest, 0, len(reqs)+1)
	out = append(out, r)
	for _, x := range reqs {
		if x.ID != r.ID {
			out = append(out, x)
		}
	}
	return out
}

func removeRequest(reqs []MessageRequest, id string) ([]MessageRequest, bool) {
	idx := slices.IndexFunc(reqs, func(r MessageRequest) bool { return r.ID == id })
	if idx < 0 {
		return reqs, false
	}
	return slices.Delete(slices.Clone(reqs), idx, idx+1), true
}

func setRequestStatus(reqs []MessageRequest, id string, status RequestStatus, response string) ([]MessageRequest, bool) {
	idx := slices.IndexFunc(reqs, func(r MessageRequest) bool { return r.ID == id })
	if idx < 0 {
		return reqs, false
	}
	out := slices.Clone(reqs)
	out[idx].Status = status
	if response != "" {
		out[idx].ResponseMessage = response
	}
	return out, true
}

func findRequest(reqs []MessageRequest, id string) (MessageRequest, bool) {
	idx := slices.IndexFunc(reqs, func(r MessageRequest) bool { return r.ID == id })
	if idx < 0 {
		return MessageRequest{}, false
	}
	return reqs[idx], true
}
