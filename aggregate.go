package msgsync

import "time"

// Counts are the badge numbers derived from the cache.
type Counts struct {
	UnreadThreads   int `json:"unreadThreadsCount"`
	PendingRequests int `json:"pendingRequestsCount"`
	TotalUnread     int `json:"totalUnreadCount"`
}

// ComputeCounts derives Counts from what userID's cache holds right now.
// Nothing is stored; callers recompute on every change.
//
// A received request counts as pending only while its effective status is
// pending, so an unanswered request drops out of the badge once it expires.
func ComputeCounts(store *Store, userID string, now time.Time) Counts {
	var c Counts
	if threads, ok := Get[[]Thread](store, ThreadsKey(userID)); ok {
		for _, t := range threads {
			c.UnreadThreads += t.UnreadCount
		}
	}
	if reqs, ok := Get[[]MessageRequest](store, RequestsKey(userID, BoxReceived, RequestPending)); ok {
		for _, r := range reqs {
			if r.EffectiveStatus(now) == RequestPending {
				c.PendingRequests++
			}
		}
	}
	c.TotalUnread = c.UnreadThreads + c.PendingRequests
	return c
}
