// Package msgsync is the client-side messaging synchronization layer for the
// mentorship marketplace: a query cache of threads, messages and message
// requests kept consistent across optimistic mutations, periodic polling and
// a server-push channel.
//
// Example:
//
//	client := msgsync.NewClient(msgsync.WithBaseURL("https://api.example.com"))
//	sess := msgsync.NewSession("user-1", client)
//	sess.Start(ctx)
//	defer sess.Close()
//
//	sess.SendMessage(ctx, "thread-42", "hello")
//	fmt.Println(sess.Counts().TotalUnread)
package msgsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "http://localhost:3000/api"
	DefaultTimeout = 10 * time.Second
)

// ============================================================================
// API
// ============================================================================

// API is the backend contract the cache layer consumes. *Client implements
// it over HTTP; tests substitute fakes.
type API interface {
	FetchThreads(ctx context.Context, userID string) ([]Thread, error)
	FetchThread(ctx context.Context, threadID, userID string) (*ThreadDetail, error)
	FetchRequests(ctx context.Context, userID string, box RequestBox, status RequestStatus) ([]MessageRequest, error)
	SendMessage(ctx context.Context, threadID string, in SendMessageInput) (*Message, error)
	UpdateThread(ctx context.Context, threadID, userID string, action ThreadAction) error
	CreateRequest(ctx context.Context, in CreateRequestInput) (*MessageRequest, error)
	RespondToRequest(ctx context.Context, requestID string, in RespondInput) error
}

// SendMessageInput is the body of POST /threads/{id}/messages.
type SendMessageInput struct {
	UserID   string `json:"userId"`
	Content  string `json:"content"`
	ClientID string `json:"clientId,omitempty"`
}

// CreateRequestInput is the body of POST /requests.
type CreateRequestInput struct {
	UserID         string      `json:"userId"`
	RecipientID    string      `json:"recipientId"`
	InitialMessage string      `json:"initialMessage"`
	RequestType    RequestType `json:"requestType"`
	RequestReason  string      `json:"requestReason,omitempty"`
}

// RespondInput is the body of PATCH /requests/{id}.
type RespondInput struct {
	UserID          string        `json:"userId"`
	Action          RequestAction `json:"action"`
	ResponseMessage string        `json:"responseMessage,omitempty"`
}

// ============================================================================
// Client
// ============================================================================

// Client is the HTTP fetch layer. It has no caching or retry policy of its
// own; every call either returns decoded data or a *NetworkError.
type Client struct {
	baseURL    string
	token      string
	timeout    time.Duration
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithTimeout bounds every call. A call that exceeds it fails with a
// NetworkError whose Timeout() is true.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithToken sets a bearer token sent on every request.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// NewClient creates a fetch-layer client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		timeout:    DefaultTimeout,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the API root the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// Token returns the bearer token, if any.
func (c *Client) Token() string { return c.token }

// HTTPClient returns the underlying HTTP client.
func (c *Client) HTTPClient() *http.Client { return c.httpClient }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, op, method, path string, body any, query url.Values, out any) error {
	start := time.Now()
	defer func() { observeFetch(op, time.Since(start)) }()

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportError(op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &NetworkError{
			Op:         op,
			Kind:       KindStatus,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(data),
		}
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &NetworkError{Op: op, Kind: KindTransport, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("failed to unmarshal response: %w", err)}
	}
	return nil
}

func transportError(op string, err error) error {
	kind := KindTransport
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		kind = KindTimeout
	}
	return &NetworkError{Op: op, Kind: kind, Err: err}
}

// errorMessage extracts {"error": "..."} or {"message": "..."} from a
// failure body, falling back to the trimmed raw text.
func errorMessage(data []byte) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &body) == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	msg := []rune(strings.TrimSpace(string(data)))
	if len(msg) > maxErrorMessage {
		msg = msg[:maxErrorMessage]
	}
	return string(msg)
}

const maxErrorMessage = 200

// ============================================================================
// Fetch layer
// ============================================================================

// FetchThreads loads GET /threads?userId=.
func (c *Client) FetchThreads(ctx context.Context, userID string) ([]Thread, error) {
	var threads []Thread
	err := c.doRequest(ctx, "fetchThreads", http.MethodGet, "/threads", nil, url.Values{"userId": {userID}}, &threads)
	if err != nil {
		return nil, err
	}
	return threads, nil
}

// FetchThread loads GET /threads/{id}?userId=.
func (c *Client) FetchThread(ctx context.Context, threadID, userID string) (*ThreadDetail, error) {
	var detail ThreadDetail
	err := c.doRequest(ctx, "fetchThread", http.MethodGet, "/threads/"+url.PathEscape(threadID), nil,
		url.Values{"userId": {userID}}, &detail)
	if err != nil {
		return nil, err
	}
	return &detail, nil
}

// FetchRequests loads GET /requests?userId=&type=&status=.
func (c *Client) FetchRequests(ctx context.Context, userID string, box RequestBox, status RequestStatus) ([]MessageRequest, error) {
	q := url.Values{"userId": {userID}}
	if box != "" {
		q.Set("type", string(box))
	}
	if status != "" {
		q.Set("status", string(status))
	}
	var requests []MessageRequest
	if err := c.doRequest(ctx, "fetchRequests", http.MethodGet, "/requests", nil, q, &requests); err != nil {
		return nil, err
	}
	return requests, nil
}

// ============================================================================
// Mutation endpoints
// ============================================================================

// SendMessage posts to /threads/{id}/messages and returns the created message.
func (c *Client) SendMessage(ctx context.Context, threadID string, in SendMessageInput) (*Message, error) {
	var msg Message
	err := c.doRequest(ctx, "sendMessage", http.MethodPost, "/threads/"+url.PathEscape(threadID)+"/messages", in, nil, &msg)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// UpdateThread patches /threads/{id} with an archive or markAsRead action.
func (c *Client) UpdateThread(ctx context.Context, threadID, userID string, action ThreadAction) error {
	body := map[string]string{"userId": userID, "action": string(action)}
	return c.doRequest(ctx, "updateThread", http.MethodPatch, "/threads/"+url.PathEscape(threadID), body, nil, nil)
}

// CreateRequest posts a new message request.
func (c *Client) CreateRequest(ctx context.Context, in CreateRequestInput) (*MessageRequest, error) {
	var req MessageRequest
	if err := c.doRequest(ctx, "createRequest", http.MethodPost, "/requests", in, nil, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// RespondToRequest patches /requests/{id} with accept, reject or cancel.
func (c *Client) RespondToRequest(ctx context.Context, requestID string, in RespondInput) error {
	return c.doRequest(ctx, "respondToRequest", http.MethodPatch, "/requests/"+url.PathEscape(requestID), in, nil, nil)
}

// SSEURL is the push channel endpoint for userID.
func (c *Client) SSEURL(userID string) string {
	return c.baseURL + "/messaging/sse?userId=" + url.QueryEscape(userID)
}

// PushSSE returns the SSE push transport for userID, sharing the client's
// credentials and HTTP client.
func (c *Client) PushSSE(userID string) *SSETransport {
	return &SSETransport{URL: c.SSEURL(userID), Token: c.token, HTTPClient: c.httpClient}
}

// PushWebSocket returns the WebSocket push transport for userID.
func (c *Client) PushWebSocket(userID string) *WebSocketTransport {
	return &WebSocketTransport{URL: c.baseURL + "/messaging/ws?userId=" + url.QueryEscape(userID), Token: c.token}
}
