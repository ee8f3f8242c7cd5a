package msgsync

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/mentorlink/msgsync/pkg/logger"
)

// ============================================================================
// Connection state machine
// ============================================================================

// ConnState is the push connection state.
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnOpen         ConnState = "open"
	ConnReconnecting ConnState = "reconnecting"
	ConnClosed       ConnState = "closed"
)

type connInput int

const (
	inputDial connInput = iota
	inputOpened
	inputFailed
	inputRetry
	inputClose
)

func (in connInput) String() string {
	switch in {
	case inputDial:
		return "dial"
	case inputOpened:
		return "opened"
	case inputFailed:
		return "failed"
	case inputRetry:
		return "retry"
	case inputClose:
		return "close"
	}
	return "unknown"
}

// nextConnState is the transition table. closed is terminal; close is
// accepted from every state.
func nextConnState(s ConnState, in connInput) (ConnState, bool) {
	if s == ConnClosed {
		return s, false
	}
	switch {
	case in == inputClose:
		return ConnClosed, true
	case s == ConnDisconnected && in == inputDial:
		return ConnConnecting, true
	case s == ConnConnecting && in == inputOpened:
		return ConnOpen, true
	case (s == ConnConnecting || s == ConnOpen) && in == inputFailed:
		return ConnReconnecting, true
	case s == ConnReconnecting && in == inputRetry:
		return ConnConnecting, true
	}
	return s, false
}

// ============================================================================
// Backoff
// ============================================================================

// Backoff computes reconnect delays: Base * 2^attempt, capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before reconnect attempt number attempt+1.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= 32 {
		return b.Max
	}
	d := b.Base << uint(attempt)
	if d <= 0 || d > b.Max {
		return b.Max
	}
	return d
}

// ============================================================================
// Configuration
// ============================================================================

// PushConfig configures a push connection.
type PushConfig struct {
	// Transport opens the stream. Required.
	Transport Transport
	// ReconnectBaseDelay is the first reconnect delay (default 1s).
	ReconnectBaseDelay time.Duration
	// ReconnectMaxDelay caps the reconnect delay (default 30s).
	ReconnectMaxDelay time.Duration
	// DegradedAfter is the attempt count from which the status reports
	// Degraded, so the UI can show a persistent indicator (default 5).
	DegradedAfter int
	// StaleAfter treats a silent stream as dropped. Negative disables the
	// watchdog (default 45s).
	StaleAfter time.Duration
	// Clock drives backoff timers (default wall clock).
	Clock Clock
}

func (c *PushConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.DegradedAfter == 0 {
		c.DegradedAfter = 5
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = 45 * time.Second
	}
	if c.Clock == nil {
		c.Clock = SystemClock()
	}
}

// ============================================================================
// Transports
// ============================================================================

// Frame is one event read off the push stream.
type Frame struct {
	Event     string
	Data      []byte
	Heartbeat bool
}

// Stream is an open push stream.
type Stream interface {
	Recv() (Frame, error)
	Close() error
}

// Transport opens push streams.
type Transport interface {
	Open(ctx context.Context) (Stream, error)
}

// SSETransport reads a text/event-stream.
type SSETransport struct {
	URL        string
	Token      string
	HTTPClient *http.Client
}

// Open issues the long-lived GET.
func (t *SSETransport) Open(ctx context.Context) (Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if t.Token != "" {
		req.Header.Set("Authorization", "Bearer "+t.Token)
	}

	client := t.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("SSE connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("SSE HTTP %d", resp.StatusCode)
	}
	return newSSEStream(resp.Body), nil
}

type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

func newSSEStream(body io.ReadCloser) *sseStream {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &sseStream{body: body, scanner: sc}
}

// Recv returns the next dispatched event. Comment lines come back as
// heartbeats so the watchdog sees traffic.
func (s *sseStream) Recv() (Frame, error) {
	var event string
	var data bytes.Buffer
	hasData := false
	for s.scanner.Scan() {
		line := s.scanner.Text()
		switch {
		case line == "":
			if !hasData {
				event = ""
				continue
			}
			return Frame{Event: event, Data: data.Bytes()}, nil
		case strings.HasPrefix(line, ":"):
			if !hasData {
				return Frame{Heartbeat: true}, nil
			}
		default:
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "event":
				event = value
			case "data":
				if hasData {
					data.WriteByte('\n')
				}
				data.WriteString(value)
				hasData = true
			}
		}
	}
	if err := s.scanner.Err(); err != nil {
		return Frame{}, err
	}
	if hasData {
		// The server closed without the final blank line.
		return Frame{Event: event, Data: data.Bytes()}, nil
	}
	return Frame{}, io.EOF
}

func (s *sseStream) Close() error { return s.body.Close() }

// WebSocketTransport carries the same envelopes over a WebSocket; each text
// message is {"event": "<channel>", "data": <envelope>}.
type WebSocketTransport struct {
	URL   string
	Token string
}

type wsFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Open dials the socket.
func (t *WebSocketTransport) Open(ctx context.Context) (Stream, error) {
	u := strings.Replace(t.URL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	opts := &websocket.DialOptions{}
	if t.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + t.Token}}
	}
	conn, _, err := websocket.Dial(ctx, u, opts)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	sctx, cancel := context.WithCancel(context.Background())
	return &wsStream{conn: conn, ctx: sctx, cancel: cancel}, nil
}

type wsStream struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *wsStream) Recv() (Frame, error) {
	_, data, err := s.conn.Read(s.ctx)
	if err != nil {
		return Frame{}, err
	}
	var f wsFrame
	if err := json.Unmarshal(data, &f); err != nil {
		// Let the listener log and drop it like any malformed frame.
		return Frame{Data: data}, nil
	}
	if f.Event == "ping" {
		return Frame{Heartbeat: true}, nil
	}
	return Frame{Event: f.Event, Data: f.Data}, nil
}

func (s *wsStream) Close() error {
	s.cancel()
	return s.conn.Close(websocket.StatusNormalClosure, "client disconnect")
}

// ============================================================================
// Event decoding
// ============================================================================

var channelEvents = map[string]map[string]bool{
	ChannelMessage: {
		EventNewMessage:     true,
		EventMessageRead:    true,
		EventMessageEdited:  true,
		EventMessageDeleted: true,
	},
	ChannelRequest: {
		EventNewRequest:      true,
		EventRequestAccepted: true,
		EventRequestRejected: true,
	},
}

// DecodeFrame parses a frame into a typed envelope and returns the channel it
// belongs to. An unnamed frame is routed by its event type. Unknown channels
// and types are protocol errors.
func DecodeFrame(f Frame) (string, PushEvent, error) {
	var ev PushEvent
	if err := json.Unmarshal(f.Data, &ev); err != nil {
		return f.Event, PushEvent{}, &ProtocolError{Channel: f.Event, Reason: "malformed envelope", Err: err}
	}
	channel := f.Event
	if channel == "" {
		channel = channelOf(ev.Type)
	}
	types, ok := channelEvents[channel]
	if !ok {
		return channel, PushEvent{}, &ProtocolError{Channel: channel, Type: ev.Type, Reason: "unknown channel"}
	}
	if !types[ev.Type] {
		return channel, PushEvent{}, &ProtocolError{Channel: channel, Type: ev.Type, Reason: "unknown event type"}
	}
	if len(ev.Data) == 0 || string(ev.Data) == "null" {
		return channel, PushEvent{}, &ProtocolError{Channel: channel, Type: ev.Type, Reason: "missing data"}
	}
	return channel, ev, nil
}

func channelOf(eventType string) string {
	for channel, types := range channelEvents {
		if types[eventType] {
			return channel
		}
	}
	return ""
}

// ============================================================================
// PushConnection
// ============================================================================

// EventHandler applies a decoded push event. A returned error is logged and
// the event dropped.
type EventHandler func(channel string, ev PushEvent) error

// ConnectionStatus is the UI-facing connection indicator.
type ConnectionStatus struct {
	State     ConnState
	Attempt   int
	Degraded  bool
	LastError error
}

var errStreamStale = errors.New("push stream silent")

// PushConnection owns one user's push stream: it dials, decodes frames,
// hands them to the handler, and reconnects with exponential backoff until
// closed. One PushConnection is created per session and never reused after
// Close.
type PushConnection struct {
	cfg     PushConfig
	backoff Backoff
	handler EventHandler

	mu        sync.Mutex
	state     ConnState
	attempt   int
	lastErr   error
	stream    Stream
	cancel    context.CancelFunc
	done      chan struct{}
	onStatus  []func(ConnectionStatus)
	onOpen    []func(reconnected bool)
	lastFrame atomic.Int64
}

// NewPushConnection creates a disconnected push connection.
func NewPushConnection(cfg PushConfig, handler EventHandler) *PushConnection {
	cfg.defaults()
	return &PushConnection{
		cfg:     cfg,
		backoff: Backoff{Base: cfg.ReconnectBaseDelay, Max: cfg.ReconnectMaxDelay},
		handler: handler,
		state:   ConnDisconnected,
	}
}

// OnStatus registers a listener for every state change.
func (p *PushConnection) OnStatus(fn func(ConnectionStatus)) {
	p.mu.Lock()
	p.onStatus = append(p.onStatus, fn)
	p.mu.Unlock()
}

// OnOpen registers a listener called each time the stream opens; reconnected
// is false only for the first open.
func (p *PushConnection) OnOpen(fn func(reconnected bool)) {
	p.mu.Lock()
	p.onOpen = append(p.onOpen, fn)
	p.mu.Unlock()
}

// Status returns the current connection status.
func (p *PushConnection) Status() ConnectionStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statusLocked()
}

func (p *PushConnection) statusLocked() ConnectionStatus {
	return ConnectionStatus{
		State:     p.state,
		Attempt:   p.attempt,
		Degraded:  p.attempt >= p.cfg.DegradedAfter,
		LastError: p.lastErr,
	}
}

// Start begins connecting in the background. It is a no-op unless the
// connection is disconnected.
func (p *PushConnection) Start(ctx context.Context) {
	p.mu.Lock()
	if p.state != ConnDisconnected {
		p.mu.Unlock()
		return
	}
	ch, ok := p.applyLocked(inputDial, nil)
	if !ok {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	done := p.done
	p.mu.Unlock()

	p.announce(inputDial, ch)
	go p.run(ctx, done)
}

// Close tears the connection down: the stream is closed, any pending
// reconnect timer is abandoned, and Close waits for the loop to exit.
func (p *PushConnection) Close() {
	p.transition(inputClose, nil)

	p.mu.Lock()
	cancel, stream, done := p.cancel, p.stream, p.done
	p.stream = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stream != nil {
		_ = stream.Close()
	}
	if done != nil {
		<-done
	}
}

type stateChange struct {
	prev, next ConnState
	status     ConnectionStatus
	listeners  []func(ConnectionStatus)
}

// transition applies in; it reports false if the table rejects it.
func (p *PushConnection) transition(in connInput, err error) bool {
	p.mu.Lock()
	ch, ok := p.applyLocked(in, err)
	p.mu.Unlock()
	if ok {
		p.announce(in, ch)
	}
	return ok
}

func (p *PushConnection) applyLocked(in connInput, err error) (stateChange, bool) {
	next, ok := nextConnState(p.state, in)
	if !ok {
		return stateChange{}, false
	}
	prev := p.state
	p.state = next
	switch in {
	case inputOpened:
		p.attempt = 0
		p.lastErr = nil
	case inputFailed:
		p.lastErr = &ConnectionError{Attempt: p.attempt + 1, Err: err}
	}
	return stateChange{
		prev:      prev,
		next:      next,
		status:    p.statusLocked(),
		listeners: append([]func(ConnectionStatus){}, p.onStatus...),
	}, true
}

// announce runs outside the lock so listeners may call back into p.
func (p *PushConnection) announce(in connInput, ch stateChange) {
	logger.Debugf("msgsync: push %s -> %s (%s)", ch.prev, ch.next, in)
	if ch.prev == ConnOpen {
		pushOpenConnections.Dec()
	}
	if ch.next == ConnOpen {
		pushOpenConnections.Inc()
	}
	for _, fn := range ch.listeners {
		fn(ch.status)
	}
}

func (p *PushConnection) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	opened := false
	for {
		stream, err := p.cfg.Transport.Open(ctx)
		if err == nil {
			p.mu.Lock()
			p.stream = stream
			p.mu.Unlock()
			if !p.transition(inputOpened, nil) {
				_ = stream.Close()
				return
			}
			p.mu.Lock()
			openListeners := append([]func(bool){}, p.onOpen...)
			p.mu.Unlock()
			for _, fn := range openListeners {
				fn(opened)
			}
			opened = true

			err = p.readLoop(ctx, stream)

			p.mu.Lock()
			if p.stream == stream {
				p.stream = nil
			}
			p.mu.Unlock()
			_ = stream.Close()
		}
		if ctx.Err() != nil {
			return
		}

		if !p.transition(inputFailed, err) {
			return
		}
		p.mu.Lock()
		delay := p.backoff.Delay(p.attempt)
		p.attempt++
		attempt := p.attempt
		p.mu.Unlock()

		pushReconnectsTotal.Inc()
		logger.Infof("msgsync: push connection lost (%v), reconnect #%d in %s", err, attempt, delay)

		select {
		case <-ctx.Done():
			return
		case <-p.cfg.Clock.After(delay):
		}
		if !p.transition(inputRetry, nil) {
			return
		}
	}
}

func (p *PushConnection) readLoop(ctx context.Context, stream Stream) error {
	p.touch()
	var stale atomic.Bool
	if p.cfg.StaleAfter > 0 {
		wctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go p.watchdog(wctx, stream, &stale)
	}

	for {
		f, err := stream.Recv()
		if err != nil {
			if stale.Load() {
				return errStreamStale
			}
			return err
		}
		p.touch()
		if f.Heartbeat {
			continue
		}
		p.dispatch(f)
	}
}

func (p *PushConnection) touch() {
	p.lastFrame.Store(p.cfg.Clock.Now().UnixNano())
}

// watchdog closes a stream that has been silent for StaleAfter so Recv
// unblocks and the loop reconnects.
func (p *PushConnection) watchdog(ctx context.Context, stream Stream, stale *atomic.Bool) {
	interval := max(p.cfg.StaleAfter/3, time.Millisecond)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.cfg.Clock.After(interval):
			last := time.Unix(0, p.lastFrame.Load())
			if p.cfg.Clock.Now().Sub(last) > p.cfg.StaleAfter {
				stale.Store(true)
				_ = stream.Close()
				return
			}
		}
	}
}

func (p *PushConnection) dispatch(f Frame) {
	channel, ev, err := DecodeFrame(f)
	if err != nil {
		incPushDropped(channel)
		logger.Warnf("msgsync: dropping push frame: %v", err)
		return
	}
	logger.Tracef("msgsync: push %s/%s %s", channel, ev.Type, ev.Data)
	if p.handler == nil {
		return
	}
	if err := p.handler(channel, ev); err != nil {
		incPushDropped(channel)
		logger.Warnf("msgsync: dropping push event %s: %v", ev.Type, err)
		return
	}
	incPushEvent(channel, ev.Type)
}
