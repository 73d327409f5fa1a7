// File: internal/protocol/conn.go
//
// Package protocol implements the DevTools wire transport: one WebSocket per
// attached target, correlated request/response calls, and a demultiplexed
// event stream. It is deliberately untyped above the envelope level; callers
// pass method strings and JSON-marshalable params and get raw results back.
package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a frame to the browser.
	writeWait = 10 * time.Second
	// Maximum inbound frame size. Screenshot and DOM payloads get large.
	maxMessageSize = 64 << 20
)

// EventFunc receives protocol events. It runs on the connection's single
// dispatch goroutine; a slow callback delays later events but never the
// socket reader.
type EventFunc func(method string, params json.RawMessage)

// Options tunes a connection.
type Options struct {
	// ConnectTimeout bounds the WebSocket handshake when the dial context
	// carries no deadline of its own.
	ConnectTimeout time.Duration
	// CallTimeout bounds each Invoke when its context carries no deadline.
	CallTimeout time.Duration
	Logger      *zap.Logger
}

// Subscription is a registered event listener. Cancel is idempotent and safe
// to call from inside the callback itself.
type Subscription struct {
	id        uuid.UUID
	conn      *Conn
	methods   map[string]struct{}
	fn        EventFunc
	cancelled atomic.Bool
}

// Cancel removes the subscription. Events already queued for dispatch are
// still skipped once Cancel returns.
func (s *Subscription) Cancel() {
	if s == nil || s.cancelled.Swap(true) {
		return
	}
	c := s.conn
	c.mu.Lock()
	for i, t := range c.subs {
		if t == s {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
}

// pendingCall is the completion slot of one in-flight command. The channel is
// buffered so the reader never blocks resolving it; it is resolved exactly
// once because the reader deletes the map entry before sending.
type pendingCall struct {
	method string
	ch     chan callResult
}

type callResult struct {
	result json.RawMessage
	err    error
}

// Conn is one protocol session. It owns two goroutines: a reader that
// demultiplexes inbound frames, and a dispatcher that runs event callbacks in
// wire order.
type Conn struct {
	logger      *zap.Logger
	url         string
	ws          *websocket.Conn
	callTimeout time.Duration

	seq atomic.Int64

	// writeMu serializes frame writes; gorilla permits one writer at a time.
	writeMu sync.Mutex

	// mu guards pending, subs and the closed state.
	mu       sync.Mutex
	pending  map[int64]*pendingCall
	subs     []*Subscription
	closed   bool
	closeErr *ConnectionError

	// Event queue between reader and dispatcher. Unbounded so the reader is
	// never back-pressured by slow callbacks.
	evMu     sync.Mutex
	evCond   *sync.Cond
	evQueue  []envelope
	evClosed bool

	readerDone   chan struct{}
	dispatchDone chan struct{}
	closeOnce    sync.Once
}

// Dial opens a WebSocket session to a DevTools endpoint.
func Dial(ctx context.Context, url string, opts Options) (*Conn, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("transport")

	if _, ok := ctx.Deadline(); !ok && opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}

	dialer := websocket.Dialer{
		ReadBufferSize:  1 << 20,
		WriteBufferSize: 1 << 20,
	}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, &ConnectionError{Op: "dial", URL: url, Err: err}
	}
	ws.SetReadLimit(maxMessageSize)

	c := &Conn{
		logger:       logger,
		url:          url,
		ws:           ws,
		callTimeout:  opts.CallTimeout,
		pending:      make(map[int64]*pendingCall),
		readerDone:   make(chan struct{}),
		dispatchDone: make(chan struct{}),
	}
	c.evCond = sync.NewCond(&c.evMu)

	go c.readLoop()
	go c.dispatchLoop()

	logger.Debug("Connected to DevTools endpoint.", zap.String("url", url))
	return c, nil
}

// URL returns the endpoint this connection is attached to.
func (c *Conn) URL() string {
	return c.url
}

// Invoke sends {id, method, params} and blocks until the correlated response
// arrives or the context deadline elapses. A remote error response comes back
// as *ProtocolError. Timing out abandons the call client-side only; the
// request stays in flight on the wire and its late response is dropped.
func (c *Conn) Invoke(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := codec.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params for %s: %w", method, err)
		}
		raw = b
	}

	if _, ok := ctx.Deadline(); !ok && c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	id := c.seq.Add(1)
	call := &pendingCall{method: method, ch: make(chan callResult, 1)}

	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = call
	c.mu.Unlock()

	frame, err := codec.Marshal(request{ID: id, Method: method, Params: raw})
	if err != nil {
		c.forget(id)
		return nil, fmt.Errorf("marshal request for %s: %w", method, err)
	}
	if err := c.write(frame); err != nil {
		c.forget(id)
		return nil, &ConnectionError{Op: "invoke " + method, URL: c.url, Err: err}
	}
	c.logger.Debug("Command sent.", zap.Int64("id", id), zap.String("method", method))

	select {
	case res := <-call.ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.result, nil
	case <-ctx.Done():
		// De-register so the eventual response is dropped by the reader.
		c.forget(id)
		return nil, &ConnectionError{Op: "invoke " + method, URL: c.url, Err: ctx.Err()}
	}
}

// Subscribe registers fn for every event whose method is in methods.
// Subscriptions on a closed connection are inert.
func (c *Conn) Subscribe(methods []string, fn EventFunc) *Subscription {
	set := make(map[string]struct{}, len(methods))
	for _, m := range methods {
		set[m] = struct{}{}
	}
	s := &Subscription{id: uuid.New(), conn: c, methods: set, fn: fn}

	c.mu.Lock()
	if c.closed {
		s.cancelled.Store(true)
	} else {
		c.subs = append(c.subs, s)
	}
	c.mu.Unlock()
	return s
}

// Close shuts the socket down, resolves every pending call with ErrClosed and
// clears all subscriptions. It blocks until both connection goroutines have
// exited and is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.teardown(&ConnectionError{Op: "invoke", URL: c.url, Err: ErrClosed})
	})
	<-c.readerDone
	<-c.dispatchDone
	return nil
}

// write sends one frame under the writer lock.
func (c *Conn) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// forget abandons a pending call. Safe when the call was already resolved.
func (c *Conn) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// readLoop is the single reader goroutine: it demultiplexes responses into
// their completion slots and queues events for the dispatcher.
func (c *Conn) readLoop() {
	defer close(c.readerDone)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.teardown(&ConnectionError{Op: "read", URL: c.url, Err: err})
			return
		}

		var env envelope
		if err := codec.Unmarshal(data, &env); err != nil {
			c.logger.Warn("Dropping unparseable frame.", zap.Error(err))
			continue
		}

		switch {
		case env.ID != 0:
			c.resolve(env)
		case env.Method != "":
			c.enqueue(env)
		default:
			c.logger.Debug("Dropping frame with neither id nor method.")
		}
	}
}

// resolve completes the pending call for a response. Deleting the entry
// before sending guarantees exactly-once resolution per correlation id; a
// second response for the same id, or a response to an abandoned call, is
// dropped here.
func (c *Conn) resolve(env envelope) {
	c.mu.Lock()
	call, ok := c.pending[env.ID]
	if ok {
		delete(c.pending, env.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("Dropping late or unknown response.", zap.Int64("id", env.ID))
		return
	}
	if env.Error != nil {
		call.ch <- callResult{err: &ProtocolError{
			Method:  call.method,
			Code:    env.Error.Code,
			Message: env.Error.Message,
			Data:    env.Error.Data,
		}}
		return
	}
	call.ch <- callResult{result: env.Result}
}

func (c *Conn) enqueue(env envelope) {
	c.evMu.Lock()
	if !c.evClosed {
		c.evQueue = append(c.evQueue, env)
		c.evCond.Signal()
	}
	c.evMu.Unlock()
}

// dispatchLoop runs event callbacks strictly in wire order; within one event,
// subscribers see it in registration order.
func (c *Conn) dispatchLoop() {
	defer close(c.dispatchDone)
	for {
		c.evMu.Lock()
		for len(c.evQueue) == 0 && !c.evClosed {
			c.evCond.Wait()
		}
		if len(c.evQueue) == 0 && c.evClosed {
			c.evMu.Unlock()
			return
		}
		env := c.evQueue[0]
		c.evQueue = c.evQueue[1:]
		c.evMu.Unlock()

		c.deliver(env)
	}
}

func (c *Conn) deliver(env envelope) {
	c.mu.Lock()
	targets := make([]*Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		if _, ok := s.methods[env.Method]; ok {
			targets = append(targets, s)
		}
	}
	c.mu.Unlock()

	for _, s := range targets {
		if s.cancelled.Load() {
			continue
		}
		c.invokeCallback(s, env)
	}
}

// invokeCallback runs one callback, containing panics so a failing subscriber
// never stops delivery to the others.
func (c *Conn) invokeCallback(s *Subscription, env envelope) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Event callback panicked.",
				zap.String("method", env.Method),
				zap.String("subscription", s.id.String()),
				zap.Any("panic", r))
		}
	}()
	s.fn(env.Method, env.Params)
}

// teardown moves the connection to its terminal state: every pending call is
// resolved with cause, all subscriptions are dropped, queued events are
// discarded and the socket is closed. Idempotent.
func (c *Conn) teardown(cause *ConnectionError) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = cause
	pend := c.pending
	c.pending = make(map[int64]*pendingCall)
	for _, s := range c.subs {
		s.cancelled.Store(true)
	}
	c.subs = nil
	c.mu.Unlock()

	for _, call := range pend {
		call.ch <- callResult{err: cause}
	}

	c.evMu.Lock()
	c.evClosed = true
	c.evQueue = nil
	c.evCond.Signal()
	c.evMu.Unlock()

	_ = c.ws.Close()
	c.logger.Debug("Connection torn down.", zap.String("cause", cause.Error()))
}
