// Package cdp is a minimal Chrome DevTools Protocol client with an event
// handler registry.
package cdp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// IdleAfter is how long the connection must be quiet to count as idle.
const IdleAfter = 100 * time.Millisecond

// ErrClosed is returned for calls on a closed connection.
var ErrClosed = errors.New("cdp connection closed")

// ProtocolError is an error reply from the browser.
type ProtocolError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Method  string `json:"-"`
	Params  any    `json:"-"`
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("cdp %s failed (%d): %s [params=%v]", e.Method, e.Code, e.Message, e.Params)
}

// Event is a message pushed by the browser without a request id.
type Event struct {
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// Domain returns the part of the method before the dot.
func (e Event) Domain() string {
	domain, _, _ := strings.Cut(e.Method, ".")
	return domain
}

// Handler receives events.
type Handler func(Event)

type request struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type message struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ProtocolError  `json:"error,omitempty"`

	SessionID string `json:"sessionId,omitempty"`
}

// Conn is a websocket connection to a single CDP target.
type Conn struct {
	url  string
	conn net.Conn
	src  io.Reader
	br   *bufio.Reader

	wmu    sync.Mutex
	nextID atomic.Int64
	last   atomic.Int64

	mu       sync.Mutex
	pending  map[int64]chan *message
	handlers map[string][]Handler
	enabled  map[string]bool

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	err       error

	logger *slog.Logger
}

// Dial connects to a target websocket URL.
func Dial(ctx context.Context, wsURL string, logger *slog.Logger) (*Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, br, _, err := ws.Dial(ctx, wsURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", wsURL, err)
	}
	var src io.Reader = conn
	if br != nil {
		src = br
	}

	c := &Conn{
		url:      wsURL,
		conn:     conn,
		src:      src,
		br:       br,
		pending:  make(map[int64]chan *message),
		handlers: make(map[string][]Handler),
		enabled:  make(map[string]bool),
		events:   make(chan Event, 256),
		done:     make(chan struct{}),
		logger:   logger.With("component", "cdp"),
	}
	c.touch()
	go c.readLoop()
	go c.dispatchLoop()
	return c, nil
}

// URL returns the websocket URL of the target.
func (c *Conn) URL() string {
	return c.url
}

// Done is closed when the connection terminates.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection terminated.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Send issues a command and waits for its result.
func (c *Conn) Send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ch := make(chan *message, 1)

	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(request{ID: id, Method: method, Params: params}); err != nil {
		return nil, err
	}

	select {
	case msg := <-ch:
		if msg.Error != nil {
			perr := *msg.Error
			perr.Method = method
			perr.Params = params
			return nil, &perr
		}
		return msg.Result, nil
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Call issues a command and decodes its result into result, which may be nil.
func (c *Conn) Call(ctx context.Context, method string, params, result any) error {
	raw, err := c.Send(ctx, method, params)
	if err != nil {
		return err
	}
	if result == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}

// Feed issues a command without waiting for the reply.
func (c *Conn) Feed(method string, params any) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	return c.write(request{ID: c.nextID.Add(1), Method: method, Params: params})
}

func (c *Conn) write(req request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", req.Method, err)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := wsutil.WriteClientText(c.conn, payload); err != nil {
		return fmt.Errorf("failed to send %s: %w", req.Method, err)
	}
	return nil
}

// AddHandler registers h for method. Method is an exact event name, a
// Domain.* wildcard or *. The matching domains are enabled on first use.
func (c *Conn) AddHandler(ctx context.Context, method string, h Handler) error {
	key := strings.ToLower(method)

	c.mu.Lock()
	c.handlers[key] = append(c.handlers[key], h)
	var toEnable []string
	for _, d := range domainsFor(method) {
		if !c.enabled[strings.ToLower(d)] {
			c.enabled[strings.ToLower(d)] = true
			toEnable = append(toEnable, d)
		}
	}
	c.mu.Unlock()

	for _, d := range toEnable {
		if _, err := c.Send(ctx, d+".enable", nil); err != nil {
			c.mu.Lock()
			delete(c.enabled, strings.ToLower(d))
			c.mu.Unlock()
			return fmt.Errorf("failed to enable %s: %w", d, err)
		}
	}
	return nil
}

// ClearHandlers removes every handler. Enabled domains stay enabled.
func (c *Conn) ClearHandlers() {
	c.mu.Lock()
	c.handlers = make(map[string][]Handler)
	c.mu.Unlock()
}

// HandlerCount returns the number of registered handlers.
func (c *Conn) HandlerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, hs := range c.handlers {
		n += len(hs)
	}
	return n
}

func domainsFor(method string) []string {
	if method == "*" {
		return []string{"Network", "Page"}
	}
	domain, _, _ := strings.Cut(method, ".")
	switch strings.ToLower(domain) {
	case "", "target", "storage":
		return nil
	}
	return []string{domain}
}

// Idle reports whether no message arrived for IdleAfter.
func (c *Conn) Idle() bool {
	return time.Since(time.Unix(0, c.last.Load())) >= IdleAfter
}

// Wait blocks until the connection is idle. When d is positive it also waits
// at least d.
func (c *Conn) Wait(ctx context.Context, d time.Duration) error {
	start := time.Now()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if c.Idle() && time.Since(start) >= d {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		case <-ticker.C:
		}
	}
}

// Close terminates the connection.
func (c *Conn) Close() error {
	c.shutdown(ErrClosed)
	return nil
}

func (c *Conn) shutdown(reason error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = reason
		clear(c.pending)
		c.mu.Unlock()

		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *Conn) touch() {
	c.last.Store(time.Now().UnixNano())
}

// controlFrame answers pings and close frames. Replies share wmu with
// outgoing commands so frames never interleave on the wire.
func (c *Conn) controlFrame(h ws.Header, r io.Reader) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return wsutil.ControlFrameHandler(c.conn, ws.StateClientSide)(h, r)
}

// nextText returns the payload of the next text message, skipping binary
// messages and handling control frames in between.
func (c *Conn) nextText(rd *wsutil.Reader) ([]byte, error) {
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return nil, err
		}
		if hdr.OpCode.IsControl() {
			if err := c.controlFrame(hdr, rd); err != nil {
				return nil, err
			}
			continue
		}
		if hdr.OpCode&ws.OpText == 0 {
			if err := rd.Discard(); err != nil {
				return nil, err
			}
			continue
		}
		return io.ReadAll(rd)
	}
}

func (c *Conn) readLoop() {
	// The buffered reader from the handshake goes back to the pool only
	// once nothing reads from it anymore.
	defer func() {
		if c.br != nil {
			ws.PutReader(c.br)
		}
	}()

	rd := &wsutil.Reader{
		Source:         c.src,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: c.controlFrame,
	}
	for {
		data, err := c.nextText(rd)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Debug("CDP connection lost", "url", c.url, "error", err)
			}
			c.shutdown(err)
			return
		}
		c.touch()

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("Dropping malformed CDP message", "error", err)
			continue
		}

		if msg.ID != 0 {
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			c.mu.Unlock()
			if ok {
				ch <- &msg
			}
			continue
		}

		select {
		case c.events <- Event{Method: msg.Method, Params: msg.Params, SessionID: msg.SessionID}:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) dispatchLoop() {
	for {
		select {
		case ev := <-c.events:
			for _, h := range c.handlersFor(ev.Method) {
				c.invoke(h, ev)
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) handlersFor(method string) []Handler {
	lower := strings.ToLower(method)
	domain, _, _ := strings.Cut(lower, ".")

	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Handler
	out = append(out, c.handlers[lower]...)
	out = append(out, c.handlers[domain+".*"]...)
	out = append(out, c.handlers["*"]...)
	return out
}

func (c *Conn) invoke(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("CDP handler panicked", "method", ev.Method, "panic", r)
		}
	}()
	h(ev)
}
