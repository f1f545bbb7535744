package undetected

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"ucdriver-go/core/event"
	"ucdriver-go/core/eventbus"
	"ucdriver-go/infrastructure/cdp"
	"ucdriver-go/infrastructure/metrics"
)

// ErrReactorStopped is returned when handlers are added after Stop.
var ErrReactorStopped = errors.New("reactor stopped")

// dialFunc opens a DevTools websocket.
type dialFunc func(ctx context.Context, wsURL string, logger *slog.Logger) (*cdp.Conn, error)

type listener struct {
	method  string
	handler cdp.Handler
}

// Reactor keeps a DevTools connection to the first page target, forwards
// every event to the bus and runs registered listeners.
type Reactor struct {
	driverID  string
	endpoints *cdp.Endpoints
	bus       eventbus.EventBus
	metrics   *metrics.Metrics
	logger    *slog.Logger
	dial      dialFunc

	minBackoff time.Duration
	maxBackoff time.Duration

	mu        sync.Mutex
	listeners []listener
	conn      *cdp.Conn
	connCtx   context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	stopped   bool
}

// NewReactor creates a reactor for the browser behind endpoints.
func NewReactor(driverID string, endpoints *cdp.Endpoints, bus eventbus.EventBus, m *metrics.Metrics, logger *slog.Logger) *Reactor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reactor{
		driverID:   driverID,
		endpoints:  endpoints,
		bus:        bus,
		metrics:    m,
		logger:     logger.With("component", "reactor"),
		dial:       cdp.Dial,
		minBackoff: 100 * time.Millisecond,
		maxBackoff: 5 * time.Second,
		done:       make(chan struct{}),
	}
}

// Start runs the reactor in the background until Stop or ctx ends.
func (r *Reactor) Start(ctx context.Context) {
	r.mu.Lock()
	if r.cancel != nil || r.stopped {
		r.mu.Unlock()
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	go func() {
		defer close(r.done)
		r.Run(ctx)
	}()
}

// Run attaches to the page target and re-dials with backoff whenever the
// connection drops, until ctx is done.
func (r *Reactor) Run(ctx context.Context) {
	backoff := r.minBackoff
	for {
		conn, err := r.connect(ctx)
		if err == nil {
			backoff = r.minBackoff
			select {
			case <-conn.Done():
				r.logger.Debug("DevTools connection dropped", "error", conn.Err())
			case <-ctx.Done():
			}
			r.detach(conn)
		} else if ctx.Err() == nil {
			r.logger.Debug("Failed to attach to page target", "error", err, "retry_in", backoff)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, r.maxBackoff)
	}
}

func (r *Reactor) connect(ctx context.Context) (*cdp.Conn, error) {
	target, err := r.endpoints.FirstPage(ctx)
	if err != nil {
		return nil, err
	}
	conn, err := r.dial(ctx, target.WebSocketDebuggerURL, r.logger)
	if err != nil {
		return nil, err
	}
	if err := conn.AddHandler(ctx, "*", r.forward); err != nil {
		conn.Close()
		return nil, err
	}

	r.mu.Lock()
	listeners := append([]listener(nil), r.listeners...)
	r.conn = conn
	r.connCtx = ctx
	r.mu.Unlock()

	for _, l := range listeners {
		if err := conn.AddHandler(ctx, l.method, l.handler); err != nil {
			r.logger.Warn("Failed to restore listener", "method", l.method, "error", err)
		}
	}
	r.logger.Debug("Attached to page target", "target", target.ID)
	return conn, nil
}

func (r *Reactor) detach(conn *cdp.Conn) {
	r.mu.Lock()
	if r.conn == conn {
		r.conn = nil
		r.connCtx = nil
	}
	r.mu.Unlock()
	conn.Close()
}

func (r *Reactor) forward(ev cdp.Event) {
	r.metrics.CDPEvent(ev.Method)
	if r.bus != nil {
		r.bus.Publish(event.NewCDPEventReceived(r.driverID, ev.Method, ev.Params))
	}
}

// AddEventHandler registers h for method ("Domain.event", "Domain.*" or "*")
// and returns the number of registered listeners. Listeners survive re-dials.
func (r *Reactor) AddEventHandler(method string, h cdp.Handler) (int, error) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return 0, ErrReactorStopped
	}
	r.listeners = append(r.listeners, listener{method: strings.TrimSpace(method), handler: h})
	n := len(r.listeners)
	conn, ctx := r.conn, r.connCtx
	r.mu.Unlock()

	if conn != nil {
		if err := conn.AddHandler(ctx, method, h); err != nil {
			return n, err
		}
	}
	return n, nil
}

// ClearHandlers drops every listener. Forwarding to the bus continues.
func (r *Reactor) ClearHandlers() {
	r.mu.Lock()
	r.listeners = nil
	conn, ctx := r.conn, r.connCtx
	r.mu.Unlock()

	if conn != nil {
		conn.ClearHandlers()
		if err := conn.AddHandler(ctx, "*", r.forward); err != nil {
			r.logger.Warn("Failed to restore event forwarding", "error", err)
		}
	}
}

// HandlerCount returns the number of registered listeners.
func (r *Reactor) HandlerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners)
}

// Connected reports whether a DevTools connection is currently open.
func (r *Reactor) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil
}

// Stop ends the reactor and waits for it to exit. It is safe to call twice.
func (r *Reactor) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	cancel := r.cancel
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-r.done:
	case <-time.After(3 * time.Second):
		r.logger.Warn("Reactor stop timeout")
	}
}
