package undetected

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ucdriver-go/core/event"
	"ucdriver-go/core/eventbus"
	"ucdriver-go/infrastructure/cdp"
)

func TestReactor_RedialsAfterDrop(t *testing.T) {
	fb := newFakeBrowser(t)
	bus := eventbus.New(16)
	defer bus.Close()

	r := NewReactor("d1", cdp.NewEndpoints(fb.addr), bus, nil, nil)
	r.minBackoff = 5 * time.Millisecond
	var (
		dials atomic.Int32
		mu    sync.Mutex
		first *cdp.Conn
	)
	r.dial = func(ctx context.Context, wsURL string, logger *slog.Logger) (*cdp.Conn, error) {
		dials.Add(1)
		conn, err := cdp.Dial(ctx, wsURL, logger)
		mu.Lock()
		if first == nil {
			first = conn
		}
		mu.Unlock()
		return conn, err
	}

	r.Start(context.Background())
	defer r.Stop()

	require.Eventually(t, r.Connected, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	first.Close()
	mu.Unlock()

	assert.Eventually(t, func() bool {
		return r.Connected() && dials.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestReactor_StopRejectsHandlers(t *testing.T) {
	fb := newFakeBrowser(t)
	r := NewReactor("d1", cdp.NewEndpoints(fb.addr), nil, nil, nil)
	r.Start(context.Background())
	r.Stop()
	r.Stop()

	_, err := r.AddEventHandler("Network.*", func(cdp.Event) {})
	assert.ErrorIs(t, err, ErrReactorStopped)
}

func TestReactor_ListenersSurviveRedial(t *testing.T) {
	fb := newFakeBrowser(t)
	bus := eventbus.New(16)
	defer bus.Close()
	forwarded := make(chan event.Event, 4)
	bus.SubscribeDriver("d1", func(e event.Event) { forwarded <- e })

	r := NewReactor("d1", cdp.NewEndpoints(fb.addr), bus, nil, nil)
	got := make(chan string, 4)
	n, err := r.AddEventHandler("Network.*", func(ev cdp.Event) { got <- ev.Method })
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	r.Start(context.Background())
	defer r.Stop()
	require.Eventually(t, r.Connected, 2*time.Second, 5*time.Millisecond)

	fb.push <- `{"method":"Network.dataReceived","params":{}}`
	select {
	case m := <-got:
		assert.Equal(t, "Network.dataReceived", m)
	case <-time.After(2 * time.Second):
		t.Fatal("listener was not called")
	}
	select {
	case e := <-forwarded:
		assert.Equal(t, "CDPEventReceived", e.EventName())
	case <-time.After(2 * time.Second):
		t.Fatal("event was not forwarded")
	}
	assert.Contains(t, fb.calls(), "Network.enable")
}
