package protocol_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/mkrall/drover/internal/protocol"
	"github.com/mkrall/drover/internal/prototest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func dial(t *testing.T, srv *prototest.Server) *protocol.Conn {
	t.Helper()
	conn, err := protocol.Dial(context.Background(), srv.URL(), protocol.Options{
		ConnectTimeout: 5 * time.Second,
		CallTimeout:    5 * time.Second,
		Logger:         zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestDialHandshakeFailure(t *testing.T) {
	_, err := protocol.Dial(context.Background(), "ws://127.0.0.1:1/devtools", protocol.Options{
		ConnectTimeout: 500 * time.Millisecond,
	})
	require.Error(t, err)
	var connErr *protocol.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "dial", connErr.Op)
}

func TestInvokeReturnsResult(t *testing.T) {
	srv := prototest.NewServer(t, nil) // acknowledge everything with {}
	conn := dial(t, srv)

	res, err := conn.Invoke(context.Background(), "Network.enable", struct{}{})
	require.NoError(t, err)
	assert.JSONEq(t, "{}", string(res))

	reqs := srv.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "Network.enable", reqs[0].Method)
}

func TestConcurrentInvokesOutOfOrderReplies(t *testing.T) {
	// Hold the first command's reply until the second arrives, then answer in
	// reverse order. Each caller must still receive only its own response.
	var mu sync.Mutex
	var held *prototest.Request
	srv := prototest.NewServer(t, func(s *prototest.Server, req prototest.Request) {
		mu.Lock()
		defer mu.Unlock()
		if held == nil {
			r := req
			held = &r
			return
		}
		s.Reply(req.ID, map[string]string{"for": req.Method})
		s.Reply(held.ID, map[string]string{"for": held.Method})
	})
	conn := dial(t, srv)

	type outcome struct {
		res json.RawMessage
		err error
	}
	results := make(map[string]outcome)
	var wg sync.WaitGroup
	var resMu sync.Mutex
	for _, method := range []string{"First.call", "Second.call"} {
		wg.Add(1)
		go func(method string) {
			defer wg.Done()
			res, err := conn.Invoke(context.Background(), method, nil)
			resMu.Lock()
			results[method] = outcome{res, err}
			resMu.Unlock()
		}(method)
		time.Sleep(50 * time.Millisecond) // deterministic arrival order
	}
	wg.Wait()

	for _, method := range []string{"First.call", "Second.call"} {
		require.NoError(t, results[method].err, method)
		var body map[string]string
		require.NoError(t, json.Unmarshal(results[method].res, &body))
		assert.Equal(t, method, body["for"], "response crossed correlation ids")
	}
}

func TestInvokeRemoteError(t *testing.T) {
	srv := prototest.NewServer(t, func(s *prototest.Server, req prototest.Request) {
		s.ReplyError(req.ID, -32601, "'DOM.bogus' wasn't found")
	})
	conn := dial(t, srv)

	_, err := conn.Invoke(context.Background(), "DOM.bogus", nil)
	var protoErr *protocol.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, int64(-32601), protoErr.Code)
	assert.Equal(t, "DOM.bogus", protoErr.Method)
	assert.Contains(t, protoErr.Error(), "wasn't found")
}

func TestInvokeTimeoutDropsLateResponse(t *testing.T) {
	release := make(chan prototest.Request, 1)
	srv := prototest.NewServer(t, func(s *prototest.Server, req prototest.Request) {
		if req.Method == "Slow.call" {
			release <- req
			return
		}
		s.Reply(req.ID, struct{}{})
	})
	conn := dial(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := conn.Invoke(ctx, "Slow.call", nil)
	var connErr *protocol.ConnectionError
	require.ErrorAs(t, err, &connErr)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The late reply must be dropped without disturbing the next call.
	late := <-release
	srv.Reply(late.ID, map[string]string{"too": "late"})

	res, err := conn.Invoke(context.Background(), "Next.call", nil)
	require.NoError(t, err)
	assert.JSONEq(t, "{}", string(res))
}

func TestSubscribeDeliversAndCancelStops(t *testing.T) {
	srv := prototest.NewServer(t, nil)
	conn := dial(t, srv)

	// First round trip guarantees the server side socket exists.
	_, err := conn.Invoke(context.Background(), "Page.enable", nil)
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []string
	sub := conn.Subscribe([]string{"Page.loadEventFired"}, func(method string, params json.RawMessage) {
		mu.Lock()
		seen = append(seen, method)
		mu.Unlock()
	})

	srv.Emit("Page.loadEventFired", map[string]float64{"timestamp": 1})
	srv.Emit("Network.requestWillBeSent", map[string]string{"requestId": "1"}) // not subscribed

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, 2*time.Second, 10*time.Millisecond)

	sub.Cancel()
	sub.Cancel() // idempotent
	srv.Emit("Page.loadEventFired", map[string]float64{"timestamp": 2})

	// A synchronizing round trip plus a short settle: no further delivery.
	_, err = conn.Invoke(context.Background(), "Page.enable", nil)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"Page.loadEventFired"}, seen)
}

func TestCancelFromInsideCallback(t *testing.T) {
	srv := prototest.NewServer(t, nil)
	conn := dial(t, srv)
	_, err := conn.Invoke(context.Background(), "Page.enable", nil)
	require.NoError(t, err)

	var mu sync.Mutex
	count := 0
	var sub *protocol.Subscription
	sub = conn.Subscribe([]string{"Page.loadEventFired"}, func(string, json.RawMessage) {
		mu.Lock()
		count++
		mu.Unlock()
		sub.Cancel()
	})

	srv.Emit("Page.loadEventFired", map[string]float64{"timestamp": 1})
	srv.Emit("Page.loadEventFired", map[string]float64{"timestamp": 2})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count >= 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestCallbackPanicDoesNotStopDelivery(t *testing.T) {
	srv := prototest.NewServer(t, nil)
	conn := dial(t, srv)
	_, err := conn.Invoke(context.Background(), "Page.enable", nil)
	require.NoError(t, err)

	conn.Subscribe([]string{"Page.loadEventFired"}, func(string, json.RawMessage) {
		panic("subscriber bug")
	})
	got := make(chan struct{}, 2)
	conn.Subscribe([]string{"Page.loadEventFired"}, func(string, json.RawMessage) {
		got <- struct{}{}
	})

	srv.Emit("Page.loadEventFired", map[string]float64{"timestamp": 1})
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("second subscriber never saw the event")
	}
}

func TestCloseResolvesPendingCalls(t *testing.T) {
	started := make(chan struct{})
	srv := prototest.NewServer(t, func(s *prototest.Server, req prototest.Request) {
		close(started) // never reply
	})
	conn := dial(t, srv)

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.Invoke(context.Background(), "Hang.forever", nil)
		errCh <- err
	}()
	<-started

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close()) // idempotent

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, protocol.ErrClosed)
		var connErr *protocol.ConnectionError
		assert.True(t, errors.As(err, &connErr))
	case <-time.After(2 * time.Second):
		t.Fatal("pending call blocked past Close")
	}

	// Invokes after Close fail fast with the closed signal.
	_, err := conn.Invoke(context.Background(), "After.close", nil)
	require.ErrorIs(t, err, protocol.ErrClosed)
}
