package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/mna/hubconn"
	"github.com/mna/hubconn/broker"
	"github.com/mna/hubconn/connection"
	"github.com/mna/hubconn/internal/hubtest"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	if !testing.Verbose() {
		l.SetOutput(io.Discard)
	}
	return l
}

type mockHub struct {
	mu       sync.Mutex
	handlers map[string]hubconn.Handler
	delay    time.Duration
}

func (h *mockHub) On(name string, hd hubconn.Handler) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.handlers == nil {
		h.handlers = make(map[string]hubconn.Handler)
	}
	if _, ok := h.handlers[name]; ok {
		return errors.New("duplicate")
	}
	h.handlers[name] = hd
	return nil
}

func (h *mockHub) Invoke(ctx context.Context, method string, args ...interface{}) (json.RawMessage, error) {
	if h.delay > 0 {
		select {
		case <-time.After(h.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if method == "err" {
		return nil, io.ErrUnexpectedEOF
	}
	return json.Marshal(args)
}

type mockBroker struct {
	mu  sync.Mutex
	cps []*broker.CallPayload
	err error
	rps []*broker.ResultPayload
	eps []*broker.EventPayload
}

func (b *mockBroker) Result(rp *broker.ResultPayload, timeout time.Duration) error {
	b.mu.Lock()
	b.rps = append(b.rps, rp)
	b.mu.Unlock()
	return nil
}

func (b *mockBroker) Publish(target string, ep *broker.EventPayload) error {
	b.mu.Lock()
	b.eps = append(b.eps, ep)
	b.mu.Unlock()
	return nil
}

func (b *mockBroker) NewCallsConn(methods ...string) (broker.CallsConn, error) {
	return &mockCallsConn{cps: b.cps, err: b.err}, nil
}

type mockCallsConn struct {
	cps []*broker.CallPayload
	err error
}

func (c *mockCallsConn) Calls() <-chan *broker.CallPayload {
	ch := make(chan *broker.CallPayload)
	go func() {
		for _, cp := range c.cps {
			ch <- cp
		}
		close(ch)
	}()
	return ch
}

func (c *mockCallsConn) CallsErr() error { return c.err }
func (c *mockCallsConn) Close() error    { return nil }

func newCall(t *testing.T, method string, ttl time.Duration, args ...interface{}) *broker.CallPayload {
	cp, err := broker.NewCallPayload("caller", method, args...)
	require.NoError(t, err, "NewCallPayload")
	cp.ReadTimestamp = time.Now()
	cp.TTLAfterRead = ttl
	return cp
}

func TestInvokeAndStoreResult(t *testing.T) {
	brk := &mockBroker{}
	b := &Bridge{Hub: &mockHub{}, Broker: brk, Logger: testLogger()}

	cp := newCall(t, "ok", time.Second, 1, "a")
	require.NoError(t, b.InvokeAndStoreResult(context.Background(), cp), "ok call")
	cp2 := newCall(t, "err", time.Second)
	require.NoError(t, b.InvokeAndStoreResult(context.Background(), cp2), "err call")

	exp := []*broker.ResultPayload{
		{ID: cp.ID, Caller: "caller", Method: "ok", Result: json.RawMessage(`[1,"a"]`)},
		{ID: cp2.ID, Caller: "caller", Method: "err", Error: io.ErrUnexpectedEOF.Error()},
	}
	assert.Equal(t, exp, brk.rps, "stored results")
}

func TestInvokeAndStoreResultExpired(t *testing.T) {
	brk := &mockBroker{}
	b := &Bridge{Hub: &mockHub{delay: 50 * time.Millisecond}, Broker: brk, Logger: testLogger()}

	// already expired when read
	cp := newCall(t, "ok", time.Second)
	cp.ReadTimestamp = time.Now().Add(-2 * time.Second)
	assert.Equal(t, ErrCallExpired, b.InvokeAndStoreResult(context.Background(), cp), "expired before invoke")

	// expires during the invocation
	cp = newCall(t, "ok", 10*time.Millisecond)
	assert.Equal(t, ErrCallExpired, b.InvokeAndStoreResult(context.Background(), cp), "expired during invoke")
	assert.Empty(t, brk.rps, "no result stored")
}

func TestListen(t *testing.T) {
	brk := &mockBroker{
		cps: []*broker.CallPayload{
			newCall(t, "ok", time.Second),
			newCall(t, "err", time.Second),
			newCall(t, "ok", time.Second),
		},
		err: io.EOF,
	}
	b := &Bridge{Hub: &mockHub{}, Broker: brk, Logger: testLogger()}

	err := b.Listen(context.Background(), 2, "ok", "err")
	assert.Equal(t, io.EOF, err, "Listen returns CallsErr")
	assert.Len(t, brk.rps, 3, "results stored")

	assert.NoError(t, b.Listen(context.Background(), 2), "no method")
}

type blockingBroker struct {
	mockBroker
	closed chan struct{}
}

func (b *blockingBroker) NewCallsConn(methods ...string) (broker.CallsConn, error) {
	return &blockingCallsConn{closed: b.closed}, nil
}

type blockingCallsConn struct {
	once   sync.Once
	closed chan struct{}
}

func (c *blockingCallsConn) Calls() <-chan *broker.CallPayload {
	ch := make(chan *broker.CallPayload)
	go func() {
		<-c.closed
		close(ch)
	}()
	return ch
}

func (c *blockingCallsConn) CallsErr() error { return errors.New("closed") }
func (c *blockingCallsConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func TestListenCanceled(t *testing.T) {
	brk := &blockingBroker{closed: make(chan struct{})}
	b := &Bridge{Hub: &mockHub{}, Broker: brk, Logger: testLogger()}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := b.Listen(ctx, 1, "m")
	assert.Equal(t, context.DeadlineExceeded, err, "Listen returns ctx error")
}

func TestForward(t *testing.T) {
	brk := &mockBroker{}
	hub := &mockHub{}
	b := &Bridge{Hub: hub, Broker: brk, Logger: testLogger()}

	require.NoError(t, b.Forward("a", "b"), "Forward")
	assert.Error(t, b.Forward("a"), "Forward duplicate")

	args := []json.RawMessage{json.RawMessage(`1`)}
	hub.handlers["b"].Handle(context.Background(), args)
	hub.handlers["a"].Handle(context.Background(), nil)

	exp := []*broker.EventPayload{
		{Target: "b", Args: args},
		{Target: "a"},
	}
	assert.Equal(t, exp, brk.eps, "published events")
}

func TestBridgeHub(t *testing.T) {
	hub := hubtest.StartHub(t, map[string]hubtest.Method{
		"Add": func(args []json.RawMessage) (interface{}, error) {
			var a, b int
			if err := json.Unmarshal(args[0], &a); err != nil {
				return nil, err
			}
			if err := json.Unmarshal(args[1], &b); err != nil {
				return nil, err
			}
			return a + b, nil
		},
	})
	defer hub.Close()

	hc := hubconn.New(hub.URL, hubconn.WithLogWriter(io.Discard))
	hc.SetClientConfig(connection.ClientConfig{
		HandshakeTimeout: time.Second,
		WriteTimeout:     time.Second,
	})

	brk := &mockBroker{}
	b := &Bridge{Hub: hc, Broker: brk, Logger: testLogger()}
	require.NoError(t, b.Forward("Notify"), "Forward")
	require.NoError(t, hc.Start(context.Background()), "Start")
	defer hc.Stop(context.Background())

	cp := newCall(t, "Add", time.Second, 1, 2)
	require.NoError(t, b.InvokeAndStoreResult(context.Background(), cp), "InvokeAndStoreResult")
	if assert.Len(t, brk.rps, 1, "stored result") {
		assert.Equal(t, "3", string(brk.rps[0].Result), "result")
	}

	require.NoError(t, hub.Broadcast("Notify", "x"), "Broadcast")
	require.Eventually(t, func() bool {
		brk.mu.Lock()
		defer brk.mu.Unlock()
		return len(brk.eps) == 1
	}, time.Second, 10*time.Millisecond, "event published")
	assert.Equal(t, `"x"`, string(brk.eps[0].Args[0]), "event args")
}
