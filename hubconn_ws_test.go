package hubconn_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/mna/hubconn"
	"github.com/mna/hubconn/connection"
	"github.com/mna/hubconn/internal/hubtest"
	"github.com/mna/hubconn/message"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoHub(t *testing.T) *hubtest.Hub {
	return hubtest.StartHub(t, map[string]hubtest.Method{
		"Echo": func(args []json.RawMessage) (interface{}, error) {
			return args[0], nil
		},
		"Fail": func(args []json.RawMessage) (interface{}, error) {
			return nil, errors.New("boom")
		},
	})
}

func TestWSInvoke(t *testing.T) {
	hub := echoHub(t)
	defer hub.Close()

	hc := hubconn.New(hub.URL, hubconn.WithLogWriter(io.Discard))
	hc.SetClientConfig(connection.ClientConfig{
		HandshakeTimeout: time.Second,
		WriteTimeout:     time.Second,
	})
	require.NoError(t, hc.Start(context.Background()), "Start")
	defer hc.Stop(context.Background())

	res, err := hc.Invoke(context.Background(), "Echo", "hi")
	require.NoError(t, err, "Invoke Echo")
	assert.Equal(t, `"hi"`, string(res), "result")

	_, err = hc.Invoke(context.Background(), "Fail")
	if assert.Error(t, err, "Invoke Fail") {
		assert.Equal(t, "boom", err.Error(), "server error")
		assert.True(t, hubconn.IsKind(err, hubconn.KindInvocation), "invocation error")
	}
}

func TestWSServerInvocation(t *testing.T) {
	hub := echoHub(t)
	defer hub.Close()

	hc := hubconn.New(hub.URL, hubconn.WithLogWriter(io.Discard))
	got := make(chan []json.RawMessage, 1)
	require.NoError(t, hc.On("Notify", hubconn.HandlerFunc(func(ctx context.Context, args []json.RawMessage) {
		got <- args
	})), "On")

	require.NoError(t, hc.Start(context.Background()), "Start")
	defer hc.Stop(context.Background())

	require.NoError(t, hub.Broadcast("Notify", 1, 2), "Broadcast")
	select {
	case args := <-got:
		assert.Equal(t, []json.RawMessage{json.RawMessage("1"), json.RawMessage("2")}, args, "arguments")
	case <-time.After(time.Second):
		t.Fatal("handler not called")
	}
}

func TestWSSend(t *testing.T) {
	received := make(chan []json.RawMessage, 1)
	hub := hubtest.StartHub(t, map[string]hubtest.Method{
		"Log": func(args []json.RawMessage) (interface{}, error) {
			received <- args
			return nil, nil
		},
	})
	defer hub.Close()

	hc := hubconn.New(hub.URL, hubconn.WithLogWriter(io.Discard))
	require.NoError(t, hc.Start(context.Background()), "Start")
	defer hc.Stop(context.Background())

	require.NoError(t, hc.Send(context.Background(), "Log", "x"), "Send")
	select {
	case args := <-received:
		assert.Equal(t, []json.RawMessage{json.RawMessage(`"x"`)}, args, "arguments")
	case <-time.After(time.Second):
		t.Fatal("invocation not received")
	}
}

func TestWSHandshakeError(t *testing.T) {
	srv := hubtest.StartServer(t, func(c *hubtest.Conn) {
		if _, err := c.ReadFrame(); err != nil {
			return
		}
		c.WriteRaw(`{"error":"Requested protocol 'json' is not available."}` + string(message.RecordSeparator))
		c.ReadFrame() // wait for the client to close
	})
	defer srv.Close()

	hc := hubconn.New(srv.URL, hubconn.WithLogWriter(io.Discard))
	err := hc.Start(context.Background())
	if assert.Error(t, err, "Start") {
		assert.True(t, hubconn.IsKind(err, hubconn.KindHandshake), "handshake error")
		assert.Equal(t, "received an error during handshake: Requested protocol 'json' is not available.", err.Error(), "message")
	}
	assert.Equal(t, connection.Disconnected, hc.State(), "state")
}

func TestWSConnectionLost(t *testing.T) {
	closeConn := make(chan struct{})
	srv := hubtest.StartServer(t, func(c *hubtest.Conn) {
		if err := c.Handshake(); err != nil {
			return
		}
		// read the invocation, then drop the connection
		c.ReadFrame()
		<-closeConn
	})
	defer srv.Close()

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	hc := hubconn.New(srv.URL, hubconn.WithLogger(logger))
	lost := make(chan struct{})
	hc.SetDisconnected(func() { close(lost) })

	require.NoError(t, hc.Start(context.Background()), "Start")

	done := make(chan error, 1)
	go func() {
		_, err := hc.Invoke(context.Background(), "Never")
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	close(closeConn)

	select {
	case err := <-done:
		assert.True(t, hubconn.IsKind(err, hubconn.KindTransport), "transport error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("Invoke did not return")
	}
	select {
	case <-lost:
	case <-time.After(time.Second):
		t.Fatal("disconnected hook not called")
	}
	assert.Equal(t, connection.Disconnected, hc.State(), "state")
}

func TestWSStopFromHandler(t *testing.T) {
	hub := echoHub(t)
	defer hub.Close()

	hc := hubconn.New(hub.URL, hubconn.WithLogWriter(io.Discard))
	hc.SetClientConfig(connection.ClientConfig{
		HandshakeTimeout: time.Second,
		WriteTimeout:     time.Second,
	})
	stopped := make(chan error, 1)
	require.NoError(t, hc.On("Bye", hubconn.HandlerFunc(func(ctx context.Context, args []json.RawMessage) {
		stopped <- hc.Stop(ctx)
	})), "On")
	var lost bool
	hc.SetDisconnected(func() { lost = true })

	require.NoError(t, hc.Start(context.Background()), "Start")
	require.NoError(t, hub.Broadcast("Bye"), "Broadcast")

	select {
	case err := <-stopped:
		assert.NoError(t, err, "Stop")
	case <-time.After(5 * time.Second):
		t.Fatalf("Stop called from a handler did not return (state=%s)", hc.State())
	}
	assert.Equal(t, connection.Disconnected, hc.State(), "state")
	assert.False(t, lost, "disconnect hook not called on Stop")

	_, err := hc.Invoke(context.Background(), "Echo", 1)
	assert.True(t, hubconn.IsKind(err, hubconn.KindTransport), "invoke after Stop: %v", err)
}
