package wswriter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startRecordingServer starts a websocket server that sends every text
// message it receives on the returned channel.
func startRecordingServer(t *testing.T) (*httptest.Server, <-chan string) {
	msgs := make(chan string, 100)
	upg := &websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upg.Upgrade(w, r, nil)
		if !assert.NoError(t, err, "Upgrade") {
			return
		}
		defer conn.Close()

		for {
			_, b, err := conn.ReadMessage()
			if err != nil {
				close(msgs)
				return
			}
			msgs <- string(b)
		}
	}))
	srv.URL = strings.Replace(srv.URL, "http:", "ws:", 1)
	return srv, msgs
}

func dial(t *testing.T, url string) *websocket.Conn {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err, "Dial")
	return conn
}

func TestWriteText(t *testing.T) {
	srv, msgs := startRecordingServer(t)
	defer srv.Close()

	conn := dial(t, srv.URL)
	defer conn.Close()

	lock := NewLock()
	opts := Options{AcquireTimeout: time.Second, WriteTimeout: time.Second}
	require.NoError(t, WriteText(context.Background(), conn, lock, opts, []byte("a")), "write a")
	require.NoError(t, WriteText(context.Background(), conn, lock, opts, []byte("bc")), "write bc")

	assert.Equal(t, "a", <-msgs)
	assert.Equal(t, "bc", <-msgs)
}

func TestWriteTextLimit(t *testing.T) {
	srv, msgs := startRecordingServer(t)
	defer srv.Close()

	conn := dial(t, srv.URL)

	lock := NewLock()
	opts := Options{Limit: 3}
	err := WriteText(context.Background(), conn, lock, opts, []byte("abcd"))
	assert.Equal(t, ErrWriteLimitExceeded, err, "over limit")
	require.NoError(t, WriteText(context.Background(), conn, lock, opts, []byte("abc")), "at limit")
	require.NoError(t, WriteClose(context.Background(), conn, lock, opts), "WriteClose")

	var got []string
	for m := range msgs {
		got = append(got, m)
	}
	assert.Equal(t, []string{"abc"}, got, "only the message within the limit is sent")
	conn.Close()
}

func TestLockTimeout(t *testing.T) {
	t.Parallel()

	lock := NewLock()
	require.NoError(t, lock.Acquire(context.Background(), 0), "first Acquire")

	err := lock.Acquire(context.Background(), 10*time.Millisecond)
	assert.Equal(t, ErrWriteLockTimeout, err, "second Acquire times out")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = lock.Acquire(ctx, time.Second)
	assert.Equal(t, context.Canceled, err, "Acquire with canceled context")

	lock.Release()
	assert.NoError(t, lock.Acquire(context.Background(), 10*time.Millisecond), "Acquire after Release")
}

func TestExclusiveWrites(t *testing.T) {
	srv, msgs := startRecordingServer(t)
	defer srv.Close()

	conn := dial(t, srv.URL)
	defer conn.Close()

	lock := NewLock()
	const n = 20

	wg := sync.WaitGroup{}
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			assert.NoError(t, WriteText(context.Background(), conn, lock, Options{}, []byte("x")))
		}()
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		select {
		case m := <-msgs:
			assert.Equal(t, "x", m, "%d", i)
		case <-time.After(time.Second):
			t.Fatalf("message %d not received", i)
		}
	}
}
