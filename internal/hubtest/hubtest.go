// Package hubtest provides websocket hub servers to use in tests. A
// scripted server hands each accepted connection to a test function,
// while a Hub serves a set of methods using the JSON hub protocol.
package hubtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/mna/hubconn/message"
	"github.com/stretchr/testify/assert"
)

// Server is a test websocket server.
type Server struct {
	*httptest.Server

	// URL is the ws:// URL of the server.
	URL string

	wg sync.WaitGroup
}

// Close closes the server and waits for the connection handlers to
// return.
func (s *Server) Close() {
	s.Server.CloseClientConnections()
	s.Server.Close()
	s.wg.Wait()
}

// StartServer starts a websocket server that calls fn with each accepted
// connection. The connection is closed when fn returns.
func StartServer(t *testing.T, fn func(*Conn)) *Server {
	srv := &Server{}
	upg := &websocket.Upgrader{}
	srv.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wsc, err := upg.Upgrade(w, r, nil)
		if !assert.NoError(t, err, "Upgrade") {
			return
		}
		srv.wg.Add(1)
		defer srv.wg.Done()
		defer wsc.Close()

		fn(&Conn{WS: wsc, Header: r.Header})
	}))
	srv.URL = strings.Replace(srv.Server.URL, "http:", "ws:", 1)
	return srv
}

// Conn is a server-side hub test connection.
type Conn struct {
	// WS is the underlying websocket connection.
	WS *websocket.Conn

	// Header is the header of the upgrade request.
	Header http.Header

	wmu     sync.Mutex
	pending []string
}

// ReadFrame returns the next frame sent by the client, without its record
// separator.
func (c *Conn) ReadFrame() (string, error) {
	for len(c.pending) == 0 {
		_, b, err := c.WS.ReadMessage()
		if err != nil {
			return "", err
		}
		frames, _ := message.Split(string(b))
		c.pending = append(c.pending, frames...)
	}
	f := c.pending[0]
	c.pending = c.pending[1:]
	return f, nil
}

// ReadInvocation reads the next frame and decodes it as an invocation.
func (c *Conn) ReadInvocation() (*message.Invocation, error) {
	f, err := c.ReadFrame()
	if err != nil {
		return nil, err
	}
	var inv message.Invocation
	if err := json.Unmarshal([]byte(f), &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

// WriteRaw writes s as a single text message, as-is. It is safe to call
// concurrently with other writes.
func (c *Conn) WriteRaw(s string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.WS.WriteMessage(websocket.TextMessage, []byte(s))
}

// WriteFrames encodes each value as a frame and writes all frames in a
// single text message.
func (c *Conn) WriteFrames(vs ...interface{}) error {
	var sb strings.Builder
	for _, v := range vs {
		s, err := message.Encode(v)
		if err != nil {
			return err
		}
		sb.WriteString(s)
	}
	return c.WriteRaw(sb.String())
}

// Handshake reads the handshake request and writes the success response.
func (c *Conn) Handshake() error {
	if _, err := c.ReadFrame(); err != nil {
		return err
	}
	return c.WriteRaw("{}" + string(message.RecordSeparator))
}

// Method is a hub method served by a Hub. A non-nil error is sent to the
// caller as the completion error.
type Method func(args []json.RawMessage) (interface{}, error)

// Hub serves hub methods over the JSON hub protocol.
type Hub struct {
	*Server

	mu    sync.Mutex
	conns []*Conn
}

// StartHub starts a hub server that completes the handshake and serves
// methods. Invocations of unknown methods complete with an error.
func StartHub(t *testing.T, methods map[string]Method) *Hub {
	h := &Hub{}
	h.Server = StartServer(t, func(c *Conn) {
		if _, err := c.ReadFrame(); err != nil {
			return
		}
		// the connection is registered before the handshake response so
		// that it receives broadcasts as soon as the client is started.
		h.mu.Lock()
		h.conns = append(h.conns, c)
		h.mu.Unlock()
		if err := c.WriteRaw("{}" + string(message.RecordSeparator)); err != nil {
			return
		}

		for {
			inv, err := c.ReadInvocation()
			if err != nil {
				return
			}
			if inv.InvocationID == "" {
				if fn := methods[inv.Target]; fn != nil {
					fn(inv.Arguments)
				}
				continue
			}

			go func() {
				comp := &message.Completion{InvocationID: inv.InvocationID}
				if fn := methods[inv.Target]; fn != nil {
					v, err := fn(inv.Arguments)
					if err != nil {
						comp.Error = err.Error()
					} else if b, err := json.Marshal(v); err != nil {
						comp.Error = err.Error()
					} else {
						comp.Result = b
					}
				} else {
					comp.Error = "unknown method " + inv.Target
				}
				c.WriteFrames(comp)
			}()
		}
	})
	return h
}

// Broadcast sends an invocation of target with args to all connected
// clients.
func (h *Hub) Broadcast(target string, args ...interface{}) error {
	inv, err := message.NewInvocation("", target, args...)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.conns {
		if err := c.WriteFrames(inv); err != nil {
			return err
		}
	}
	return nil
}
