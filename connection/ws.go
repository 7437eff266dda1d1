package connection

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mna/hubconn/internal/wswriter"
	"github.com/pborman/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// closeGracePeriod is how long Stop waits for the server to acknowledge
// the websocket close before the connection is closed forcefully.
const closeGracePeriod = time.Second

// WSOption sets an option on a WS connection.
type WSOption func(*WS)

// WithDialer sets the dialer used to open the websocket connection. The
// default is websocket.DefaultDialer.
func WithDialer(d Dialer) WSOption {
	return func(w *WS) {
		w.dialer = d
	}
}

// WithLogger sets the logger of the connection. The default is the
// logrus standard logger.
func WithLogger(l logrus.FieldLogger) WSOption {
	return func(w *WS) {
		w.log = l
	}
}

// WS is a Connection over a websocket. It is safe for concurrent use.
type WS struct {
	url    string
	dialer Dialer
	log    logrus.FieldLogger

	mu           sync.Mutex
	state        State
	id           string
	cfg          ClientConfig
	conn         *websocket.Conn
	wlock        wswriter.Lock
	done         chan struct{} // closed when the read loop returns
	stopping     bool
	delivering   *websocket.Conn // set while its read loop runs onMessage
	onMessage    func(string)
	onDisconnect func()
}

var _ Connection = (*WS)(nil)

// NewWS returns a websocket connection to url. The http and https schemes
// are converted to ws and wss.
func NewWS(url string, opts ...WSOption) *WS {
	w := &WS{
		url:    wsURL(url),
		dialer: websocket.DefaultDialer,
		log:    logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func wsURL(u string) string {
	switch {
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	}
	return u
}

// URL returns the websocket URL of the connection.
func (w *WS) URL() string {
	return w.url
}

// Start dials the websocket connection and starts the read loop.
func (w *WS) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.state != Disconnected {
		w.mu.Unlock()
		return ErrNotDisconnected
	}
	w.state = Connecting
	cfg := w.cfg
	w.mu.Unlock()

	hdr := make(http.Header, len(cfg.Headers)+1)
	for k, v := range cfg.Headers {
		hdr.Set(k, v)
	}
	if len(cfg.Subprotocols) > 0 {
		hdr.Set("Sec-Websocket-Protocol", strings.Join(cfg.Subprotocols, ", "))
	}

	dctx := ctx
	if to := cfg.HandshakeTimeout; to > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, to)
		defer cancel()
	}

	conn, res, err := w.dialer.DialContext(dctx, w.url, hdr)
	if err != nil {
		w.setState(Disconnected)
		if res != nil {
			return errors.Wrapf(err, "dial %s failed with status %d", w.url, res.StatusCode)
		}
		return errors.Wrapf(err, "dial %s failed", w.url)
	}
	if cfg.ReadLimit > 0 {
		conn.SetReadLimit(cfg.ReadLimit)
	}

	done := make(chan struct{})
	w.mu.Lock()
	w.conn = conn
	w.wlock = wswriter.NewLock()
	w.id = uuid.NewRandom().String()
	w.done = done
	w.stopping = false
	w.state = Connected
	id := w.id
	w.mu.Unlock()

	w.log.WithFields(logrus.Fields{
		"id":          id,
		"url":         w.url,
		"subprotocol": conn.Subprotocol(),
	}).Debug("connection started")

	go w.receive(conn, done)
	return nil
}

// Stop sends a websocket close message, waits for the read loop to
// return and closes the connection. It is a no-op if the connection is
// not connected.
//
// Stop may be called from the message received callback. In that case it
// does not wait for the read loop, which returns once the callback does.
func (w *WS) Stop(ctx context.Context) error {
	w.mu.Lock()
	if w.state != Connected {
		w.mu.Unlock()
		return nil
	}
	w.state = Disconnecting
	w.stopping = true
	conn, wlock, done, opts, id := w.conn, w.wlock, w.done, w.writeOptions(), w.id
	inLoop := w.delivering == conn
	w.mu.Unlock()

	err := wswriter.WriteClose(ctx, conn, wlock, opts)
	if err == nil && !inLoop {
		t := time.NewTimer(closeGracePeriod)
		select {
		case <-done:
		case <-t.C:
		case <-ctx.Done():
		}
		t.Stop()
	}
	conn.Close()
	if !inLoop {
		<-done
	}

	w.mu.Lock()
	w.conn = nil
	w.state = Disconnected
	w.mu.Unlock()

	w.log.WithField("id", id).Debug("connection stopped")
	if err != nil {
		return errors.Wrap(err, "send close message failed")
	}
	return nil
}

// Send writes text as a single websocket text message.
func (w *WS) Send(ctx context.Context, text string) error {
	w.mu.Lock()
	if w.state != Connected {
		w.mu.Unlock()
		return ErrNotConnected
	}
	conn, wlock, opts := w.conn, w.wlock, w.writeOptions()
	w.mu.Unlock()

	if err := wswriter.WriteText(ctx, conn, wlock, opts, []byte(text)); err != nil {
		return errors.Wrap(err, "send failed")
	}
	return nil
}

// must be called with mu held.
func (w *WS) writeOptions() wswriter.Options {
	return wswriter.Options{
		AcquireTimeout: w.cfg.AcquireWriteLockTimeout,
		WriteTimeout:   w.cfg.WriteTimeout,
		Limit:          w.cfg.WriteLimit,
	}
}

// receive is the read loop, started in its own goroutine.
func (w *WS) receive(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		// ReadMessage returns with an error once the connection is closed,
		// so this loop doesn't need another exit signal.
		mt, b, err := conn.ReadMessage()
		if err != nil {
			w.lost(conn, err)
			return
		}
		if mt != websocket.TextMessage {
			w.lost(conn, fmt.Errorf("invalid websocket message type: %d", mt))
			return
		}

		w.mu.Lock()
		fn := w.onMessage
		if fn != nil {
			w.delivering = conn
		}
		w.mu.Unlock()
		if fn != nil {
			fn(string(b))
			w.mu.Lock()
			if w.delivering == conn {
				w.delivering = nil
			}
			w.mu.Unlock()
		}
	}
}

// lost handles the end of the read loop. Unless the connection is being
// stopped or was already replaced, it transitions to disconnected and
// calls the disconnected callback.
func (w *WS) lost(conn *websocket.Conn, err error) {
	w.mu.Lock()
	if w.stopping || w.conn != conn {
		w.mu.Unlock()
		return
	}
	w.state = Disconnected
	w.conn = nil
	id := w.id
	fn := w.onDisconnect
	w.mu.Unlock()

	conn.Close()

	entry := w.log.WithField("id", id)
	if err == io.EOF || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		entry.Info("connection closed by server")
	} else {
		entry.WithError(err).Warn("connection lost")
	}
	if fn != nil {
		fn()
	}
}

func (w *WS) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// SetMessageReceived sets the function called with each received text
// message.
func (w *WS) SetMessageReceived(fn func(string)) {
	w.mu.Lock()
	w.onMessage = fn
	w.mu.Unlock()
}

// SetDisconnected sets the function called when the connection is lost
// without a call to Stop.
func (w *WS) SetDisconnected(fn func()) {
	w.mu.Lock()
	w.onDisconnect = fn
	w.mu.Unlock()
}

// State returns the state of the connection.
func (w *WS) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// ID returns the UUID of the current (or last) connection.
func (w *WS) ID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.id
}

// SetClientConfig sets the configuration used by the next Start. The
// write options apply immediately.
func (w *WS) SetClientConfig(cfg ClientConfig) {
	w.mu.Lock()
	w.cfg = cfg
	w.mu.Unlock()
}
