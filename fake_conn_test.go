package hubconn

import (
	"context"
	"io"
	"sync"

	"github.com/mna/hubconn/connection"
	"github.com/mna/hubconn/message"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/mock"
)

const rs = string(message.RecordSeparator)

// fakeConn is a connection.Connection that records sent messages and
// lets tests deliver payloads. Start and Stop go through the mock so
// calls can be asserted.
type fakeConn struct {
	mock.Mock

	mu      sync.Mutex
	state   connection.State
	cfg     connection.ClientConfig
	onMsg   func(string)
	onDisc  func()
	sent    []string
	sendErr error

	// reply, if set, is called with each sent message and returns the
	// payload to deliver in response, if any.
	reply func(text string) string
}

var _ connection.Connection = (*fakeConn)(nil)

func newFakeConn() *fakeConn {
	fc := &fakeConn{}
	fc.On("Start", mock.Anything).Return(nil).Maybe()
	fc.On("Stop", mock.Anything).Return(nil).Maybe()
	return fc
}

func (fc *fakeConn) Start(ctx context.Context) error {
	err := fc.Called(ctx).Error(0)
	if err == nil {
		fc.mu.Lock()
		fc.state = connection.Connected
		fc.mu.Unlock()
	}
	return err
}

func (fc *fakeConn) Stop(ctx context.Context) error {
	err := fc.Called(ctx).Error(0)
	fc.mu.Lock()
	fc.state = connection.Disconnected
	fc.mu.Unlock()
	return err
}

func (fc *fakeConn) Send(ctx context.Context, text string) error {
	fc.mu.Lock()
	if fc.sendErr != nil {
		err := fc.sendErr
		fc.mu.Unlock()
		return err
	}
	fc.sent = append(fc.sent, text)
	reply := fc.reply
	fc.mu.Unlock()

	if reply != nil {
		if payload := reply(text); payload != "" {
			fc.deliver(payload)
		}
	}
	return nil
}

// deliver delivers payload as if received from the server.
func (fc *fakeConn) deliver(payload string) {
	fc.mu.Lock()
	fn := fc.onMsg
	fc.mu.Unlock()
	fn(payload)
}

// lose simulates an unexpected connection loss.
func (fc *fakeConn) lose() {
	fc.mu.Lock()
	fc.state = connection.Disconnected
	fn := fc.onDisc
	fc.mu.Unlock()
	fn()
}

func (fc *fakeConn) setSendErr(err error) {
	fc.mu.Lock()
	fc.sendErr = err
	fc.mu.Unlock()
}

func (fc *fakeConn) setReply(fn func(string) string) {
	fc.mu.Lock()
	fc.reply = fn
	fc.mu.Unlock()
}

func (fc *fakeConn) sentMessages() []string {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return append([]string(nil), fc.sent...)
}

func (fc *fakeConn) SetMessageReceived(fn func(string)) {
	fc.mu.Lock()
	fc.onMsg = fn
	fc.mu.Unlock()
}

func (fc *fakeConn) SetDisconnected(fn func()) {
	fc.mu.Lock()
	fc.onDisc = fn
	fc.mu.Unlock()
}

func (fc *fakeConn) State() connection.State {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.state
}

func (fc *fakeConn) ID() string { return "fake" }

func (fc *fakeConn) SetClientConfig(cfg connection.ClientConfig) {
	fc.mu.Lock()
	fc.cfg = cfg
	fc.mu.Unlock()
}

// handshakeOK replies to the handshake request with a success response.
func handshakeOK(text string) string {
	if text == `{"protocol":"json","version":1}`+rs {
		return "{}" + rs
	}
	return ""
}

func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// newTestHubConn returns a HubConn using a fake connection and a logger
// with a test hook.
func newTestHubConn(opts ...Option) (*HubConn, *fakeConn, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.TraceLevel)
	fc := newFakeConn()
	opts = append([]Option{WithConnection(fc), WithLogger(logger)}, opts...)
	return New("http://localhost/hub", opts...), fc, hook
}

// startTestHubConn returns a started HubConn using a fake connection.
func startTestHubConn(opts ...Option) (*HubConn, *fakeConn, *test.Hook) {
	hc, fc, hook := newTestHubConn(opts...)
	fc.setReply(handshakeOK)
	if err := hc.Start(context.Background()); err != nil {
		panic(err)
	}
	fc.setReply(nil)
	return hc, fc, hook
}
