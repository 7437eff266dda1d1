package hubconn

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrorKind(t *testing.T) {
	t.Parallel()

	cases := map[ErrorKind]string{
		KindUsage:      "usage",
		KindHandshake:  "handshake",
		KindProtocol:   "protocol",
		KindInvocation: "invocation",
		KindTransport:  "transport",
		ErrorKind(0):   "unknown",
		ErrorKind(99):  "unknown",
	}
	for k, want := range cases {
		assert.Equal(t, want, k.String(), "%d", int(k))
	}
}

func TestError(t *testing.T) {
	t.Parallel()

	e := newError(KindInvocation, "boom")
	assert.Equal(t, "boom", e.Error(), "message only")
	assert.Nil(t, e.Unwrap(), "no cause")

	cause := context.DeadlineExceeded
	w := wrapError(KindTransport, cause, "send failed")
	assert.Equal(t, "send failed: context deadline exceeded", w.Error(), "message with cause")
	assert.True(t, errors.Is(w, context.DeadlineExceeded), "errors.Is")
	assert.Equal(t, cause, errors.Cause(w), "errors.Cause")
}

func TestIsKind(t *testing.T) {
	t.Parallel()

	e := newError(KindHandshake, "nope")
	assert.True(t, IsKind(e, KindHandshake), "direct")
	assert.False(t, IsKind(e, KindProtocol), "other kind")
	assert.True(t, IsKind(errors.WithMessage(e, "start"), KindHandshake), "wrapped")
	assert.False(t, IsKind(errors.New("x"), KindHandshake), "not an *Error")
	assert.False(t, IsKind(nil, KindHandshake), "nil")
}
