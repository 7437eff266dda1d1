package handshake

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFulfill(t *testing.T) {
	t.Parallel()

	g := New()
	assert.Equal(t, Pending, g.State(), "initial state")
	select {
	case <-g.Done():
		assert.Fail(t, "done channel should block while pending")
	default:
	}

	assert.True(t, g.Fulfill(), "first Fulfill")
	assert.False(t, g.Fulfill(), "second Fulfill")
	assert.False(t, g.Fail(errors.New("a")), "Fail after Fulfill")
	assert.Equal(t, Fulfilled, g.State(), "state")
	assert.NoError(t, g.Wait(context.Background()), "Wait")
}

func TestFail(t *testing.T) {
	t.Parallel()

	g := New()
	assert.True(t, g.Fail(errors.New("a")), "first Fail")
	assert.False(t, g.Fail(errors.New("b")), "second Fail")
	assert.False(t, g.Fulfill(), "Fulfill after Fail")
	assert.Equal(t, Failed, g.State(), "state")
	assert.Equal(t, errors.New("a"), g.Wait(context.Background()), "Wait returns first error")
}

func TestWaitContext(t *testing.T) {
	t.Parallel()

	g := New()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Equal(t, context.DeadlineExceeded, g.Wait(ctx), "Wait times out")
	assert.Equal(t, Pending, g.State(), "still pending")
}

func TestConcurrentResolve(t *testing.T) {
	t.Parallel()

	g := New()
	const n = 50

	var mu sync.Mutex
	wins := 0

	wg := sync.WaitGroup{}
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			var ok bool
			if i%2 == 0 {
				ok = g.Fulfill()
			} else {
				ok = g.Fail(errors.New("x"))
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins, "gate transitions exactly once")
	assert.NotEqual(t, Pending, g.State())
}

func TestStateString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "pending", Pending.String())
	assert.Equal(t, "fulfilled", Fulfilled.String())
	assert.Equal(t, "failed", Failed.String())
	assert.Equal(t, "unknown", State(9).String())
}
