package subscriptions

import (
	"strconv"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddLookup(t *testing.T) {
	t.Parallel()

	r := New[int]()
	require.NoError(t, r.Add("a", 1), "Add a")
	require.NoError(t, r.Add("b", 2), "Add b")

	v, ok := r.Lookup("a")
	assert.True(t, ok, "Lookup a")
	assert.Equal(t, 1, v, "value of a")

	_, ok = r.Lookup("c")
	assert.False(t, ok, "Lookup c")

	assert.Equal(t, []string{"a", "b"}, r.Names(), "Names are sorted")
}

func TestAddErrors(t *testing.T) {
	t.Parallel()

	r := New[string]()
	assert.Equal(t, ErrEmptyName, r.Add("", "x"), "empty name")

	require.NoError(t, r.Add("a", "x"), "Add a")
	err := r.Add("a", "y")
	if assert.Error(t, err, "duplicate name") {
		assert.Equal(t, ErrDuplicate, errors.Cause(err), "cause")
		assert.Contains(t, err.Error(), "event name: a", "message")
	}

	v, _ := r.Lookup("a")
	assert.Equal(t, "x", v, "first handler kept")
}

func TestConcurrentAdd(t *testing.T) {
	t.Parallel()

	r := New[int]()
	const n = 20

	var mu sync.Mutex
	var failed int

	wg := sync.WaitGroup{}
	wg.Add(n * 2)
	for i := 0; i < n; i++ {
		for j := 0; j < 2; j++ {
			go func(i int) {
				defer wg.Done()
				if err := r.Add(strconv.Itoa(i), i); err != nil {
					mu.Lock()
					failed++
					mu.Unlock()
				}
			}(i)
		}
	}
	wg.Wait()
	assert.Equal(t, n, len(r.Names()), "one handler per name")
	assert.Equal(t, n, failed, "one failure per duplicate")
}
