package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowAdmitsUpToMax(t *testing.T) {
	w := NewWindow(60*time.Second, 3)

	for i := 0; i < 3; i++ {
		ok, reason := w.Check("u1")
		require.True(t, ok, "call %d should be admitted", i)
		assert.Empty(t, reason)
	}

	ok, reason := w.Check("u1")
	assert.False(t, ok)
	assert.Contains(t, reason, "rate_limit_exceeded")
	assert.Contains(t, reason, "3/3")
}

func TestWindowIsolatesCallers(t *testing.T) {
	w := NewWindow(60*time.Second, 1)

	ok, _ := w.Check("u1")
	require.True(t, ok)
	ok, _ = w.Check("u2")
	assert.True(t, ok, "second caller has its own window")
	ok, _ = w.Check("u1")
	assert.False(t, ok)
}

func TestWindowEvictsExpired(t *testing.T) {
	w := NewWindow(time.Second, 1)
	current := time.Now()
	w.now = func() time.Time { return current }

	ok, _ := w.Check("u1")
	require.True(t, ok)
	ok, _ = w.Check("u1")
	require.False(t, ok)

	current = current.Add(1500 * time.Millisecond)
	ok, _ = w.Check("u1")
	assert.True(t, ok, "expired timestamps must be evicted")
}

func TestWindowConcurrentCallers(t *testing.T) {
	const workers = 16
	const perWorker = 25
	w := NewWindow(time.Minute, workers*perWorker/2)

	var wg sync.WaitGroup
	admitted := make([]int, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				if ok, _ := w.Check("shared"); ok {
					admitted[n]++
				}
			}
		}(i)
	}
	wg.Wait()

	total := 0
	for _, n := range admitted {
		total += n
	}
	assert.Equal(t, workers*perWorker/2, total, "exactly max admissions under contention")
}

func TestWindowDefaults(t *testing.T) {
	w := NewWindow(0, 0)
	assert.Equal(t, 60*time.Second, w.window)
	assert.Equal(t, 20, w.max)
}

func TestNewFallsBackWithoutRedis(t *testing.T) {
	l := New("", time.Minute, 5, nil)
	_, isWindow := l.(*Window)
	assert.True(t, isWindow)

	// Unreachable Redis must also fall back rather than fail.
	l = New("redis://127.0.0.1:1/0", time.Minute, 5, nil)
	_, isWindow = l.(*Window)
	assert.True(t, isWindow)
}
