// ABOUTME: Tests for the dedupe cache
// ABOUTME: Uses a fake clock to cover expiry, eviction and concurrent Seen calls

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestCache(t *testing.T, ttl time.Duration, max int) (*Cache, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := New(ttl, max, WithClock(clock.Now), WithSweepInterval(0))
	t.Cleanup(c.Close)
	return c, clock
}

func TestCache_SeenReportsDuplicates(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 10)

	assert.False(t, c.Seen("$evt1"))
	assert.True(t, c.Seen("$evt1"))
	assert.True(t, c.Contains("$evt1"))
	assert.False(t, c.Contains("$evt2"))
	assert.Equal(t, 1, c.Len())
}

func TestCache_Expiry(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 10)

	c.Seen("a")
	clock.Advance(30 * time.Second)
	c.Seen("b")
	clock.Advance(31 * time.Second)

	assert.False(t, c.Contains("a"))
	assert.True(t, c.Contains("b"))
	assert.False(t, c.Seen("a"), "expired keys count as new")
	assert.True(t, c.Seen("a"))
}

func TestCache_DuplicateDoesNotExtendWindow(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 10)

	c.Seen("a")
	clock.Advance(40 * time.Second)
	require.True(t, c.Seen("a"))
	clock.Advance(40 * time.Second)
	assert.False(t, c.Contains("a"))
}

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	c, _ := newTestCache(t, time.Hour, 3)

	for _, k := range []string{"a", "b", "c", "d"} {
		c.Seen(k)
	}
	assert.Equal(t, 3, c.Len())
	assert.False(t, c.Contains("a"))
	assert.True(t, c.Contains("d"))
}

func TestCache_SweepAndForget(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 10)

	c.Seen("a")
	c.Seen("b")
	clock.Advance(2 * time.Minute)
	c.Seen("c")
	// "c" triggered an inline expiry of a and b.
	assert.Equal(t, 1, c.Len())

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 0, c.Len())

	c.Seen("x")
	c.Forget("x")
	assert.False(t, c.Seen("x"))
}

func TestCache_BackgroundSweeper(t *testing.T) {
	c := New(time.Millisecond, 10, WithSweepInterval(5*time.Millisecond))
	defer c.Close()

	c.Seen("a")
	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestCache_ConcurrentSeen(t *testing.T) {
	c, _ := newTestCache(t, time.Hour, 1000)

	var fresh atomic.Int64
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				if !c.Seen(fmt.Sprintf("evt-%d", i)) {
					fresh.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(100), fresh.Load(), "each key is new exactly once")
}

func TestCache_CloseTwice(t *testing.T) {
	c := New(time.Minute, 10)
	c.Close()
	assert.NotPanics(t, c.Close)
}
