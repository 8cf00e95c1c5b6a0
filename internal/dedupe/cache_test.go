// ABOUTME: Tests for the seen-id cache: TTL expiry, size eviction, atomicity.
// ABOUTME: Observe is the hot path used by the conversation service on every push.

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_ObserveNewID(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Close()

	assert.False(t, c.Observe("msg-1"), "first observation is not a duplicate")
	assert.True(t, c.Observe("msg-1"), "second observation is a duplicate")
}

func TestCache_SeenDoesNotRecord(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Close()

	assert.False(t, c.Seen("msg-1"))
	assert.False(t, c.Observe("msg-1"), "Seen must not have recorded the id")
	assert.True(t, c.Seen("msg-1"))
}

func TestCache_TTLExpiry(t *testing.T) {
	c := New(20*time.Millisecond, 100)
	defer c.Close()

	c.Observe("msg-1")
	assert.True(t, c.Seen("msg-1"))

	time.Sleep(40 * time.Millisecond)
	assert.False(t, c.Seen("msg-1"), "expired id is no longer seen")
	assert.False(t, c.Observe("msg-1"), "expired id can be re-observed as new")
}

func TestCache_SizeEvictionDropsOldest(t *testing.T) {
	c := New(time.Minute, 3)
	defer c.Close()

	c.Observe("a")
	c.Observe("b")
	c.Observe("c")
	c.Observe("d") // evicts "a"

	assert.False(t, c.Seen("a"))
	assert.True(t, c.Seen("b"))
	assert.True(t, c.Seen("c"))
	assert.True(t, c.Seen("d"))
	assert.Equal(t, 3, c.Len())
}

func TestCache_ObserveRefreshesEvictionOrder(t *testing.T) {
	c := New(time.Minute, 3)
	defer c.Close()

	c.Observe("a")
	c.Observe("b")
	c.Observe("c")
	c.Observe("a") // duplicate, but moves "a" to the back
	c.Observe("d") // evicts "b", the oldest untouched id

	assert.True(t, c.Seen("a"))
	assert.False(t, c.Seen("b"))
}

func TestCache_Sweep(t *testing.T) {
	c := New(10*time.Millisecond, 100)
	defer c.Close()

	for i := 0; i < 5; i++ {
		c.Observe(fmt.Sprintf("msg-%d", i))
	}
	assert.Equal(t, 5, c.Len())

	time.Sleep(30 * time.Millisecond)
	c.sweep()
	assert.Zero(t, c.Len())
}

func TestCache_ConcurrentObserve(t *testing.T) {
	c := New(time.Minute, 1000)
	defer c.Close()

	// Exactly one goroutine per id must win the first observation.
	var mu sync.Mutex
	firsts := make(map[string]int)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				id := fmt.Sprintf("msg-%d", i)
				if !c.Observe(id) {
					mu.Lock()
					firsts[id]++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	for id, n := range firsts {
		assert.Equal(t, 1, n, "id %s had %d first observations", id, n)
	}
}

func TestCache_CloseTwice(t *testing.T) {
	c := New(time.Minute, 10)
	c.Close()
	c.Close()
}
