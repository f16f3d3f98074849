package asyncmap

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// testClock is a manually advanced time source.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestMapBasicOperations(t *testing.T) {
	m := New[string, int]()

	_, ok := m.Get("a")
	require.False(t, ok)
	require.Zero(t, m.Size())

	m.Set("a", 1)
	m.Set("b", 2)
	require.True(t, m.Has("a"))
	require.Equal(t, 2, m.Size())

	v, ok := m.Get("b")
	require.True(t, ok)
	require.Equal(t, 2, v)

	require.False(t, m.Add("a", 10))
	require.True(t, m.Add("c", 3))

	v, ok = m.Pop("a")
	require.True(t, ok)
	require.Equal(t, 1, v)
	require.False(t, m.Has("a"))

	_, ok = m.Pop("a")
	require.False(t, ok)

	require.ElementsMatch(t, []string{"b", "c"}, m.Keys())
}

func TestMapKeysOrderedByInsertion(t *testing.T) {
	clock := newTestClock()
	m := New[string, int](WithClock(clock.Now))

	for i, k := range []string{"z", "y", "x"} {
		m.Set(k, i)
		clock.Advance(time.Second)
	}

	require.Equal(t, []string{"z", "y", "x"}, m.Keys())

	entries := m.Entries()
	require.Len(t, entries, 3)
	require.Equal(t, "x", entries[2].Key)
	require.Equal(t, 2, entries[2].Value)
	require.Equal(t, clock.Now().Add(-time.Second), entries[2].InsertedAt)

	// Entries is a copy; the map keeps its contents.
	require.Equal(t, 3, m.Size())
}

func TestMapScanRemovesMatches(t *testing.T) {
	m := New[string, int]()
	for i, k := range []string{"a", "b", "c", "d"} {
		m.Set(k, i)
	}

	found := m.Scan(func(_ string, v int) bool {
		return v%2 == 0
	})

	keys := make([]string, 0, len(found))
	for _, e := range found {
		keys = append(keys, e.Key)
	}
	require.ElementsMatch(t, []string{"a", "c"}, keys)
	require.ElementsMatch(t, []string{"b", "d"}, m.Keys())
}

func TestMapTransitionRestampsEntries(t *testing.T) {
	clock := newTestClock()
	m := New[string, string](WithClock(clock.Now))

	m.Set("a", "dirty")
	m.Set("b", "clean")
	clock.Advance(time.Minute)

	changed := m.Transition(func(_ string, v string) (string, bool) {
		if v != "dirty" {
			return v, false
		}
		return "pending", true
	})
	require.Len(t, changed, 1)
	require.Equal(t, "a", changed[0].Key)
	require.Equal(t, "pending", changed[0].Value)
	require.Equal(t, clock.Now(), changed[0].InsertedAt)

	// Only the untouched entry is old enough to expire.
	expired := m.Expire(30 * time.Second)
	require.Len(t, expired, 1)
	require.Equal(t, "b", expired[0].Key)

	v, ok := m.Get("a")
	require.True(t, ok)
	require.Equal(t, "pending", v)
}

func TestMapExpire(t *testing.T) {
	clock := newTestClock()
	m := New[string, int](WithClock(clock.Now))

	m.Set("old", 1)
	clock.Advance(8 * time.Second)
	m.Set("new", 2)
	clock.Advance(3 * time.Second)

	expired := m.Expire(10 * time.Second)
	require.Len(t, expired, 1)
	require.Equal(t, "old", expired[0].Key)
	require.Equal(t, 1, expired[0].Value)
	require.False(t, m.Has("old"))
	require.True(t, m.Has("new"))

	// Nothing else is old enough yet.
	require.Empty(t, m.Expire(10*time.Second))
}

func TestMapRestoreKeepsTimestamp(t *testing.T) {
	clock := newTestClock()
	m := New[string, bool](WithClock(clock.Now))

	m.Restore("persisted", true, clock.Now().Add(-time.Hour))
	m.Set("fresh", true)

	expired := m.Expire(time.Minute)
	require.Len(t, expired, 1)
	require.Equal(t, "persisted", expired[0].Key)
}

// TestFIFOLockOrder verifies that waiters acquire the lock in the order they
// queued.
func TestFIFOLockOrder(t *testing.T) {
	var l fifoLock
	l.lock()

	const n = 8
	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l.lock()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			l.unlock()
		}(i)

		// Wait for the goroutine to enqueue before starting the next.
		require.Eventually(t, func() bool {
			l.mu.Lock()
			defer l.mu.Unlock()
			return len(l.waiters) == i+1
		}, time.Second, time.Millisecond)
	}

	l.unlock()
	wg.Wait()

	expected := make([]int, n)
	for i := range expected {
		expected[i] = i
	}
	require.Equal(t, expected, order)
}

// TestScanPopExclusive verifies that an entry is claimed by exactly one of a
// concurrent Scan and Pop.
func TestScanPopExclusive(t *testing.T) {
	for i := 0; i < 200; i++ {
		m := New[string, int]()
		m.Set("k", 1)

		var (
			wg      sync.WaitGroup
			scanned []Entry[string, int]
			popped  bool
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			scanned = m.Scan(func(string, int) bool { return true })
		}()
		go func() {
			defer wg.Done()
			_, popped = m.Pop("k")
		}()
		wg.Wait()

		claims := len(scanned)
		if popped {
			claims++
		}
		require.Equal(t, 1, claims)
	}
}

// TestMapMatchesModel checks the Map against a plain map under random
// operation sequences.
func TestMapMatchesModel(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := New[string, int]()
		model := make(map[string]int)

		keyGen := rapid.SampledFrom([]string{"a", "b", "c", "d", "e"})

		t.Repeat(map[string]func(*rapid.T){
			"set": func(t *rapid.T) {
				k := keyGen.Draw(t, "key")
				v := rapid.Int().Draw(t, "value")
				m.Set(k, v)
				model[k] = v
			},
			"add": func(t *rapid.T) {
				k := keyGen.Draw(t, "key")
				v := rapid.Int().Draw(t, "value")
				_, exists := model[k]
				if m.Add(k, v) == exists {
					t.Fatalf("Add(%q) disagreed with model", k)
				}
				if !exists {
					model[k] = v
				}
			},
			"pop": func(t *rapid.T) {
				k := keyGen.Draw(t, "key")
				v, ok := m.Pop(k)
				want, wantOK := model[k]
				if ok != wantOK || v != want {
					t.Fatalf("Pop(%q) = %d,%v want %d,%v",
						k, v, ok, want, wantOK)
				}
				delete(model, k)
			},
			"scanEven": func(t *rapid.T) {
				found := m.Scan(func(_ string, v int) bool {
					return v%2 == 0
				})
				for _, e := range found {
					if model[e.Key] != e.Value {
						t.Fatalf("scan returned stale %q", e.Key)
					}
					delete(model, e.Key)
				}
				for k, v := range model {
					if v%2 == 0 {
						t.Fatalf("scan missed %q", k)
					}
				}
			},
			"": func(t *rapid.T) {
				if m.Size() != len(model) {
					t.Fatalf("size %d, model %d",
						m.Size(), len(model))
				}
				for k, v := range model {
					got, ok := m.Get(k)
					if !ok || got != v {
						t.Fatalf("Get(%q) = %d,%v want %d",
							k, got, ok, v)
					}
				}
			},
		})
	})
}
