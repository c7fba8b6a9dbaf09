package keylock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMap_Lock(t *testing.T) {
	t.Run("serializes holders of the same key", func(t *testing.T) {
		m := New()
		counter := 0

		var wg sync.WaitGroup
		for range 50 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				unlock := m.Lock("order-1")
				defer unlock()
				v := counter
				time.Sleep(time.Microsecond)
				counter = v + 1
			}()
		}
		wg.Wait()

		assert.Equal(t, 50, counter)
		assert.Equal(t, 0, m.Len())
	})

	t.Run("different keys do not block each other", func(t *testing.T) {
		m := New()
		unlockA := m.Lock("a")
		defer unlockA()

		done := make(chan struct{})
		go func() {
			unlock := m.Lock("b")
			unlock()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("lock on b blocked behind a")
		}
	})

	t.Run("unlock is safe to call twice", func(t *testing.T) {
		m := New()
		unlock := m.Lock("a")
		unlock()
		unlock()
		assert.Equal(t, 0, m.Len())
	})
}

func TestMap_LockAll(t *testing.T) {
	m := New()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			keys := []string{"x", "y", "z"}
			if i%2 == 0 {
				keys = []string{"z", "y", "x", "x"}
			}
			unlock := m.LockAll(keys)
			unlock()
		}()
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		require.FailNow(t, "overlapping LockAll calls deadlocked")
	}
	assert.Equal(t, 0, m.Len())
}
