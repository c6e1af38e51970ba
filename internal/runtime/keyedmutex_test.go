package runtime

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyedMutexSerialisesPerKey(t *testing.T) {
	k := newKeyedMutex()
	counts := map[string]*int{"a": new(int), "b": new(int)}
	var wg sync.WaitGroup

	for i := range 50 {
		key := "a"
		if i%2 == 0 {
			key = "b"
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock(key)
			defer unlock()
			// Only the holder of key touches its counter.
			*counts[key]++
		}()
	}
	wg.Wait()

	assert.Equal(t, 25, *counts["a"])
	assert.Equal(t, 25, *counts["b"])
	assert.Zero(t, k.size())
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	k := newKeyedMutex()
	unlockA := k.Lock("a")
	unlockB := k.Lock("b")
	assert.Equal(t, 2, k.size())
	unlockA()
	unlockB()
	assert.Zero(t, k.size())
}
