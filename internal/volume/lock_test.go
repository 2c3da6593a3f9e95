package volume

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLockManager_TryLock(t *testing.T) {
	lm := NewLockManager()

	assert.True(t, lm.TryLock("alice/vol"))
	assert.False(t, lm.TryLock("alice/vol"))
	assert.True(t, lm.TryLock("alice/other"))

	lm.Unlock("alice/vol")
	assert.True(t, lm.TryLock("alice/vol"))
}

func TestLockManager_ConcurrentTryLock(t *testing.T) {
	lm := NewLockManager()

	var acquired int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if lm.TryLock("alice/vol") {
				atomic.AddInt32(&acquired, 1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), acquired)
}
