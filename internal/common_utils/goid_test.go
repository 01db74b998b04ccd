package commonutils

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGoID_DistinctPerGoroutine(t *testing.T) {
	self := GoID()
	assert.Positive(t, self)
	assert.Equal(t, self, GoID())

	var wg sync.WaitGroup
	ids := make([]int64, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i] = GoID()
		}(i)
	}
	wg.Wait()

	seen := map[int64]bool{self: true}
	for _, id := range ids {
		assert.False(t, seen[id], "goroutine id %d repeated", id)
		seen[id] = true
	}
}
