package common

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyedMutex(t *testing.T) {
	assert := assert.New(t)

	uut := KeyedMutex{}
	counters := map[string]int{"a": 0, "b": 0}
	wg := sync.WaitGroup{}
	for itr := 0; itr < 10; itr++ {
		for _, key := range []string{"a", "b"} {
			wg.Add(1)
			go func(key string) {
				defer wg.Done()
				for count := 0; count < 100; count++ {
					release := uut.Lock(key)
					counters[key]++
					release()
				}
			}(key)
		}
	}
	wg.Wait()
	assert.Equal(1000, counters["a"])
	assert.Equal(1000, counters["b"])
	assert.Equal(0, uut.Len())
}
