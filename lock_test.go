package credits

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	var km keyedMutex
	var wg sync.WaitGroup
	var inside [2]atomic.Int32
	var overlaps atomic.Int32

	for i := range 100 {
		k := i % 2
		key := []string{"a", "b"}[k]
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock(key)
			defer unlock()
			if inside[k].Add(1) > 1 {
				overlaps.Add(1)
			}
			time.Sleep(time.Microsecond)
			inside[k].Add(-1)
		}()
	}
	wg.Wait()

	if overlaps.Load() != 0 {
		t.Errorf("overlapping holders = %d", overlaps.Load())
	}
	if n := km.len(); n != 0 {
		t.Errorf("len() = %d after all unlocks, want 0", n)
	}
}

func TestKeyedMutexOtherKeysProceed(t *testing.T) {
	var km keyedMutex
	unlock := km.Lock("k")

	acquired := make(chan struct{})
	go func() {
		u := km.Lock("k")
		close(acquired)
		u()
	}()

	other := km.Lock("other")
	other()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a held key")
	default:
	}

	unlock()
	<-acquired
}
