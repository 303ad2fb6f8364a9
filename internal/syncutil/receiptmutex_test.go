package syncutil

import (
	"sync"
	"testing"
)

func TestReceiptMutex_MutualExclusion(t *testing.T) {
	var rm ReceiptMutex

	const goroutines = 50
	const increments = 200

	counter := 0
	var wg sync.WaitGroup
	wg.Add(goroutines)

	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < increments; j++ {
				unlock := rm.Lock(42)
				counter++
				unlock()
			}
		}()
	}

	wg.Wait()
	if counter != goroutines*increments {
		t.Errorf("counter = %d, want %d", counter, goroutines*increments)
	}
}

func TestReceiptMutex_DistinctReceiptsDoNotDeadlock(t *testing.T) {
	var rm ReceiptMutex

	unlock1 := rm.Lock(1)
	unlock2 := rm.Lock(2)
	unlock2()
	unlock1()
}

func TestReceiptMutex_Reentry(t *testing.T) {
	var rm ReceiptMutex

	unlock := rm.Lock(99)
	unlock()

	// Same receipt can be locked again after release.
	unlock = rm.Lock(99)
	unlock()
}
