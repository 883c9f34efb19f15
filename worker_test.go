package hoard

import (
	"sync"
	"testing"
	"time"

	assertion "github.com/stretchr/testify/assert"
)

func TestJobQueueFIFOOrder(t *testing.T) {
	assert := assertion.New(t)
	q := newJobQueue()

	var order []int
	var mu sync.Mutex
	done := make(chan struct{})

	go func() {
		for i := 0; i < 5; i++ {
			j, ok := q.pop()
			if !ok {
				return
			}
			j.run()
		}
		close(done)
	}()

	for i := 0; i < 5; i++ {
		n := i
		q.push(job{kind: jobFlushDirty, run: func() {
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
		}})
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("jobs did not drain in time")
	}
	assert.Equal([]int{0, 1, 2, 3, 4}, order)
}

func TestJobQueueCloseUnblocksPop(t *testing.T) {
	assert := assertion.New(t)
	q := newJobQueue()
	done := make(chan bool)
	go func() {
		_, ok := q.pop()
		done <- ok
	}()
	q.close()
	select {
	case ok := <-done:
		assert.False(ok)
	case <-time.After(time.Second):
		t.Fatal("pop did not unblock after close")
	}
}

func TestRunBurstSequentialWhenDisabled(t *testing.T) {
	assert := assertion.New(t)
	var seen []PageId
	var mu sync.Mutex
	runBurst(false, []PageId{1, 2, 3}, func(id PageId) {
		mu.Lock()
		seen = append(seen, id)
		mu.Unlock()
	})
	assert.Equal([]PageId{1, 2, 3}, seen)
}

func TestRunBurstCoversAllItemsWhenEnabled(t *testing.T) {
	assert := assertion.New(t)
	var mu sync.Mutex
	seen := map[PageId]bool{}
	ids := []PageId{1, 2, 3, 4, 5, 6, 7, 8}
	runBurst(true, ids, func(id PageId) {
		mu.Lock()
		seen[id] = true
		mu.Unlock()
	})
	assert.Len(seen, len(ids))
}
