package framework

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWakeQueueOrder(t *testing.T) {
	q := NewWakeQueue(4)
	require.Equal(t, 4, q.Cap())
	for i := 0; i < 3; i++ {
		require.False(t, q.Push(WakeNotification{Source: TaskID(i), At: time.Duration(i)}))
	}
	for i := 0; i < 3; i++ {
		n, ok := q.Pop()
		require.True(t, ok)
		require.Equal(t, TaskID(i), n.Source)
	}
	_, ok := q.Pop()
	require.False(t, ok)
}

func TestWakeQueueDropsOldest(t *testing.T) {
	q := NewWakeQueue(4)
	for i := 0; i < 6; i++ {
		q.Push(WakeNotification{At: time.Duration(i)})
	}
	require.EqualValues(t, 2, q.Dropped())
	var got []time.Duration
	for {
		n, ok := q.Pop()
		if !ok {
			break
		}
		got = append(got, n.At)
	}
	require.Equal(t, []time.Duration{2, 3, 4, 5}, got)
}

func TestWakeQueueConcurrentProducers(t *testing.T) {
	q := NewWakeQueue(16)
	const producers, perProducer = 4, 1000
	var wg sync.WaitGroup
	done := make(chan struct{})
	popped := 0
	go func() {
		defer close(done)
		for {
			if _, ok := q.Pop(); ok {
				popped++
				continue
			}
			if popped+int(q.Dropped()) == producers*perProducer {
				return
			}
		}
	}()
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Push(WakeNotification{Source: TaskID(p)})
			}
		}(p)
	}
	wg.Wait()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not drain the queue")
	}
	require.Equal(t, producers*perProducer, popped+int(q.Dropped()))
}
