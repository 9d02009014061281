package worker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	started bool
	tasks   []Task
	seen    chan struct{}
}

func (r *recorder) Start() {
	r.mu.Lock()
	r.started = true
	r.mu.Unlock()
}

func (r *recorder) Handle(t Task) {
	r.mu.Lock()
	r.tasks = append(r.tasks, t)
	r.mu.Unlock()
	select {
	case r.seen <- struct{}{}:
	default:
	}
}

func TestWorkerHandlesTasksInOrder(t *testing.T) {
	var wg sync.WaitGroup
	w := NewWorker("test", &wg)
	r := &recorder{seen: make(chan struct{}, 1)}
	w.Start(r)
	for i := 0; i < 10; i++ {
		require.True(t, w.TrySend(i))
	}
	w.Stop()
	wg.Wait()

	assert.True(t, r.started)
	require.Len(t, r.tasks, 10)
	for i, task := range r.tasks {
		assert.Equal(t, i, task)
	}
	assert.False(t, w.TrySend(11))
	w.Stop()
}

func TestWorkerSchedule(t *testing.T) {
	var wg sync.WaitGroup
	w := NewWorker("ticker", &wg)
	r := &recorder{seen: make(chan struct{}, 1)}
	w.Start(r)
	w.Schedule(5*time.Millisecond, "tick")
	select {
	case <-r.seen:
	case <-time.After(time.Second):
		t.Fatal("scheduled task never ran")
	}
	w.Stop()
	wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Equal(t, "tick", r.tasks[0])
}
