// Package worker runs tasks on a single named goroutine.
package worker

import (
	"sync"
	"time"
)

type TaskStop struct{}

type Task interface{}

type TaskHandler interface {
	Handle(t Task)
}

type Starter interface {
	Start()
}

// Worker feeds tasks to a TaskHandler one at a time.
type Worker struct {
	name     string
	sender   chan<- Task
	receiver <-chan Task
	closeCh  chan struct{}
	stopOnce sync.Once
	wg       *sync.WaitGroup
}

func (w *Worker) Start(handler TaskHandler) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if s, ok := handler.(Starter); ok {
			s.Start()
		}
		for {
			task := <-w.receiver
			if _, ok := task.(TaskStop); ok {
				return
			}
			handler.Handle(task)
		}
	}()
}

// Schedule sends task every interval until the worker stops. A tick is dropped
// when the queue is full.
func (w *Worker) Schedule(interval time.Duration, task Task) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.closeCh:
				return
			case <-ticker.C:
				w.TrySend(task)
			}
		}
	}()
}

func (w *Worker) Name() string {
	return w.name
}

// TrySend queues task without blocking and reports whether it was queued.
func (w *Worker) TrySend(task Task) bool {
	select {
	case <-w.closeCh:
		return false
	default:
	}
	select {
	case w.sender <- task:
		return true
	default:
		return false
	}
}

// Stop asks the worker to exit after the tasks already queued. It is idempotent.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.closeCh)
		w.sender <- TaskStop{}
	})
}

const defaultWorkerCapacity = 128

func NewWorker(name string, wg *sync.WaitGroup) *Worker {
	ch := make(chan Task, defaultWorkerCapacity)
	return &Worker{
		sender:   (chan<- Task)(ch),
		receiver: (<-chan Task)(ch),
		closeCh:  make(chan struct{}),
		name:     name,
		wg:       wg,
	}
}
