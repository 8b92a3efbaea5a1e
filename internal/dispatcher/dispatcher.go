package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/gammazero/deque"
)

var ErrDispatcherClosed = errors.New("dispatcher has been closed")

// Dispatcher receives values from multiple goroutines in a thread-safe manner and hands them,
// one at a time and in write order, to the dispatchFunc running on a single goroutine.
// dispatchFunc returns false when it could not hand off the value because the context was cancelled.
// From then on (and for any value still queued once the context is cancelled) values go to discardFunc.
type Dispatcher[T any] struct {
	ctx               context.Context
	mutex             sync.Mutex
	queue             deque.Deque[T]
	bufferHasElements chan struct{}
	dispatchFunc      func(T) bool
	discardFunc       func(T)
	waitGroup         sync.WaitGroup
	writeCount        atomic.Uint64
	readCount         atomic.Uint64
	closed            bool
}

// New creates a dispatcher and starts its goroutine. Initial values are queued before the
// goroutine starts, so they are always either dispatched or discarded.
func New[T any](ctx context.Context, dispatchFunc func(T) bool, discardFunc func(T), initial ...T) *Dispatcher[T] {
	dispatcher := &Dispatcher[T]{
		ctx:               ctx,
		bufferHasElements: make(chan struct{}, 1),
		dispatchFunc:      dispatchFunc,
		discardFunc:       discardFunc,
	}

	if len(initial) > 0 {
		for _, value := range initial {
			dispatcher.queue.PushBack(value)
		}
		dispatcher.writeCount.Add(uint64(len(initial)))
		dispatcher.bufferHasElements <- struct{}{}
	}

	dispatcher.waitGroup.Add(1)
	go dispatcher.run()

	return dispatcher
}

// Write appends values to the dispatcher's queue
func (d *Dispatcher[T]) Write(values ...T) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.closed {
		return ErrDispatcherClosed
	}

	for _, value := range values {
		d.queue.PushBack(value)
	}
	d.writeCount.Add(uint64(len(values)))

	// Notify there are elements in the queue
	select {
	case d.bufferHasElements <- struct{}{}:
	default:
	}

	return nil
}

// WriteCount returns the number of elements written to the dispatcher
func (d *Dispatcher[T]) WriteCount() uint64 {
	return d.writeCount.Load()
}

// ReadCount returns the number of elements taken from the queue, whether dispatched or discarded
func (d *Dispatcher[T]) ReadCount() uint64 {
	return d.readCount.Load()
}

// Len returns the number of elements waiting in the queue
func (d *Dispatcher[T]) Len() uint64 {
	writeCount := d.writeCount.Load()
	readCount := d.readCount.Load()

	if writeCount < readCount {
		return 0
	}

	return writeCount - readCount
}

// Close stops accepting writes. Queued elements are still dispatched.
func (d *Dispatcher[T]) Close() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.closed {
		return
	}
	d.closed = true
	close(d.bufferHasElements)
}

// Wait blocks until every element written has been dispatched or discarded
func (d *Dispatcher[T]) Wait() {
	d.waitGroup.Wait()
}

// CloseAndWait closes the dispatcher and waits for all pending elements to be processed
func (d *Dispatcher[T]) CloseAndWait() {
	d.Close()
	d.Wait()
}

func (d *Dispatcher[T]) pop() (value T, ok bool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.queue.Len() == 0 {
		return
	}

	d.readCount.Add(1)
	return d.queue.PopFront(), true
}

// run pops elements from the queue and processes them using the dispatchFunc
func (d *Dispatcher[T]) run() {
	defer d.waitGroup.Done()

	for {
		// Prioritize context cancellation over dispatching
		select {
		case <-d.ctx.Done():
			d.discardAll()
			return
		default:
		}

		select {
		case <-d.ctx.Done():
			d.discardAll()
			return
		case _, ok := <-d.bufferHasElements:

			for {
				value, found := d.pop()
				if !found {
					break
				}

				if !d.dispatchFunc(value) {
					d.discardFunc(value)
					d.discardAll()
					return
				}
			}

			if !ok {
				// Closed and fully drained
				return
			}
		}
	}
}

// discardAll refuses further writes and hands every queued element to the discardFunc
func (d *Dispatcher[T]) discardAll() {
	d.mutex.Lock()
	if !d.closed {
		d.closed = true
		close(d.bufferHasElements)
	}
	pending := make([]T, 0, d.queue.Len())
	for d.queue.Len() > 0 {
		pending = append(pending, d.queue.PopFront())
	}
	d.readCount.Add(uint64(len(pending)))
	d.mutex.Unlock()

	for _, value := range pending {
		d.discardFunc(value)
	}
}
