package dataplane

import (
	"errors"
	"sync"
	"time"

	"github.com/flexradio/waveform-sdk/internal/logging"
	"github.com/flexradio/waveform-sdk/internal/rtsched"
)

// Task is one unit of deferred work dispatched off the data-plane read
// loop, per spec.md §4.3: classification and framing happen on the
// single-threaded reader, everything else runs here.
type Task func()

// ErrQueueFull is returned by Enqueue when the queue has no room. The
// caller drops the packet and logs rather than blocking the read loop.
var ErrQueueFull = errors.New("dataplane: worker queue full")

// WorkQueue is a bounded FIFO drained by one worker goroutine in strict
// enqueue order. It is the channel-backed pool pattern turned into a work
// queue: producers never block, and the single consumer polls with a
// timeout so Stop doesn't have to race a blocking receive.
type WorkQueue struct {
	tasks chan Task
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
	log   logging.Logger
}

// NewWorkQueue creates a worker queue with room for size pending tasks
// and starts its drain goroutine at the default logger.
func NewWorkQueue(size int) *WorkQueue {
	return NewWorkQueueWithLogger(size, logging.Default())
}

// NewWorkQueueWithLogger is NewWorkQueue with an explicit logger for the
// scheduling-priority degrade-gracefully warning (§5's thread C).
func NewWorkQueueWithLogger(size int, log logging.Logger) *WorkQueue {
	if size <= 0 {
		size = 1
	}
	q := &WorkQueue{
		tasks: make(chan Task, size),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
		log:   log,
	}
	go q.run()
	return q
}

// Enqueue appends a task, returning ErrQueueFull immediately rather than
// blocking if the queue is at capacity.
func (q *WorkQueue) Enqueue(t Task) error {
	select {
	case q.tasks <- t:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *WorkQueue) run() {
	defer close(q.done)
	if err := rtsched.PinCurrentThread(rtsched.DataWorker); err != nil {
		q.log.Warn("failed to set realtime priority for worker queue, continuing at default priority",
			logging.Field{Key: "error", Value: err})
	}

	timer := time.NewTicker(time.Second)
	defer timer.Stop()

	for {
		select {
		case t := <-q.tasks:
			t()
		case <-timer.C:
			// Wake periodically so a Stop signaled while the queue is
			// idle is noticed promptly rather than waiting on the next
			// task to arrive.
			select {
			case <-q.stop:
				q.drain()
				return
			default:
			}
		case <-q.stop:
			q.drain()
			return
		}
	}
}

// drain runs every task already accepted before shutdown, preserving
// enqueue order for work the producer believes succeeded.
func (q *WorkQueue) drain() {
	for {
		select {
		case t := <-q.tasks:
			t()
		default:
			return
		}
	}
}

// Stop signals the worker to drain pending tasks and exit, then waits
// for it to finish. Safe to call more than once.
func (q *WorkQueue) Stop() {
	q.once.Do(func() { close(q.stop) })
	<-q.done
}
