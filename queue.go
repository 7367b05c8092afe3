package jingle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Connect-Club/connectclub-jingle-session/internal/volatile"
)

// QueueTask mutates the peer connection and eventually signals its own
// completion by invoking done exactly once, with nil or the task's error.
type QueueTask func(done func(err error))

type queueEntry struct {
	work       QueueTask
	completion func(err error)
}

// ModificationQueue serializes every peer-connection-mutating task: at most
// one task is in flight, submissions are buffered FIFO, and each completion
// callback fires exactly once after the task's done signal. A failed task
// does not drain the queue.
type ModificationQueue struct {
	log     *logrus.Entry
	entries chan queueEntry
	done    chan Signal
	cancel  context.CancelFunc
	stopped *volatile.Value[bool]
}

func NewModificationQueue(log *logrus.Entry) *ModificationQueue {
	ctx, cancel := context.WithCancel(context.Background())
	queue := &ModificationQueue{
		log:     log,
		entries: make(chan queueEntry, 256),
		done:    make(chan Signal),
		cancel:  cancel,
		stopped: volatile.NewValue(false),
	}
	go func() {
		defer close(queue.done)
	cycle:
		for {
			select {
			case <-ctx.Done():
				break cycle
			case entry := <-queue.entries:
				// stop wins over buffered work
				select {
				case <-ctx.Done():
					if entry.completion != nil {
						entry.completion(QueueStoppedError)
					}
					break cycle
				default:
				}
				queue.run(entry)
			}
		}
		queue.drain()
	}()
	return queue
}

func (queue *ModificationQueue) run(entry queueEntry) {
	queue.log.Info("⤵")
	defer queue.log.Info("⤴")

	errCh := make(chan error, 1)
	doneOnce := sync.Once{}
	entry.work(func(err error) {
		doneOnce.Do(func() {
			errCh <- err
		})
	})
	err := <-errCh
	if err != nil {
		queue.log.WithError(err).Warn("queued task failed")
	}
	if entry.completion != nil {
		entry.completion(err)
	}
}

// drain fails every buffered entry after stop so no completion is lost.
func (queue *ModificationQueue) drain() {
	for {
		select {
		case entry := <-queue.entries:
			if entry.completion != nil {
				entry.completion(QueueStoppedError)
			}
		default:
			return
		}
	}
}

// Push buffers a task. completion may be nil; it receives the task's error,
// or QueueStoppedError when the queue was stopped before the task ran.
func (queue *ModificationQueue) Push(work QueueTask, completion func(err error)) {
	if queue.stopped.Load() {
		if completion != nil {
			completion(QueueStoppedError)
		}
		return
	}
	queue.entries <- queueEntry{work: work, completion: completion}
}

// Stop cancels the worker after the in-flight task, fails buffered tasks and
// waits for the worker to exit.
func (queue *ModificationQueue) Stop(timeout time.Duration) error {
	queue.stopped.Store(true)
	queue.cancel()

	select {
	case <-queue.done:
		return nil
	case <-time.After(timeout):
		return errors.New("timeout")
	}
}
