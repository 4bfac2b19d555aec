// Package watch provides the publish/subscribe queue the catalog uses to
// fan out committed topology events to watchers.
package watch

import (
	"sync"

	events "github.com/docker/go-events"
)

// dropErrClosed is a sink that suppresses ErrSinkClosed from Write, to avoid
// debug log messages that may be confusing. It is possible that the queue
// will try to write an event to its destination channel while the queue is
// being removed from the broadcaster. Since the channel is closed before the
// queue, there is a narrow window when this is possible.
type dropErrClosed struct {
	sink events.Sink
}

func (s dropErrClosed) Write(event events.Event) error {
	err := s.sink.Write(event)
	if err == events.ErrSinkClosed {
		err = nil
	}
	return err
}

func (s dropErrClosed) Close() error {
	return s.sink.Close()
}

// Queue is the structure used to publish events and watch for them.
type Queue struct {
	mu          sync.Mutex
	broadcast   *events.Broadcaster
	cancelFuncs map[events.Sink]func()
}

// NewQueue creates a new publish/subscribe queue which supports watchers.
func NewQueue() *Queue {
	return &Queue{
		broadcast:   events.NewBroadcaster(),
		cancelFuncs: make(map[events.Sink]func()),
	}
}

// Watch returns a channel which will receive all items published to the
// queue from this point, until cancel is called. Cancellation closes the
// channel.
func (q *Queue) Watch() (eventq chan events.Event, cancel func()) {
	return q.CallbackWatch(nil)
}

// CallbackWatch returns a channel which will receive all events published to
// the queue from this point that pass the check in the provided callback
// function. The returned cancel function stops the flow of events and closes
// the channel.
func (q *Queue) CallbackWatch(matcher events.Matcher) (eventq chan events.Event, cancel func()) {
	chEvents := events.NewChannel(0)
	sink := events.Sink(events.NewQueue(dropErrClosed{sink: chEvents}))

	if matcher != nil {
		sink = events.NewFilter(sink, matcher)
	}

	q.broadcast.Add(sink)

	// The queue owns the channel handed to the watcher. go-events closes
	// only its internal done signal, never Channel.C, so events are
	// forwarded here and the owned channel is closed once the sink is
	// canceled.
	outChan := make(chan events.Event)
	go func() {
		defer close(outChan)
		for {
			select {
			case <-chEvents.Done():
				return
			case ev := <-chEvents.C:
				select {
				case outChan <- ev:
				case <-chEvents.Done():
					return
				}
			}
		}
	}()

	cancelFunc := func() {
		q.broadcast.Remove(sink)
		chEvents.Close()
		sink.Close()
	}

	externalCancelFunc := func() {
		q.mu.Lock()
		cancelFunc := q.cancelFuncs[sink]
		delete(q.cancelFuncs, sink)
		q.mu.Unlock()

		if cancelFunc != nil {
			cancelFunc()
		}
	}

	q.mu.Lock()
	q.cancelFuncs[sink] = cancelFunc
	q.mu.Unlock()

	return outChan, externalCancelFunc
}

// Publish adds an item to the queue.
func (q *Queue) Publish(item events.Event) {
	q.broadcast.Write(item)
}

// Close closes the queue and frees the associated resources.
func (q *Queue) Close() error {
	// Make sure all watchers have been closed to avoid a deadlock when
	// closing the broadcaster.
	q.mu.Lock()
	for _, cancelFunc := range q.cancelFuncs {
		cancelFunc()
	}
	q.cancelFuncs = make(map[events.Sink]func())
	q.mu.Unlock()

	return q.broadcast.Close()
}
