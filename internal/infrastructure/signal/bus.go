package signal

import (
	"sync"

	"sfuclient/internal/core/domain"
)

// Control frames the server sends to end a session for good. The client
// does not reconnect on its own after either of them.
const (
	ControlKick = "kick"
	ControlBye  = "bye"

	// CloseKicked and CloseBye are the websocket close codes with the same meaning.
	CloseKicked = 4001
	CloseBye    = 4002
)

func isControl(env domain.Envelope) bool {
	return env.Kind == domain.EnvelopePush && (env.Type == ControlKick || env.Type == ControlBye)
}

// eventQueue is the status/message stream shared by the bus implementations.
// Emitters are tracked by wg so the channel is closed only once all of them
// have returned.
type eventQueue struct {
	events chan domain.BusEvent
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func newEventQueue(size int) *eventQueue {
	return &eventQueue{
		events: make(chan domain.BusEvent, size),
		done:   make(chan struct{}),
	}
}

func (q *eventQueue) emit(ev domain.BusEvent) {
	select {
	case q.events <- ev:
	case <-q.done:
	}
}

func (q *eventQueue) stop() {
	q.once.Do(func() { close(q.done) })
}

// drain waits for every tracked goroutine and closes the stream.
func (q *eventQueue) drain() {
	q.wg.Wait()
	close(q.events)
}
