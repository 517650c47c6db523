package runner

import "sync"

// subscriberBufferSize is the channel buffer for each output subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// OutputEvent is one line of engine output together with its sequence
// number. The sequence matches the seq persisted with the line, so a client
// that reconnects can resume from the history endpoint without gaps.
type OutputEvent struct {
	Seq  int    `json:"seq"`
	Line string `json:"line"`
}

// Broker manages per-invocation output streaming to subscribers.
// It is safe for concurrent use.
//
// Closed topics are retained as markers so that late subscribers (those
// subscribing after an invocation finishes) receive a closed channel instead
// of blocking forever. Each marker is a few bytes, which is acceptable for
// the expected invocation volume.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*outputTopic
}

type outputTopic struct {
	subs   map[int]chan OutputEvent
	nextID int
	closed bool
}

// NewBroker creates a new output broker.
func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]*outputTopic),
	}
}

// Subscribe returns a channel that receives output events for the given
// invocation and an unsubscribe function. If the invocation has already
// finished (Close was called), the returned channel is immediately closed.
func (b *Broker) Subscribe(invocationID string) (<-chan OutputEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[invocationID]
	if !ok {
		t = &outputTopic{subs: make(map[int]chan OutputEvent)}
		b.topics[invocationID] = t
	}

	ch := make(chan OutputEvent, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends an output event to all subscribers of the given invocation.
// Events are dropped for subscribers whose buffers are full.
func (b *Broker) Publish(invocationID string, ev OutputEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[invocationID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			// Drop event for slow subscribers to avoid blocking execution.
		}
	}
}

// Close signals that no more output will be published for the given
// invocation. All subscriber channels are closed and future Subscribe calls
// return a closed channel.
func (b *Broker) Close(invocationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[invocationID]
	if !ok {
		// Create a closed marker so late subscribers get a closed channel.
		b.topics[invocationID] = &outputTopic{subs: make(map[int]chan OutputEvent), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
