package engine

import "sync"

// subscriberBufferSize is the channel buffer for each log subscriber.
// Entries are dropped for a subscriber that falls this far behind.
const subscriberBufferSize = 64

// LogBroker fans accepted task log entries out to live subscribers, one
// topic per task. It is safe for concurrent use.
//
// Closed topics are retained as markers so that a subscriber arriving after
// the task finished receives a closed channel instead of blocking forever.
// Each marker is a few bytes; CleanupTerminal-scale task volumes keep that
// negligible.
type LogBroker struct {
	mu     sync.Mutex
	topics map[string]*logTopic
}

type logTopic struct {
	subs   map[int]chan string
	nextID int
	closed bool
}

// NewLogBroker creates an empty broker.
func NewLogBroker() *LogBroker {
	return &LogBroker{
		topics: make(map[string]*logTopic),
	}
}

// Subscribe returns a channel receiving the task's log entries and an
// unsubscribe function. If the task already finished, the returned channel
// is closed immediately.
func (b *LogBroker) Subscribe(taskID string) (<-chan string, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[taskID]
	if !ok {
		t = &logTopic{subs: make(map[int]chan string)}
		b.topics[taskID] = t
	}

	ch := make(chan string, subscriberBufferSize)
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

// Publish delivers one entry to every subscriber of the task. Subscribers
// with full buffers miss the entry; publishing never blocks the task.
func (b *LogBroker) Publish(taskID, entry string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[taskID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- entry:
		default:
		}
	}
}

// Close marks the task's stream finished. Subscriber channels close, and
// later Subscribe calls get an already-closed channel.
func (b *LogBroker) Close(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[taskID]
	if !ok {
		b.topics[taskID] = &logTopic{subs: make(map[int]chan string), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
