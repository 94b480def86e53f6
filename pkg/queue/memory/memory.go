// Package memory provides an in-process queue broker with visibility
// timeouts. It backs tests and single-host runs.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/langmead-lab/recount-pump/pkg/queue"
)

// DefaultVisibilityTimeout is used when Config.VisibilityTimeout is zero.
const DefaultVisibilityTimeout = 30 * time.Second

// Config configures the memory broker.
type Config struct {
	VisibilityTimeout time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

type item struct {
	id      string
	body    string
	deliver int
}

type inflight struct {
	item      item
	visibleAt time.Time
}

type memQueue struct {
	pending  []item
	inflight map[string]inflight
}

// Broker is a mutex-guarded map of named queues.
type Broker struct {
	cfg Config

	mu      sync.Mutex
	queues  map[string]*memQueue
	counter uint64
	closed  bool
}

var _ queue.Broker = (*Broker)(nil)

// New creates an empty broker.
func New(cfg Config) *Broker {
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Broker{cfg: cfg, queues: make(map[string]*memQueue)}
}

// Name returns the backend identifier.
func (b *Broker) Name() string { return "memory" }

func (b *Broker) lookup(name string) (*memQueue, error) {
	if b.closed {
		return nil, queue.ConnectionLost(fmt.Errorf("broker closed"))
	}
	q, ok := b.queues[name]
	if !ok {
		return nil, queue.ErrQueueNotFound
	}
	return q, nil
}

// Create creates the queue if it does not exist.
func (b *Broker) Create(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return queue.ConnectionLost(fmt.Errorf("broker closed"))
	}
	if _, ok := b.queues[name]; !ok {
		b.queues[name] = &memQueue{inflight: make(map[string]inflight)}
	}
	return nil
}

// Exists reports whether the queue exists.
func (b *Broker) Exists(_ context.Context, name string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false, queue.ConnectionLost(fmt.Errorf("broker closed"))
	}
	_, ok := b.queues[name]
	return ok, nil
}

// Delete removes the queue.
func (b *Broker) Delete(_ context.Context, name string, ifEmpty bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, err := b.lookup(name)
	if err != nil {
		return err
	}
	if ifEmpty && (len(q.pending) > 0 || len(q.inflight) > 0) {
		return queue.ErrQueueNotEmpty
	}
	delete(b.queues, name)
	return nil
}

// Publish appends a message to the queue.
func (b *Broker) Publish(_ context.Context, name, body string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, err := b.lookup(name)
	if err != nil {
		return err
	}
	q.pending = append(q.pending, item{id: uuid.NewString(), body: body})
	return nil
}

// Receive claims the oldest visible message.
func (b *Broker) Receive(_ context.Context, name string) (*queue.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, err := b.lookup(name)
	if err != nil {
		return nil, err
	}

	now := b.cfg.Now()
	b.requeueExpired(q, now)
	if len(q.pending) == 0 {
		return nil, nil
	}

	it := q.pending[0]
	q.pending = q.pending[1:]
	it.deliver++

	b.counter++
	receipt := fmt.Sprintf("mem:%s:%d", it.id, b.counter)
	q.inflight[receipt] = inflight{item: it, visibleAt: now.Add(b.cfg.VisibilityTimeout)}

	return &queue.Message{
		ID:           it.id,
		Queue:        name,
		Body:         it.body,
		Receipt:      receipt,
		ReceiveCount: it.deliver,
		ReceivedAt:   now,
	}, nil
}

// Ack deletes a claimed message. Acking a receipt whose visibility window
// already lapsed is a no-op: the message has been handed out again.
func (b *Broker) Ack(_ context.Context, msg *queue.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, err := b.lookup(msg.Queue)
	if err != nil {
		return err
	}
	delete(q.inflight, msg.Receipt)
	return nil
}

// Len returns the number of pending and in-flight messages.
func (b *Broker) Len(name string) (pending, inFlight int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return 0, 0
	}
	return len(q.pending), len(q.inflight)
}

// Close marks the broker closed; later calls fail with ErrConnectionLost.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *Broker) requeueExpired(q *memQueue, now time.Time) {
	for receipt, f := range q.inflight {
		if f.visibleAt.After(now) {
			continue
		}
		q.pending = append(q.pending, f.item)
		delete(q.inflight, receipt)
	}
}
