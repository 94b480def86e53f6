// Package queue defines the work-queue contract used to dispatch tasks to
// workers.
//
// Delivery is at-least-once. A received message stays invisible to other
// consumers for the broker's visibility window; if it is not acknowledged in
// that window it becomes deliverable again. Consumers must therefore tolerate
// duplicates.
package queue

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Message is one received queue message.
type Message struct {
	// ID is the broker-assigned message identifier.
	ID string

	// Queue is the name the message was received from.
	Queue string

	// Body is the raw message payload.
	Body string

	// Receipt identifies this particular delivery for acknowledgement.
	Receipt string

	// ReceiveCount is the number of times the broker has delivered the
	// message, when the broker tracks it. Zero means unknown.
	ReceiveCount int

	// ReceivedAt is when this delivery was received.
	ReceivedAt time.Time
}

// Broker is implemented by each queue backend.
//
// Receive returns (nil, nil) when no message is available. Implementations
// must be safe for concurrent use.
type Broker interface {
	Create(ctx context.Context, name string) error
	Exists(ctx context.Context, name string) (bool, error)
	Delete(ctx context.Context, name string, ifEmpty bool) error
	Receive(ctx context.Context, name string) (*Message, error)
	Ack(ctx context.Context, msg *Message) error
	Publish(ctx context.Context, name, body string) error
	Close() error
}

// Releaser is implemented by brokers that can hand a delivery back before
// its visibility window lapses. Brokers without a window must implement it
// or released messages stay claimed until the consumer disconnects.
type Releaser interface {
	Release(ctx context.Context, msg *Message) error
}

// Named is implemented by brokers that report a backend identifier.
type Named interface {
	Name() string
}

var validName = regexp.MustCompile(`^[A-Za-z0-9_-]{1,80}$`)

// ValidateName rejects names that not every backend can represent.
func ValidateName(name string) error {
	if !validName.MatchString(name) {
		return fmt.Errorf("%w: %q (want 1-80 of [A-Za-z0-9_-])", ErrInvalidName, name)
	}
	return nil
}

// Service is a queue handle that enforces at most one outstanding message.
//
// A handle that has received a message must Ack or Release it before the
// next Get. This mirrors how a worker processes one task at a time and
// catches bookkeeping bugs that would otherwise surface as silent duplicates.
type Service struct {
	broker  Broker
	backend string
	logger  *zap.Logger

	mu          sync.Mutex
	outstanding *Message
}

// NewService wraps a broker. A nil logger disables logging.
func NewService(broker Broker, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	backend := "queue"
	if n, ok := broker.(Named); ok {
		backend = n.Name()
	}
	return &Service{broker: broker, backend: backend, logger: logger}
}

// Backend returns the backend identifier.
func (s *Service) Backend() string {
	return s.backend
}

// Create creates the queue if it does not exist.
func (s *Service) Create(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return Wrap(s.backend, "Create", name, err)
	}
	return Wrap(s.backend, "Create", name, s.broker.Create(ctx, name))
}

// Exists reports whether the queue exists.
func (s *Service) Exists(ctx context.Context, name string) (bool, error) {
	if err := ValidateName(name); err != nil {
		return false, Wrap(s.backend, "Exists", name, err)
	}
	ok, err := s.broker.Exists(ctx, name)
	return ok, Wrap(s.backend, "Exists", name, err)
}

// Delete removes the queue. With ifEmpty it fails with ErrQueueNotEmpty when
// messages remain.
func (s *Service) Delete(ctx context.Context, name string, ifEmpty bool) error {
	if err := ValidateName(name); err != nil {
		return Wrap(s.backend, "Delete", name, err)
	}
	return Wrap(s.backend, "Delete", name, s.broker.Delete(ctx, name, ifEmpty))
}

// Publish enqueues a message body.
func (s *Service) Publish(ctx context.Context, name, body string) error {
	if err := ValidateName(name); err != nil {
		return Wrap(s.backend, "Publish", name, err)
	}
	return Wrap(s.backend, "Publish", name, s.broker.Publish(ctx, name, body))
}

// Get receives at most one message. It returns (nil, nil) when the queue is
// empty. Calling Get while a previous message is outstanding is a
// protocol violation.
func (s *Service) Get(ctx context.Context, name string) (*Message, error) {
	if err := ValidateName(name); err != nil {
		return nil, Wrap(s.backend, "Get", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.outstanding != nil {
		return nil, Wrap(s.backend, "Get", name,
			fmt.Errorf("%w: message %s is still outstanding", ErrProtocolViolation, s.outstanding.ID))
	}

	msg, err := s.broker.Receive(ctx, name)
	if err != nil {
		return nil, Wrap(s.backend, "Get", name, err)
	}
	if msg == nil {
		return nil, nil
	}
	s.outstanding = msg
	s.logger.Debug("Received message",
		zap.String("queue", name),
		zap.String("message_id", msg.ID),
		zap.Int("receive_count", msg.ReceiveCount))
	return msg, nil
}

// Ack acknowledges the outstanding message, removing it from the queue.
func (s *Service) Ack(ctx context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOutstanding("Ack", msg); err != nil {
		return err
	}
	// A failed ack leaves the message to the visibility window; the handle is
	// free either way.
	s.outstanding = nil
	return Wrap(s.backend, "Ack", msg.Queue, s.broker.Ack(ctx, msg))
}

// Release gives up the outstanding message without acknowledging it. A
// broker that implements Releaser requeues it now; others redeliver it once
// its visibility window lapses.
func (s *Service) Release(ctx context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOutstanding("Release", msg); err != nil {
		return err
	}
	s.outstanding = nil
	s.logger.Debug("Released message for redelivery",
		zap.String("queue", msg.Queue),
		zap.String("message_id", msg.ID))
	if r, ok := s.broker.(Releaser); ok {
		return Wrap(s.backend, "Release", msg.Queue, r.Release(ctx, msg))
	}
	return nil
}

// Outstanding returns the message awaiting Ack or Release, if any.
func (s *Service) Outstanding() *Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outstanding
}

// Close closes the underlying broker.
func (s *Service) Close() error {
	return s.broker.Close()
}

func (s *Service) checkOutstanding(op string, msg *Message) error {
	if msg == nil {
		return Wrap(s.backend, op, "", fmt.Errorf("%w: nil message", ErrProtocolViolation))
	}
	if s.outstanding == nil {
		return Wrap(s.backend, op, msg.Queue,
			fmt.Errorf("%w: no message outstanding", ErrProtocolViolation))
	}
	if s.outstanding.Receipt != msg.Receipt {
		return Wrap(s.backend, op, msg.Queue,
			fmt.Errorf("%w: message %s is not the outstanding message %s", ErrProtocolViolation, msg.ID, s.outstanding.ID))
	}
	return nil
}
