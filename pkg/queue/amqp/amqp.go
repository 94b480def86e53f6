// Package amqp implements the queue broker on RabbitMQ.
//
// Messages are fetched with basic.get without auto-ack. A released delivery
// is nacked with requeue; one that is neither acked nor released is requeued
// by the broker when the channel that received it closes.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/langmead-lab/recount-pump/pkg/queue"
)

// Config configures the AMQP broker.
type Config struct {
	// URL is an amqp:// or amqps:// connection URL.
	URL string
}

// Broker implements queue.Broker on an AMQP 0-9-1 connection.
type Broker struct {
	cfg    Config
	logger *zap.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
	gen  int
}

var (
	_ queue.Broker   = (*Broker)(nil)
	_ queue.Releaser = (*Broker)(nil)
)

// New dials the broker and opens the delivery channel.
func New(_ context.Context, cfg Config, logger *zap.Logger) (*Broker, error) {
	if cfg.URL == "" {
		return nil, errors.New("amqp queue: url is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Broker{cfg: cfg, logger: logger}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.connectLocked(); err != nil {
		return nil, queue.Wrap("amqp", "Connect", "", err)
	}
	return b, nil
}

// Name returns the backend identifier.
func (b *Broker) Name() string { return "amqp" }

// connectLocked (re)establishes the connection and delivery channel.
func (b *Broker) connectLocked() error {
	if b.conn == nil || b.conn.IsClosed() {
		conn, err := amqp.Dial(b.cfg.URL)
		if err != nil {
			return queue.ConnectionLost(err)
		}
		b.conn = conn
		b.ch = nil
	}
	if b.ch == nil || b.ch.IsClosed() {
		ch, err := b.conn.Channel()
		if err != nil {
			return queue.ConnectionLost(err)
		}
		b.ch = ch
		b.gen++
	}
	return nil
}

// channel returns the delivery channel, reconnecting if needed.
func (b *Broker) channel() (*amqp.Channel, int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.connectLocked(); err != nil {
		return nil, 0, err
	}
	return b.ch, b.gen, nil
}

// withScratchChannel runs fn on a short-lived channel. Passive declares and
// conditional deletes close their channel on failure, so they must not share
// the delivery channel.
func (b *Broker) withScratchChannel(fn func(*amqp.Channel) error) error {
	b.mu.Lock()
	if err := b.connectLocked(); err != nil {
		b.mu.Unlock()
		return err
	}
	conn := b.conn
	b.mu.Unlock()

	ch, err := conn.Channel()
	if err != nil {
		return queue.ConnectionLost(err)
	}
	defer func() {
		if !ch.IsClosed() {
			_ = ch.Close()
		}
	}()
	return mapError(fn(ch))
}

// Create declares a durable queue.
func (b *Broker) Create(_ context.Context, name string) error {
	return b.withScratchChannel(func(ch *amqp.Channel) error {
		_, err := ch.QueueDeclare(name, true, false, false, false, nil)
		return err
	})
}

// Exists declares the queue passively.
func (b *Broker) Exists(_ context.Context, name string) (bool, error) {
	err := b.withScratchChannel(func(ch *amqp.Channel) error {
		_, err := ch.QueueDeclarePassive(name, true, false, false, false, nil)
		return err
	})
	if errors.Is(err, queue.ErrQueueNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Delete removes the queue. RabbitMQ refuses a conditional delete of a
// non-empty queue with PRECONDITION_FAILED.
func (b *Broker) Delete(ctx context.Context, name string, ifEmpty bool) error {
	ok, err := b.Exists(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return queue.ErrQueueNotFound
	}
	return b.withScratchChannel(func(ch *amqp.Channel) error {
		_, err := ch.QueueDelete(name, false, ifEmpty, false)
		return err
	})
}

// Publish sends a persistent message through the default exchange.
func (b *Broker) Publish(ctx context.Context, name, body string) error {
	ok, err := b.Exists(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return queue.ErrQueueNotFound
	}

	ch, _, err := b.channel()
	if err != nil {
		return err
	}
	return mapError(ch.PublishWithContext(ctx, "", name, false, false, amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         []byte(body),
	}))
}

// Receive performs a basic.get without auto-ack.
func (b *Broker) Receive(_ context.Context, name string) (*queue.Message, error) {
	ch, gen, err := b.channel()
	if err != nil {
		return nil, err
	}
	d, ok, err := ch.Get(name, false)
	if err != nil {
		return nil, mapError(err)
	}
	if !ok {
		return nil, nil
	}

	id := d.MessageId
	if id == "" {
		id = strconv.FormatUint(d.DeliveryTag, 10)
	}
	return &queue.Message{
		ID:           id,
		Queue:        name,
		Body:         string(d.Body),
		Receipt:      fmt.Sprintf("%d:%d", gen, d.DeliveryTag),
		ReceiveCount: receiveCount(d),
		ReceivedAt:   time.Now(),
	}, nil
}

// Ack acknowledges a delivery on the channel that received it. If that
// channel has since been replaced the broker already requeued the message.
func (b *Broker) Ack(_ context.Context, msg *queue.Message) error {
	return b.settle("Ack", msg, func(ch *amqp.Channel, tag uint64) error {
		return ch.Ack(tag, false)
	})
}

// Release nacks a delivery with requeue so another consumer can take it
// without waiting for this channel to close.
func (b *Broker) Release(_ context.Context, msg *queue.Message) error {
	return b.settle("Release", msg, func(ch *amqp.Channel, tag uint64) error {
		return ch.Nack(tag, false, true)
	})
}

func (b *Broker) settle(op string, msg *queue.Message, fn func(*amqp.Channel, uint64) error) error {
	ch, cur, err := b.channel()
	if err != nil {
		return err
	}
	tag, live, err := deliveryTag(msg.Receipt, cur)
	if err != nil {
		return err
	}
	if !live {
		b.logger.Warn(op+" for delivery on a closed channel",
			zap.String("queue", msg.Queue),
			zap.String("message_id", msg.ID))
		return nil
	}
	return mapError(fn(ch, tag))
}

// deliveryTag returns the tag from a receipt and whether the receipt belongs
// to the current channel generation. Tags from earlier channels are
// meaningless on the current one.
func deliveryTag(receipt string, cur int) (uint64, bool, error) {
	gen, tag, err := parseReceipt(receipt)
	if err != nil {
		return 0, false, err
	}
	return tag, gen == cur, nil
}

// Close closes the channel and connection.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ch != nil && !b.ch.IsClosed() {
		_ = b.ch.Close()
	}
	if b.conn != nil && !b.conn.IsClosed() {
		return b.conn.Close()
	}
	return nil
}

func receiveCount(d amqp.Delivery) int {
	if v, ok := d.Headers["x-delivery-count"]; ok {
		switch n := v.(type) {
		case int64:
			return int(n) + 1
		case int32:
			return int(n) + 1
		case int:
			return n + 1
		}
	}
	if !d.Redelivered {
		return 1
	}
	return 0
}

func parseReceipt(receipt string) (gen int, tag uint64, err error) {
	g, t, ok := strings.Cut(receipt, ":")
	if !ok {
		return 0, 0, fmt.Errorf("%w: malformed receipt %q", queue.ErrProtocolViolation, receipt)
	}
	if gen, err = strconv.Atoi(g); err != nil {
		return 0, 0, fmt.Errorf("%w: malformed receipt %q", queue.ErrProtocolViolation, receipt)
	}
	if tag, err = strconv.ParseUint(t, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("%w: malformed receipt %q", queue.ErrProtocolViolation, receipt)
	}
	return gen, tag, nil
}

// mapError converts AMQP errors to queue sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, queue.ErrConnectionLost) {
		return err
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		switch amqpErr.Code {
		case amqp.NotFound:
			return fmt.Errorf("%w: %s", queue.ErrQueueNotFound, amqpErr.Reason)
		case amqp.PreconditionFailed:
			if strings.Contains(amqpErr.Reason, "not empty") {
				return fmt.Errorf("%w: %s", queue.ErrQueueNotEmpty, amqpErr.Reason)
			}
		case amqp.ConnectionForced, amqp.ChannelError, amqp.FrameError:
			return queue.ConnectionLost(err)
		}
		if !amqpErr.Server {
			return queue.ConnectionLost(err)
		}
		return err
	}
	if errors.Is(err, amqp.ErrClosed) {
		return queue.ConnectionLost(err)
	}
	return err
}
