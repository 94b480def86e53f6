// Package redis implements a visibility-timeout queue broker on Redis.
//
// Keys, per queue name:
//
//	<prefix>:<name>:meta        string  existence marker
//	<prefix>:<name>:pending     list    message ids, LPUSH on publish, RPOP on receive
//	<prefix>:<name>:bodies      hash    id -> body
//	<prefix>:<name>:counts      hash    id -> delivery count
//	<prefix>:<name>:claims      hash    receipt -> id
//	<prefix>:<name>:visibility  zset    receipt -> visibility deadline (unix ms)
//
// Receive and Ack run as Lua scripts so expired claims are promoted and the
// next message claimed in one atomic step.
package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/langmead-lab/recount-pump/pkg/queue"
)

const (
	// DefaultPrefix namespaces all keys.
	DefaultPrefix = "recount-pump"

	// DefaultVisibilityTimeout is used when Config.VisibilityTimeout is zero.
	DefaultVisibilityTimeout = 30 * time.Minute

	noQueueReply = "NOQUEUE"
)

// Config configures the Redis broker.
type Config struct {
	// URL is a redis:// or rediss:// URL. Takes precedence over Addr.
	URL string

	Addr     string
	Password string
	DB       int

	Prefix            string
	VisibilityTimeout time.Duration
}

// Broker implements queue.Broker on Redis.
type Broker struct {
	client *goredis.Client
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

var _ queue.Broker = (*Broker)(nil)

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Broker, error) {
	var opts *goredis.Options
	if cfg.URL != "" {
		var err error
		opts, err = goredis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis URL: %w", err)
		}
	} else {
		if cfg.Addr == "" {
			return nil, errors.New("redis queue: url or addr is required")
		}
		opts = &goredis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}
	}

	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, queue.Wrap("redis", "Connect", "", mapError(err))
	}
	return NewFromClient(client, cfg, logger), nil
}

// NewFromClient wraps an existing client.
func NewFromClient(client *goredis.Client, cfg Config, logger *zap.Logger) *Broker {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{client: client, cfg: cfg, logger: logger, now: time.Now}
}

// Name returns the backend identifier.
func (b *Broker) Name() string { return "redis" }

type keys struct {
	meta, pending, bodies, counts, claims, visibility string
}

func (b *Broker) keys(name string) keys {
	base := b.cfg.Prefix + ":" + name
	return keys{
		meta:       base + ":meta",
		pending:    base + ":pending",
		bodies:     base + ":bodies",
		counts:     base + ":counts",
		claims:     base + ":claims",
		visibility: base + ":visibility",
	}
}

// Create writes the existence marker.
func (b *Broker) Create(ctx context.Context, name string) error {
	k := b.keys(name)
	return mapError(b.client.SetNX(ctx, k.meta, b.now().UTC().Format(time.RFC3339), 0).Err())
}

// Exists checks the existence marker.
func (b *Broker) Exists(ctx context.Context, name string) (bool, error) {
	n, err := b.client.Exists(ctx, b.keys(name).meta).Result()
	if err != nil {
		return false, mapError(err)
	}
	return n == 1, nil
}

// Delete removes all keys for the queue.
func (b *Broker) Delete(ctx context.Context, name string, ifEmpty bool) error {
	k := b.keys(name)
	ok, err := b.Exists(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return queue.ErrQueueNotFound
	}

	if ifEmpty {
		pipe := b.client.Pipeline()
		pending := pipe.LLen(ctx, k.pending)
		claimed := pipe.HLen(ctx, k.claims)
		if _, err := pipe.Exec(ctx); err != nil {
			return mapError(err)
		}
		if pending.Val()+claimed.Val() > 0 {
			return queue.ErrQueueNotEmpty
		}
	}

	return mapError(b.client.Del(ctx, k.meta, k.pending, k.bodies, k.counts, k.claims, k.visibility).Err())
}

var publishScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return redis.error_reply('NOQUEUE')
end
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
redis.call('LPUSH', KEYS[3], ARGV[1])
return 1
`)

// Publish stores the body and enqueues its id.
func (b *Broker) Publish(ctx context.Context, name, body string) error {
	k := b.keys(name)
	id := uuid.NewString()
	return mapError(publishScript.Run(ctx, b.client, []string{k.meta, k.bodies, k.pending}, id, body).Err())
}

var receiveScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return redis.error_reply('NOQUEUE')
end
local expired = redis.call('ZRANGEBYSCORE', KEYS[6], '-inf', ARGV[1])
for _, r in ipairs(expired) do
  local eid = redis.call('HGET', KEYS[5], r)
  redis.call('HDEL', KEYS[5], r)
  redis.call('ZREM', KEYS[6], r)
  if eid then
    redis.call('RPUSH', KEYS[2], eid)
  end
end
local id = redis.call('RPOP', KEYS[2])
if not id then
  return false
end
local body = redis.call('HGET', KEYS[3], id)
local n = redis.call('HINCRBY', KEYS[4], id, 1)
redis.call('HSET', KEYS[5], ARGV[3], id)
redis.call('ZADD', KEYS[6], ARGV[2], ARGV[3])
return {id, body or '', n}
`)

// Receive promotes expired claims and claims the next message.
func (b *Broker) Receive(ctx context.Context, name string) (*queue.Message, error) {
	k := b.keys(name)
	now := b.now()
	receipt := uuid.NewString()
	deadline := now.Add(b.cfg.VisibilityTimeout)

	res, err := receiveScript.Run(ctx, b.client,
		[]string{k.meta, k.pending, k.bodies, k.counts, k.claims, k.visibility},
		now.UnixMilli(), deadline.UnixMilli(), receipt,
	).Slice()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("unexpected receive reply: %v", res)
	}

	id, _ := res[0].(string)
	body, _ := res[1].(string)
	count, _ := res[2].(int64)

	return &queue.Message{
		ID:           id,
		Queue:        name,
		Body:         body,
		Receipt:      receipt,
		ReceiveCount: int(count),
		ReceivedAt:   now,
	}, nil
}

var ackScript = goredis.NewScript(`
local id = redis.call('HGET', KEYS[1], ARGV[1])
if not id then
  return 0
end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], id)
redis.call('HDEL', KEYS[4], id)
return 1
`)

// Ack removes the claim and the message. A receipt whose claim already
// expired is ignored; the message stays queued for its next consumer.
func (b *Broker) Ack(ctx context.Context, msg *queue.Message) error {
	k := b.keys(msg.Queue)
	n, err := ackScript.Run(ctx, b.client, []string{k.claims, k.visibility, k.bodies, k.counts}, msg.Receipt).Int()
	if err != nil {
		return mapError(err)
	}
	if n == 0 {
		b.logger.Warn("Ack for expired claim",
			zap.String("queue", msg.Queue),
			zap.String("message_id", msg.ID))
	}
	return nil
}

// Close closes the client.
func (b *Broker) Close() error {
	return b.client.Close()
}

// mapError converts go-redis errors into queue sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if strings.HasPrefix(err.Error(), noQueueReply) {
		return queue.ErrQueueNotFound
	}

	var netErr net.Error
	switch {
	case errors.As(err, &netErr),
		errors.Is(err, goredis.ErrClosed),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF):
		return queue.ConnectionLost(err)
	}
	return err
}
