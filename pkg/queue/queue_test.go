package queue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langmead-lab/recount-pump/pkg/queue"
	"github.com/langmead-lab/recount-pump/pkg/queue/memory"
)

func newService(t *testing.T) (*queue.Service, *memory.Broker) {
	t.Helper()
	b := memory.New(memory.Config{VisibilityTimeout: time.Minute})
	svc := queue.NewService(b, nil)
	require.NoError(t, svc.Create(context.Background(), "jobs"))
	return svc, b
}

func TestServiceGetEmptyIsNotAnError(t *testing.T) {
	svc, _ := newService(t)
	msg, err := svc.Get(context.Background(), "jobs")
	require.NoError(t, err)
	assert.Nil(t, msg)
	assert.Nil(t, svc.Outstanding())
}

func TestServiceSecondGetIsProtocolViolation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	require.NoError(t, svc.Publish(ctx, "jobs", "a"))
	require.NoError(t, svc.Publish(ctx, "jobs", "b"))

	first, err := svc.Get(ctx, "jobs")
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := svc.Get(ctx, "jobs")
	assert.Nil(t, second)
	require.Error(t, err)
	assert.True(t, queue.IsProtocolViolation(err))

	var qe *queue.Error
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, "memory", qe.Backend)
	assert.Equal(t, "Get", qe.Op)

	require.NoError(t, svc.Ack(ctx, first))
	next, err := svc.Get(ctx, "jobs")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "b", next.Body)
}

func TestServiceAckRequiresOutstanding(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	err := svc.Ack(ctx, &queue.Message{Queue: "jobs", Receipt: "nope"})
	assert.True(t, queue.IsProtocolViolation(err))

	err = svc.Ack(ctx, nil)
	assert.True(t, queue.IsProtocolViolation(err))

	require.NoError(t, svc.Publish(ctx, "jobs", "a"))
	msg, err := svc.Get(ctx, "jobs")
	require.NoError(t, err)

	err = svc.Ack(ctx, &queue.Message{Queue: "jobs", Receipt: "other"})
	assert.True(t, queue.IsProtocolViolation(err))
	assert.Same(t, msg, svc.Outstanding())
}

func TestServiceReleaseLeavesMessageForRedelivery(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	b := memory.New(memory.Config{
		VisibilityTimeout: 10 * time.Second,
		Now:               func() time.Time { return now },
	})
	svc := queue.NewService(b, nil)
	require.NoError(t, svc.Create(ctx, "jobs"))
	require.NoError(t, svc.Publish(ctx, "jobs", "1 jobA input#1 analysis#7 ref#2"))

	msg, err := svc.Get(ctx, "jobs")
	require.NoError(t, err)
	require.NoError(t, svc.Release(ctx, msg))
	assert.Nil(t, svc.Outstanding())

	// Still invisible inside the window.
	again, err := svc.Get(ctx, "jobs")
	require.NoError(t, err)
	assert.Nil(t, again)

	now = now.Add(11 * time.Second)
	again, err = svc.Get(ctx, "jobs")
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, msg.Body, again.Body)
	assert.Equal(t, msg.ID, again.ID)
	assert.Equal(t, 2, again.ReceiveCount)
}

// nackBroker requeues released messages through the memory broker by
// acknowledging them and publishing the body again.
type nackBroker struct {
	*memory.Broker
	released []string
	err      error
}

func (b *nackBroker) Release(ctx context.Context, msg *queue.Message) error {
	b.released = append(b.released, msg.ID)
	if b.err != nil {
		return b.err
	}
	if err := b.Broker.Ack(ctx, msg); err != nil {
		return err
	}
	return b.Broker.Publish(ctx, msg.Queue, msg.Body)
}

func TestServiceReleaseUsesBrokerReleaser(t *testing.T) {
	ctx := context.Background()
	b := &nackBroker{Broker: memory.New(memory.Config{VisibilityTimeout: time.Hour})}
	svc := queue.NewService(b, nil)
	require.NoError(t, svc.Create(ctx, "jobs"))
	require.NoError(t, svc.Publish(ctx, "jobs", "1 jobA input#1 analysis#7 ref#2"))

	msg, err := svc.Get(ctx, "jobs")
	require.NoError(t, err)
	require.NoError(t, svc.Release(ctx, msg))
	assert.Equal(t, []string{msg.ID}, b.released)
	assert.Nil(t, svc.Outstanding())

	// Available again well inside the visibility window.
	again, err := svc.Get(ctx, "jobs")
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, msg.Body, again.Body)

	b.err = queue.ErrConnectionLost
	err = svc.Release(ctx, again)
	assert.True(t, queue.IsConnectionLost(err))
	var qe *queue.Error
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, "Release", qe.Op)
	assert.Nil(t, svc.Outstanding(), "handle is free even when the broker release fails")

	err = svc.Release(ctx, again)
	assert.True(t, queue.IsProtocolViolation(err))
}

func TestServiceValidatesNames(t *testing.T) {
	svc, _ := newService(t)
	for _, name := range []string{"", "has space", "slash/name", string(make([]byte, 81))} {
		err := svc.Publish(context.Background(), name, "x")
		assert.ErrorIs(t, err, queue.ErrInvalidName, "name %q", name)
	}
}

func TestServiceErrorsWrapSentinels(t *testing.T) {
	ctx := context.Background()
	svc, b := newService(t)

	_, err := svc.Get(ctx, "missing")
	assert.True(t, queue.IsNotFound(err))

	require.NoError(t, svc.Publish(ctx, "jobs", "x"))
	err = svc.Delete(ctx, "jobs", true)
	assert.ErrorIs(t, err, queue.ErrQueueNotEmpty)

	require.NoError(t, svc.Delete(ctx, "jobs", false))
	ok, err := svc.Exists(ctx, "jobs")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Close())
	_, err = svc.Exists(ctx, "jobs")
	assert.True(t, queue.IsConnectionLost(err))
}
