// Package sqs implements the queue broker on AWS SQS.
package sqs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"go.uber.org/zap"

	"github.com/langmead-lab/recount-pump/internal/awscfg"
	"github.com/langmead-lab/recount-pump/pkg/queue"
)

// DefaultVisibilityTimeout is applied to queues created by this broker.
const DefaultVisibilityTimeout = 30 * time.Minute

// API is the subset of the SQS client used by the broker.
type API interface {
	CreateQueue(ctx context.Context, in *sqs.CreateQueueInput, optFns ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error)
	GetQueueUrl(ctx context.Context, in *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	GetQueueAttributes(ctx context.Context, in *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
	DeleteQueue(ctx context.Context, in *sqs.DeleteQueueInput, optFns ...func(*sqs.Options)) (*sqs.DeleteQueueOutput, error)
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Config configures the SQS broker.
type Config struct {
	awscfg.Options

	// VisibilityTimeout is set on queues this broker creates.
	VisibilityTimeout time.Duration
}

// Broker implements queue.Broker on SQS.
type Broker struct {
	client API
	cfg    Config
	logger *zap.Logger

	urls sync.Map // queue name -> URL
}

var _ queue.Broker = (*Broker)(nil)

// New creates a broker using the AWS default credential chain.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Broker, error) {
	awsCfg, err := awscfg.Load(ctx, cfg.Options)
	if err != nil {
		return nil, queue.Wrap("sqs", "Connect", "", err)
	}

	var opts []func(*sqs.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	return NewFromClient(sqs.NewFromConfig(awsCfg, opts...), cfg, logger), nil
}

// NewFromClient wraps an existing client.
func NewFromClient(client API, cfg Config, logger *zap.Logger) *Broker {
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{client: client, cfg: cfg, logger: logger}
}

// Name returns the backend identifier.
func (b *Broker) Name() string { return "sqs" }

func (b *Broker) queueURL(ctx context.Context, name string) (string, error) {
	if v, ok := b.urls.Load(name); ok {
		return v.(string), nil
	}
	out, err := b.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err != nil {
		return "", mapError(err)
	}
	url := aws.ToString(out.QueueUrl)
	b.urls.Store(name, url)
	return url, nil
}

// Create creates the queue with the configured visibility timeout.
func (b *Broker) Create(ctx context.Context, name string) error {
	out, err := b.client.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName: aws.String(name),
		Attributes: map[string]string{
			string(types.QueueAttributeNameVisibilityTimeout): strconv.Itoa(int(b.cfg.VisibilityTimeout / time.Second)),
		},
	})
	if err != nil {
		return mapError(err)
	}
	b.urls.Store(name, aws.ToString(out.QueueUrl))
	return nil
}

// Exists resolves the queue URL.
func (b *Broker) Exists(ctx context.Context, name string) (bool, error) {
	_, err := b.queueURL(ctx, name)
	if errors.Is(err, queue.ErrQueueNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Delete removes the queue. ifEmpty consults the approximate visible and
// in-flight counts, which SQS only updates eventually.
func (b *Broker) Delete(ctx context.Context, name string, ifEmpty bool) error {
	url, err := b.queueURL(ctx, name)
	if err != nil {
		return err
	}

	if ifEmpty {
		out, err := b.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
			QueueUrl: aws.String(url),
			AttributeNames: []types.QueueAttributeName{
				types.QueueAttributeNameApproximateNumberOfMessages,
				types.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
			},
		})
		if err != nil {
			return mapError(err)
		}
		for _, attr := range []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
			types.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
		} {
			if n, _ := strconv.Atoi(out.Attributes[string(attr)]); n > 0 {
				return queue.ErrQueueNotEmpty
			}
		}
	}

	if _, err := b.client.DeleteQueue(ctx, &sqs.DeleteQueueInput{QueueUrl: aws.String(url)}); err != nil {
		return mapError(err)
	}
	b.urls.Delete(name)
	return nil
}

// Publish sends one message.
func (b *Broker) Publish(ctx context.Context, name, body string) error {
	url, err := b.queueURL(ctx, name)
	if err != nil {
		return err
	}
	_, err = b.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(url),
		MessageBody: aws.String(body),
	})
	return mapError(err)
}

// Receive requests a single message without long polling.
func (b *Broker) Receive(ctx context.Context, name string) (*queue.Message, error) {
	url, err := b.queueURL(ctx, name)
	if err != nil {
		return nil, err
	}
	out, err := b.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(url),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     0,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, mapError(err)
	}
	if len(out.Messages) == 0 {
		return nil, nil
	}

	m := out.Messages[0]
	count, _ := strconv.Atoi(m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
	return &queue.Message{
		ID:           aws.ToString(m.MessageId),
		Queue:        name,
		Body:         aws.ToString(m.Body),
		Receipt:      aws.ToString(m.ReceiptHandle),
		ReceiveCount: count,
		ReceivedAt:   time.Now(),
	}, nil
}

// Ack deletes the message by receipt handle.
func (b *Broker) Ack(ctx context.Context, msg *queue.Message) error {
	url, err := b.queueURL(ctx, msg.Queue)
	if err != nil {
		return err
	}
	_, err = b.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(url),
		ReceiptHandle: aws.String(msg.Receipt),
	})
	return mapError(err)
}

// Close is a no-op; the SDK client holds no connections that need release.
func (b *Broker) Close() error {
	return nil
}

// mapError converts SQS errors to queue sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var notExist *types.QueueDoesNotExist
	if errors.As(err, &notExist) {
		return fmt.Errorf("%w: %v", queue.ErrQueueNotFound, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AWS.SimpleQueueService.NonExistentQueue", "QueueDoesNotExist":
			return fmt.Errorf("%w: %v", queue.ErrQueueNotFound, err)
		case "ServiceUnavailable", "InternalError", "RequestThrottled", "ThrottlingException":
			return queue.ConnectionLost(err)
		}
		return err
	}

	var sendErr *smithyhttp.RequestSendError
	var netErr net.Error
	if errors.As(err, &sendErr) || errors.As(err, &netErr) {
		return queue.ConnectionLost(err)
	}
	return err
}
